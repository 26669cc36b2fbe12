// Package audit records trust decisions to an append-only trail.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mkarlsen/uabridge/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Subject   string `json:"subject"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// Trail writes every trust decision to <homeDir>/logs/audit.jsonl and, once
// the database is attached, to the trust_audit table as well.
type Trail struct {
	mu     sync.Mutex
	file   *os.File
	db     *sql.DB
	denies atomic.Int64
}

// Open creates the trail under homeDir.
func Open(homeDir string) (*Trail, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Trail{file: f}, nil
}

// AttachDB opens (or creates) the sqlite audit database at path and ensures
// the trust_audit table exists.
func (t *Trail) AttachDB(path string) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("open audit db: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS trust_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			decision TEXT NOT NULL,
			subject TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT
		);
	`)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("create trust_audit table: %w", err)
	}
	t.mu.Lock()
	t.db = db
	t.mu.Unlock()
	return nil
}

// Record appends one decision. Write failures are deliberately swallowed; the
// trail must never take the server down.
func (t *Trail) Record(decision, subject, status, reason string) {
	if decision == "reject" {
		t.denies.Add(1)
	}
	subject = shared.Redact(subject)
	reason = shared.Redact(reason)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Decision:  decision,
			Subject:   subject,
			Status:    status,
			Reason:    reason,
		}
		if b, err := json.Marshal(ev); err == nil {
			_, _ = t.file.Write(append(b, '\n'))
		}
	}
	if t.db != nil {
		_, _ = t.db.ExecContext(context.Background(), `
			INSERT INTO trust_audit (ts, decision, subject, status, reason)
			VALUES (?, ?, ?, ?, ?);
		`, time.Now().UTC().Format(time.RFC3339Nano), decision, subject, status, reason)
	}
}

// DenyCount returns the number of reject decisions recorded since Open.
func (t *Trail) DenyCount() int64 { return t.denies.Load() }

func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	if t.file != nil {
		firstErr = t.file.Close()
		t.file = nil
	}
	if t.db != nil {
		if err := t.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		t.db = nil
	}
	return firstErr
}
