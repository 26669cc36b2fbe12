package pki

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/mkarlsen/uabridge/internal/bus"
	"github.com/mkarlsen/uabridge/internal/trust"
)

// Watcher reloads the trust store when the trusted-certificate directory
// changes, so newly provisioned client certificates take effect without a
// restart.
type Watcher struct {
	store  *trust.Store
	logger *slog.Logger
	events *bus.Bus
}

func NewWatcher(store *trust.Store, events *bus.Bus, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{store: store, logger: logger, events: events}
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.store.Dir()); err != nil {
		w.logger.Warn("trusted dir not watchable", "dir", w.store.Dir(), "error", err)
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := w.store.Reload(); err != nil {
					w.logger.Error("trust store reload failed", "error", err)
					continue
				}
				w.logger.Info("trust store reloaded", "trusted", w.store.Len(), "trigger", ev.Name)
				if w.events != nil {
					w.events.Publish(bus.TopicTrustStoreReload, w.store.Len())
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("trust store watcher error", "error", err)
			}
		}
	}()
	return nil
}
