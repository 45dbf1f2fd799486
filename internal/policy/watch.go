package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Source supplies the policy table in effect right now.
type Source interface {
	Current() *Table
}

// Holder serves a table that can be swapped atomically on reload.
type Holder struct {
	table atomic.Pointer[Table]
}

// NewHolder returns a Holder serving t, or [Builtin] when t is nil.
func NewHolder(t *Table) *Holder {
	if t == nil {
		t = Builtin()
	}
	h := &Holder{}
	h.table.Store(t)
	return h
}

// Current returns the table in effect.
func (h *Holder) Current() *Table {
	return h.table.Load()
}

// Store replaces the table in effect. A nil table is ignored.
func (h *Holder) Store(t *Table) {
	if t != nil {
		h.table.Store(t)
	}
}

// Watch reloads the policy document at path into h whenever it changes,
// until ctx is cancelled. The parent directory is watched so editors
// that replace the file by rename are picked up. A document that fails
// to load swaps in [Builtin] rather than keeping a stale permissive
// table.
func Watch(ctx context.Context, path string, h *Holder, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve policy path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	logger.Info("watching policy file", "path", abs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			t := LoadOrBuiltin(abs, logger)
			h.Store(t)
			logger.Info("policy reloaded", "op", event.Op.String(), "source", t.Source(), "hats", len(t.names))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("policy watcher error", "error", err)
		}
	}
}
