package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/profile"
)

// ProfileWatcher reloads a profile catalog whenever a profile_*.yaml file in
// the watched directory changes. Executions already bound keep their profile;
// only executions started after a reload see the new set.
type ProfileWatcher struct {
	dir      string
	catalog  *profile.Catalog
	debounce time.Duration
	logger   *slog.Logger
	onReload func(error)
}

// WatcherOption configures a ProfileWatcher.
type WatcherOption func(*ProfileWatcher)

// WithReloadHook registers a callback invoked after every reload attempt.
func WithReloadHook(fn func(error)) WatcherOption {
	return func(w *ProfileWatcher) { w.onReload = fn }
}

// WithDebounce sets the quiet period before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *ProfileWatcher) { w.debounce = d }
}

func NewProfileWatcher(dir string, catalog *profile.Catalog, opts ...WatcherOption) *ProfileWatcher {
	w := &ProfileWatcher{
		dir:      dir,
		catalog:  catalog,
		debounce: 100 * time.Millisecond,
		logger:   slog.Default().With("component", "profile-watcher"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is cancelled.
func (w *ProfileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isProfileFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				pending = time.After(w.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("profile watch error", "dir", w.dir, "error", err)
		case <-pending:
			pending = nil
			_ = w.Reload()
		}
	}
}

// Reload re-reads the directory and swaps the catalog. A broken file keeps
// the previous catalog contents.
func (w *ProfileWatcher) Reload() error {
	all, err := catalogProfiles(w.dir)
	if err == nil {
		err = w.catalog.Replace(all)
	}
	if err != nil {
		w.logger.Error("profile reload failed", "dir", w.dir, "error", err)
	} else {
		w.logger.Info("profiles reloaded", "dir", w.dir, "count", len(all))
	}
	if w.onReload != nil {
		w.onReload(err)
	}
	return err
}

func isProfileFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, "profile_") && strings.HasSuffix(base, ".yaml")
}
