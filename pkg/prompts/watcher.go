package prompts

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"atelier/pkg/logx"
)

// DefaultDebounce coalesces editor save bursts into one reload.
const DefaultDebounce = 200 * time.Millisecond

//nolint:gochecknoglobals // compiled once
var yamlGlob = glob.MustCompile("*.{yaml,yml}")

// Watcher reloads a Store whenever a YAML file under dir changes.
type Watcher struct {
	store    *Store
	dir      string
	debounce time.Duration
	logger   *logx.Logger
	onReload func(error)

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for dir. onReload, if set, is called after every
// reload attempt with its error.
func NewWatcher(store *Store, dir string, debounce time.Duration, onReload func(error)) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		store:    store,
		dir:      dir,
		debounce: debounce,
		logger:   logx.NewLogger("prompt-watcher"),
		onReload: onReload,
	}
}

// Start loads dir once and then watches it until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.store.LoadDir(w.dir); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create prompt watcher: %w", err)
	}
	err = filepath.WalkDir(w.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return fw.Add(p)
	})
	if err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	go w.loop(ctx, fw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer func() { _ = fw.Close() }()
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = fw.Add(ev.Name)
				}
			}
			if yamlGlob.Match(filepath.Base(ev.Name)) {
				w.schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error on %s: %v", w.dir, err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	err := w.store.LoadDir(w.dir)
	if err != nil {
		w.logger.Warn("prompt reload failed, keeping previous config: %v", err)
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}
