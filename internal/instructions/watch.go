package instructions

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of file events into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Watch reloads the instructions for cwd whenever an instruction file in
// one of the searched directories changes, and passes the new document to
// onChange. It returns once the watcher is installed; watching stops when
// ctx is done.
func (l *Loader) Watch(ctx context.Context, cwd string, onChange func(Document)) error {
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", cwd, err)
	}
	_, dirs := searchDirs(abs)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	names := make(map[string]bool)
	for _, n := range l.candidateNames() {
		names[n] = true
	}

	go l.watchLoop(ctx, watcher, abs, names, onChange)
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, cwd string, names map[string]bool, onChange func(Document)) {
	defer watcher.Close()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		doc, err := l.Load(cwd)
		if err != nil {
			l.logger().Warn("instruction reload failed", "error", err)
			return
		}
		onChange(doc)
	}
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(DefaultDebounce, func() {
			if ctx.Err() == nil {
				reload()
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !names[filepath.Base(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger().Warn("instruction watch error", "error", err)
		}
	}
}
