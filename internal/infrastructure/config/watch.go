package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadDelay is how long the watcher waits after the last file event
// before reloading. Editors often write a file in several steps.
const ReloadDelay = 500 * time.Millisecond

// Watch reloads the configuration file whenever it changes and hands the
// validated result to onChange. Files that fail to load are reported to
// onError and the previous configuration stays in effect.
//
// The parent directory is watched rather than the file itself so that
// atomic replace-by-rename saves are seen. Watch returns once the watcher
// is running; it stops when ctx is canceled.
func Watch(ctx context.Context, path string, onChange func(*Config), onError func(error)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close() //nolint:errcheck // Already failing
		return fmt.Errorf("watching config directory: %w", err)
	}

	if onError == nil {
		onError = func(error) {}
	}

	go watchLoop(ctx, watcher, abs, onChange, onError)
	return nil
}

func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, onChange func(*Config), onError func(error)) {
	defer watcher.Close() //nolint:errcheck // Shutdown path

	var (
		mu     sync.Mutex
		reload *time.Timer
	)
	defer func() {
		mu.Lock()
		if reload != nil {
			reload.Stop()
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
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			mu.Lock()
			if reload != nil {
				reload.Stop()
			}
			reload = time.AfterFunc(ReloadDelay, func() {
				if ctx.Err() != nil {
					return
				}
				cfg, err := Load(path)
				if err != nil {
					onError(err)
					return
				}
				onChange(cfg)
			})
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			onError(fmt.Errorf("config watcher: %w", err))
		}
	}
}
