package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fsLocatorPath reports whether locator names a local filesystem path
// (either a bare path or an explicit "fs://" locator) and, if so, returns
// the path with any scheme stripped.
func fsLocatorPath(locator string) (string, bool) {
	const prefix = "fs://"
	if strings.HasPrefix(locator, prefix) {
		return strings.TrimPrefix(locator, prefix), true
	}
	if strings.Contains(locator, "://") {
		return "", false
	}
	return locator, true
}

// watchFS watches the directory holding path and invokes trigger,
// debounced, whenever path itself changes: a single fsnotify.Watcher, a
// pending flag accumulated across events, and a debounce ticker that
// flushes it.
func watchFS(path string, debounce time.Duration, trigger func(), log func(event string, fields map[string]any)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("registry: new fsnotify watcher: %w", err)
	}

	dir := path
	if info, statErr := os.Stat(path); statErr == nil && !info.IsDir() {
		dir = filepath.Dir(path)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("registry: watch %q: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		var mu sync.Mutex
		pending := false
		ticker := time.NewTicker(debounce)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				watcher.Close()
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				mu.Lock()
				pending = true
				mu.Unlock()
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log("registry_fswatch_error", map[string]any{"error": werr.Error()})
			case <-ticker.C:
				mu.Lock()
				fire := pending
				pending = false
				mu.Unlock()
				if fire {
					trigger()
				}
			}
		}
	}()

	return func() { close(done) }, nil
}
