package config

// #region imports
import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// #endregion

// #region watcher

// debounceWindow coalesces the burst of write events editors and atomic
// renames produce for a single save.
const debounceWindow = 200 * time.Millisecond

// Watch reloads the configuration whenever the live file changes on disk,
// until ctx is cancelled. Reload failures are logged and the previous
// snapshot stays active.
func (s *Service) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: editors and SetValue may replace the file.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		var debounceC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if debounce == nil {
					debounce = time.NewTimer(debounceWindow)
					debounceC = debounce.C
				} else {
					debounce.Reset(debounceWindow)
				}
			case <-debounceC:
				debounce = nil
				debounceC = nil
				changed, err := s.Reload()
				if err != nil {
					log.Printf("[CONFIG] reload failed: %v", err)
					continue
				}
				if len(changed) > 0 {
					log.Printf("[CONFIG] reloaded, changed keys: %v", changed)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[CONFIG] watch error: %v", err)
			}
		}
	}()
	return nil
}

// #endregion
