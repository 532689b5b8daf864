package registry

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// Watch observes a registry path on disk and invokes onChange after
// filesystem events settle. Events arriving within the debounce window
// collapse into a single callback. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addWatchTargets(w, path); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !relevantEvent(ev) {
				continue
			}
			// New subdirectories need their own watch.
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.Add(ev.Name)
				}
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("registry watch: %v", err)
		case <-fire:
			onChange()
		}
	}
}

func addWatchTargets(w *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		// Watch the parent so editor rename-and-replace saves are seen.
		return w.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
}

func relevantEvent(ev fsnotify.Event) bool {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return false
	}
	if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
		return true
	}
	switch strings.ToLower(filepath.Ext(ev.Name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
