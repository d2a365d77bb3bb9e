package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow collapses editor write bursts into a single reload.
const debounceWindow = 100 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk and hands
// every valid new snapshot to the registered callback. Invalid snapshots are
// logged and skipped; the previous configuration stays in effect.
type Watcher struct {
	path     string
	w        *fsnotify.Watcher
	onChange func(*Config)
	done     chan struct{}
}

// Watch starts watching path. The callback runs on the watcher goroutine.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors and config managers often
	// replace the file by rename, which drops a direct file watch.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	cw := &Watcher{
		path:     path,
		w:        w,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go cw.loop()
	return cw, nil
}

func (cw *Watcher) loop() {
	defer close(cw.done)
	var pending <-chan time.Time
	for {
		select {
		case ev, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(cw.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(debounceWindow)
		case <-pending:
			pending = nil
			cw.reload()
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			log.Printf("config watcher: %v", err)
		}
	}
}

func (cw *Watcher) reload() {
	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("config reload skipped: %v", err)
		return
	}
	cw.onChange(cfg)
}

// Close stops the watcher and waits for the loop to finish.
func (cw *Watcher) Close() error {
	err := cw.w.Close()
	<-cw.done
	return err
}
