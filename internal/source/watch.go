package source

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher delivers wakeup hints when a local source file changes, so a poll
// loop can re-read ahead of its next interval. Hints are best-effort and
// coalesced; the interval timer remains the correctness mechanism.
type Watcher struct {
	fw   *fsnotify.Watcher
	path string
	c    chan struct{}
	done chan struct{}
}

// WatchFile watches the file at path for writes and creates. The parent
// directory is watched rather than the file itself so rotation and re-create
// are seen too.
func WatchFile(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		fw:   fw,
		path: abs,
		c:    make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// C returns the hint channel. It carries at most one pending hint.
func (w *Watcher) C() <-chan struct{} {
	return w.c
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if evAbs, err := filepath.Abs(ev.Name); err != nil || evAbs != w.path {
				continue
			}
			select {
			case w.c <- struct{}{}:
			default:
				// A hint is already pending; coalesce.
			}
		case _, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			// Watcher errors degrade to interval-only polling.
		}
	}
}
