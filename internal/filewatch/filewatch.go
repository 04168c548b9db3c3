// Package filewatch reports changes to a single file. It watches the parent
// directory so editors and tools that replace the file by rename are seen,
// coalesces bursts of events, and falls back to stat polling when fsnotify
// cannot be used.
package filewatch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dyno-go/internal/constants"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

type Option func(*Watcher)

// WithDebounce sets the quiet period before onChange fires.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithPollInterval sets the stat interval used by the polling fallback.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) { w.poll = d }
}

// WithComponent tags log lines emitted by the watcher.
func WithComponent(name string) Option {
	return func(w *Watcher) { w.component = name }
}

// Watcher calls onChange after the file settles. It never calls onChange
// concurrently with itself.
type Watcher struct {
	path      string
	onChange  func()
	debounce  time.Duration
	poll      time.Duration
	component string
	polling   bool

	fireMu   sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Watch starts watching path. The file need not exist yet.
func Watch(path string, onChange func(), opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	w := &Watcher{
		path:      abs,
		onChange:  onChange,
		debounce:  constants.ConfigReloadDebounce,
		poll:      constants.ConfigPollInterval,
		component: "filewatch",
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		err = fsw.Add(filepath.Dir(abs))
		if err != nil {
			fsw.Close()
		}
	}
	if err != nil {
		w.logger().WithError(err).Warn("fsnotify unavailable, polling for changes")
		w.polling = true
		go w.pollLoop()
		return w, nil
	}
	go w.notifyLoop(fsw)
	return w, nil
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string { return w.path }

// Polling reports whether the watcher fell back to stat polling.
func (w *Watcher) Polling() bool { return w.polling }

// Close stops the watcher and waits for its loop to exit.
func (w *Watcher) Close() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
}

func (w *Watcher) logger() *log.Entry {
	return log.WithFields(log.Fields{"component": w.component, "path": w.path})
}

func (w *Watcher) fire() {
	select {
	case <-w.stopCh:
		return
	default:
	}
	w.fireMu.Lock()
	defer w.fireMu.Unlock()
	w.onChange()
}

func (w *Watcher) notifyLoop(fsw *fsnotify.Watcher) {
	defer close(w.done)
	defer fsw.Close()

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()
	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.debounce, w.fire)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger().WithError(err).Warn("watch error")
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) pollLoop() {
	defer close(w.done)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	last := stamp(w.path)
	for {
		select {
		case <-ticker.C:
			cur := stamp(w.path)
			if cur != last {
				last = cur
				w.fire()
			}
		case <-w.stopCh:
			return
		}
	}
}

type fileStamp struct {
	mod  time.Time
	size int64
}

func stamp(path string) fileStamp {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{mod: info.ModTime(), size: info.Size()}
}
