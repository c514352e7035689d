package managed

import (
	"github.com/fsnotify/fsnotify"

	"github.com/nabbar/tcpsession/config"
)

// Watcher wraps an fsnotify.Watcher reloading a ManagedEndpoint's
// configuration file on every write/create event. The original daemon
// reconfigures through a global config_global signal bus that has no
// direct Go equivalent here.
type Watcher struct {
	fsw  *fsnotify.Watcher
	done chan struct{}
}

// WatchFile starts watching path and calls m.Apply on every reload. A
// file that fails to parse is logged and leaves m's current
// configuration untouched — a broken file on disk never partially
// applies.
func (m *ManagedEndpoint) WatchFile(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, done: make(chan struct{})}

	go func() {
		defer close(w.done)
		for {
			select {
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				m.reload(path)
			case _, ok := <-fsw.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return w, nil
}

func (m *ManagedEndpoint) reload(path string) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		if m.params.Log != nil {
			m.params.Log.WithError(err).Warn("managed endpoint config reload failed, keeping current config")
		}
		return
	}
	if err := m.Apply(cfg); err != nil {
		if m.params.Log != nil {
			m.params.Log.WithError(err).Warn("managed endpoint config apply failed")
		}
	}
}

// Close stops the watch goroutine and releases the underlying
// fsnotify.Watcher.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}
