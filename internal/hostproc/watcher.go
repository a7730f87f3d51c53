package hostproc

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/standardbeagle/tabbridge/pkg/events"
)

// Watcher publishes host availability transitions by watching the socket
// file's directory. Create/remove of the socket file is a cheap liveness
// signal; callers still probe before trusting it.
type Watcher struct {
	path    string
	bus     *events.Bus
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

// NewWatcher watches the parent directory of path for the socket appearing
// and disappearing. Only meaningful on platforms where the pipe is a
// filesystem object.
func NewWatcher(path string, bus *events.Bus) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{path: path, bus: bus, watcher: fw, cancel: cancel}
	go w.loop(ctx)
	return w, nil
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			switch {
			case ev.Op&fsnotify.Create != 0:
				w.bus.Publish(events.Event{
					Type: events.HostAvailable,
					Data: map[string]interface{}{"path": w.path},
				})
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.bus.Publish(events.Event{
					Type: events.HostUnavailable,
					Data: map[string]interface{}{"path": w.path},
				})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("hostproc: socket watch error: %v", err)
		case <-ctx.Done():
			return
		}
	}
}

// Present reports whether the socket file currently exists.
func (w *Watcher) Present() bool {
	_, err := os.Stat(w.path)
	return err == nil
}

// Close stops the watch loop and releases the fsnotify handle.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}
