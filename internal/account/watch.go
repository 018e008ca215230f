package account

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/antigravity-broker/internal/auth"
)

// Watcher resyncs the pool when the accounts file changes on disk, which
// happens when the external login flow adds an account while the broker is
// running. The parent directory is watched because saves are
// write-temp-then-rename and replace the inode.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchAccountsFile starts watching the store's file and resyncing the
// manager on change.
func WatchAccountsFile(store *auth.Store, manager *Manager) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	path := store.Path()
	if err = fsWatcher.Add(filepath.Dir(path)); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}

	w := &Watcher{watcher: fsWatcher, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for {
			select {
			case event, ok := <-fsWatcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				manager.Resync(store.Load())
			case err, ok := <-fsWatcher.Errors:
				if !ok {
					return
				}
				log.Debugf("accounts watcher: %v", err)
			}
		}
	}()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
