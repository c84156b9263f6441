package session

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// CredentialsWatcher watches the host's persisted credentials file for
// out-of-band changes — a re-login performed by another process, or a
// token refresh written by the host's OAuth flow — and invokes onChange
// with the new bytes so the Session can pick up fresh credentials without
// a restart. It watches the containing directory and filters events down
// to the exact file name, since editors and atomic-rename writers often
// replace a file rather than writing it in place.
type CredentialsWatcher struct {
	mu      sync.Mutex
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchCredentials starts watching path and calls onChange whenever it is
// written or (re)created. The returned watcher must be closed by the
// caller. A missing file at startup is not an error — onChange simply
// isn't called until it appears.
func WatchCredentials(path string, onChange func(data []byte)) (*CredentialsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	w := &CredentialsWatcher{
		path:    path,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go w.loop(onChange)
	return w, nil
}

func (w *CredentialsWatcher) loop(onChange func(data []byte)) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			data, err := os.ReadFile(w.path)
			if err != nil {
				slog.Warn("session: credentials file changed but could not be read", "path", w.path, "err", err)
				continue
			}
			onChange(data)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("session: credentials watcher error", "err", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the file watcher.
func (w *CredentialsWatcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.watcher.Close()
}
