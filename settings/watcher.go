// SPDX-FileCopyrightText: 2024 Streamloft Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package settings

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// snapshotWatcher keeps an eye on the persisted snapshot file. The file
// is the only record that allows a revert after a crash, so anything
// else touching it is worth a loud warning. Writes and removals done by
// the engine itself are suppressed via markOwnChange.
type snapshotWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	quit    chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	ownChange int
}

func newSnapshotWatcher(path string) (*snapshotWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: the file appears and vanishes
	// over its lifetime and the atomic rename would drop a file watch.
	err = watcher.Add(filepath.Dir(path))
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}

	w := &snapshotWatcher{
		path:    path,
		watcher: watcher,
		quit:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// markOwnChange tells the watcher that the next matching event was
// caused by the engine itself.
func (w *snapshotWatcher) markOwnChange() {
	w.mu.Lock()
	w.ownChange++
	w.mu.Unlock()
}

func (w *snapshotWatcher) consumeOwnChange() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ownChange > 0 {
		w.ownChange--
		return true
	}
	return false
}

func (w *snapshotWatcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if w.consumeOwnChange() {
				continue
			}
			logger.Warningf("display settings snapshot %s was modified out-of-band (%s), crash recovery may be unreliable", w.path, ev.Op)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warning("snapshot watcher error:", err)
		case <-w.quit:
			return
		}
	}
}

func (w *snapshotWatcher) close() {
	close(w.quit)
	_ = w.watcher.Close()
	w.wg.Wait()
}
