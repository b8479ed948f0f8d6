package secstore

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// RotationWatcher watches a single credential file for external rewrites —
// e.g. a provisioning tool running out-of-process re-issuing the security
// database — and invokes onRotate whenever the file is written or replaced.
// Grounded on the fsnotify config hot-reload pattern (see DESIGN.md's
// secstore row). Nothing in package ipca creates a RotationWatcher; a host
// application that wants rotation handling runs one itself.
type RotationWatcher struct {
	watcher *fsnotify.Watcher
	path    string
}

// NewRotationWatcher starts watching path's containing directory (fsnotify
// cannot watch a single file across a remove+recreate rotation reliably, so
// the directory is watched and events are filtered by name, matching the
// common fsnotify idiom for atomic config-file replacement).
func NewRotationWatcher(path string) (*RotationWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := dirOf(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return &RotationWatcher{watcher: w, path: path}, nil
}

// Run blocks, invoking onRotate for every write/create/rename event that
// targets the watched path, until ctx is cancelled.
func (r *RotationWatcher) Run(ctx context.Context, onRotate func()) {
	defer r.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != r.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				onRotate()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", r.path).Msg("credential file watch error")
		}
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
