package roster

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// FsRosterWatcher monitors the roster file and reports change events.
type FsRosterWatcher struct {
	path      string
	EventChan chan<- struct{}
	ErrorChan chan<- error
}

// NewFsRosterWatcher constructs an FsRosterWatcher instance.
func NewFsRosterWatcher(path string, updateEvent chan<- struct{}, errEvent chan<- error) *FsRosterWatcher {
	return &FsRosterWatcher{path, updateEvent, errEvent}
}

// StartWatching starts watching the filesystem for roster updates. The
// parent directory is watched rather than the file itself so atomic
// rename-into-place edits are seen.
func (w *FsRosterWatcher) StartWatching(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// no point of proceeding if we fail to watch this
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

LOOP:
	for {
		select {
		case event := <-watcher.Events:
			log.Debugf("Received event: %v", event)
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.EventChan <- struct{}{}
			}
		case err := <-watcher.Errors:
			w.ErrorChan <- err
			log.Warnf("Error while watching %s: %s", w.path, err)
			break LOOP
		case <-ctx.Done():
			if err := ctx.Err(); err != nil {
				w.ErrorChan <- err
			}
			break LOOP
		}
	}

	return nil
}

// WatchAndApply reloads the roster on every change event and applies it to
// the registrar until the context ends.
func WatchAndApply(ctx context.Context, path string, reg *Registrar) error {
	updateEvent := make(chan struct{})
	errEvent := make(chan error, 1)
	watcher := NewFsRosterWatcher(path, updateEvent, errEvent)
	go func() {
		if err := watcher.StartWatching(ctx); err != nil {
			errEvent <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errEvent:
			return err
		case <-updateEvent:
			r, err := Load(path)
			if err != nil {
				log.Errorf("roster reload failed, keeping previous set: %v", err)
				continue
			}
			if added := reg.Apply(r); added > 0 {
				log.Infof("roster reload added %d RTUs", added)
			}
		}
	}
}
