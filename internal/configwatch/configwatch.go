// Package configwatch hot-reloads the safe subset of batchcluster
// Options from a file on disk. It is adapted from the teacher's
// internal/watcher package: same fsnotify event-loop shape, narrowed to
// a single file and a typed callback instead of a generic path/event
// callback, since only a handful of Options fields are safe to change
// after a Cluster has started (see SPEC_FULL.md §4.6).
package configwatch

import (
	"encoding/json"
	"log"
	"os"

	"github.com/fsnotify/fsnotify"
)

// LiveOptions is the subset of batchcluster.Options that may be changed
// while a Cluster is running. Protocol-affecting fields (Factory, Pass,
// Fail, Newline, VersionCommand, ExitCommand) are immutable after
// construction and are not represented here.
type LiveOptions struct {
	MaxProcs                           int   `json:"maxProcs"`
	MaxTasksPerProcess                 int   `json:"maxTasksPerProcess"`
	MaxProcAgeMillis                   int64 `json:"maxProcAgeMillis"`
	OnIdleIntervalMillis               int64 `json:"onIdleIntervalMillis"`
	MaxReasonableProcessFailuresPerMin int   `json:"maxReasonableProcessFailuresPerMin"`
}

// Watcher watches one config file and calls onChange with the decoded
// LiveOptions every time the file is written.
type Watcher struct {
	fsw *fsnotify.Watcher
	path string
}

// New starts watching path. Call Close to stop.
func New(path string, onChange func(LiveOptions)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, path: path}

	go func() {
		for {
			select {
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				opts, err := w.read()
				if err != nil {
					log.Printf("batchcluster/configwatch: %s: %v", w.path, err)
					continue
				}
				onChange(opts)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Printf("batchcluster/configwatch: watch error: %v", err)
			}
		}
	}()

	return w, nil
}

func (w *Watcher) read() (LiveOptions, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return LiveOptions{}, err
	}
	var opts LiveOptions
	if err := json.Unmarshal(data, &opts); err != nil {
		return LiveOptions{}, err
	}
	return opts, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
