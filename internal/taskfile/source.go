// Package taskfile provides a task source backed by a JSON file, for
// running taskterm without a supervisor.
package taskfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/taskterm/taskterm/internal/logging"
	"github.com/taskterm/taskterm/internal/task"
)

var fileLog = logging.ForComponent(logging.CompTaskFile)

// DefaultDebounce is how long writes must settle before the file is re-read.
const DefaultDebounce = 100 * time.Millisecond

// Source reads {"tasks":[...]} from a file and watches it for changes.
type Source struct {
	path     string
	debounce time.Duration
}

// New returns a source reading path with the default debounce.
func New(path string) *Source {
	return &Source{path: filepath.Clean(path), debounce: DefaultDebounce}
}

// SetDebounce sets the debounce duration.
func (s *Source) SetDebounce(d time.Duration) {
	s.debounce = d
}

func (s *Source) Path() string {
	return s.path
}

// GetTasks reads the file. A missing file is an empty task list.
func (s *Source) GetTasks(ctx context.Context) ([]task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	tasks, err := task.DecodeList(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(s.path), err)
	}
	return tasks, nil
}

// Watch re-reads the file after every settled change and pushes the full
// list. The parent directory is watched so editors that replace the file
// by rename are picked up. Unparseable contents are logged and skipped.
func (s *Source) Watch(ctx context.Context, onDidChange func([]task.Task)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	fileLog.Info("taskfile_watching", slog.String("path", s.path))

	debounce := time.NewTimer(s.debounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			debounce.Reset(s.debounce)

		case <-debounce.C:
			tasks, err := s.GetTasks(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fileLog.Warn("taskfile_read_failed", slog.String("path", s.path), slog.String("error", err.Error()))
				continue
			}
			onDidChange(tasks)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			fileLog.Warn("taskfile_watch_error", slog.String("error", err.Error()))
		}
	}
}
