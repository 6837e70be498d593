// Package watch re-resolves project stages when their directories change.
package watch

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"evovista/internal/project"
	"evovista/internal/stage"
)

// StageChange reports that a project's resolved stage moved.
type StageChange struct {
	Project string      `json:"project"`
	From    stage.Stage `json:"from"`
	To      stage.Stage `json:"to"`
	Time    time.Time   `json:"time"`
}

// DefaultDebounce is how long a project must be quiet before it is
// re-resolved. The reconstruction tool writes many files per stage.
const DefaultDebounce = 500 * time.Millisecond

// Watcher monitors every project under a data directory.
type Watcher struct {
	Changes  chan StageChange
	Debounce time.Duration

	dataDir string
	watcher *fsnotify.Watcher
	log     *slog.Logger

	mu      sync.Mutex
	stages  map[string]stage.Stage
	watched map[string]bool

	started bool
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New creates a watcher for dataDir.
func New(dataDir string, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		Changes:  make(chan StageChange, 100),
		Debounce: DefaultDebounce,
		dataDir:  dataDir,
		watcher:  fw,
		log:      log,
		stages:   make(map[string]stage.Stage),
		watched:  make(map[string]bool),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

// Start resolves every project once and begins monitoring.
func (w *Watcher) Start() error {
	if err := w.add(w.dataDir); err != nil {
		return err
	}
	names, err := project.List(w.dataDir)
	if err != nil {
		return err
	}
	for _, name := range names {
		w.refresh(name)
		w.mu.Lock()
		w.stages[name] = project.Resolve(filepath.Join(w.dataDir, name))
		w.mu.Unlock()
	}
	w.log.Info("watching projects", "data_dir", w.dataDir, "projects", len(names))

	w.started = true
	go w.processEvents()
	return nil
}

// Stop ends monitoring and closes Changes.
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		if w.started {
			<-w.stopped
		}
		close(w.Changes)
	})
	return err
}

// Stage returns the last resolved stage of a project.
func (w *Watcher) Stage(name string) stage.Stage {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.stages[name]; ok {
		return st
	}
	return stage.None
}

func (w *Watcher) processEvents() {
	defer close(w.stopped)

	pending := make(map[string]bool)
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			name := w.projectOf(event.Name)
			if name == "" {
				continue
			}
			pending[name] = true
			timer.Reset(w.Debounce)

		case <-timer.C:
			for name := range pending {
				w.resolve(name)
			}
			clear(pending)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// projectOf maps a path under the data directory to its project name.
func (w *Watcher) projectOf(path string) string {
	rel, err := filepath.Rel(w.dataDir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	name := strings.SplitN(rel, string(filepath.Separator), 2)[0]
	if strings.HasPrefix(name, ".") {
		return ""
	}
	return name
}

func (w *Watcher) resolve(name string) {
	w.refresh(name)
	to := project.Resolve(filepath.Join(w.dataDir, name))

	w.mu.Lock()
	from, seen := w.stages[name]
	if !seen {
		from = stage.None
	}
	w.stages[name] = to
	w.mu.Unlock()

	if from == to {
		return
	}
	change := StageChange{Project: name, From: from, To: to, Time: time.Now()}
	w.log.Info("stage changed", "project", name, "from", from, "to", to)
	select {
	case w.Changes <- change:
	default:
		w.log.Warn("change buffer full, dropping stage change", "project", name)
	}
}

// refresh watches the project root and the directories whose contents decide
// its stage. fsnotify is not recursive, so dense/ sub-directories are added
// one by one.
func (w *Watcher) refresh(name string) {
	root := filepath.Join(w.dataDir, name)
	dirs := []string{
		root,
		filepath.Join(root, stage.ArtifactImages),
		filepath.Join(root, stage.ArtifactImagesResized),
		filepath.Join(root, stage.ArtifactSparse),
		filepath.Join(root, stage.ArtifactDense),
	}
	if entries, err := os.ReadDir(filepath.Join(root, stage.ArtifactDense)); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, filepath.Join(root, stage.ArtifactDense, e.Name()))
			}
		}
	}
	for _, dir := range dirs {
		if err := w.add(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.log.Debug("cannot watch directory", "dir", dir, "error", err)
		}
	}
}

func (w *Watcher) add(dir string) error {
	w.mu.Lock()
	seen := w.watched[dir]
	w.mu.Unlock()
	if seen {
		if _, err := os.Stat(dir); err == nil {
			return nil
		}
		w.mu.Lock()
		delete(w.watched, dir)
		w.mu.Unlock()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.mu.Lock()
	w.watched[dir] = true
	w.mu.Unlock()
	return nil
}
