package project

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"evovista/internal/erruser"
	"evovista/internal/fsutil"
	"evovista/internal/logging"
	"evovista/internal/stage"
)

// ArchivePrefix starts the name of every archive directory.
const ArchivePrefix = "archive_"

const archiveStampLayout = "20060102_150405"

// ErrArchiveExists is returned when the archive directory for the current
// second already exists and the collision policy forbids waiting.
var ErrArchiveExists = errors.New("archive directory already exists")

// CollisionPolicy decides what happens when archive_<stamp> already exists.
type CollisionPolicy string

const (
	// CollisionWait sleeps into the next second and tries a fresh name.
	CollisionWait CollisionPolicy = "wait"
	// CollisionFail fails without touching any artifact.
	CollisionFail CollisionPolicy = "fail"
)

const maxCollisionRetries = 3

// ArchiveResult describes one archive transaction.
type ArchiveResult struct {
	// Path is the archive directory, empty when nothing needed moving.
	Path  string
	Moved []string
}

// ArtifactFailure names an artifact that could not be relocated.
type ArtifactFailure struct {
	Name string
	Err  error
}

// PartialArchiveError reports an archive transaction that relocated some
// artifacts but not others. Moved artifacts stay in the archive; failed ones
// stay at their original path.
type PartialArchiveError struct {
	Path   string
	Moved  []string
	Failed []ArtifactFailure
}

func (e *PartialArchiveError) Error() string {
	failed := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		failed[i] = fmt.Sprintf("%s (%v)", f.Name, f.Err)
	}
	moved := "none"
	if len(e.Moved) > 0 {
		moved = strings.Join(e.Moved, ", ")
	}
	return fmt.Sprintf("archive %s incomplete: moved %s; not moved: %s", e.Path, moved, strings.Join(failed, ", "))
}

// Unwrap marks the error as a partial failure.
func (e *PartialArchiveError) Unwrap() error { return erruser.ErrPartial }

// Archiver relocates the artifacts a restart would overwrite into
// archive_<YYYYMMDD_HHMMSS>/ under the project root.
//
// Callers must not archive a project while a pipeline run is active on it.
type Archiver struct {
	Table     stage.Table
	Collision CollisionPolicy
	Log       *slog.Logger

	now    func() time.Time
	sleep  func(time.Duration)
	rename func(oldpath, newpath string) error
}

// NewArchiver returns an archiver over table with the given collision policy.
func NewArchiver(table stage.Table, collision CollisionPolicy, log *slog.Logger) *Archiver {
	if table == nil {
		table = stage.DefaultTable()
	}
	if collision == "" {
		collision = CollisionWait
	}
	if log == nil {
		log = slog.Default()
	}
	return &Archiver{
		Table:     table,
		Collision: collision,
		Log:       log,
		now:       time.Now,
		sleep:     time.Sleep,
		rename:    os.Rename,
	}
}

// Archive moves every artifact listed for `from` that counts as present in
// the project (see Inspector.Exists) into a new archive directory. Each
// artifact is renamed independently; if some renames fail the result lists
// what moved and a *PartialArchiveError lists what did not. Nothing is
// rolled back.
//
// When none of the listed artifacts exist no directory is created and the
// returned Path is empty.
func (a *Archiver) Archive(p Project, from stage.Stage) (ArchiveResult, error) {
	names, err := a.Table.Artifacts(from)
	if err != nil {
		return ArchiveResult{}, err
	}
	if !fsutil.IsDir(p.Dir) {
		return ArchiveResult{}, erruser.Precondition(fmt.Sprintf("project directory missing: %s", p.Dir), nil)
	}

	// Same presence rule as the planner, so what was shown at risk is what moves.
	insp := NewInspector(p.Dir)
	var present []string
	for _, name := range names {
		if insp.Exists(name) {
			present = append(present, name)
		}
	}
	if len(present) == 0 {
		return ArchiveResult{}, nil
	}

	archiveDir, err := a.createArchiveDir(p.Dir)
	if err != nil {
		return ArchiveResult{}, err
	}

	res := ArchiveResult{Path: archiveDir}
	var failed []ArtifactFailure
	for _, name := range present {
		if err := a.rename(filepath.Join(p.Dir, name), filepath.Join(archiveDir, name)); err != nil {
			failed = append(failed, ArtifactFailure{Name: name, Err: err})
			continue
		}
		res.Moved = append(res.Moved, name)
	}

	failedMap := make(map[string]error, len(failed))
	for _, f := range failed {
		failedMap[f.Name] = f.Err
	}
	logging.LogArchive(a.Log, p.Name, string(from), archiveDir, res.Moved, failedMap)

	if len(failed) > 0 {
		return res, &PartialArchiveError{Path: archiveDir, Moved: res.Moved, Failed: failed}
	}
	return res, nil
}

// createArchiveDir creates a fresh archive directory. os.Mkdir fails on an
// existing path, so an archive is never merged into.
func (a *Archiver) createArchiveDir(projectDir string) (string, error) {
	for attempt := 0; ; attempt++ {
		now := a.now()
		dir := filepath.Join(projectDir, ArchivePrefix+now.Format(archiveStampLayout))
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", erruser.Precondition(fmt.Sprintf("cannot create archive directory %s", dir), err)
		}
		if a.Collision != CollisionWait || attempt >= maxCollisionRetries {
			return "", erruser.Precondition(fmt.Sprintf("archive directory %s already exists", dir), ErrArchiveExists)
		}
		a.sleep(time.Second - time.Duration(now.Nanosecond()))
	}
}
