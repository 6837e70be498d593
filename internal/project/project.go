// Package project inspects reconstruction project directories: which
// artifacts exist, which stage the project has reached, what a restart would
// overwrite, and moving that state aside before a destructive restart.
//
// Everything except Archiver is a pure read of the filesystem. Nothing is
// cached; every call re-examines the directory.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"evovista/internal/erruser"
)

// Project is a named directory under the projects root.
type Project struct {
	Name string
	Dir  string
}

// Open resolves name under dataDir. The directory must exist.
func Open(dataDir, name string) (Project, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return Project{}, erruser.Config(fmt.Sprintf("invalid project name %q", name), nil)
	}
	dir := filepath.Join(dataDir, name)
	info, err := os.Stat(dir)
	if err != nil {
		return Project{}, erruser.Precondition(fmt.Sprintf("project directory missing: %s", dir), err)
	}
	if !info.IsDir() {
		return Project{}, erruser.Precondition(fmt.Sprintf("project path is not a directory: %s", dir), nil)
	}
	return Project{Name: name, Dir: dir}, nil
}

// List returns the non-hidden project directories under dataDir, sorted.
// A missing dataDir yields no projects.
func List(dataDir string) ([]string, error) {
	entries, err := os.ReadDir(dataDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
