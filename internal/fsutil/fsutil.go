package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ExtSet is a case-insensitive set of file extensions (with leading dot).
type ExtSet map[string]struct{}

// NewExtSet builds an ExtSet. Extensions may be given with or without a dot.
func NewExtSet(exts ...string) ExtSet {
	set := make(ExtSet, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = struct{}{}
	}
	return set
}

// Has reports whether name carries one of the extensions.
func (s ExtSet) Has(name string) bool {
	_, ok := s[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Sorted returns the extensions in lexical order.
func (s ExtSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for ext := range s {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// ImageExts are the photo formats the reconstruction pipeline consumes.
var ImageExts = NewExtSet(".jpg", ".jpeg")

// VideoExts are the source video containers recognised in a project root.
var VideoExts = NewExtSet(".mov", ".mp4")

// ListImages returns the files directly inside dir whose extension is in exts,
// sorted lexicographically by path.
func ListImages(dir string, exts ExtSet) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !exts.Has(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// HasFileWithExt reports whether dir directly contains at least one regular
// file with an extension in exts. A missing dir yields false.
func HasFileWithExt(dir string, exts ExtSet) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && exts.Has(e.Name()) {
			return true
		}
	}
	return false
}

// IsDir reports whether path exists and is a directory.
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// IsFile reports whether path exists and is not a directory.
func IsFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Exists reports whether anything exists at path.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// DirHasEntries reports whether dir exists and contains at least one entry.
func DirHasEntries(dir string) bool {
	f, err := os.Open(dir)
	if err != nil {
		return false
	}
	defer f.Close()
	names, err := f.Readdirnames(1)
	return err == nil && len(names) > 0
}

// CopyFile copies src to dst byte for byte, keeping permissions and
// modification time.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// Size returns the total size in bytes of the file or tree at path.
func Size(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
