package project

import (
	"os"
	"path/filepath"

	"evovista/internal/fsutil"
	"evovista/internal/stage"
)

// Inspector reports facts about the artifacts of one project directory.
type Inspector struct {
	Dir       string
	ImageExts fsutil.ExtSet
	VideoExts fsutil.ExtSet
}

// NewInspector inspects dir with the default image and video extensions.
func NewInspector(dir string) *Inspector {
	return &Inspector{Dir: dir, ImageExts: fsutil.ImageExts, VideoExts: fsutil.VideoExts}
}

// Exists reports whether the named artifact counts as present:
//   - files: the file exists
//   - reconstruction output directories: the directory exists, empty or not
//   - other directories: the directory exists and has at least one entry
//
// Missing paths are reported as absent, never as errors.
func (i *Inspector) Exists(name string) bool {
	path := filepath.Join(i.Dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	switch stage.KindOf(name) {
	case stage.KindFile:
		return !info.IsDir()
	case stage.KindOutputDir:
		return info.IsDir()
	case stage.KindCollectionDir:
		return info.IsDir() && fsutil.DirHasEntries(path)
	default:
		if info.IsDir() {
			return fsutil.DirHasEntries(path)
		}
		return true
	}
}

// Size returns the on-disk size of the named artifact, zero when absent.
func (i *Inspector) Size(name string) (int64, error) {
	return fsutil.Size(filepath.Join(i.Dir, name))
}

// HasDenseResult reports whether dense/ holds at least one sub-directory with
// a fused point cloud.
func (i *Inspector) HasDenseResult() bool {
	dense := filepath.Join(i.Dir, stage.ArtifactDense)
	entries, err := os.ReadDir(dense)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if fsutil.Exists(filepath.Join(dense, e.Name(), stage.DenseMarker)) {
			return true
		}
	}
	return false
}

// HasSparseResult reports whether sparse/ exists and is non-empty.
func (i *Inspector) HasSparseResult() bool {
	return fsutil.DirHasEntries(filepath.Join(i.Dir, stage.ArtifactSparse))
}

// HasFeatureDatabase reports whether the feature store file exists.
func (i *Inspector) HasFeatureDatabase() bool {
	return fsutil.IsFile(filepath.Join(i.Dir, stage.ArtifactDatabase))
}

// HasImagesIn reports whether the named directory holds a qualifying image.
func (i *Inspector) HasImagesIn(dir string) bool {
	return fsutil.HasFileWithExt(filepath.Join(i.Dir, dir), i.ImageExts)
}

// HasVideo reports whether the project root holds a source video.
func (i *Inspector) HasVideo() bool {
	return fsutil.HasFileWithExt(i.Dir, i.VideoExts)
}
