package project

import (
	"evovista/internal/fsutil"
	"evovista/internal/stage"
)

// Resolve returns the furthest stage the project at dir has completed.
// Checks run most-advanced first so leftover early artifacts never mask
// later progress. A missing or empty directory resolves to stage.None.
func Resolve(dir string) stage.Stage {
	return NewInspector(dir).Resolve()
}

// Resolve returns the furthest completed stage of the inspected directory.
func (i *Inspector) Resolve() stage.Stage {
	if !fsutil.IsDir(i.Dir) {
		return stage.None
	}
	switch {
	case i.HasDenseResult():
		return stage.DenseReconstruction
	case i.HasSparseResult():
		return stage.SparseReconstruction
	case i.HasFeatureDatabase():
		return stage.FeatureMatching
	case i.HasImagesIn(stage.ArtifactImagesResized):
		return stage.ImagesResized
	case i.HasImagesIn(stage.ArtifactImages):
		return stage.Images
	case i.HasVideo():
		return stage.Video
	default:
		return stage.None
	}
}
