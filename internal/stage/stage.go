// Package stage defines the reconstruction pipeline's ordered stages and the
// declarative table of artifacts a restart from each stage invalidates.
package stage

import (
	"fmt"
	"strings"

	"evovista/internal/erruser"
)

// Stage is one step of the reconstruction pipeline.
type Stage string

const (
	None                 Stage = "none"
	Video                Stage = "video"
	Images               Stage = "images"
	ImagesResized        Stage = "images_resized"
	FeatureExtraction    Stage = "feature_extraction"
	FeatureMatching      Stage = "feature_matching"
	SparseReconstruction Stage = "sparse_reconstruction"
	DenseReconstruction  Stage = "dense_reconstruction"
)

// All lists the pipeline stages in progression order. None is not included.
var All = []Stage{
	Video,
	Images,
	ImagesResized,
	FeatureExtraction,
	FeatureMatching,
	SparseReconstruction,
	DenseReconstruction,
}

// UnresolvedMarker is how an unresolved stage is shown to operators.
const UnresolvedMarker = "—"

// Index returns the position of s in All, or -1 for None and unknown values.
func (s Stage) Index() int {
	for i, st := range All {
		if st == s {
			return i
		}
	}
	return -1
}

// Known reports whether s is one of the pipeline stages.
func (s Stage) Known() bool { return s.Index() >= 0 }

// Before reports whether s comes strictly before other in the pipeline.
// None sorts before every stage.
func (s Stage) Before(other Stage) bool { return s.Index() < other.Index() }

func (s Stage) String() string { return string(s) }

// Display renders the stage for operators; None becomes UnresolvedMarker.
func (s Stage) Display() string {
	if !s.Known() {
		return UnresolvedMarker
	}
	return string(s)
}

// Parse maps a stage name to a Stage. Unknown names are configuration errors.
func Parse(name string) (Stage, error) {
	s := Stage(strings.TrimSpace(strings.ToLower(name)))
	if !s.Known() {
		return None, erruser.Config(
			fmt.Sprintf("unknown stage %q (expected one of %s)", name, strings.Join(Names(), ", ")), nil)
	}
	return s, nil
}

// Names returns the stage names in pipeline order.
func Names() []string {
	names := make([]string, len(All))
	for i, s := range All {
		names[i] = string(s)
	}
	return names
}
