package stage

import (
	"fmt"
	"slices"

	"evovista/internal/erruser"
)

// Artifact names of the project directory layout.
const (
	ArtifactImages         = "images"
	ArtifactImagesResized  = "images_resized"
	ArtifactImagesFiltered = "images_resized_filtered"
	ArtifactDatabase       = "database.db"
	ArtifactSparse         = "sparse"
	ArtifactDense          = "dense"
	ArtifactBlurPlot       = "blur_histogram.png"
)

// DenseMarker is the file inside dense/<name>/ that marks a finished dense run.
const DenseMarker = "fused.ply"

// Kind describes how an artifact's presence is judged.
type Kind int

const (
	// KindAuto: files count when present, directories when non-empty.
	KindAuto Kind = iota
	// KindFile: a plain file, present when it exists.
	KindFile
	// KindOutputDir: a reconstruction output directory, present when it
	// exists even if empty, since a failed run may leave it behind.
	KindOutputDir
	// KindCollectionDir: an image collection, present when non-empty.
	KindCollectionDir
)

// ArtifactKinds maps the known artifact names to their kind.
var ArtifactKinds = map[string]Kind{
	ArtifactImages:         KindCollectionDir,
	ArtifactImagesResized:  KindCollectionDir,
	ArtifactImagesFiltered: KindCollectionDir,
	ArtifactDatabase:       KindFile,
	ArtifactSparse:         KindOutputDir,
	ArtifactDense:          KindOutputDir,
	ArtifactBlurPlot:       KindFile,
}

// KindOf returns the kind registered for name, KindAuto otherwise.
func KindOf(name string) Kind {
	if k, ok := ArtifactKinds[name]; ok {
		return k
	}
	return KindAuto
}

// Table maps each stage to the ordered artifacts a restart from it overwrites.
type Table map[Stage][]string

// DefaultTable is the stage→artifact table of the standard project layout.
func DefaultTable() Table {
	return Table{
		Video:                {ArtifactImages, ArtifactImagesResized, ArtifactImagesFiltered, ArtifactDatabase, ArtifactSparse, ArtifactDense, ArtifactBlurPlot},
		Images:               {ArtifactImagesResized, ArtifactImagesFiltered, ArtifactDatabase, ArtifactSparse, ArtifactDense, ArtifactBlurPlot},
		ImagesResized:        {ArtifactImagesFiltered, ArtifactDatabase, ArtifactSparse, ArtifactDense, ArtifactBlurPlot},
		FeatureExtraction:    {ArtifactDatabase, ArtifactSparse, ArtifactDense},
		FeatureMatching:      {ArtifactSparse, ArtifactDense},
		SparseReconstruction: {ArtifactDense},
		DenseReconstruction:  {ArtifactDense},
	}
}

// NewTable builds a validated table from stage names, as found in config files.
func NewTable(raw map[string][]string) (Table, error) {
	t := make(Table, len(raw))
	for name, artifacts := range raw {
		s, err := Parse(name)
		if err != nil {
			return nil, err
		}
		t[s] = slices.Clone(artifacts)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks that every stage has an entry and that lists never grow as
// the pipeline advances: the list of each stage must contain the list of the
// stage after it.
func (t Table) Validate() error {
	for _, s := range All {
		if _, ok := t[s]; !ok {
			return erruser.Config(fmt.Sprintf("stage table has no entry for stage %q", s), nil)
		}
	}
	for i := 0; i+1 < len(All); i++ {
		cur, next := All[i], All[i+1]
		for _, name := range t[next] {
			if !slices.Contains(t[cur], name) {
				return erruser.Config(fmt.Sprintf(
					"stage table is not monotonic: artifact %q is listed for %q but not for the earlier stage %q",
					name, next, cur), nil)
			}
		}
	}
	return nil
}

// Artifacts returns the artifacts a restart from s would overwrite.
// Unknown stages and stages missing from the table are configuration errors.
func (t Table) Artifacts(s Stage) ([]string, error) {
	if !s.Known() {
		return nil, erruser.Config(fmt.Sprintf("unknown stage %q", s), nil)
	}
	names, ok := t[s]
	if !ok {
		return nil, erruser.Config(fmt.Sprintf("stage table has no entry for stage %q", s), nil)
	}
	return slices.Clone(names), nil
}
