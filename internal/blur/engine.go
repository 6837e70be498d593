// Package blur scores image sharpness and keeps the images above a
// threshold.
package blur

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"

	"evovista/internal/erruser"
	"evovista/internal/fsutil"
	"evovista/internal/logging"
)

// ErrNoImages is returned when no input image could be scored.
var ErrNoImages = errors.New("no decodable images")

// Scorer returns the sharpness score of one image file.
type Scorer func(path string) (float64, error)

// Options describes one blur analysis.
type Options struct {
	InputDir string
	// PlotPath defaults to blur_histogram.png next to InputDir.
	PlotPath string
	// FilteredDir is resolved against InputDir's parent when relative.
	FilteredDir string
	Exts        fsutil.ExtSet
	Bins        int
	// Threshold enables the filtered copy when non-nil.
	Threshold  *float64
	SkipIfPlot bool
}

// Score is the sharpness of one image.
type Score struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Report summarizes one analysis.
type Report struct {
	Input       string   `json:"input"`
	Plot        string   `json:"plot"`
	Cached      bool     `json:"cached"` // skipped because the plot already existed
	Scores      []Score  `json:"scores,omitempty"`
	Skipped     []string `json:"skipped,omitempty"`
	Mean        float64  `json:"mean"`
	Median      float64  `json:"median"`
	Std         float64  `json:"std"`
	Bins        []Bin    `json:"bins,omitempty"`
	Threshold   *float64 `json:"threshold,omitempty"`
	FilteredDir string   `json:"filtered_dir,omitempty"`
	Kept        []string `json:"kept,omitempty"`
}

// Engine runs blur analyses.
type Engine struct {
	Score Scorer
	Log   *slog.Logger

	plot func(path, title string, bins []Bin, mean, median, std float64) error
}

// NewEngine returns an engine scoring images by Laplacian variance.
func NewEngine(log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{Score: ScoreFile, Log: log, plot: writeHistogram}
}

// ParseThreshold reads an operator-supplied threshold. Blank means none.
func ParseThreshold(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, erruser.Config(fmt.Sprintf("blur threshold %q is not a number", s), err)
	}
	return &v, nil
}

// Run scores every accepted image in lexicographic order, writes the
// histogram and, when a threshold is set, replaces the filtered directory's
// images with byte copies of those scoring at or above it.
func (e *Engine) Run(ctx context.Context, opts Options) (Report, error) {
	log := e.Log
	if log == nil {
		log = slog.Default()
	}
	score := e.Score
	if score == nil {
		score = ScoreFile
	}
	render := e.plot
	if render == nil {
		render = writeHistogram
	}
	exts := opts.Exts
	if len(exts) == 0 {
		exts = fsutil.ImageExts
	}
	bins := opts.Bins
	if bins < 1 {
		bins = 60
	}

	rep := Report{Input: opts.InputDir, Plot: opts.PlotPath, Threshold: opts.Threshold}
	if rep.Plot == "" {
		rep.Plot = filepath.Join(filepath.Dir(opts.InputDir), "blur_histogram.png")
	}
	if !fsutil.IsDir(opts.InputDir) {
		return rep, erruser.Precondition(fmt.Sprintf("blur input directory not found: %s", opts.InputDir), nil)
	}
	if opts.SkipIfPlot && fsutil.IsFile(rep.Plot) {
		log.Info("blur plot exists, skipping analysis", "plot", rep.Plot)
		rep.Cached = true
		return rep, nil
	}

	if opts.Threshold != nil {
		rep.FilteredDir = resolveFiltered(opts.InputDir, opts.FilteredDir)
		if sameDir(opts.InputDir, rep.FilteredDir) {
			return rep, erruser.Config(fmt.Sprintf("blur filtered directory %s is the input directory", rep.FilteredDir), nil)
		}
	}

	paths, err := fsutil.ListImages(opts.InputDir, exts)
	if err != nil {
		return rep, fmt.Errorf("list %s: %w", opts.InputDir, err)
	}

	var values []float64
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		v, err := score(path)
		if err != nil || math.IsNaN(v) {
			log.Debug("image skipped", "path", path, "error", err)
			rep.Skipped = append(rep.Skipped, filepath.Base(path))
			continue
		}
		rep.Scores = append(rep.Scores, Score{Name: filepath.Base(path), Value: v})
		values = append(values, v)
	}
	if len(values) == 0 {
		return rep, erruser.Precondition(fmt.Sprintf("blur filter: no decodable images in %s", opts.InputDir), ErrNoImages)
	}

	rep.Mean, rep.Median, rep.Std = summarize(values)
	rep.Bins = Histogram(values, bins)

	if err := os.MkdirAll(filepath.Dir(rep.Plot), 0o755); err != nil {
		return rep, err
	}
	title := "Image Blur Distribution: " + filepath.Base(opts.InputDir)
	if err := render(rep.Plot, title, rep.Bins, rep.Mean, rep.Median, rep.Std); err != nil {
		return rep, err
	}

	if opts.Threshold != nil {
		kept, err := copyAbove(opts.InputDir, rep.FilteredDir, exts, rep.Scores, *opts.Threshold)
		rep.Kept = kept
		if err != nil {
			return rep, err
		}
	}

	logging.LogBlurSummary(log, opts.InputDir, len(rep.Scores), len(rep.Skipped), rep.Mean, rep.Median, rep.Std, len(rep.Kept))
	return rep, nil
}

// summarize returns the mean, the median and the population standard
// deviation of values.
func summarize(values []float64) (mean, median, std float64) {
	mean, variance := stat.PopMeanVariance(values, nil)
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	n := len(sorted)
	if n%2 == 1 {
		median = sorted[n/2]
	} else {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return mean, median, math.Sqrt(variance)
}

func resolveFiltered(inputDir, filtered string) string {
	if filtered == "" {
		filtered = "images_resized_filtered"
	}
	if filepath.IsAbs(filtered) {
		return filtered
	}
	return filepath.Join(filepath.Dir(inputDir), filtered)
}

// sameDir reports whether a and b name the same directory.
func sameDir(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA == nil && errB == nil && absA == absB {
		return true
	}
	infoA, errA := os.Stat(a)
	infoB, errB := os.Stat(b)
	return errA == nil && errB == nil && os.SameFile(infoA, infoB)
}

// copyAbove clears dst of accepted images, then copies every scored image
// at or above threshold into it.
func copyAbove(src, dst string, exts fsutil.ExtSet, scores []Score, threshold float64) ([]string, error) {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, err
	}
	stale, err := fsutil.ListImages(dst, exts)
	if err != nil {
		return nil, err
	}
	for _, path := range stale {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("clear filtered image: %w", err)
		}
	}

	var kept []string
	for _, s := range scores {
		if s.Value < threshold {
			continue
		}
		if err := fsutil.CopyFile(filepath.Join(src, s.Name), filepath.Join(dst, s.Name)); err != nil {
			return kept, fmt.Errorf("copy %s: %w", s.Name, err)
		}
		kept = append(kept, s.Name)
	}
	return kept, nil
}
