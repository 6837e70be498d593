// Package resize shrinks source images so the reconstruction tool works on a
// bounded resolution.
package resize

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/gographics/imagick.v3/imagick"

	"evovista/internal/erruser"
	"evovista/internal/fsutil"
)

// Options describes one resize pass.
type Options struct {
	InputDir  string
	OutputDir string
	Exts      fsutil.ExtSet
	MaxSize   int
	Quality   int
}

// Result lists what a pass produced.
type Result struct {
	Written []string         `json:"written"`
	Failed  map[string]error `json:"-"`
}

// Resizer writes a shrunk copy of one image.
type Resizer func(src, dst string, maxSize, quality int) error

// Engine runs resize passes.
type Engine struct {
	Resize Resizer
	Log    *slog.Logger
}

// NewEngine returns an engine backed by ImageMagick.
func NewEngine(log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{Resize: MagickResize, Log: log}
}

// Fit returns the size of a w x h image shrunk to fit inside max x max with
// its aspect ratio kept. Images already inside the box are left alone.
func Fit(w, h, max uint) (uint, uint, bool) {
	if max == 0 || (w <= max && h <= max) {
		return w, h, false
	}
	scale := math.Min(float64(max)/float64(w), float64(max)/float64(h))
	nw := uint(math.Max(1, math.Round(float64(w)*scale)))
	nh := uint(math.Max(1, math.Round(float64(h)*scale)))
	return min(nw, max), min(nh, max), true
}

// Run resizes every accepted image in InputDir into OutputDir in sorted
// order. A failure on one image is recorded and the pass continues.
func (e *Engine) Run(ctx context.Context, opts Options) (Result, error) {
	log := e.Log
	if log == nil {
		log = slog.Default()
	}
	resize := e.Resize
	if resize == nil {
		resize = MagickResize
	}
	exts := opts.Exts
	if len(exts) == 0 {
		exts = fsutil.ImageExts
	}

	if !fsutil.IsDir(opts.InputDir) {
		return Result{}, erruser.Precondition(fmt.Sprintf("resize input directory not found: %s", opts.InputDir), nil)
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return Result{}, err
	}
	paths, err := fsutil.ListImages(opts.InputDir, exts)
	if err != nil {
		return Result{}, err
	}

	res := Result{Failed: map[string]error{}}
	for _, src := range paths {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		name := filepath.Base(src)
		dst := filepath.Join(opts.OutputDir, name)
		if err := resize(src, dst, opts.MaxSize, opts.Quality); err != nil {
			log.Warn("resize failed", "image", name, "error", err)
			res.Failed[name] = err
			continue
		}
		res.Written = append(res.Written, name)
	}
	log.Info("resize complete",
		"input", opts.InputDir,
		"output", opts.OutputDir,
		"written", len(res.Written),
		"failed", len(res.Failed),
	)
	if len(res.Written) == 0 && len(paths) > 0 {
		return res, fmt.Errorf("resize: none of %d images in %s could be written", len(paths), opts.InputDir)
	}
	return res, nil
}

// MagickResize shrinks src with a Lanczos filter and writes it as a JPEG
// without chroma subsampling.
func MagickResize(src, dst string, maxSize, quality int) error {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(src); err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	w, h, shrink := Fit(mw.GetImageWidth(), mw.GetImageHeight(), uint(max(maxSize, 0)))
	if shrink {
		if err := mw.ResizeImage(w, h, imagick.FILTER_LANCZOS); err != nil {
			return fmt.Errorf("resize %s: %w", src, err)
		}
	}
	if quality > 0 {
		if err := mw.SetImageCompressionQuality(uint(quality)); err != nil {
			return fmt.Errorf("set quality: %w", err)
		}
	}
	if err := mw.SetSamplingFactors([]float64{1, 1, 1}); err != nil {
		return fmt.Errorf("set sampling factors: %w", err)
	}
	if err := mw.WriteImage(dst); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
