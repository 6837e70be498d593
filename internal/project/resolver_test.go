package project

import (
	"os"
	"path/filepath"
	"testing"

	"evovista/internal/stage"
)

func TestResolvePrecedence(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T, dir string)
		want  stage.Stage
	}{
		{"missing dir", func(t *testing.T, dir string) { _ = os.RemoveAll(dir) }, stage.None},
		{"empty dir", func(t *testing.T, dir string) {}, stage.None},
		{"video mov", func(t *testing.T, dir string) { writeFile(t, filepath.Join(dir, "clip.mov"), "v") }, stage.Video},
		{"video mp4", func(t *testing.T, dir string) { writeFile(t, filepath.Join(dir, "clip.MP4"), "v") }, stage.Video},
		{"images", func(t *testing.T, dir string) { writeFile(t, filepath.Join(dir, "images", "a.jpg"), "i") }, stage.Images},
		{"images without jpgs", func(t *testing.T, dir string) { writeFile(t, filepath.Join(dir, "images", "notes.txt"), "i") }, stage.None},
		{"resized", func(t *testing.T, dir string) {
			writeFile(t, filepath.Join(dir, "images", "a.jpg"), "i")
			writeFile(t, filepath.Join(dir, "images_resized", "a.JPEG"), "r")
		}, stage.ImagesResized},
		{"database", func(t *testing.T, dir string) { writeFile(t, filepath.Join(dir, "database.db"), "db") }, stage.FeatureMatching},
		{"database as dir", func(t *testing.T, dir string) { mkdir(t, filepath.Join(dir, "database.db")) }, stage.None},
		{"empty sparse", func(t *testing.T, dir string) { mkdir(t, filepath.Join(dir, "sparse")) }, stage.None},
		{"sparse", func(t *testing.T, dir string) { writeFile(t, filepath.Join(dir, "sparse", "0", "points3D.bin"), "p") }, stage.SparseReconstruction},
		{"dense without fused", func(t *testing.T, dir string) {
			writeFile(t, filepath.Join(dir, "database.db"), "db")
			writeFile(t, filepath.Join(dir, "dense", "0", "stereo", "x"), "x")
		}, stage.FeatureMatching},
		{"dense", func(t *testing.T, dir string) { writeFile(t, filepath.Join(dir, "dense", "1", "fused.ply"), "ply") }, stage.DenseReconstruction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "proj")
			mkdir(t, dir)
			tc.setup(t, dir)
			if got := Resolve(dir); got != tc.want {
				t.Fatalf("Resolve = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	dir := fullProject(t)
	first := Resolve(dir)
	for i := 0; i < 5; i++ {
		if got := Resolve(dir); got != first {
			t.Fatalf("call %d returned %q, first returned %q", i, got, first)
		}
	}
}

func TestResolveDenseMarkerWins(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "proj")
	writeFile(t, filepath.Join(dir, "dense", "0", "fused.ply"), "ply")
	if got := Resolve(dir); got != stage.DenseReconstruction {
		t.Fatalf("expected dense with only the marker, got %q", got)
	}

	// Any combination of earlier artifacts leaves the answer unchanged.
	writeFile(t, filepath.Join(dir, "clip.mp4"), "v")
	writeFile(t, filepath.Join(dir, "images", "a.jpg"), "i")
	writeFile(t, filepath.Join(dir, "images_resized", "a.jpg"), "r")
	writeFile(t, filepath.Join(dir, "database.db"), "db")
	mkdir(t, filepath.Join(dir, "sparse"))
	if got := Resolve(dir); got != stage.DenseReconstruction {
		t.Fatalf("expected dense to win over earlier artifacts, got %q", got)
	}
}

func TestInspectorExistsKinds(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "proj")
	mkdir(t, filepath.Join(dir, "dense"))
	mkdir(t, filepath.Join(dir, "images_resized"))
	writeFile(t, filepath.Join(dir, "images", "a.jpg"), "i")
	writeFile(t, filepath.Join(dir, "blur_histogram.png"), "png")
	mkdir(t, filepath.Join(dir, "custom_empty"))
	writeFile(t, filepath.Join(dir, "custom_full", "x"), "x")

	insp := NewInspector(dir)
	cases := map[string]bool{
		"dense":              true,  // output dir, empty still counts
		"sparse":             false, // missing
		"images_resized":     false, // collection dir, empty
		"images":             true,
		"blur_histogram.png": true,
		"database.db":        false,
		"custom_empty":       false,
		"custom_full":        true,
	}
	for name, want := range cases {
		if got := insp.Exists(name); got != want {
			t.Errorf("Exists(%q) = %v, want %v", name, got, want)
		}
	}
}
