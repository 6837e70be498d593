package project

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func mkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

// fullProject lays out a project that has been through every stage.
func fullProject(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "lion")
	writeFile(t, filepath.Join(dir, "clip.mov"), "video")
	writeFile(t, filepath.Join(dir, "images", "0001.jpg"), "raw-1")
	writeFile(t, filepath.Join(dir, "images_resized", "0001.jpg"), "resized-1")
	writeFile(t, filepath.Join(dir, "images_resized_filtered", "0001.jpg"), "filtered-1")
	writeFile(t, filepath.Join(dir, "database.db"), "sqlite")
	writeFile(t, filepath.Join(dir, "sparse", "0", "cameras.bin"), "cams")
	writeFile(t, filepath.Join(dir, "dense", "0", "fused.ply"), "ply")
	writeFile(t, filepath.Join(dir, "blur_histogram.png"), "png")
	return dir
}
