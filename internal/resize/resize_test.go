package resize

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"evovista/internal/erruser"
)

func TestFit(t *testing.T) {
	tests := []struct {
		w, h, max  uint
		wantW      uint
		wantH      uint
		wantShrink bool
	}{
		{4000, 3000, 2000, 2000, 1500, true},
		{3000, 4001, 2000, 1500, 2000, true},
		{2000, 2000, 2000, 2000, 2000, false},
		{640, 480, 2000, 640, 480, false},
		{10000, 3, 2000, 2000, 1, true},
		{500, 500, 0, 500, 500, false},
	}
	for _, tc := range tests {
		w, h, shrink := Fit(tc.w, tc.h, tc.max)
		if w != tc.wantW || h != tc.wantH || shrink != tc.wantShrink {
			t.Fatalf("Fit(%d, %d, %d) = %d, %d, %v; want %d, %d, %v", tc.w, tc.h, tc.max, w, h, shrink, tc.wantW, tc.wantH, tc.wantShrink)
		}
	}
}

func TestRunSortedAndContinuesPastFailures(t *testing.T) {
	root := t.TempDir()
	input := filepath.Join(root, "images")
	output := filepath.Join(root, "images_resized")
	if err := os.MkdirAll(input, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"c.JPG", "a.jpg", "b.jpeg", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(input, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	var calls []string
	e := &Engine{
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Resize: func(src, dst string, maxSize, quality int) error {
			calls = append(calls, filepath.Base(src))
			if maxSize != 2000 || quality != 95 {
				t.Errorf("unexpected parameters %d/%d", maxSize, quality)
			}
			if filepath.Dir(dst) != output {
				t.Errorf("unexpected destination %s", dst)
			}
			if filepath.Base(src) == "b.jpeg" {
				return errors.New("corrupt")
			}
			return nil
		},
	}

	res, err := e.Run(context.Background(), Options{InputDir: input, OutputDir: output, MaxSize: 2000, Quality: 95})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !slices.Equal(calls, []string{"a.jpg", "b.jpeg", "c.JPG"}) {
		t.Fatalf("processing order %v", calls)
	}
	if !slices.Equal(res.Written, []string{"a.jpg", "c.JPG"}) || len(res.Failed) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if info, err := os.Stat(output); err != nil || !info.IsDir() {
		t.Fatalf("output dir not created: %v", err)
	}
}

func TestRunMissingInput(t *testing.T) {
	e := &Engine{Resize: func(string, string, int, int) error { return nil }}
	_, err := e.Run(context.Background(), Options{InputDir: filepath.Join(t.TempDir(), "images"), OutputDir: t.TempDir()})
	if !errors.Is(err, erruser.ErrPrecondition) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
}

func TestRunAllFailed(t *testing.T) {
	input := t.TempDir()
	if err := os.WriteFile(filepath.Join(input, "a.jpg"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	e := &Engine{
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Resize: func(string, string, int, int) error { return errors.New("corrupt") },
	}
	if _, err := e.Run(context.Background(), Options{InputDir: input, OutputDir: t.TempDir()}); err == nil {
		t.Fatal("expected an error when nothing could be written")
	}
}
