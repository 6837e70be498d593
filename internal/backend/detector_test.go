package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"evovista/internal/config"
	"evovista/internal/erruser"
)

type stubProbe struct {
	name   string
	output string
	err    error
	panics bool
	calls  int
}

func (p *stubProbe) Name() string { return p.name }

func (p *stubProbe) Run(ctx context.Context) (string, error) {
	p.calls++
	if p.panics {
		panic("exec blew up")
	}
	return p.output, p.err
}

var errAbsent = errors.New("executable file not found in $PATH")

func newStubDetector(local, container Probe) *Detector {
	defaults := config.Default().Backend
	return &Detector{
		Local:          local,
		Container:      container,
		AccelMarkers:   defaults.AccelMarkers,
		NoAccelMarkers: defaults.NoAccelMarkers,
		Log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestDetectBothAbsent(t *testing.T) {
	d := newStubDetector(&stubProbe{name: "colmap", err: errAbsent}, &stubProbe{name: "docker", err: errAbsent})
	res := d.Detect(context.Background())
	if res.Local || res.Container || res.Status != NoBackendStatus {
		t.Fatalf("expected (false, false, %q), got %+v", NoBackendStatus, res)
	}
}

func TestDetectLocalOnly(t *testing.T) {
	local := &stubProbe{name: "colmap", output: "COLMAP 3.9.1 (Commit abc with CUDA)\nUsage: colmap [command]"}
	container := &stubProbe{name: "docker", err: errors.New("exit status 1")}
	res := newStubDetector(local, container).Detect(context.Background())
	if !res.Local || res.Container {
		t.Fatalf("expected (true, false), got %+v", res)
	}
	if res.Status == NoBackendStatus || res.Status == "" {
		t.Fatalf("unexpected status %q", res.Status)
	}
}

func TestDetectAccelerationMarkers(t *testing.T) {
	tests := []struct {
		name   string
		output string
		err    error
		want   bool
	}{
		{"with marker", "COLMAP 3.8 with CUDA", nil, true},
		{"enabled marker", "build: acceleration enabled", nil, true},
		{"case insensitive", "colmap 3.9 WITH CUDA", nil, true},
		{"explicit without", "COLMAP 3.8 without CUDA", nil, false},
		{"without wins over with", "without CUDA\nnote: built with CUDA headers", nil, false},
		{"no marker", "COLMAP 3.8\nUsage: colmap [command]", nil, false},
		{"marker but failed exit", "COLMAP 3.8 with CUDA", errors.New("exit status 2"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			local := &stubProbe{name: "colmap", output: tc.output, err: tc.err}
			d := newStubDetector(local, &stubProbe{name: "docker", err: errAbsent})
			if got := d.Detect(context.Background()).Local; got != tc.want {
				t.Fatalf("local=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestDetectContainerOnly(t *testing.T) {
	d := newStubDetector(&stubProbe{name: "colmap", err: errAbsent}, &stubProbe{name: "docker", output: "Server Version: 27.0"})
	res := d.Detect(context.Background())
	if res.Local || !res.Container {
		t.Fatalf("expected (false, true), got %+v", res)
	}
}

func TestDetectSurvivesPanickingProbe(t *testing.T) {
	d := newStubDetector(&stubProbe{name: "colmap", panics: true}, &stubProbe{name: "docker", panics: true})
	res := d.Detect(context.Background())
	if res.Local || res.Container || res.Status != NoBackendStatus {
		t.Fatalf("expected nothing available, got %+v", res)
	}
}

func TestDetectNilProbes(t *testing.T) {
	res := newStubDetector(nil, nil).Detect(context.Background())
	if res.Local || res.Container {
		t.Fatalf("expected nothing available, got %+v", res)
	}
}

func TestDetectReprobesEveryCall(t *testing.T) {
	local := &stubProbe{name: "colmap", output: "with CUDA"}
	container := &stubProbe{name: "docker"}
	d := newStubDetector(local, container)

	first := d.Detect(context.Background())
	container.err = errors.New("daemon stopped")
	second := d.Detect(context.Background())

	if local.calls != 2 || container.calls != 2 {
		t.Fatalf("expected each probe to run twice, got local=%d container=%d", local.calls, container.calls)
	}
	if !first.Container || second.Container {
		t.Fatalf("expected container availability to follow live state, got %+v then %+v", first, second)
	}
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name     string
		result   Result
		override Kind
		want     Kind
	}{
		{"both default local", Result{Local: true, Container: true}, None, Local},
		{"both override docker", Result{Local: true, Container: true}, Container, Container},
		{"local only ignores override", Result{Local: true}, Container, Local},
		{"docker only forced", Result{Container: true}, Local, Container},
		{"docker only default", Result{Container: true}, None, Container},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Select(tc.result, tc.override)
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestSelectNoneIsPrecondition(t *testing.T) {
	for _, override := range []Kind{None, Local, Container} {
		if _, err := Select(Result{Status: NoBackendStatus}, override); !errors.Is(err, erruser.ErrPrecondition) {
			t.Fatalf("override %q: expected precondition failure, got %v", override, err)
		}
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"": None, "local": Local, " GPU ": Local, "docker": Container, "Container": Container} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseKind("kubernetes"); !errors.Is(err, erruser.ErrConfig) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func writeTool(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestCommandProbesAgainstPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	bin := t.TempDir()
	writeTool(t, bin, "colmap", "echo 'COLMAP 3.9 (with CUDA)'\nexit 0\n")
	writeTool(t, bin, "docker", "echo 'Cannot connect to the Docker daemon' >&2\nexit 1\n")
	t.Setenv("PATH", bin)

	cfg := config.Default().Backend
	d := NewDetector(cfg, 5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	res := d.Detect(context.Background())
	if !res.Local || res.Container {
		t.Fatalf("expected (true, false), got %+v", res)
	}

	t.Setenv("PATH", t.TempDir())
	res = d.Detect(context.Background())
	if res.Local || res.Container || res.Status != NoBackendStatus {
		t.Fatalf("expected nothing found on empty PATH, got %+v", res)
	}
}

func TestCommandProbeTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	bin := t.TempDir()
	writeTool(t, bin, "slowtool", "exec sleep 5\n")
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	p := &CommandProbe{Tool: "slowtool", Timeout: 100 * time.Millisecond}
	start := time.Now()
	if _, err := p.Run(context.Background()); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("probe did not honor its timeout")
	}
}
