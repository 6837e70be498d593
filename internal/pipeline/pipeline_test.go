package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"evovista/internal/backend"
	"evovista/internal/config"
	"evovista/internal/dispatch"
	"evovista/internal/erruser"
	"evovista/internal/project"
	"evovista/internal/stage"
	"evovista/internal/storage"
)

type stubDetector struct {
	result backend.Result
	calls  int
}

func (d *stubDetector) Detect(ctx context.Context) backend.Result {
	d.calls++
	return d.result
}

type stubLauncher struct {
	cmds []dispatch.Command
	err  error
	// exitNow reports the driver as exited before Launch returns.
	exitNow bool
}

func (l *stubLauncher) Launch(ctx context.Context, c dispatch.Command) (dispatch.Launched, error) {
	l.cmds = append(l.cmds, c)
	if l.err != nil {
		return dispatch.Launched{}, l.err
	}
	if l.exitNow && c.OnExit != nil {
		exiting := make(chan struct{})
		go func() {
			close(exiting)
			c.OnExit(nil)
		}()
		<-exiting
	}
	return dispatch.Launched{PID: 4242, Via: "stub", Command: c.Display}, nil
}

type fixture struct {
	cfg      *config.Config
	store    *storage.Store
	detector *stubDetector
	launcher *stubLauncher
	dataDir  string
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newFixture(t *testing.T, result backend.Result) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(root, "data")
	cfg.Paths.DriverScript = filepath.Join(root, "run.sh")
	writeFile(t, cfg.Paths.DriverScript, "#!/bin/sh\n")

	store, err := storage.New(filepath.Join(root, "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	return &fixture{
		cfg:      cfg,
		store:    store,
		detector: &stubDetector{result: result},
		launcher: &stubLauncher{},
		dataDir:  cfg.Paths.DataDir,
	}
}

func (f *fixture) orchestrator(t *testing.T, decide Decider) *Orchestrator {
	t.Helper()
	o, err := New(f.cfg, Deps{
		Detector: f.detector,
		Launcher: f.launcher,
		Store:    f.store,
		Decide:   decide,
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

// reconstructed lays out a project that finished sparse reconstruction.
func (f *fixture) reconstructed(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(f.dataDir, name)
	writeFile(t, filepath.Join(dir, "images", "0001.jpg"), "raw")
	writeFile(t, filepath.Join(dir, "images_resized", "0001.jpg"), "resized")
	writeFile(t, filepath.Join(dir, "database.db"), "db")
	writeFile(t, filepath.Join(dir, "sparse", "0", "points3D.bin"), "pts")
	return dir
}

func archives(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, project.ArchivePrefix+"*"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

var both = backend.Result{Local: true, Container: true, Status: "both"}

func TestRunRefusesWithoutBackend(t *testing.T) {
	f := newFixture(t, backend.Result{Status: backend.NoBackendStatus})
	f.cfg.Pipeline.OnExisting = "archive"
	dir := f.reconstructed(t, "lion")
	o := f.orchestrator(t, nil)

	_, err := o.Run(context.Background(), RunRequest{Project: "lion", From: stage.FeatureExtraction})
	if !errors.Is(err, erruser.ErrPrecondition) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if len(f.launcher.cmds) != 0 {
		t.Fatal("launcher must not be called without a backend")
	}
	if len(archives(t, dir)) != 0 || project.Resolve(dir) != stage.SparseReconstruction {
		t.Fatal("artifacts must stay in place when the run is refused")
	}
	runs, _ := f.store.RecentRuns(5)
	if len(runs) != 1 || runs[0].Status != storage.StatusRefused {
		t.Fatalf("expected refused run in history, got %+v", runs)
	}
}

func TestRunArchivesThenDispatches(t *testing.T) {
	f := newFixture(t, both)
	f.cfg.Pipeline.OnExisting = "archive"
	dir := f.reconstructed(t, "lion")
	o := f.orchestrator(t, nil)

	res, err := o.Run(context.Background(), RunRequest{Project: "lion", From: stage.FeatureExtraction})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Decision != DecisionArchive || res.Archive == nil || len(res.Archive.Moved) != 2 {
		t.Fatalf("unexpected archive outcome %+v", res)
	}
	if _, err := os.Stat(filepath.Join(res.Archive.Path, "sparse", "0", "points3D.bin")); err != nil {
		t.Fatalf("sparse not archived: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "images_resized", "0001.jpg")); err != nil {
		t.Fatalf("unrelated artifact moved: %v", err)
	}
	if res.Backend != backend.Local || len(f.launcher.cmds) != 1 {
		t.Fatalf("expected one local launch, got backend=%s launches=%d", res.Backend, len(f.launcher.cmds))
	}
	cmd := f.launcher.cmds[0]
	if !strings.Contains(cmd.Display, "PIPELINE_BACKEND=local") || !strings.Contains(cmd.Display, "lion --from-step feature_extraction --matcher exhaustive --use-image-set whole") {
		t.Fatalf("unexpected command %q", cmd.Display)
	}

	runs, _ := f.store.RecentRuns(5)
	if len(runs) != 1 || runs[0].Status != storage.StatusStarted || runs[0].PID != 4242 || runs[0].ID != res.ID {
		t.Fatalf("unexpected run history %+v", runs)
	}
	recs, _ := f.store.RecentArchives("lion", 5)
	if len(recs) != 1 || recs[0].Path != res.Archive.Path {
		t.Fatalf("unexpected archive history %+v", recs)
	}
}

func TestRunAskCancel(t *testing.T) {
	f := newFixture(t, both)
	dir := f.reconstructed(t, "lion")
	var asked project.RestartPlan
	o := f.orchestrator(t, func(ctx context.Context, p project.Project, plan project.RestartPlan) (Decision, error) {
		asked = plan
		return DecisionCancel, nil
	})

	_, err := o.Run(context.Background(), RunRequest{Project: "lion", From: stage.Images})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if len(asked.AtRisk) != 3 {
		t.Fatalf("decider saw %+v", asked)
	}
	if len(f.launcher.cmds) != 0 || len(archives(t, dir)) != 0 {
		t.Fatal("cancelled run must not launch or archive")
	}
}

func TestRunAskWithoutDecider(t *testing.T) {
	f := newFixture(t, both)
	f.reconstructed(t, "lion")
	o := f.orchestrator(t, nil)
	_, err := o.Run(context.Background(), RunRequest{Project: "lion", From: stage.FeatureMatching})
	if !errors.Is(err, erruser.ErrPrecondition) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
}

func TestRunOverwriteLeavesArtifacts(t *testing.T) {
	f := newFixture(t, backend.Result{Container: true})
	dir := f.reconstructed(t, "lion")
	o := f.orchestrator(t, nil)

	res, err := o.Run(context.Background(), RunRequest{Project: "lion", From: stage.FeatureMatching, OnExisting: "overwrite", Backend: backend.Local})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Archive != nil || len(archives(t, dir)) != 0 {
		t.Fatal("overwrite must not archive")
	}
	if res.Backend != backend.Container {
		t.Fatalf("only docker available, got %s", res.Backend)
	}
	if !strings.Contains(f.launcher.cmds[0].Display, "PIPELINE_BACKEND=docker") {
		t.Fatalf("unexpected command %q", f.launcher.cmds[0].Display)
	}
}

func TestRunCleanProjectSkipsDecision(t *testing.T) {
	f := newFixture(t, both)
	writeFile(t, filepath.Join(f.dataDir, "owl", "clip.mp4"), "video")
	o := f.orchestrator(t, func(context.Context, project.Project, project.RestartPlan) (Decision, error) {
		t.Fatal("decider called for a clean project")
		return "", nil
	})

	threshold := 80.0
	res, err := o.Run(context.Background(), RunRequest{Project: "owl", From: stage.Video, Backend: backend.Container, BlurThreshold: &threshold, ImageSet: "filtered"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Backend != backend.Container {
		t.Fatalf("override ignored: %s", res.Backend)
	}
	if !strings.HasSuffix(f.launcher.cmds[0].Display, "--use-image-set filtered --blur-threshold 80") {
		t.Fatalf("unexpected command %q", f.launcher.cmds[0].Display)
	}
}

func TestRunConfigurationErrors(t *testing.T) {
	f := newFixture(t, both)
	f.reconstructed(t, "lion")
	o := f.orchestrator(t, nil)

	if _, err := o.Run(context.Background(), RunRequest{Project: "lion", From: "mesh"}); !errors.Is(err, erruser.ErrConfig) {
		t.Fatalf("unknown stage: %v", err)
	}
	if _, err := o.Run(context.Background(), RunRequest{Project: "ghost", From: stage.Video}); !errors.Is(err, erruser.ErrPrecondition) {
		t.Fatalf("missing project: %v", err)
	}
	if err := os.Remove(f.cfg.Paths.DriverScript); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Run(context.Background(), RunRequest{Project: "lion", From: stage.Video, OnExisting: "archive"}); !errors.Is(err, erruser.ErrConfig) {
		t.Fatalf("missing driver: %v", err)
	}
	if len(archives(t, filepath.Join(f.dataDir, "lion"))) != 0 {
		t.Fatal("nothing may be archived when the driver is missing")
	}
}

func TestRunLaunchFailureRecorded(t *testing.T) {
	f := newFixture(t, both)
	f.launcher.err = errors.New("fork failed")
	writeFile(t, filepath.Join(f.dataDir, "owl", "clip.mp4"), "video")
	o := f.orchestrator(t, nil)
	if _, err := o.Run(context.Background(), RunRequest{Project: "owl", From: stage.Video}); err == nil {
		t.Fatal("expected launch error")
	}
	runs, _ := f.store.RecentRuns(1)
	if len(runs) != 1 || runs[0].Status != storage.StatusFailed || runs[0].Error != "fork failed" {
		t.Fatalf("unexpected history %+v", runs)
	}
}

func TestSubscribeAndDriverExit(t *testing.T) {
	f := newFixture(t, both)
	f.launcher.exitNow = true
	writeFile(t, filepath.Join(f.dataDir, "owl", "clip.mp4"), "video")
	o := f.orchestrator(t, nil)
	events, unsub := o.Subscribe()
	defer unsub()

	res, err := o.Run(context.Background(), RunRequest{Project: "owl", From: stage.Video})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []EventType{EventPlanned, EventDetected, EventDispatched, EventExited}
	for _, typ := range want {
		select {
		case ev := <-events:
			if ev.Type != typ || ev.RunID != res.ID || ev.Project != "owl" {
				t.Fatalf("got event %+v, want %s", ev, typ)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", typ)
		}
	}

	runs, _ := f.store.RecentRuns(1)
	if runs[0].Status != storage.StatusFinished || runs[0].CompletedAt == nil || runs[0].PID != 4242 {
		t.Fatalf("run not finalized: %+v", runs[0])
	}
}

func TestExecLauncherDriverExitingAtOnceIsFinalized(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	f := newFixture(t, both)
	f.cfg.Pipeline.Shell = "sh"
	writeFile(t, filepath.Join(f.dataDir, "owl", "clip.mp4"), "video")
	o, err := New(f.cfg, Deps{
		Detector: f.detector,
		Store:    f.store,
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events, unsub := o.Subscribe()
	defer unsub()

	res, err := o.Run(context.Background(), RunRequest{Project: "owl", From: stage.Video})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Launched.PID == 0 {
		t.Fatalf("expected a child process, got %+v", res.Launched)
	}

	deadline := time.After(10 * time.Second)
	for exited := false; !exited; {
		select {
		case ev := <-events:
			exited = ev.Type == EventExited && ev.RunID == res.ID
		case <-deadline:
			t.Fatal("driver exit never reported")
		}
	}

	runs, err := f.store.RecentRuns(1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("RecentRuns: %v %v", runs, err)
	}
	if runs[0].ID != res.ID || runs[0].Status != storage.StatusFinished || runs[0].CompletedAt == nil {
		t.Fatalf("run not finalized: %+v", runs[0])
	}
	if runs[0].PID != res.Launched.PID {
		t.Fatalf("pid = %d, want %d", runs[0].PID, res.Launched.PID)
	}
}

func TestStatusAndProjects(t *testing.T) {
	f := newFixture(t, both)
	f.reconstructed(t, "lion")
	writeFile(t, filepath.Join(f.dataDir, "owl", "clip.mov"), "video")
	writeFile(t, filepath.Join(f.dataDir, ".cache", "x"), "")
	o := f.orchestrator(t, nil)

	names, err := o.Projects()
	if err != nil || strings.Join(names, ",") != "lion,owl" {
		t.Fatalf("Projects: %v %v", names, err)
	}
	st, err := o.Status("lion")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Stage != stage.SparseReconstruction || st.Features != nil {
		t.Fatalf("unexpected status %+v", st)
	}
	if f.detector.calls != 0 {
		t.Fatal("status must not probe backends")
	}
}
