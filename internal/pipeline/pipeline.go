// Package pipeline glues the restart plan, the archive transaction, backend
// selection and the run dispatcher into one run operation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"evovista/internal/backend"
	"evovista/internal/config"
	"evovista/internal/dispatch"
	"evovista/internal/erruser"
	"evovista/internal/featuredb"
	"evovista/internal/logging"
	"evovista/internal/project"
	"evovista/internal/stage"
	"evovista/internal/storage"
)

// Decision is the operator's answer when a restart would overwrite artifacts.
type Decision string

const (
	DecisionArchive   Decision = "archive"
	DecisionOverwrite Decision = "overwrite"
	DecisionCancel    Decision = "cancel"
)

// PolicyAsk defers the decision to the Decider.
const PolicyAsk = "ask"

// ErrCancelled is returned when the operator declined to overwrite.
var ErrCancelled = errors.New("run cancelled")

// Decider asks the operator what to do with the artifacts in plan.
type Decider func(ctx context.Context, p project.Project, plan project.RestartPlan) (Decision, error)

// Detector reports backend availability.
type Detector interface {
	Detect(ctx context.Context) backend.Result
}

// Archiver moves at-risk artifacts aside.
type Archiver interface {
	Archive(p project.Project, from stage.Stage) (project.ArchiveResult, error)
}

// RunRequest is one operator request to start the pipeline.
type RunRequest struct {
	Project        string       `json:"project"`
	From           stage.Stage  `json:"from"`
	Matcher        string       `json:"matcher,omitempty"`
	ImageSet       string       `json:"image_set,omitempty"`
	BlurThreshold  *float64     `json:"blur_threshold,omitempty"`
	SkipBlurIfPlot bool         `json:"skip_blur_if_plot,omitempty"`
	Backend        backend.Kind `json:"backend,omitempty"` // preferred backend when both are available
	OnExisting     string       `json:"on_existing,omitempty"`
}

// RunResult describes a started run.
type RunResult struct {
	ID        string                 `json:"id"`
	Project   string                 `json:"project"`
	From      stage.Stage            `json:"from"`
	Plan      project.RestartPlan    `json:"plan"`
	Decision  Decision               `json:"decision,omitempty"`
	Archive   *project.ArchiveResult `json:"archive,omitempty"`
	Detection backend.Result         `json:"detection"`
	Backend   backend.Kind           `json:"backend"`
	Command   string                 `json:"command"`
	Launched  dispatch.Launched      `json:"launched"`
}

// EventType enumerates run lifecycle events.
type EventType string

const (
	EventPlanned    EventType = "planned"
	EventDetected   EventType = "detected"
	EventRefused    EventType = "refused"
	EventArchived   EventType = "archived"
	EventCancelled  EventType = "cancelled"
	EventDispatched EventType = "dispatched"
	EventExited     EventType = "exited"
)

// Event is broadcast to subscribers as a run progresses.
type Event struct {
	RunID   string    `json:"run_id"`
	Project string    `json:"project"`
	Type    EventType `json:"type"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// ProjectStatus is what an operator sees when selecting a project.
type ProjectStatus struct {
	Name     string           `json:"name"`
	Dir      string           `json:"dir"`
	Stage    stage.Stage      `json:"stage"`
	Display  string           `json:"display"`
	Features *featuredb.Stats `json:"features,omitempty"`
}

// Deps overrides the collaborators New would build from config.
type Deps struct {
	Detector Detector
	Archiver Archiver
	Launcher dispatch.Launcher
	Store    *storage.Store
	Decide   Decider
	Log      *slog.Logger
}

// Orchestrator runs the safe-restart sequence. It assumes at most one active
// run per project; archiving is not locked against a concurrent run.
type Orchestrator struct {
	dataDir    string
	onExisting string
	matcher    string
	imageSet   string
	planner    *project.Planner
	archiver   Archiver
	detector   Detector
	builder    *dispatch.Builder
	launcher   dispatch.Launcher
	store      *storage.Store
	decide     Decider
	log        *slog.Logger
	newID      func() string

	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
}

// New builds an orchestrator from cfg, using deps where set.
func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	table, err := cfg.StageTable()
	if err != nil {
		return nil, err
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	o := &Orchestrator{
		dataDir:    cfg.Paths.DataDir,
		onExisting: cfg.Pipeline.OnExisting,
		matcher:    cfg.Pipeline.DefaultMatcher,
		imageSet:   cfg.Pipeline.DefaultImageSet,
		planner:    project.NewPlanner(table),
		archiver:   deps.Archiver,
		detector:   deps.Detector,
		builder:    dispatch.NewBuilder(cfg),
		launcher:   deps.Launcher,
		store:      deps.Store,
		decide:     deps.Decide,
		log:        log,
		newID:      uuid.NewString,
		subs:       make(map[int]chan Event),
	}
	if o.archiver == nil {
		o.archiver = project.NewArchiver(table, project.CollisionPolicy(cfg.Pipeline.ArchiveCollision), log)
	}
	if o.detector == nil {
		o.detector = backend.NewDetector(cfg.Backend, cfg.ProbeTimeout(), log)
	}
	if o.launcher == nil {
		switch cfg.Pipeline.Launcher {
		case "terminal":
			o.launcher = dispatch.NewTerminalLauncher()
		default:
			o.launcher = &dispatch.ExecLauncher{Stdout: os.Stdout, Stderr: os.Stderr, Log: log}
		}
	}
	return o, nil
}

// DataDir returns the projects root.
func (o *Orchestrator) DataDir() string { return o.dataDir }

// Projects lists the projects under the data directory.
func (o *Orchestrator) Projects() ([]string, error) {
	return project.List(o.dataDir)
}

// Status resolves the project's stage from its directory.
func (o *Orchestrator) Status(name string) (ProjectStatus, error) {
	p, err := project.Open(o.dataDir, name)
	if err != nil {
		return ProjectStatus{}, err
	}
	st := project.Resolve(p.Dir)
	logging.LogStageResolved(o.log, p.Name, string(st))

	status := ProjectStatus{Name: p.Name, Dir: p.Dir, Stage: st, Display: st.Display()}
	dbPath := filepath.Join(p.Dir, stage.ArtifactDatabase)
	if project.NewInspector(p.Dir).HasFeatureDatabase() {
		if fs, err := featuredb.Read(dbPath); err == nil {
			status.Features = &fs
		} else {
			o.log.Debug("feature database unreadable", "project", p.Name, "error", err)
		}
	}
	return status, nil
}

// Plan reports what a restart of project name from `from` would overwrite.
func (o *Orchestrator) Plan(name string, from stage.Stage) (project.Project, project.RestartPlan, error) {
	p, err := project.Open(o.dataDir, name)
	if err != nil {
		return project.Project{}, project.RestartPlan{}, err
	}
	plan, err := o.planner.Plan(p.Dir, from)
	return p, plan, err
}

// Archive moves the artifacts a restart from `from` would overwrite.
func (o *Orchestrator) Archive(name string, from stage.Stage) (project.ArchiveResult, error) {
	p, err := project.Open(o.dataDir, name)
	if err != nil {
		return project.ArchiveResult{}, err
	}
	return o.archive(p, from)
}

// Detect re-probes both backends.
func (o *Orchestrator) Detect(ctx context.Context) backend.Result {
	return o.detector.Detect(ctx)
}

// Run validates the request, resolves the backend, deals with artifacts a
// restart would overwrite and hands the driver command to the launcher.
// Nothing on disk changes unless the run is going to be launched.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	res := RunResult{ID: o.newID(), Project: req.Project, From: req.From}

	p, plan, err := o.Plan(req.Project, req.From)
	if err != nil {
		return res, err
	}
	res.Plan = plan
	o.emit(res.ID, p.Name, EventPlanned, fmt.Sprintf("%d of %d artifacts at risk", len(plan.AtRisk), len(plan.Artifacts)))

	res.Detection = o.detector.Detect(ctx)
	o.emit(res.ID, p.Name, EventDetected, res.Detection.Status)

	matcher := firstNonEmpty(req.Matcher, o.matcher)
	imageSet := firstNonEmpty(req.ImageSet, o.imageSet)
	record := storage.RunRecord{
		ID:            res.ID,
		Project:       p.Name,
		FromStage:     string(req.From),
		Matcher:       matcher,
		ImageSet:      imageSet,
		BlurThreshold: req.BlurThreshold,
	}

	kind, err := backend.Select(res.Detection, req.Backend)
	if err != nil {
		o.refuse(record, err)
		return res, err
	}
	res.Backend = kind
	record.Backend = string(kind)

	cmd, err := o.builder.Build(dispatch.Request{
		Project:        p.Name,
		From:           req.From,
		Matcher:        matcher,
		ImageSet:       imageSet,
		BlurThreshold:  req.BlurThreshold,
		SkipBlurIfPlot: req.SkipBlurIfPlot,
		Backend:        kind,
	})
	if err != nil {
		o.refuse(record, err)
		return res, err
	}
	res.Command = cmd.Display
	record.Command = cmd.Display

	if plan.Any() {
		decision, err := o.decideFor(ctx, p, plan, req.OnExisting)
		if err != nil {
			return res, err
		}
		res.Decision = decision
		switch decision {
		case DecisionCancel:
			o.emit(res.ID, p.Name, EventCancelled, "existing artifacts kept")
			return res, ErrCancelled
		case DecisionArchive:
			ar, err := o.archive(p, req.From)
			res.Archive = &ar
			if err != nil {
				return res, err
			}
			o.emit(res.ID, p.Name, EventArchived, ar.Path)
		}
	}

	// The exit handler waits until the run is recorded as started, so a
	// driver that exits at once cannot be overwritten by the started row.
	recorded := make(chan struct{})
	defer close(recorded)
	cmd.OnExit = func(err error) {
		<-recorded
		o.runExited(res.ID, p.Name, err)
	}

	launched, err := o.launcher.Launch(ctx, cmd)
	if err != nil {
		record.Status = storage.StatusFailed
		record.Error = err.Error()
		o.recordRun(record)
		return res, err
	}
	res.Launched = launched

	record.PID = launched.PID
	record.Status = storage.StatusStarted
	o.recordRun(record)

	logging.LogRunDispatched(o.log, res.ID, p.Name, string(req.From), string(kind), cmd.Display)
	o.emit(res.ID, p.Name, EventDispatched, cmd.Display)
	return res, nil
}

func (o *Orchestrator) decideFor(ctx context.Context, p project.Project, plan project.RestartPlan, policy string) (Decision, error) {
	policy = firstNonEmpty(policy, o.onExisting, PolicyAsk)
	switch Decision(policy) {
	case DecisionArchive, DecisionOverwrite, DecisionCancel:
		return Decision(policy), nil
	}
	if policy != PolicyAsk {
		return "", erruser.Config(fmt.Sprintf("unknown on-existing policy %q", policy), nil)
	}
	if o.decide == nil {
		return "", erruser.Precondition(fmt.Sprintf("restarting %s from %s would overwrite %v; choose archive or overwrite", p.Name, plan.From, plan.AtRisk), nil)
	}
	d, err := o.decide(ctx, p, plan)
	if err != nil {
		return "", err
	}
	switch d {
	case DecisionArchive, DecisionOverwrite, DecisionCancel:
		return d, nil
	}
	return "", fmt.Errorf("unexpected decision %q", d)
}

func (o *Orchestrator) archive(p project.Project, from stage.Stage) (project.ArchiveResult, error) {
	res, err := o.archiver.Archive(p, from)
	if res.Path == "" && err == nil {
		return res, nil
	}
	rec := storage.ArchiveRecord{Project: p.Name, FromStage: string(from), Path: res.Path, Moved: res.Moved}
	var partial *project.PartialArchiveError
	if errors.As(err, &partial) {
		rec.Failed = make(map[string]string, len(partial.Failed))
		for _, f := range partial.Failed {
			rec.Failed[f.Name] = f.Err.Error()
		}
	}
	if res.Path != "" {
		if serr := o.store.RecordArchive(rec); serr != nil {
			o.log.Warn("failed to record archive", "project", p.Name, "error", serr)
		}
	}
	return res, err
}

func (o *Orchestrator) refuse(rec storage.RunRecord, err error) {
	rec.Status = storage.StatusRefused
	rec.Error = err.Error()
	o.recordRun(rec)
	o.emit(rec.ID, rec.Project, EventRefused, err.Error())
}

func (o *Orchestrator) recordRun(rec storage.RunRecord) {
	if err := o.store.RecordRun(rec); err != nil {
		o.log.Warn("failed to record run", "id", rec.ID, "error", err)
	}
}

// runExited finalizes the history entry of a run whose driver finished.
func (o *Orchestrator) runExited(runID, projectName string, err error) {
	status, msg := storage.StatusFinished, ""
	if err != nil {
		status, msg = storage.StatusFailed, err.Error()
	}
	if serr := o.store.RecordRunResult(runID, status, msg); serr != nil {
		o.log.Warn("failed to record run result", "id", runID, "error", serr)
	}
	o.emit(runID, projectName, EventExited, status)
}

// Subscribe returns a channel for receiving run events and an unsubscribe function.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSubID
	o.nextSubID++
	ch := make(chan Event, 16)
	o.subs[id] = ch
	unsub := func() {
		o.mu.Lock()
		if c, ok := o.subs[id]; ok {
			close(c)
			delete(o.subs, id)
		}
		o.mu.Unlock()
	}
	return ch, unsub
}

func (o *Orchestrator) emit(runID, projectName string, typ EventType, msg string) {
	ev := Event{RunID: runID, Project: projectName, Type: typ, Message: msg, Time: time.Now()}
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, ch := range o.subs {
		select {
		case ch <- ev:
		default:
			o.log.Warn("event channel full", "subscriber", id, "run", runID)
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
