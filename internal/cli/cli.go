package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"evovista/internal/blur"
	"evovista/internal/config"
	"evovista/internal/dispatch"
	"evovista/internal/pipeline"
	"evovista/internal/project"
	"evovista/internal/resize"
	"evovista/internal/server"
	"evovista/internal/storage"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

type serverFunc func(ctx context.Context, opts server.Options, orch *pipeline.Orchestrator, store *storage.Store, log *slog.Logger) error

func defaultServe(ctx context.Context, opts server.Options, orch *pipeline.Orchestrator, store *storage.Store, log *slog.Logger) error {
	srv, err := server.NewServer(opts, orch, store, log)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

// Root wires CLI commands to the orchestrator and the image steps.
type Root struct {
	cfg   *config.Config
	log   *slog.Logger
	store *storage.Store
	in    io.Reader

	// Nil fields fall back to the real implementations.
	detector pipeline.Detector
	launcher dispatch.Launcher
	scorer   blur.Scorer
	resizer  resize.Resizer
	serveFn  serverFunc
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		cfg:     cfg,
		log:     logger,
		store:   store,
		in:      os.Stdin,
		serveFn: defaultServe,
	}
}

func (r *Root) orchestrator() (*pipeline.Orchestrator, error) {
	return r.newOrchestrator(nil)
}

// newOrchestrator builds an orchestrator; decide answers the "ask" policy.
func (r *Root) newOrchestrator(decide pipeline.Decider) (*pipeline.Orchestrator, error) {
	return pipeline.New(r.cfg, pipeline.Deps{
		Detector: r.detector,
		Launcher: r.launcher,
		Store:    r.store,
		Decide:   decide,
		Log:      r.log,
	})
}

func (r *Root) newBlurEngine() *blur.Engine {
	e := blur.NewEngine(r.log)
	if r.scorer != nil {
		e.Score = r.scorer
	}
	return e
}

func (r *Root) newResizeEngine() *resize.Engine {
	e := resize.NewEngine(r.log)
	if r.resizer != nil {
		e.Resize = r.resizer
	}
	return e
}

// projectDir resolves a project under the data directory and checks it exists.
func (r *Root) projectDir(name string) (string, error) {
	p, err := project.Open(r.cfg.Paths.DataDir, name)
	if err != nil {
		return "", err
	}
	return p.Dir, nil
}

// promptDecision asks the operator what to do with artifacts a restart
// would overwrite. End of input cancels.
func (r *Root) promptDecision(ctx context.Context, p project.Project, plan project.RestartPlan) (pipeline.Decision, error) {
	fmt.Printf("Restarting %s from %s will overwrite:\n", p.Name, plan.From)
	printAtRisk(p.Dir, plan.AtRisk)

	reader := bufio.NewReader(r.in)
	for {
		fmt.Printf("[a]rchive, [o]verwrite or [c]ancel? ")
		line, err := reader.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "a", "archive":
			return pipeline.DecisionArchive, nil
		case "o", "overwrite":
			return pipeline.DecisionOverwrite, nil
		case "c", "cancel":
			return pipeline.DecisionCancel, nil
		}
		if err != nil {
			fmt.Println()
			return pipeline.DecisionCancel, nil
		}
		if ctx.Err() != nil {
			return pipeline.DecisionCancel, ctx.Err()
		}
	}
}

func printAtRisk(dir string, names []string) {
	insp := project.NewInspector(dir)
	for _, name := range names {
		size, err := insp.Size(name)
		if err != nil {
			fmt.Printf("  %-26s ?\n", name)
			continue
		}
		fmt.Printf("  %-26s %s\n", name, humanize.Bytes(uint64(size)))
	}
}

func relToData(dataDir, path string) string {
	if rel, err := filepath.Rel(dataDir, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}
