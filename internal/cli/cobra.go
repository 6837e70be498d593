package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"evovista/internal/backend"
	"evovista/internal/blur"
	"evovista/internal/config"
	"evovista/internal/fsutil"
	"evovista/internal/pipeline"
	"evovista/internal/project"
	"evovista/internal/resize"
	"evovista/internal/server"
	"evovista/internal/stage"
	"evovista/internal/storage"
	"evovista/internal/watch"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	return NewRoot(cfg, log, store).Command()
}

// Command builds the command tree over r.
func (r *Root) Command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "evovista",
		Short: "Evovista drives the photo and video to 3D reconstruction pipeline",
		Long: `Evovista inspects reconstruction projects, works out which stage each one
has reached, archives results a restart would overwrite and launches the
pipeline driver on a local or containerized backend.`,
		SilenceUsage: true,
	}

	// Project commands
	rootCmd.AddCommand(newProjectsCmd(r))
	rootCmd.AddCommand(newStatusCmd(r))
	rootCmd.AddCommand(newPlanCmd(r))
	rootCmd.AddCommand(newArchiveCmd(r))
	rootCmd.AddCommand(newRunCmd(r))

	// Image steps
	rootCmd.AddCommand(newBlurCmd(r))
	rootCmd.AddCommand(newResizeCmd(r))

	rootCmd.AddCommand(newDetectCmd(r))
	rootCmd.AddCommand(newWatchCmd(r))
	rootCmd.AddCommand(newHistoryCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))

	return rootCmd
}

func newProjectsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List projects and the stage each has reached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := root.orchestrator()
			if err != nil {
				return err
			}
			names, err := orch.Projects()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Printf("No projects in %s\n", orch.DataDir())
				return nil
			}
			for _, name := range names {
				st, err := orch.Status(name)
				if err != nil {
					root.log.Warn("cannot resolve project", "project", name, "error", err)
					continue
				}
				fmt.Printf("%-30s %s\n", st.Name, st.Display)
			}
			return nil
		},
	}
}

func newStatusCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "status <project>",
		Short: "Show the stage a project has reached",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := root.orchestrator()
			if err != nil {
				return err
			}
			st, err := orch.Status(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Project: %s\n", st.Name)
			fmt.Printf("Directory: %s\n", st.Dir)
			fmt.Printf("Stage: %s\n", st.Display)
			if fs := st.Features; fs != nil {
				fmt.Printf("\nFeature database:\n")
				fmt.Printf("  Cameras: %d\n", fs.Cameras)
				fmt.Printf("  Images: %d (%d with keypoints)\n", fs.Images, fs.ImagesWithKeypoints)
				fmt.Printf("  Keypoints: %s\n", humanize.Comma(fs.Keypoints))
				fmt.Printf("  Matched pairs: %d (%d verified)\n", fs.MatchedPairs, fs.VerifiedPairs)
			}
			return nil
		},
	}
}

func newPlanCmd(root *Root) *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:   "plan <project>",
		Short: "Show which results a restart from a stage would overwrite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := stage.Parse(from)
			if err != nil {
				return err
			}
			orch, err := root.orchestrator()
			if err != nil {
				return err
			}
			p, plan, err := orch.Plan(args[0], st)
			if err != nil {
				return err
			}
			if !plan.Any() {
				fmt.Printf("Restarting %s from %s overwrites nothing\n", p.Name, st)
				return nil
			}
			fmt.Printf("Restarting %s from %s will overwrite:\n", p.Name, st)
			printAtRisk(p.Dir, plan.AtRisk)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "stage to restart from ("+strings.Join(stage.Names(), "|")+")")
	cmd.MarkFlagRequired("from")
	return cmd
}

func newArchiveCmd(root *Root) *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:   "archive <project>",
		Short: "Move results a restart would overwrite into archive_<timestamp>/",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := stage.Parse(from)
			if err != nil {
				return err
			}
			orch, err := root.orchestrator()
			if err != nil {
				return err
			}
			res, err := orch.Archive(args[0], st)
			var partial *project.PartialArchiveError
			if errors.As(err, &partial) {
				fmt.Printf("Archived into %s: %s\n", relToData(orch.DataDir(), partial.Path), strings.Join(partial.Moved, ", "))
				for _, f := range partial.Failed {
					fmt.Printf("  not moved: %s (%v)\n", f.Name, f.Err)
				}
				return err
			}
			if err != nil {
				return err
			}
			if res.Path == "" {
				fmt.Printf("Nothing to archive\n")
				return nil
			}
			fmt.Printf("Archived into %s: %s\n", relToData(orch.DataDir(), res.Path), strings.Join(res.Moved, ", "))
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "stage to restart from ("+strings.Join(stage.Names(), "|")+")")
	cmd.MarkFlagRequired("from")
	return cmd
}

func newDetectCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Probe the local and containerized backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := root.orchestrator()
			if err != nil {
				return err
			}
			res := orch.Detect(cmd.Context())
			for _, k := range []backend.Kind{backend.Local, backend.Container} {
				status := "❌ unavailable"
				if res.Available(k) {
					status = "✅ available"
				}
				fmt.Printf("  %s: %s\n", k.Display(), status)
			}
			fmt.Printf("%s\n", res.Status)
			return nil
		},
	}
}

func newRunCmd(root *Root) *cobra.Command {
	var (
		from           string
		matcher        string
		imageSet       string
		threshold      string
		skipBlurIfPlot bool
		backendName    string
		onExisting     string
	)

	cmd := &cobra.Command{
		Use:   "run <project>",
		Short: "Launch the pipeline driver from a stage",
		Long: `Launch the pipeline driver for a project starting at the given stage.

Results the restart would overwrite are archived, overwritten or the run is
cancelled, according to --on-existing (ask prompts on the terminal). Nothing
is moved unless a backend is available and the run will be launched.

Examples:
  evovista run lion --from feature_extraction
  evovista run lion --from images_resized --image-set filtered --blur-threshold 120
  evovista run lion --from dense_reconstruction --backend docker --on-existing overwrite`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := stage.Parse(from)
			if err != nil {
				return err
			}
			kind, err := backend.ParseKind(backendName)
			if err != nil {
				return err
			}
			t, err := blur.ParseThreshold(threshold)
			if err != nil {
				return err
			}
			orch, err := root.newOrchestrator(root.promptDecision)
			if err != nil {
				return err
			}

			res, err := orch.Run(cmd.Context(), pipeline.RunRequest{
				Project:        args[0],
				From:           st,
				Matcher:        matcher,
				ImageSet:       imageSet,
				BlurThreshold:  t,
				SkipBlurIfPlot: skipBlurIfPlot,
				Backend:        kind,
				OnExisting:     onExisting,
			})
			if errors.Is(err, pipeline.ErrCancelled) {
				fmt.Printf("Cancelled, existing results kept\n")
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Printf("Backend: %s\n", res.Backend.Display())
			if res.Archive != nil && res.Archive.Path != "" {
				fmt.Printf("Archived: %s\n", relToData(orch.DataDir(), res.Archive.Path))
			}
			fmt.Printf("Run %s started", res.ID)
			if res.Launched.PID != 0 {
				fmt.Printf(" (pid %d)", res.Launched.PID)
			}
			fmt.Printf("\n%s\n", res.Command)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "stage to start from ("+strings.Join(stage.Names(), "|")+")")
	cmd.Flags().StringVar(&matcher, "matcher", "", "feature matcher ("+strings.Join(config.Matchers, "|")+"), config default if empty")
	cmd.Flags().StringVar(&imageSet, "image-set", "", "image set ("+strings.Join(config.ImageSets, "|")+"), config default if empty")
	cmd.Flags().StringVar(&threshold, "blur-threshold", "", "keep images at or above this sharpness score")
	cmd.Flags().BoolVar(&skipBlurIfPlot, "skip-blur-if-plot", false, "skip blur analysis when the histogram already exists")
	cmd.Flags().StringVar(&backendName, "backend", "", "preferred backend when both are available (local|docker)")
	cmd.Flags().StringVar(&onExisting, "on-existing", "", "what to do with results a restart overwrites ("+strings.Join(config.OnExisting, "|")+")")
	cmd.MarkFlagRequired("from")
	return cmd
}

func newBlurCmd(root *Root) *cobra.Command {
	var (
		threshold  string
		skipIfPlot bool
	)

	cmd := &cobra.Command{
		Use:   "blur <project>",
		Short: "Score image sharpness, plot the histogram and filter blurry images",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := blur.ParseThreshold(threshold)
			if err != nil {
				return err
			}
			dir, err := root.projectDir(args[0])
			if err != nil {
				return err
			}

			rep, err := root.newBlurEngine().Run(cmd.Context(), blur.Options{
				InputDir:    filepath.Join(dir, root.cfg.Blur.InputDir),
				PlotPath:    filepath.Join(dir, root.cfg.Blur.Plot),
				FilteredDir: root.cfg.Blur.FilteredDir,
				Exts:        fsutil.NewExtSet(root.cfg.Blur.Extensions...),
				Bins:        root.cfg.Blur.Bins,
				Threshold:   t,
				SkipIfPlot:  skipIfPlot,
			})
			if err != nil {
				return err
			}
			if rep.Cached {
				fmt.Printf("Histogram exists, analysis skipped: %s\n", rep.Plot)
				return nil
			}
			fmt.Printf("Scored %d images (%d skipped)\n", len(rep.Scores), len(rep.Skipped))
			fmt.Printf("  Mean: %.2f\n  Median: %.2f\n  Std Dev: %.2f\n", rep.Mean, rep.Median, rep.Std)
			fmt.Printf("Histogram: %s\n", rep.Plot)
			if rep.Threshold != nil {
				fmt.Printf("Kept %d of %d images at or above %g in %s\n", len(rep.Kept), len(rep.Scores), *rep.Threshold, rep.FilteredDir)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&threshold, "threshold", "", "copy images at or above this score into the filtered directory")
	cmd.Flags().BoolVar(&skipIfPlot, "skip-if-plot", false, "do nothing when the histogram already exists")
	return cmd
}

func newResizeCmd(root *Root) *cobra.Command {
	var maxSize int

	cmd := &cobra.Command{
		Use:   "resize <project>",
		Short: "Shrink extracted images to fit the configured maximum size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := root.projectDir(args[0])
			if err != nil {
				return err
			}
			if maxSize <= 0 {
				maxSize = root.cfg.Resize.MaxSize
			}
			res, err := root.newResizeEngine().Run(cmd.Context(), resize.Options{
				InputDir:  filepath.Join(dir, root.cfg.Resize.InputDir),
				OutputDir: filepath.Join(dir, root.cfg.Resize.OutputDir),
				MaxSize:   maxSize,
				Quality:   root.cfg.Resize.Quality,
			})
			for name, ferr := range res.Failed {
				fmt.Printf("  failed: %s (%v)\n", name, ferr)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Resized %d images into %s\n", len(res.Written), root.cfg.Resize.OutputDir)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxSize, "max-size", 0, "longest side in pixels, config default if 0")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print stage changes as projects progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := watch.New(root.cfg.Paths.DataDir, root.log)
			if err != nil {
				return err
			}
			if err := w.Start(); err != nil {
				return err
			}
			defer w.Stop()

			fmt.Printf("Watching %s (Ctrl+C to stop)\n", root.cfg.Paths.DataDir)
			ctx := cmd.Context()
			for {
				select {
				case <-ctx.Done():
					return nil
				case change, ok := <-w.Changes:
					if !ok {
						return nil
					}
					fmt.Printf("%s  %-24s %s -> %s\n", change.Time.Format("15:04:05"), change.Project, change.From.Display(), change.To.Display())
				}
			}
		},
	}
}

func newHistoryCmd(root *Root) *cobra.Command {
	var (
		limit    int
		archives bool
		name     string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs or archive transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if archives {
				recs, err := root.store.RecentArchives(name, limit)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Printf("No archives recorded\n")
				}
				for _, rec := range recs {
					fmt.Printf("%s  %-20s from %-22s %s [%s]\n",
						humanize.Time(rec.CreatedAt), rec.Project, rec.FromStage,
						filepath.Base(rec.Path), strings.Join(rec.Moved, ", "))
				}
				return nil
			}

			recs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Printf("No runs recorded\n")
			}
			for _, rec := range recs {
				if name != "" && rec.Project != name {
					continue
				}
				fmt.Printf("%s  %-20s from %-22s %-8s %s\n",
					humanize.Time(rec.CreatedAt), rec.Project, rec.FromStage, rec.Backend, rec.Status)
				if rec.Error != "" {
					fmt.Printf("    %s\n", rec.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries to show")
	cmd.Flags().BoolVar(&archives, "archives", false, "show archive transactions instead of runs")
	cmd.Flags().StringVar(&name, "project", "", "only show this project")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var opts server.Options

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, websocket stream and health service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := root.orchestrator()
			if err != nil {
				return err
			}
			serve := root.serveFn
			if serve == nil {
				serve = defaultServe
			}
			return serve(cmd.Context(), opts, orch, root.store, root.log)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&opts.GRPCAddr, "grpc-addr", "", "gRPC health service address, disabled if empty")
	cmd.Flags().BoolVar(&opts.Watch, "watch", true, "stream stage changes from the data directory")
	return cmd
}
