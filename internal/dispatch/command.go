// Package dispatch turns a run request into the pipeline driver's command
// line and hands it to a launcher.
package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/kballard/go-shellquote"

	"evovista/internal/backend"
	"evovista/internal/config"
	"evovista/internal/erruser"
	"evovista/internal/fsutil"
	"evovista/internal/stage"
)

// Request is one pipeline run as the operator asked for it.
type Request struct {
	Project        string
	From           stage.Stage
	Matcher        string
	ImageSet       string
	BlurThreshold  *float64
	SkipBlurIfPlot bool
	Backend        backend.Kind
}

// Command is a fully resolved driver invocation.
type Command struct {
	// Dir is the working directory the driver runs in.
	Dir string
	// Args is the argv, starting with the shell.
	Args []string
	// Env holds the variables added to the inherited environment.
	Env []string
	// Display is the copy/paste form: cd, env assignment and quoted argv.
	Display string
	// OnExit, when set, receives the driver's exit error from another
	// goroutine. Launchers that cannot observe the process never call it.
	OnExit func(err error) `json:"-"`
}

// Builder assembles driver commands.
type Builder struct {
	Shell  string
	Driver string
	EnvVar string
	// WorkDir defaults to the driver's directory.
	WorkDir string
}

// NewBuilder returns a builder for the configured driver.
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{
		Shell:  cfg.Pipeline.Shell,
		Driver: cfg.Paths.DriverScript,
		EnvVar: cfg.Backend.EnvVar,
	}
}

// Build validates req and produces the command line
//
//	<shell> <driver> <project> --from-step S --matcher M --use-image-set U
//	    [--blur-threshold F] [--skip-blur-if-plot]
//
// with the backend selected through the environment.
func (b *Builder) Build(req Request) (Command, error) {
	if req.Project == "" {
		return Command{}, erruser.Config("no project selected", nil)
	}
	if !req.From.Known() {
		return Command{}, erruser.Config(fmt.Sprintf("unknown start stage %q", req.From), nil)
	}
	if !slices.Contains(config.Matchers, req.Matcher) {
		return Command{}, erruser.Config(fmt.Sprintf("unknown matcher %q (allowed: %v)", req.Matcher, config.Matchers), nil)
	}
	if !slices.Contains(config.ImageSets, req.ImageSet) {
		return Command{}, erruser.Config(fmt.Sprintf("unknown image set %q (allowed: %v)", req.ImageSet, config.ImageSets), nil)
	}
	if req.Backend != backend.Local && req.Backend != backend.Container {
		return Command{}, erruser.Precondition("no execution backend selected", nil)
	}

	driver, err := filepath.Abs(b.Driver)
	if err != nil {
		return Command{}, erruser.Config(fmt.Sprintf("pipeline driver path %q", b.Driver), err)
	}
	if !fsutil.IsFile(driver) {
		return Command{}, erruser.Config(fmt.Sprintf("pipeline driver not found: %s", driver), os.ErrNotExist)
	}

	shell := b.Shell
	if shell == "" {
		shell = "bash"
	}
	args := []string{shell, driver, req.Project,
		"--from-step", string(req.From),
		"--matcher", req.Matcher,
		"--use-image-set", req.ImageSet,
	}
	if req.BlurThreshold != nil {
		args = append(args, "--blur-threshold", strconv.FormatFloat(*req.BlurThreshold, 'f', -1, 64))
	}
	if req.SkipBlurIfPlot {
		args = append(args, "--skip-blur-if-plot")
	}

	envVar := b.EnvVar
	if envVar == "" {
		envVar = "PIPELINE_BACKEND"
	}
	env := []string{envVar + "=" + string(req.Backend)}

	dir := b.WorkDir
	if dir == "" {
		dir = filepath.Dir(driver)
	}

	return Command{
		Dir:     dir,
		Args:    args,
		Env:     env,
		Display: "cd " + shellquote.Join(dir) + " && " + shellquote.Join(env...) + " " + shellquote.Join(args...),
	}, nil
}
