package backend

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Probe runs one capability query against the host.
type Probe interface {
	// Name identifies the probed tool in logs and status text.
	Name() string
	// Run executes the query and returns its combined output. Any failure,
	// including the tool being absent, is returned as an error.
	Run(ctx context.Context) (string, error)
}

// CommandProbe queries an external tool by running it with fixed arguments.
type CommandProbe struct {
	Tool    string
	Args    []string
	Timeout time.Duration
}

// NewLocalProbe queries the reconstruction tool's help/version text.
func NewLocalProbe(tool string, args []string, timeout time.Duration) *CommandProbe {
	return &CommandProbe{Tool: tool, Args: args, Timeout: timeout}
}

// NewContainerProbe queries the container runtime's status.
func NewContainerProbe(tool string, args []string, timeout time.Duration) *CommandProbe {
	return &CommandProbe{Tool: tool, Args: args, Timeout: timeout}
}

func (p *CommandProbe) Name() string { return p.Tool }

func (p *CommandProbe) Run(ctx context.Context) (string, error) {
	if p.Tool == "" {
		return "", fmt.Errorf("no tool configured")
	}
	path, err := exec.LookPath(p.Tool)
	if err != nil {
		return "", err
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, path, p.Args...)
	output, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return string(output), fmt.Errorf("%s %s: %w", p.Tool, strings.Join(p.Args, " "), ctx.Err())
	}
	if err != nil {
		return string(output), fmt.Errorf("%s %s: %w", p.Tool, strings.Join(p.Args, " "), err)
	}
	return string(output), nil
}
