package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// ErrNoTerminal is returned when no terminal emulator could be found.
var ErrNoTerminal = errors.New("no terminal found (tried gnome-terminal, xterm)")

// Launched describes a started driver process.
type Launched struct {
	PID     int    `json:"pid,omitempty"`
	Via     string `json:"via"`
	Command string `json:"command"`
}

// Launcher starts a driver command. It reports only that the process
// started; exit codes belong to the driver.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (Launched, error)
}

// ExecLauncher runs the driver as a child process with its output attached
// to Stdout and Stderr.
type ExecLauncher struct {
	Stdout io.Writer
	Stderr io.Writer
	Log    *slog.Logger
}

func (l *ExecLauncher) Launch(ctx context.Context, c Command) (Launched, error) {
	if len(c.Args) == 0 {
		return Launched{}, fmt.Errorf("empty command")
	}
	cmd := exec.Command(c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if err := cmd.Start(); err != nil {
		return Launched{}, fmt.Errorf("start %s: %w", c.Args[0], err)
	}

	pid := cmd.Process.Pid
	go func() {
		err := cmd.Wait()
		if l.Log != nil {
			l.Log.Info("pipeline driver exited", "pid", pid, "error", err)
		}
		if c.OnExit != nil {
			c.OnExit(err)
		}
	}()
	return Launched{PID: pid, Via: "exec", Command: c.Display}, nil
}

// TerminalLauncher opens a new terminal window running the driver so its raw
// output stays visible after the orchestrator exits.
type TerminalLauncher struct {
	GOOS     string
	LookPath func(string) (string, error)
	Start    func(name string, args ...string) error
}

// NewTerminalLauncher returns a launcher for the current platform.
func NewTerminalLauncher() *TerminalLauncher {
	return &TerminalLauncher{GOOS: runtime.GOOS, LookPath: exec.LookPath, Start: startDetached}
}

func (l *TerminalLauncher) Launch(ctx context.Context, c Command) (Launched, error) {
	name, args, err := l.terminalArgv(c.Display)
	if err != nil {
		return Launched{}, err
	}
	if err := l.Start(name, args...); err != nil {
		return Launched{}, fmt.Errorf("open terminal %s: %w", name, err)
	}
	return Launched{Via: name, Command: c.Display}, nil
}

// terminalArgv picks the terminal program and its arguments. The shell is
// kept open after the driver exits.
func (l *TerminalLauncher) terminalArgv(script string) (string, []string, error) {
	switch l.GOOS {
	case "darwin":
		escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(script)
		return "osascript", []string{"-e", `tell application "Terminal" to do script "` + escaped + `"`}, nil
	case "linux", "freebsd", "openbsd", "netbsd":
		keep := script + "; exec bash"
		if _, err := l.LookPath("gnome-terminal"); err == nil {
			return "gnome-terminal", []string{"--", "bash", "-c", keep}, nil
		}
		if _, err := l.LookPath("xterm"); err == nil {
			return "xterm", []string{"-e", keep}, nil
		}
		return "", nil, ErrNoTerminal
	}
	return "", nil, fmt.Errorf("opening a terminal is not supported on %s", l.GOOS)
}

func startDetached(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
