package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"evovista/internal/config"
	"evovista/internal/erruser"
	"evovista/internal/logging"
)

// Kind names an execution backend. The value is what the pipeline driver
// expects in its backend environment variable.
type Kind string

const (
	None      Kind = ""
	Local     Kind = "local"
	Container Kind = "docker"
)

// Display returns a human label for k.
func (k Kind) Display() string {
	switch k {
	case Local:
		return "local (accelerated)"
	case Container:
		return "docker"
	default:
		return "none"
	}
}

// ParseKind accepts the names operators type for a backend. An empty string
// means no preference.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return None, nil
	case "local", "gpu", "cuda":
		return Local, nil
	case "docker", "container", "containerized":
		return Container, nil
	}
	return None, erruser.Config(fmt.Sprintf("unknown backend %q (use local or docker)", s), nil)
}

// NoBackendStatus is the status text when neither backend is usable.
const NoBackendStatus = "No backend found"

// Result is the outcome of one detection pass.
type Result struct {
	Local     bool   `json:"local"`
	Container bool   `json:"container"`
	Status    string `json:"status"`
}

// Available reports whether backend k was found.
func (r Result) Available(k Kind) bool {
	switch k {
	case Local:
		return r.Local
	case Container:
		return r.Container
	}
	return false
}

// Detector decides which backends are usable from two probes. It keeps no
// state between calls; every Detect re-runs both probes.
type Detector struct {
	Local          Probe
	Container      Probe
	AccelMarkers   []string
	NoAccelMarkers []string
	Log            *slog.Logger
}

// NewDetector builds a detector from the backend section of the config.
func NewDetector(cfg config.Backend, timeout time.Duration, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		Local:          NewLocalProbe(cfg.LocalTool, cfg.LocalArgs, timeout),
		Container:      NewContainerProbe(cfg.ContainerTool, cfg.ContainerArgs, timeout),
		AccelMarkers:   cfg.AccelMarkers,
		NoAccelMarkers: cfg.NoAccelMarkers,
		Log:            log,
	}
}

// Detect probes both backends sequentially. It never fails: a probe that
// errors or panics marks its backend unavailable.
func (d *Detector) Detect(ctx context.Context) Result {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}

	var res Result
	if out, err := runProbe(ctx, d.Local); err != nil {
		logging.LogBackendStatus(log, string(Local), false, probeName(d.Local), err)
	} else if ok, detail := d.accelerated(out); ok {
		res.Local = true
		logging.LogBackendStatus(log, string(Local), true, detail, nil)
	} else {
		logging.LogBackendStatus(log, string(Local), false, detail, nil)
	}

	if _, err := runProbe(ctx, d.Container); err != nil {
		logging.LogBackendStatus(log, string(Container), false, probeName(d.Container), err)
	} else {
		res.Container = true
		logging.LogBackendStatus(log, string(Container), true, probeName(d.Container), nil)
	}

	res.Status = status(res)
	return res
}

// accelerated checks the local tool's self-description. An explicit
// no-acceleration marker wins; otherwise an acceleration marker is required.
func (d *Detector) accelerated(output string) (bool, string) {
	text := strings.ToLower(output)
	for _, m := range d.NoAccelMarkers {
		if m != "" && strings.Contains(text, strings.ToLower(m)) {
			return false, fmt.Sprintf("reports %q", m)
		}
	}
	for _, m := range d.AccelMarkers {
		if m != "" && strings.Contains(text, strings.ToLower(m)) {
			return true, fmt.Sprintf("reports %q", m)
		}
	}
	return false, "no acceleration marker"
}

func runProbe(ctx context.Context, p Probe) (out string, err error) {
	if p == nil {
		return "", fmt.Errorf("no probe configured")
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = "", fmt.Errorf("probe %s panicked: %v", p.Name(), r)
		}
	}()
	return p.Run(ctx)
}

func probeName(p Probe) string {
	if p == nil {
		return ""
	}
	return p.Name()
}

func status(r Result) string {
	switch {
	case r.Local && r.Container:
		return "Local accelerated and docker backends available"
	case r.Local:
		return "Local accelerated backend available"
	case r.Container:
		return "Docker backend available"
	default:
		return NoBackendStatus
	}
}

// Select applies the selection rules to a detection result. With both
// backends available the local one is used unless override names docker;
// with one available it is forced regardless of override; with none the run
// must not start.
func Select(r Result, override Kind) (Kind, error) {
	switch {
	case r.Local && r.Container:
		if override == Container {
			return Container, nil
		}
		return Local, nil
	case r.Local:
		return Local, nil
	case r.Container:
		return Container, nil
	}
	return None, erruser.Precondition("no execution backend available (local accelerated tool and container runtime both unavailable)", nil)
}
