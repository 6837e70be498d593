package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"evovista/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging with optional file output.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	// Always include stderr so command output on stdout stays clean.
	writers := []io.Writer{os.Stderr}

	if cfg.Logging.FileOutput {
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("evovista-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)

		// Symlink failure is not fatal; the dated file is still written.
		currentLogPath := filepath.Join(cfg.Logging.LogDir, "evovista-current.log")
		_ = os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: level})
	} else {
		handler = NewTraditionalHandler(io.MultiWriter(writers...), level)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Debug("logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return logger, nil
}

// TraditionalHandler implements slog.Handler with "[LEVEL] msg [k=v ...]" lines.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
}

// NewTraditionalHandler writes to w with the standard log date prefix.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

// WithGroup is a no-op; groups are flattened.
func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	return h
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogStageResolved logs the stage a project directory resolved to.
func LogStageResolved(logger *slog.Logger, project, stage string) {
	logger.Debug("stage resolved",
		"project", project,
		"stage", stage,
	)
}

// LogBackendStatus logs one probe outcome.
func LogBackendStatus(logger *slog.Logger, backend string, available bool, detail string, err error) {
	if available {
		logger.Debug("backend available",
			"backend", backend,
			"detail", detail,
		)
		return
	}
	logger.Debug("backend not available",
		"backend", backend,
		"detail", detail,
		"error", err,
	)
}

// LogArchive logs the outcome of an archive transaction.
func LogArchive(logger *slog.Logger, project, from, archivePath string, moved []string, failed map[string]error) {
	if len(failed) == 0 {
		logger.Info("artifacts archived",
			"project", project,
			"from_stage", from,
			"archive", archivePath,
			"moved", moved,
		)
		return
	}
	names := make([]string, 0, len(failed))
	for name, err := range failed {
		names = append(names, fmt.Sprintf("%s: %v", name, err))
	}
	logger.Error("archive incomplete",
		"project", project,
		"from_stage", from,
		"archive", archivePath,
		"moved", moved,
		"failed", names,
	)
}

// LogRunDispatched logs a run handed to the launcher.
func LogRunDispatched(logger *slog.Logger, runID, project, from, backend, command string) {
	logger.Info("run dispatched",
		"id", runID,
		"project", project,
		"from_stage", from,
		"backend", backend,
		"command", command,
	)
}

// LogBlurSummary logs the statistics of a blur analysis.
func LogBlurSummary(logger *slog.Logger, input string, scored, skipped int, mean, median, std float64, kept int) {
	logger.Info("blur analysis complete",
		"input", input,
		"scored", scored,
		"skipped", skipped,
		"mean", fmt.Sprintf("%.2f", mean),
		"median", fmt.Sprintf("%.2f", median),
		"std", fmt.Sprintf("%.2f", std),
		"kept", kept,
	)
}
