package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"evovista/internal/erruser"
	"evovista/internal/stage"
)

const (
	defaultConfigPath = "~/.config/evovista/config.json"

	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "EVOVISTA_CONFIG"
)

// Accepted enum values.
var (
	Matchers         = []string{"exhaustive", "sequential"}
	ImageSets        = []string{"whole", "filtered"}
	Launchers        = []string{"exec", "terminal"}
	OnExisting       = []string{"ask", "archive", "overwrite", "cancel"}
	ArchiveCollision = []string{"wait", "fail"}
)

// Config holds user-editable settings for the orchestrator.
type Config struct {
	Paths    Paths               `json:"paths"`
	Logging  Logging             `json:"logging"`
	Backend  Backend             `json:"backend"`
	Pipeline Pipeline            `json:"pipeline"`
	Blur     Blur                `json:"blur"`
	Resize   Resize              `json:"resize"`
	Stages   map[string][]string `json:"stages,omitempty"` // overrides the stage→artifact table
}

// Paths configures where projects, the driver and the history live.
type Paths struct {
	DataDir      string `json:"data_dir"`      // projects root
	DriverScript string `json:"driver_script"` // external pipeline driver
	HistoryDB    string `json:"history_db"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`
}

// Backend configures the two capability probes.
type Backend struct {
	LocalTool           string   `json:"local_tool"`
	LocalArgs           []string `json:"local_args"`
	AccelMarkers        []string `json:"accel_markers"`
	NoAccelMarkers      []string `json:"no_accel_markers"`
	ContainerTool       string   `json:"container_tool"`
	ContainerArgs       []string `json:"container_args"`
	ProbeTimeoutSeconds int      `json:"probe_timeout_seconds"`
	EnvVar              string   `json:"env_var"` // selects the backend for the driver
}

// Pipeline configures dispatch defaults.
type Pipeline struct {
	Shell            string `json:"shell"`
	DefaultMatcher   string `json:"default_matcher"`
	DefaultImageSet  string `json:"default_image_set"`
	Launcher         string `json:"launcher"`
	OnExisting       string `json:"on_existing"`
	ArchiveCollision string `json:"archive_collision"`
}

// Blur configures the blur filter step.
type Blur struct {
	Extensions  []string `json:"extensions"`
	Bins        int      `json:"bins"`
	InputDir    string   `json:"input_dir"`
	FilteredDir string   `json:"filtered_dir"`
	Plot        string   `json:"plot"`
}

// Resize configures the resize step.
type Resize struct {
	MaxSize   int    `json:"max_size"`
	Quality   int    `json:"quality"`
	InputDir  string `json:"input_dir"`
	OutputDir string `json:"output_dir"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, erruser.Config(fmt.Sprintf("invalid configuration in %s", expanded), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Path returns the config file location currently in effect.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Paths: Paths{
			DataDir:      "./data",
			DriverScript: "./run.sh",
			HistoryDB:    filepath.Join(os.TempDir(), "evovista.db"),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Backend: Backend{
			LocalTool:           "colmap",
			LocalArgs:           []string{"-h"},
			AccelMarkers:        []string{"with CUDA", "CUDA enabled", "with acceleration", "acceleration enabled"},
			NoAccelMarkers:      []string{"without CUDA", "without acceleration"},
			ContainerTool:       "docker",
			ContainerArgs:       []string{"info"},
			ProbeTimeoutSeconds: 5,
			EnvVar:              "PIPELINE_BACKEND",
		},
		Pipeline: Pipeline{
			Shell:            "bash",
			DefaultMatcher:   "exhaustive",
			DefaultImageSet:  "whole",
			Launcher:         "exec",
			OnExisting:       "ask",
			ArchiveCollision: "wait",
		},
		Blur: Blur{
			Extensions:  []string{".jpg", ".jpeg"},
			Bins:        60,
			InputDir:    stage.ArtifactImagesResized,
			FilteredDir: stage.ArtifactImagesFiltered,
			Plot:        stage.ArtifactBlurPlot,
		},
		Resize: Resize{
			MaxSize:   2000,
			Quality:   95,
			InputDir:  stage.ArtifactImages,
			OutputDir: stage.ArtifactImagesResized,
		},
	}
}

// Validate rejects settings the orchestrator cannot act on.
func (c *Config) Validate() error {
	checks := []struct {
		key     string
		value   string
		allowed []string
	}{
		{"pipeline.default_matcher", c.Pipeline.DefaultMatcher, Matchers},
		{"pipeline.default_image_set", c.Pipeline.DefaultImageSet, ImageSets},
		{"pipeline.launcher", c.Pipeline.Launcher, Launchers},
		{"pipeline.on_existing", c.Pipeline.OnExisting, OnExisting},
		{"pipeline.archive_collision", c.Pipeline.ArchiveCollision, ArchiveCollision},
	}
	for _, chk := range checks {
		if !slices.Contains(chk.allowed, chk.value) {
			return erruser.Config(fmt.Sprintf("%s: unsupported value %q (allowed: %v)", chk.key, chk.value, chk.allowed), nil)
		}
	}
	if c.Blur.Bins < 1 {
		return erruser.Config("blur.bins must be at least 1", nil)
	}
	if filepath.Clean(c.Blur.FilteredDir) == filepath.Clean(c.Blur.InputDir) {
		return erruser.Config("blur.filtered_dir must differ from blur.input_dir", nil)
	}
	if c.Resize.MaxSize < 1 {
		return erruser.Config("resize.max_size must be at least 1", nil)
	}
	if c.Resize.Quality < 1 || c.Resize.Quality > 100 {
		return erruser.Config("resize.quality must be between 1 and 100", nil)
	}
	if c.Backend.LocalTool == "" && c.Backend.ContainerTool == "" {
		return erruser.Config("backend: neither local_tool nor container_tool is configured", nil)
	}
	_, err := c.StageTable()
	return err
}

// StageTable returns the configured stage table, or the default when none is set.
func (c *Config) StageTable() (stage.Table, error) {
	if len(c.Stages) == 0 {
		return stage.DefaultTable(), nil
	}
	return stage.NewTable(c.Stages)
}

// ProbeTimeout returns the per-probe timeout.
func (c *Config) ProbeTimeout() time.Duration {
	if c.Backend.ProbeTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Backend.ProbeTimeoutSeconds) * time.Second
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
