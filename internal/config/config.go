// Package config handles layered YAML configuration with environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/smileynet/pipecheck/internal/session"
)

// Config holds all pipecheck configuration.
type Config struct {
	Runtime Runtime `yaml:"runtime"`
	Workdir Workdir `yaml:"workdir"`
	Session Session `yaml:"session"`
	Output  Output  `yaml:"output"`
	Watch   Watch   `yaml:"watch"`
}

// Runtime holds pipeline execution settings.
type Runtime struct {
	Shell          string        `yaml:"shell"`           // Prefix for shell-string commands, split on spaces.
	GracePeriod    time.Duration `yaml:"grace_period"`    // SIGTERM to SIGKILL interval on timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"` // Applied to groups without a timeout; 0 = unbounded.
}

// Workdir holds scratch directory settings.
type Workdir struct {
	BaseDir string `yaml:"base_dir"` // Empty uses <os temp dir>/pipecheck.
	Keep    bool   `yaml:"keep"`     // Keep directories of passing groups.
}

// Session holds multi-group run settings.
type Session struct {
	FailureMode string `yaml:"failure_mode"` // "abort" | "continue"
}

// Output holds persistence and presentation settings.
type Output struct {
	StateDir     string `yaml:"state_dir"`
	ReportDir    string `yaml:"report_dir"`
	HistoryDB    string `yaml:"history_db"`
	HistoryKeep  int    `yaml:"history_keep"` // Runs kept in the history index; 0 = all.
	TemplatesDir string `yaml:"templates_dir"`
	LogLevel     string `yaml:"log_level"`
}

// Watch holds watch mode settings.
type Watch struct {
	Debounce time.Duration `yaml:"debounce"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Runtime: Runtime{
			Shell:       "/bin/sh -c",
			GracePeriod: 3 * time.Second,
		},
		Session: Session{
			FailureMode: "continue",
		},
		Output: Output{
			StateDir:     ".pipecheck/sessions",
			ReportDir:    ".pipecheck/reports",
			HistoryDB:    ".pipecheck/history.db",
			HistoryKeep:  200,
			TemplatesDir: ".pipecheck/templates",
			LogLevel:     "warn",
		},
		Watch: Watch{
			Debounce: 300 * time.Millisecond,
		},
	}
}

// ShellArgs returns the shell prefix as an argv slice.
func (c *Config) ShellArgs() []string {
	return strings.Fields(c.Runtime.Shell)
}

// FailureMode returns the parsed session failure mode.
func (c *Config) FailureMode() (session.FailureMode, error) {
	return session.ParseFailureMode(c.Session.FailureMode)
}

// Load reads a single YAML config file at path and returns a Config.
// For merging multiple config sources, use LoadLayered instead.
// If the file does not exist, defaults are returned without error.
// If the file contains invalid YAML or unknown fields, an error is returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if len(data) == 0 {
		return &cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		// Comment-only YAML files produce EOF with no decoded content.
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return &cfg, nil
}

// LoadLayered loads config from multiple paths with increasing priority.
// Later paths override earlier ones. Missing files are skipped.
func LoadLayered(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		layer, err := loadLayer(path)
		if err != nil {
			return nil, err
		}
		if layer == nil {
			continue
		}
		cfg.merge(layer)
	}

	return &cfg, nil
}

// Validate checks that config values are usable.
func (c *Config) Validate() error {
	if len(c.ShellArgs()) == 0 {
		return errors.New("config: runtime.shell cannot be empty")
	}
	if c.Runtime.GracePeriod <= 0 {
		return fmt.Errorf("config: runtime.grace_period must be positive, got %v", c.Runtime.GracePeriod)
	}
	if c.Runtime.DefaultTimeout < 0 {
		return fmt.Errorf("config: runtime.default_timeout must be non-negative, got %v", c.Runtime.DefaultTimeout)
	}
	if _, err := c.FailureMode(); err != nil {
		return fmt.Errorf("config: session.failure_mode must be \"abort\" or \"continue\", got %q", c.Session.FailureMode)
	}
	if c.Output.StateDir == "" {
		return errors.New("config: output.state_dir cannot be empty")
	}
	if c.Output.HistoryKeep < 0 {
		return fmt.Errorf("config: output.history_keep must be non-negative, got %d", c.Output.HistoryKeep)
	}
	if _, err := log.ParseLevel(c.Output.LogLevel); err != nil {
		return fmt.Errorf("config: output.log_level: %w", err)
	}
	if c.Watch.Debounce <= 0 {
		return fmt.Errorf("config: watch.debounce must be positive, got %v", c.Watch.Debounce)
	}
	return nil
}

// ApplyEnv applies environment variable overrides to the config.
// Supported variables: PIPECHECK_SHELL, PIPECHECK_GRACE_PERIOD,
// PIPECHECK_TIMEOUT, PIPECHECK_WORKDIR_BASE_DIR, PIPECHECK_KEEP_WORKDIRS,
// PIPECHECK_FAILURE_MODE, PIPECHECK_LOG_LEVEL.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("PIPECHECK_SHELL"); v != "" {
		c.Runtime.Shell = v
	}
	if v := os.Getenv("PIPECHECK_GRACE_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid PIPECHECK_GRACE_PERIOD %q: %w", v, err)
		}
		c.Runtime.GracePeriod = d
	}
	if v := os.Getenv("PIPECHECK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid PIPECHECK_TIMEOUT %q: %w", v, err)
		}
		c.Runtime.DefaultTimeout = d
	}
	if v := os.Getenv("PIPECHECK_WORKDIR_BASE_DIR"); v != "" {
		c.Workdir.BaseDir = v
	}
	if v := os.Getenv("PIPECHECK_KEEP_WORKDIRS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: invalid PIPECHECK_KEEP_WORKDIRS %q: %w", v, err)
		}
		c.Workdir.Keep = b
	}
	if v := os.Getenv("PIPECHECK_FAILURE_MODE"); v != "" {
		c.Session.FailureMode = v
	}
	if v := os.Getenv("PIPECHECK_LOG_LEVEL"); v != "" {
		c.Output.LogLevel = v
	}
	return nil
}

// rawConfig mirrors Config but uses pointers to distinguish set vs unset fields.
type rawConfig struct {
	Runtime *rawRuntime `yaml:"runtime"`
	Workdir *rawWorkdir `yaml:"workdir"`
	Session *rawSession `yaml:"session"`
	Output  *rawOutput  `yaml:"output"`
	Watch   *rawWatch   `yaml:"watch"`
}

type rawRuntime struct {
	Shell          *string        `yaml:"shell"`
	GracePeriod    *time.Duration `yaml:"grace_period"`
	DefaultTimeout *time.Duration `yaml:"default_timeout"`
}

type rawWorkdir struct {
	BaseDir *string `yaml:"base_dir"`
	Keep    *bool   `yaml:"keep"`
}

type rawSession struct {
	FailureMode *string `yaml:"failure_mode"`
}

type rawOutput struct {
	StateDir     *string `yaml:"state_dir"`
	ReportDir    *string `yaml:"report_dir"`
	HistoryDB    *string `yaml:"history_db"`
	HistoryKeep  *int    `yaml:"history_keep"`
	TemplatesDir *string `yaml:"templates_dir"`
	LogLevel     *string `yaml:"log_level"`
}

type rawWatch struct {
	Debounce *time.Duration `yaml:"debounce"`
}

// loadLayer reads a single config file into a rawConfig for selective merging.
// Returns nil if the file does not exist. Rejects unknown fields.
func loadLayer(path string) (*rawConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	var raw rawConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return &raw, nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// merge applies non-nil fields from a rawConfig layer onto this Config.
func (c *Config) merge(layer *rawConfig) {
	if r := layer.Runtime; r != nil {
		set(&c.Runtime.Shell, r.Shell)
		set(&c.Runtime.GracePeriod, r.GracePeriod)
		set(&c.Runtime.DefaultTimeout, r.DefaultTimeout)
	}
	if w := layer.Workdir; w != nil {
		set(&c.Workdir.BaseDir, w.BaseDir)
		set(&c.Workdir.Keep, w.Keep)
	}
	if s := layer.Session; s != nil {
		set(&c.Session.FailureMode, s.FailureMode)
	}
	if o := layer.Output; o != nil {
		set(&c.Output.StateDir, o.StateDir)
		set(&c.Output.ReportDir, o.ReportDir)
		set(&c.Output.HistoryDB, o.HistoryDB)
		set(&c.Output.HistoryKeep, o.HistoryKeep)
		set(&c.Output.TemplatesDir, o.TemplatesDir)
		set(&c.Output.LogLevel, o.LogLevel)
	}
	if w := layer.Watch; w != nil {
		set(&c.Watch.Debounce, w.Debounce)
	}
}
