// Package config loads the replicate configuration from a YAML file and
// REPLICATE_* environment variables. Environment values win over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jdziat/simple-durable-replication/pkg/schedule"
	"github.com/jdziat/simple-durable-replication/pkg/security"
)

// Config is the full replicate configuration.
type Config struct {
	// DatabaseURL is a postgres:// URL or a SQLite file path.
	DatabaseURL string `yaml:"database_url"`
	// WorkbookDir holds one YAML file per workbook.
	WorkbookDir string `yaml:"workbook_dir"`
	// ListenAddr enables the HTTP trigger when set.
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	// StatsRetention is how long per-minute stats are kept. Zero keeps them forever.
	StatsRetention time.Duration `yaml:"stats_retention"`

	Runner   RunnerConfig   `yaml:"runner"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Notify   NotifyConfig   `yaml:"notify"`
	Jobs     []JobConfig    `yaml:"jobs"`
}

// RunnerConfig mirrors runner.Config.
type RunnerConfig struct {
	Budget            time.Duration `yaml:"budget"`
	UnitPause         time.Duration `yaml:"unit_pause"`
	ContinuationDelay time.Duration `yaml:"continuation_delay"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	Handler           string        `yaml:"handler"`
}

// DispatchConfig configures the worker's dispatcher.
type DispatchConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	LockFor      time.Duration `yaml:"lock_for"`
	Concurrency  int           `yaml:"concurrency"`
}

// NotifyConfig selects where completion summaries go. The log always receives them.
type NotifyConfig struct {
	WebhookURL string      `yaml:"webhook_url"`
	SMTP       *SMTPConfig `yaml:"smtp"`
}

// SMTPConfig configures mail delivery.
type SMTPConfig struct {
	Addr     string   `yaml:"addr"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

// JobConfig declares one replication job.
type JobConfig struct {
	Name    string   `yaml:"name"`
	Source  string   `yaml:"source"`
	Targets []string `yaml:"targets"`
	// Schedule is an optional kick-off schedule in schedule.Parse form.
	Schedule string `yaml:"schedule"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		DatabaseURL: "replication.db",
		WorkbookDir: "workbooks",
		LogLevel:    "info",
		// A week of per-minute buckets.
		StatsRetention: 7 * 24 * time.Hour,
		Runner: RunnerConfig{
			Budget:            3 * time.Minute,
			UnitPause:         300 * time.Millisecond,
			ContinuationDelay: 60 * time.Second,
			RetryDelay:        120 * time.Second,
			Handler:           "replication.slice",
		},
		Dispatch: DispatchConfig{
			PollInterval: time.Second,
			LockFor:      10 * time.Minute,
			Concurrency:  1,
		},
	}
}

// Load reads path (optional) over the defaults, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func applyEnv(cfg *Config) error {
	cfg.DatabaseURL = getenv("REPLICATE_DATABASE_URL", cfg.DatabaseURL)
	cfg.WorkbookDir = getenv("REPLICATE_WORKBOOK_DIR", cfg.WorkbookDir)
	cfg.ListenAddr = getenv("REPLICATE_LISTEN_ADDR", cfg.ListenAddr)
	cfg.LogLevel = getenv("REPLICATE_LOG_LEVEL", cfg.LogLevel)
	cfg.Runner.Handler = getenv("REPLICATE_HANDLER", cfg.Runner.Handler)
	cfg.Notify.WebhookURL = getenv("REPLICATE_WEBHOOK_URL", cfg.Notify.WebhookURL)

	var errs []error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"REPLICATE_BUDGET", &cfg.Runner.Budget},
		{"REPLICATE_UNIT_PAUSE", &cfg.Runner.UnitPause},
		{"REPLICATE_CONTINUATION_DELAY", &cfg.Runner.ContinuationDelay},
		{"REPLICATE_RETRY_DELAY", &cfg.Runner.RetryDelay},
		{"REPLICATE_POLL_INTERVAL", &cfg.Dispatch.PollInterval},
		{"REPLICATE_STATS_RETENTION", &cfg.StatsRetention},
	}
	for _, d := range durations {
		v, err := getenvDuration(d.key, *d.dst)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dst = v
	}

	n, err := getenvInt("REPLICATE_CONCURRENCY", cfg.Dispatch.Concurrency)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.Dispatch.Concurrency = n
	}
	return errors.Join(errs...)
}

// Validate checks job declarations and timing values.
func (c Config) Validate() error {
	var errs []error
	if c.Runner.Budget < security.MinBudget || c.Runner.Budget > security.MaxBudget {
		errs = append(errs, fmt.Errorf("runner.budget %s outside [%s, %s]", c.Runner.Budget, security.MinBudget, security.MaxBudget))
	}
	if c.Runner.UnitPause < 0 || c.Runner.UnitPause > security.MaxUnitPause {
		errs = append(errs, fmt.Errorf("runner.unit_pause %s outside [0, %s]", c.Runner.UnitPause, security.MaxUnitPause))
	}
	if c.Runner.ContinuationDelay <= 0 {
		errs = append(errs, errors.New("runner.continuation_delay must be positive"))
	}
	if c.Runner.RetryDelay <= 0 {
		errs = append(errs, errors.New("runner.retry_delay must be positive"))
	}
	if c.StatsRetention < 0 {
		errs = append(errs, errors.New("stats_retention must not be negative"))
	}
	if err := security.ValidateHandlerName(c.Runner.Handler); err != nil {
		errs = append(errs, fmt.Errorf("runner.handler: %w", err))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool, len(c.Jobs))
	for i, j := range c.Jobs {
		if err := security.ValidateJobName(j.Name); err != nil {
			errs = append(errs, fmt.Errorf("jobs[%d].name %q: %w", i, j.Name, err))
			continue
		}
		if seen[j.Name] {
			errs = append(errs, fmt.Errorf("jobs[%d]: duplicate job %q", i, j.Name))
		}
		seen[j.Name] = true
		if j.Source == "" {
			errs = append(errs, fmt.Errorf("job %q: source is required", j.Name))
		}
		if j.Schedule != "" {
			if _, err := schedule.Parse(j.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("job %q: %w", j.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Job returns the declaration for name.
func (c Config) Job(name string) (JobConfig, bool) {
	for _, j := range c.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobConfig{}, false
}

// ParseLevel maps a log level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: %w", s, err)
	}
	return lvl, nil
}
