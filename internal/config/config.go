// Package config loads gateway configuration from defaults, an optional YAML
// file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete gateway configuration
type Config struct {
	Port            string            `yaml:"port"`
	DatabaseURL     string            `yaml:"database_url"`
	BuildServiceURL string            `yaml:"build_service_url"`
	JWTSecret       string            `yaml:"jwt_secret"`
	LogLevel        string            `yaml:"log_level"`
	WriteTimeout    time.Duration     `yaml:"write_timeout"`
	Credentials     CredentialsConfig `yaml:"credentials"`
	Redis           RedisConfig       `yaml:"redis"`
	StatusPoll      StatusPollConfig  `yaml:"status_poll"`
	Workflow        WorkflowConfig    `yaml:"workflow"`
}

// CredentialsConfig locates the local credential store
type CredentialsConfig struct {
	Path string `yaml:"path"`
	Key  string `yaml:"key"`
}

// RedisConfig configures build notifications; an empty URL disables them
type RedisConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// StatusPollConfig bounds the build status polling fallback. Budget caps a
// whole poll request and must stay below the server write timeout.
type StatusPollConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	Budget      time.Duration `yaml:"budget"`
}

// WorkflowConfig configures the multi-step pipeline
type WorkflowConfig struct {
	Pacing time.Duration `yaml:"pacing"`
}

// Defaults returns the configuration used when nothing is set
func Defaults() *Config {
	return &Config{
		Port:            "8080",
		BuildServiceURL: "http://localhost:8000",
		LogLevel:        "info",
		WriteTimeout:    60 * time.Second,
		Credentials:     CredentialsConfig{Path: "data/credentials.db"},
		StatusPoll:      StatusPollConfig{Interval: 3 * time.Second, MaxAttempts: 20, Budget: 45 * time.Second},
		Workflow:        WorkflowConfig{Pacing: 500 * time.Millisecond},
	}
}

// Load builds the configuration. path may be empty; when set, the YAML file
// must exist. Environment variables are expanded inside the file and then
// override its values.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"PORT":              &c.Port,
		"DATABASE_URL":      &c.DatabaseURL,
		"BUILD_SERVICE_URL": &c.BuildServiceURL,
		"JWT_SECRET":        &c.JWTSecret,
		"LOG_LEVEL":         &c.LogLevel,
		"CREDENTIALS_PATH":  &c.Credentials.Path,
		"CREDENTIALS_KEY":   &c.Credentials.Key,
		"REDIS_URL":         &c.Redis.URL,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"STATUS_POLL_INTERVAL": &c.StatusPoll.Interval,
		"STATUS_POLL_BUDGET":   &c.StatusPoll.Budget,
		"WRITE_TIMEOUT":        &c.WriteTimeout,
		"WORKFLOW_PACING":      &c.Workflow.Pacing,
	}
	for name, dst := range durations {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = d
	}

	if v, ok := lookup("STATUS_POLL_MAX_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid STATUS_POLL_MAX_ATTEMPTS: %w", err)
		}
		c.StatusPoll.MaxAttempts = n
	}
	return nil
}

// Validate checks required settings and ranges
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.BuildServiceURL == "" {
		errs = append(errs, errors.New("BUILD_SERVICE_URL is required"))
	}
	if c.StatusPoll.Interval <= 0 {
		errs = append(errs, errors.New("status poll interval must be positive"))
	}
	if c.StatusPoll.MaxAttempts <= 0 {
		errs = append(errs, errors.New("status poll max attempts must be positive"))
	}
	if c.StatusPoll.Budget <= 0 {
		errs = append(errs, errors.New("status poll budget must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write timeout must be positive"))
	} else if c.StatusPoll.Budget >= c.WriteTimeout {
		errs = append(errs, fmt.Errorf("status poll budget %s must be below the write timeout %s",
			c.StatusPoll.Budget, c.WriteTimeout))
	}
	if c.Workflow.Pacing < 0 {
		errs = append(errs, errors.New("workflow pacing must not be negative"))
	}
	return errors.Join(errs...)
}
