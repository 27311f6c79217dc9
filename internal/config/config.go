// Package config loads daemon configuration from a YAML file under the home
// directory, applies environment overrides, and exposes a fingerprint hash so
// health checks can report which config generation is live.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "config.yaml"

type Server struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	AuthToken    string   `yaml:"auth_token"`
	AllowOrigins []string `yaml:"allow_origins"`
}

type Engine struct {
	IdleTimeoutMinutes int    `yaml:"idle_timeout_minutes"`
	HardTimeoutMinutes int    `yaml:"hard_timeout_minutes"`
	BatchWindowMillis  int    `yaml:"batch_window_millis"`
	GitTimeoutSeconds  int    `yaml:"git_timeout_seconds"`
	InterruptSecret    string `yaml:"interrupt_secret"`
	SweepSchedule      string `yaml:"sweep_schedule"`
}

type PullRequest struct {
	APIBase string `yaml:"api_base"`
	Token   string `yaml:"token"`
}

type Telemetry struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

type Config struct {
	Server      Server      `yaml:"server"`
	Engine      Engine      `yaml:"engine"`
	PullRequest PullRequest `yaml:"pull_request"`
	Telemetry   Telemetry   `yaml:"telemetry"`
}

func defaults() Config {
	return Config{
		Server: Server{
			Host: "127.0.0.1",
			Port: 4517,
		},
		Engine: Engine{
			IdleTimeoutMinutes: 10,
			HardTimeoutMinutes: 120,
			BatchWindowMillis:  250,
			GitTimeoutSeconds:  30,
			SweepSchedule:      "@hourly",
		},
		Telemetry: Telemetry{
			LogLevel: "info",
		},
	}
}

// Load reads <homeDir>/config.yaml, fills defaults, and applies environment
// overrides. A missing file is not an error; defaults apply.
func Load(homeDir string) (Config, error) {
	cfg := defaults()
	path := filepath.Join(homeDir, FileName)
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	applyEnv(&cfg)
	if cfg.Engine.InterruptSecret == "" {
		return Config{}, fmt.Errorf("engine.interrupt_secret is required (or set CLIMPIRE_INTERRUPT_SECRET)")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CLIMPIRE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CLIMPIRE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("CLIMPIRE_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("CLIMPIRE_INTERRUPT_SECRET"); v != "" {
		cfg.Engine.InterruptSecret = v
	}
	if v := os.Getenv("CLIMPIRE_PR_API_BASE"); v != "" {
		cfg.PullRequest.APIBase = v
	}
	if v := os.Getenv("CLIMPIRE_PR_TOKEN"); v != "" {
		cfg.PullRequest.Token = v
	}
	if v := os.Getenv("CLIMPIRE_LOG_LEVEL"); v != "" {
		cfg.Telemetry.LogLevel = v
	}
}

func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.Engine.IdleTimeoutMinutes) * time.Minute
}

func (c Config) HardTimeout() time.Duration {
	return time.Duration(c.Engine.HardTimeoutMinutes) * time.Minute
}

func (c Config) BatchWindow() time.Duration {
	return time.Duration(c.Engine.BatchWindowMillis) * time.Millisecond
}

func (c Config) GitTimeout() time.Duration {
	return time.Duration(c.Engine.GitTimeoutSeconds) * time.Second
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Fingerprint hashes the marshaled config. Secrets participate so a rotation
// shows up as a new generation, but the hash reveals nothing about them.
func (c Config) Fingerprint() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "unknown"
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}
