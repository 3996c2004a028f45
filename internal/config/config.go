// Package config loads daemon configuration from defaults, a JSON config
// file, and MEMOIR_* environment variables, in that precedence order.
package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server    ServerConfig
	Knowledge KnowledgeConfig
	Storage   StorageConfig
	Jobs      JobsConfig
	Retention RetentionConfig
	Ranking   RankingConfig
	Notify    NotifyConfig
	API       APIConfig
	Log       LogConfig
	Workspace string
}

type ServerConfig struct {
	Port int
}

type KnowledgeConfig struct {
	BaseURL string
}

type StorageConfig struct {
	DataDir string
}

type JobsConfig struct {
	MaxConcurrent        int
	MaxQueued            int
	ShutdownGraceSeconds int
}

func (j JobsConfig) ShutdownGrace() time.Duration {
	return time.Duration(j.ShutdownGraceSeconds) * time.Second
}

type RetentionConfig struct {
	CompletedTTLHours int
	FailedTTLHours    int
}

func (r RetentionConfig) CompletedTTL() time.Duration {
	return time.Duration(r.CompletedTTLHours) * time.Hour
}

func (r RetentionConfig) FailedTTL() time.Duration {
	return time.Duration(r.FailedTTLHours) * time.Hour
}

type RankingConfig struct {
	HalfLifeDays float64
}

type NotifyConfig struct {
	ThrottleWindowMinutes int
}

func (n NotifyConfig) ThrottleWindow() time.Duration {
	return time.Duration(n.ThrottleWindowMinutes) * time.Minute
}

type APIConfig struct {
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server:    ServerConfig{Port: 4600},
		Knowledge: KnowledgeConfig{BaseURL: "http://localhost:8000"},
		Storage:   StorageConfig{DataDir: defaultDataDir()},
		Jobs: JobsConfig{
			MaxConcurrent:        2,
			MaxQueued:            3,
			ShutdownGraceSeconds: 10,
		},
		Retention: RetentionConfig{
			CompletedTTLHours: 24,
			FailedTTLHours:    24 * 7,
		},
		Ranking:   RankingConfig{HalfLifeDays: 7},
		Notify:    NotifyConfig{ThrottleWindowMinutes: 5},
		Log:       LogConfig{Level: "info"},
		Workspace: "default",
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "memoir-data"
		}
	}
	return filepath.Join(dir, "memoir")
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/memoir/config.json, then applies MEMOIR_* environment
// overrides. Nothing is required: a missing file yields pure defaults.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	return cfg, nil
}
