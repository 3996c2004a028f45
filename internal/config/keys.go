package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MEMOIR_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "knowledge.base_url", typ: kString, env: "MEMOIR_KNOWLEDGE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Knowledge.BaseURL },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MEMOIR_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "jobs.max_concurrent", typ: kInt, env: "MEMOIR_JOBS_MAX_CONCURRENT",
		apply:   func(cfg *Config, v any) { cfg.Jobs.MaxConcurrent = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.MaxConcurrent },
	},
	{
		key: "jobs.max_queued", typ: kInt, env: "MEMOIR_JOBS_MAX_QUEUED",
		apply:   func(cfg *Config, v any) { cfg.Jobs.MaxQueued = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.MaxQueued },
	},
	{
		key: "jobs.shutdown_grace_seconds", typ: kInt, env: "MEMOIR_JOBS_SHUTDOWN_GRACE_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Jobs.ShutdownGraceSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.ShutdownGraceSeconds },
	},
	{
		key: "retention.completed_ttl_hours", typ: kInt, env: "MEMOIR_RETENTION_COMPLETED_TTL_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Retention.CompletedTTLHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Retention.CompletedTTLHours },
	},
	{
		key: "retention.failed_ttl_hours", typ: kInt, env: "MEMOIR_RETENTION_FAILED_TTL_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Retention.FailedTTLHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Retention.FailedTTLHours },
	},
	{
		key: "ranking.half_life_days", typ: kFloat, env: "MEMOIR_RANKING_HALF_LIFE_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Ranking.HalfLifeDays = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ranking.HalfLifeDays },
	},
	{
		key: "notify.throttle_window_minutes", typ: kInt, env: "MEMOIR_NOTIFY_THROTTLE_WINDOW_MINUTES",
		apply:   func(cfg *Config, v any) { cfg.Notify.ThrottleWindowMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Notify.ThrottleWindowMinutes },
	},
	{
		key: "api.token", typ: kString, env: "MEMOIR_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
	{
		key: "workspace", typ: kString, env: "MEMOIR_WORKSPACE",
		apply:   func(cfg *Config, v any) { cfg.Workspace = v.(string) },
		extract: func(cfg Config) any { return cfg.Workspace },
	},
	{
		key: "log.level", typ: kString, env: "MEMOIR_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
