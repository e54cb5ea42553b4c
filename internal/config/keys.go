package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "number"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string // secrets file entry for secret keys
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "VANNA_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "VANNA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.public_url", typ: kString, env: "VANNA_SERVER_PUBLIC_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.PublicURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.PublicURL },
	},
	{
		key: "server.rate_limit", typ: kFloat, env: "VANNA_SERVER_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Server.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Server.RateLimit },
	},
	{
		key: "server.api_token", typ: kString, env: "VANNA_API_TOKEN",
		secret: true, account: "api_token",
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "engine.protocol", typ: kString, env: "VANNA_ENGINE_PROTOCOL",
		apply:   func(cfg *Config, v any) { cfg.Engine.Protocol = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Protocol },
	},
	{
		key: "engine.base_url", typ: kString, env: "VANNA_ENGINE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Engine.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.BaseURL },
	},
	{
		key: "engine.verify_tls", typ: kBool, env: "VANNA_ENGINE_VERIFY_TLS",
		apply:   func(cfg *Config, v any) { cfg.Engine.VerifyTLS = v.(bool) },
		extract: func(cfg Config) any { return cfg.Engine.VerifyTLS },
	},
	{
		key: "engine.sqlite_path", typ: kString, env: "VANNA_ENGINE_SQLITE_PATH",
		apply:   func(cfg *Config, v any) { cfg.Engine.SQLitePath = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.SQLitePath },
	},
	{
		key: "engine.timeout", typ: kDuration, env: "VANNA_ENGINE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Engine.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Engine.Timeout },
	},
	{
		key: "completion.base_url", typ: kString, env: "VANNA_COMPLETION_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Completion.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.BaseURL },
	},
	{
		key: "completion.model", typ: kString, env: "VANNA_COMPLETION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Completion.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.Model },
	},
	{
		key: "completion.verify_tls", typ: kBool, env: "VANNA_COMPLETION_VERIFY_TLS",
		apply:   func(cfg *Config, v any) { cfg.Completion.VerifyTLS = v.(bool) },
		extract: func(cfg Config) any { return cfg.Completion.VerifyTLS },
	},
	{
		key: "completion.timeout", typ: kDuration, env: "VANNA_COMPLETION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Completion.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Completion.Timeout },
	},
	{
		key: "completion.api_key", typ: kString, env: "VANNA_COMPLETION_API_KEY",
		secret: true, account: "completion_api_key",
		apply:   func(cfg *Config, v any) { cfg.Completion.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.APIKey },
	},
	{
		key: "cache.backend", typ: kString, env: "VANNA_CACHE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Cache.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.Backend },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "VANNA_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "cache.redis_url", typ: kString, env: "VANNA_CACHE_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisURL },
	},
	{
		key: "storage.data_dir", typ: kString, env: "VANNA_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "pipeline.task_marker", typ: kString, env: "VANNA_PIPELINE_TASK_MARKER",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.TaskMarker = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.TaskMarker },
	},
	{
		key: "pipeline.followups", typ: kBool, env: "VANNA_PIPELINE_FOLLOWUPS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Followups = v.(bool) },
		extract: func(cfg Config) any { return cfg.Pipeline.Followups },
	},
	{
		key: "pipeline.preview_rows", typ: kInt, env: "VANNA_PIPELINE_PREVIEW_ROWS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.PreviewRows = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.PreviewRows },
	},
	{
		key: "log.level", typ: kString, env: "VANNA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw into the Go type of s.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		if raw == "0" {
			return time.Duration(0), nil
		}
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			warnf("could not parse %s from config key %s=%q: %v. Using default value.", s.typ, s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
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
		v, err := parseValue(s, raw)
		if err != nil {
			warnf("could not parse %s from env var %s=%q: %v. Using default value.", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	applyDebugAlias(cfg)
}

// applyDebugAlias honours VANNA_DEBUG as shorthand for log.level=debug.
// An explicit VANNA_LOG_LEVEL wins.
func applyDebugAlias(cfg *Config) {
	raw := os.Getenv("VANNA_DEBUG")
	if raw == "" || os.Getenv("VANNA_LOG_LEVEL") != "" {
		return
	}
	on, err := strconv.ParseBool(raw)
	if err != nil {
		warnf("could not parse bool from env var VANNA_DEBUG=%q: %v. Ignoring it.", raw, err)
		return
	}
	if on {
		cfg.Log.Level = "debug"
	}
}
