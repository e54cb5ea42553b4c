// Package config loads settings from defaults, a YAML file, VANNA_*
// environment variables and a secrets file, in that order of precedence
// (later wins, secrets only fill what the environment left empty).
package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"strconv"
	"time"
)

type Config struct {
	Server     ServerConfig
	Engine     EngineConfig
	Completion CompletionConfig
	Cache      CacheConfig
	Storage    StorageConfig
	Pipeline   PipelineConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host      string
	Port      int
	PublicURL string
	// RateLimit is pipeline runs per second; 0 disables limiting.
	RateLimit float64
	APIToken  string
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// BaseURL is the URL clients reach the server at: PublicURL when set,
// otherwise derived from the listen address.
func (s ServerConfig) BaseURL() string {
	if s.PublicURL != "" {
		return s.PublicURL
	}
	host := s.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// Engine wire protocols.
const (
	ProtocolVanna = "vanna"
	ProtocolJSON  = "json"
)

type EngineConfig struct {
	// Protocol selects the backend contract: ProtocolVanna speaks the
	// id-based GET routes, ProtocolJSON the stateless POST routes.
	Protocol   string
	BaseURL    string
	VerifyTLS  bool
	SQLitePath string
	Timeout    time.Duration
}

type CompletionConfig struct {
	BaseURL   string
	Model     string
	VerifyTLS bool
	Timeout   time.Duration
	APIKey    string
}

// Cache backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type CacheConfig struct {
	Backend  string
	TTL      time.Duration
	RedisURL string
}

type StorageConfig struct {
	DataDir string
}

type PipelineConfig struct {
	TaskMarker  string
	Followups   bool
	PreviewRows int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      4321,
			RateLimit: 5,
		},
		Engine: EngineConfig{
			Protocol:  ProtocolVanna,
			BaseURL:   "http://localhost:8000",
			VerifyTLS: true,
			Timeout:   60 * time.Second,
		},
		Completion: CompletionConfig{
			BaseURL:   "http://localhost:11434/v1",
			Model:     "llama3.1",
			VerifyTLS: true,
			Timeout:   300 * time.Second,
		},
		Cache: CacheConfig{
			Backend:  BackendMemory,
			TTL:      24 * time.Hour,
			RedisURL: "redis://localhost:6379/0",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Pipeline: PipelineConfig{
			TaskMarker:  "### Task:",
			PreviewRows: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// warnOut receives warnings about unusable values. Loading happens before
// logging is configured, so warnings go straight to stderr.
var warnOut io.Writer = os.Stderr

func warnf(format string, args ...any) {
	fmt.Fprintf(warnOut, "[WARN] "+format+"\n", args...)
}

// Load reads configuration from the YAML file at
// $XDG_CONFIG_HOME/vanna/config.yaml, VANNA_* environment variables and the
// secrets file at $XDG_DATA_HOME/vanna/secrets.json.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), fileSecrets{path: secretsFilePath()})
}

// loadFromPath loads with the config file at path instead of the default
// location.
func loadFromPath(path string, sr secretReader) (Config, error) {
	return loadWith(newFileBackend(path), sr)
}

// secretReader abstracts the secrets file for testing.
type secretReader interface {
	Get(account string) (string, error)
}

func loadWith(b ConfigBackend, sr secretReader) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := sr.Get(s.account); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	validate(&cfg)
	return cfg, nil
}

// validate replaces values that cannot work with their defaults.
func validate(cfg *Config) {
	d := defaults()
	if !slices.Contains([]string{BackendMemory, BackendSQLite, BackendRedis}, cfg.Cache.Backend) {
		warnf("unknown cache.backend %q. Using %q.", cfg.Cache.Backend, d.Cache.Backend)
		cfg.Cache.Backend = d.Cache.Backend
	}
	if !slices.Contains([]string{ProtocolVanna, ProtocolJSON}, cfg.Engine.Protocol) {
		warnf("unknown engine.protocol %q. Using %q.", cfg.Engine.Protocol, d.Engine.Protocol)
		cfg.Engine.Protocol = d.Engine.Protocol
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		warnf("server.port %d out of range. Using %d.", cfg.Server.Port, d.Server.Port)
		cfg.Server.Port = d.Server.Port
	}
	if cfg.Server.RateLimit < 0 {
		warnf("server.rate_limit must not be negative. Using %v.", d.Server.RateLimit)
		cfg.Server.RateLimit = d.Server.RateLimit
	}
	if cfg.Cache.TTL < 0 {
		warnf("cache.ttl must not be negative. Using %v.", d.Cache.TTL)
		cfg.Cache.TTL = d.Cache.TTL
	}
	if cfg.Engine.Timeout <= 0 {
		cfg.Engine.Timeout = d.Engine.Timeout
	}
	if cfg.Completion.Timeout <= 0 {
		cfg.Completion.Timeout = d.Completion.Timeout
	}
	if cfg.Pipeline.PreviewRows <= 0 {
		cfg.Pipeline.PreviewRows = d.Pipeline.PreviewRows
	}
	if cfg.Pipeline.TaskMarker == "" {
		cfg.Pipeline.TaskMarker = d.Pipeline.TaskMarker
	}
}
