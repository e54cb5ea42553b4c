package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockSecrets is a test double for the secrets file.
type mockSecrets map[string]string

func (m mockSecrets) Get(account string) (string, error) {
	v, ok := m[account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// captureWarnings redirects warnings for the duration of the test.
func captureWarnings(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := warnOut
	warnOut = &buf
	t.Cleanup(func() { warnOut = orig })
	return &buf
}

// clearEnv unsets every VANNA_* variable the loader reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
	t.Setenv("VANNA_DEBUG", "")
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "# empty config\n")

	cfg, err := loadFromPath(path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4321 {
		t.Errorf("Server.Port = %d, want 4321", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q", cfg.Server.Host)
	}
	if cfg.Engine.BaseURL != "http://localhost:8000" || !cfg.Engine.VerifyTLS {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	if cfg.Completion.Model != "llama3.1" || cfg.Completion.Timeout != 300*time.Second {
		t.Errorf("Completion = %+v", cfg.Completion)
	}
	if cfg.Cache.Backend != BackendMemory || cfg.Cache.TTL != 24*time.Hour {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if cfg.Pipeline.TaskMarker != "### Task:" || cfg.Pipeline.PreviewRows != 10 || cfg.Pipeline.Followups {
		t.Errorf("Pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Server.APIToken != "" {
		t.Errorf("APIToken = %q, want empty", cfg.Server.APIToken)
	}
}

func TestYAMLParsing(t *testing.T) {
	clearEnv(t)
	content := `
server.port: 5000
server.rate_limit: 2.5
engine:
  base_url: https://vanna.internal
  verify_tls: false
  timeout: 90s
completion.model: qwen2.5
cache:
  backend: sqlite
  ttl: 0
storage.data_dir: /tmp/vanna-test
pipeline.followups: true
pipeline.preview_rows: 25
`
	path := writeTempConfig(t, content)

	cfg, err := loadFromPath(path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Server.RateLimit != 2.5 {
		t.Errorf("Server.RateLimit = %v", cfg.Server.RateLimit)
	}
	if cfg.Engine.BaseURL != "https://vanna.internal" || cfg.Engine.VerifyTLS || cfg.Engine.Timeout != 90*time.Second {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	if cfg.Completion.Model != "qwen2.5" {
		t.Errorf("Completion.Model = %q", cfg.Completion.Model)
	}
	if cfg.Cache.Backend != BackendSQLite || cfg.Cache.TTL != 0 {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if cfg.Storage.DataDir != "/tmp/vanna-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if !cfg.Pipeline.Followups || cfg.Pipeline.PreviewRows != 25 {
		t.Errorf("Pipeline = %+v", cfg.Pipeline)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "server.port: 5000\ncache.backend: sqlite\n")

	t.Setenv("VANNA_SERVER_PORT", "6000")
	t.Setenv("VANNA_CACHE_BACKEND", "redis")
	t.Setenv("VANNA_ENGINE_VERIFY_TLS", "false")
	t.Setenv("VANNA_CACHE_TTL", "15m")

	cfg, err := loadFromPath(path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Cache.Backend != BackendRedis {
		t.Errorf("Cache.Backend = %q, want redis", cfg.Cache.Backend)
	}
	if cfg.Engine.VerifyTLS {
		t.Error("Engine.VerifyTLS = true, want false")
	}
	if cfg.Cache.TTL != 15*time.Minute {
		t.Errorf("Cache.TTL = %v", cfg.Cache.TTL)
	}
}

func TestDebugEnvAlias(t *testing.T) {
	tests := []struct {
		name     string
		debug    string
		logLevel string
		want     string
	}{
		{"enabled", "1", "", "debug"},
		{"disabled", "false", "", "info"},
		{"log level wins", "true", "warn", "warn"},
		{"unparsable ignored", "loud", "", "info"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			captureWarnings(t)
			t.Setenv("VANNA_DEBUG", tt.debug)
			t.Setenv("VANNA_LOG_LEVEL", tt.logLevel)
			path := writeTempConfig(t, "# empty config\n")

			cfg, err := loadFromPath(path, mockSecrets{})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Log.Level != tt.want {
				t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, tt.want)
			}
		})
	}
}

func TestEngineProtocol(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "engine.protocol: json\n")
	cfg, err := loadFromPath(path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.Protocol != ProtocolJSON {
		t.Errorf("Engine.Protocol = %q, want json", cfg.Engine.Protocol)
	}

	warn := captureWarnings(t)
	t.Setenv("VANNA_ENGINE_PROTOCOL", "grpc")
	cfg, err = loadFromPath(path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.Protocol != ProtocolVanna {
		t.Errorf("Engine.Protocol = %q, want default vanna", cfg.Engine.Protocol)
	}
	if !strings.Contains(warn.String(), "engine.protocol") {
		t.Errorf("warning = %q", warn.String())
	}
}

func TestSecrets(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "server.api_token: from-file\n")
	secrets := mockSecrets{"api_token": "stored-token", "completion_api_key": "stored-key"}

	cfg, err := loadFromPath(path, secrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.APIToken != "stored-token" {
		t.Errorf("APIToken = %q, secrets must not be read from the config file", cfg.Server.APIToken)
	}
	if cfg.Completion.APIKey != "stored-key" {
		t.Errorf("APIKey = %q", cfg.Completion.APIKey)
	}

	t.Setenv("VANNA_COMPLETION_API_KEY", "env-key")
	cfg, err = loadFromPath(path, secrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Completion.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env to win", cfg.Completion.APIKey)
	}
}

func TestInvalidValuesKeepDefaults(t *testing.T) {
	clearEnv(t)
	warnings := captureWarnings(t)
	path := writeTempConfig(t, "cache.backend: memcached\nengine.timeout: soon\nserver.rate_limit: -1\n")
	t.Setenv("VANNA_SERVER_PORT", "not-a-port")

	cfg, err := loadFromPath(path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cache.Backend != BackendMemory {
		t.Errorf("Cache.Backend = %q, want memory", cfg.Cache.Backend)
	}
	if cfg.Engine.Timeout != 60*time.Second {
		t.Errorf("Engine.Timeout = %v", cfg.Engine.Timeout)
	}
	if cfg.Server.RateLimit != 5 {
		t.Errorf("Server.RateLimit = %v", cfg.Server.RateLimit)
	}
	if cfg.Server.Port != 4321 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}

	for _, want := range []string{"memcached", "engine.timeout", "VANNA_SERVER_PORT", "rate_limit"} {
		if !strings.Contains(warnings.String(), want) {
			t.Errorf("warnings missing %q:\n%s", want, warnings)
		}
	}
}

func TestInvalidIntInFileIsError(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "server.port: 12.5\n")

	if _, err := loadFromPath(path, mockSecrets{}); err == nil {
		t.Fatal("expected error for non-integer port")
	}
}

func TestUnparsableFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	warnings := captureWarnings(t)
	path := writeTempConfig(t, "server: [unterminated\n")

	cfg, err := loadFromPath(path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4321 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if !strings.Contains(warnings.String(), "could not parse config file") {
		t.Errorf("warnings = %q", warnings)
	}
}

func TestServerURLs(t *testing.T) {
	s := ServerConfig{Host: "0.0.0.0", Port: 4321}
	if s.Addr() != "0.0.0.0:4321" {
		t.Errorf("Addr = %q", s.Addr())
	}
	if s.BaseURL() != "http://127.0.0.1:4321" {
		t.Errorf("BaseURL = %q", s.BaseURL())
	}
	s.PublicURL = "https://vanna.example.com"
	if s.BaseURL() != "https://vanna.example.com" {
		t.Errorf("BaseURL = %q", s.BaseURL())
	}
}
