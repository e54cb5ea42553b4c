package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestSetKey(t *testing.T) {
	dir := t.TempDir()
	b := newFileBackend(filepath.Join(dir, "config.yaml"))
	secrets := fileSecrets{path: filepath.Join(dir, "secrets.json")}

	if err := setKey(b, secrets, "server.port", "7000"); err != nil {
		t.Fatalf("set port: %v", err)
	}
	if err := setKey(b, secrets, "cache.ttl", "2h"); err != nil {
		t.Fatalf("set ttl: %v", err)
	}
	if err := setKey(b, secrets, "server.port", "seven"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKey(b, secrets, "engine.verify_tls", "maybe"); err == nil {
		t.Error("expected error for non-bool")
	}
	if err := setKey(b, secrets, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := setKey(b, secrets, "server.api_token", "tok-123"); err != nil {
		t.Fatalf("set secret: %v", err)
	}

	clearEnv(t)
	cfg, err := loadWith(newFileBackend(b.path), secrets)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Server.Port != 7000 || cfg.Cache.TTL.String() != "2h0m0s" || cfg.Server.APIToken != "tok-123" {
		t.Errorf("reloaded = port %d, ttl %v, token %q", cfg.Server.Port, cfg.Cache.TTL, cfg.Server.APIToken)
	}

	data, err := os.ReadFile(b.path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "tok-123") {
		t.Error("secret written to the config file")
	}
	info, err := os.Stat(secrets.path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets file mode = %v, want 0600", info.Mode().Perm())
	}

	if err := setKey(b, secrets, "server.port", ""); err != nil {
		t.Fatalf("unset: %v", err)
	}
	if _, ok, _ := b.GetInt("server.port"); ok {
		t.Error("server.port still set after unset")
	}
}

func TestShowAll_MasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Completion.APIKey = "sk-abcdefghijkl"

	var seen []string
	for _, info := range ShowAll(cfg) {
		seen = append(seen, info.Key)
		switch info.Key {
		case "completion.api_key":
			if strings.Contains(info.Value, "abcdefgh") {
				t.Errorf("api key not masked: %q", info.Value)
			}
		case "server.api_token":
			if info.Value != "(not set)" {
				t.Errorf("empty token shown as %q", info.Value)
			}
		case "server.port":
			if info.Value != "4321" || info.EnvVar != "VANNA_SERVER_PORT" {
				t.Errorf("server.port = %+v", info)
			}
		}
	}
	if !slices.Equal(seen, ValidKeys()) {
		t.Errorf("ShowAll keys differ from ValidKeys")
	}
}

func TestIsSecret(t *testing.T) {
	if !IsSecret("completion.api_key") || IsSecret("completion.model") || IsSecret("bogus") {
		t.Error("IsSecret misclassified keys")
	}
}
