package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

func secretsFilePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "vanna", "secrets.json")
}

// fileSecrets reads secrets from a JSON object of account to value, kept
// apart from the config file with owner-only permissions.
type fileSecrets struct {
	path string
}

func (f fileSecrets) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (f fileSecrets) Get(account string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	val, ok := secrets[account]
	if !ok {
		return "", fmt.Errorf("secret %q not found", account)
	}
	return val, nil
}

func (f fileSecrets) Set(account, value string) error {
	secrets, err := f.read()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]string)
	}
	if value == "" {
		delete(secrets, account)
	} else {
		secrets[account] = value
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}
