package config

import (
	"fmt"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
// Secret values are masked.
func ShowAll(cfg Config) []KeyInfo {
	result := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		value := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret {
			value = mask(value)
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  value,
		})
	}
	return result
}

func mask(v string) string {
	switch {
	case v == "":
		return "(not set)"
	case len(v) <= 8:
		return "********"
	default:
		return v[:4] + "…" + v[len(v)-2:]
	}
}

// SetKey writes a config key to the config file, or to the secrets file for
// secret keys. An empty value removes the key.
func SetKey(key, value string) error {
	return setKey(newFileBackend(configFilePath()), fileSecrets{path: secretsFilePath()}, key, value)
}

func setKey(b ConfigBackend, secrets fileSecrets, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return secrets.Set(s.account, value)
	}
	if value == "" {
		return b.Delete(key)
	}

	v, err := parseValue(s, value)
	if err != nil {
		return fmt.Errorf("invalid %s value for %s: %w", s.typ, key, err)
	}
	if s.typ == kInt {
		return b.SetInt(key, v.(int))
	}
	return b.SetString(key, value)
}

// ValidKeys returns the list of valid config key names.
func ValidKeys() []string {
	keys := make([]string, len(specs))
	for i, s := range specs {
		keys[i] = s.key
	}
	return keys
}

// IsSecret reports whether key is stored in the secrets file.
func IsSecret(key string) bool {
	s, ok := lookupSpec(key)
	return ok && s.secret
}
