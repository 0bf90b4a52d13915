package config

import (
	"fmt"
	"strconv"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
// Secrets are reported as set or unset, never by value.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		value := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret {
			if value == "" {
				value = "(unset)"
			} else {
				value = "(set)"
			}
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  value,
		})
	}
	return result
}

// SetKey persists a config key. Secrets go to the platform secret store,
// everything else to the settings backend in normalized form.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformSettings(), NewKeychain(), key, value)
}

func setKeyWith(st Settings, kc Keychain, key, value string) error {
	spec, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if spec.secret {
		return kc.Set(keychainService, secretAccount(key), value)
	}
	if value == "" {
		return st.Remove(key)
	}
	v, err := parseValue(spec.typ, value)
	if err != nil {
		return fmt.Errorf("invalid %s value for %s: %w", spec.typ, key, err)
	}
	return st.Store(key, formatValue(v))
}

func formatValue(v any) string {
	switch v := v.(type) {
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// ValidKeys returns the list of valid config key names.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}

// IsSecret reports whether key is kept in the secret store.
func IsSecret(key string) bool {
	s, ok := lookupSpec(key)
	return ok && s.secret
}
