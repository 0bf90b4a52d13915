//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/ragdiary/internal/blobstore"
)

// xdgDir resolves an XDG base directory, falling back to fallback under
// the home directory.
func xdgDir(env string, fallback ...string) (string, bool) {
	if dir := os.Getenv(env); dir != "" {
		return dir, true
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(append([]string{home}, fallback...)...), true
}

func defaultDataDir() string {
	dir, ok := xdgDir("XDG_DATA_HOME", ".local", "share")
	if !ok {
		return "ragdiary-data"
	}
	return filepath.Join(dir, "ragdiary")
}

func settingsFilePath() string {
	dir, ok := xdgDir("XDG_CONFIG_HOME", ".config")
	if !ok {
		dir = "."
	}
	return filepath.Join(dir, "ragdiary", "config.json")
}

// jsonSettings keeps settings as one flat JSON object keyed by the dotted
// key name. Hand-edited files may hold numbers or booleans; they are read
// back by their literal text.
type jsonSettings struct {
	path   string
	values map[string]json.RawMessage
}

func newPlatformSettings() Settings {
	return openJSONSettings(settingsFilePath())
}

func openJSONSettings(path string) *jsonSettings {
	s := &jsonSettings{path: path, values: map[string]json.RawMessage{}}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		slog.Warn("config: settings file unreadable, ignoring", "path", path, "error", err)
	default:
		if err := json.Unmarshal(data, &s.values); err != nil {
			slog.Warn("config: settings file is not a JSON object, ignoring", "path", path, "error", err)
			s.values = map[string]json.RawMessage{}
		}
	}
	return s
}

func (s *jsonSettings) Lookup(key string) (string, bool, error) {
	raw, ok := s.values[key]
	if !ok || string(raw) == "null" {
		return "", false, nil
	}
	if strings.HasPrefix(string(raw), `"`) {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return "", true, fmt.Errorf("decoding %s: %w", key, err)
		}
		return v, true, nil
	}
	return string(raw), true, nil
}

func (s *jsonSettings) Store(key, value string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.values[key] = raw
	return s.flush()
}

func (s *jsonSettings) Remove(key string) error {
	if _, ok := s.values[key]; !ok {
		return nil
	}
	delete(s.values, key)
	return s.flush()
}

func (s *jsonSettings) flush() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating settings dir: %w", err)
	}
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}
	return blobstore.WriteFileAtomic(s.path, append(data, '\n'), 0o600)
}
