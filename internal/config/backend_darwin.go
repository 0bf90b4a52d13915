//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const defaultsDomain = "com.ragdiary.app"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ragdiary-data"
	}
	return filepath.Join(home, "Library", "Application Support", "ragdiary")
}

// userDefaults keeps settings in the macOS defaults database, one string
// entry per key.
type userDefaults struct {
	domain string
}

func newPlatformSettings() Settings {
	return userDefaults{domain: defaultsDomain}
}

func (d userDefaults) run(args ...string) (string, error) {
	out, err := exec.Command("defaults", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func (d userDefaults) Lookup(key string) (string, bool, error) {
	out, err := d.run("read", d.domain, key)
	if err == nil {
		return out, true, nil
	}
	// defaults exits 1 when the domain or key does not exist.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return "", false, nil
	}
	return "", false, fmt.Errorf("defaults read %s: %w: %s", key, err, out)
}

func (d userDefaults) Store(key, value string) error {
	if out, err := d.run("write", d.domain, key, "-string", value); err != nil {
		return fmt.Errorf("defaults write %s: %w: %s", key, err, out)
	}
	return nil
}

func (d userDefaults) Remove(key string) error {
	if _, ok, err := d.Lookup(key); err != nil || !ok {
		return err
	}
	if out, err := d.run("delete", d.domain, key); err != nil {
		return fmt.Errorf("defaults delete %s: %w: %s", key, err, out)
	}
	return nil
}
