//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kalambet/ragdiary/internal/blobstore"
)

// secretsFile stands in for the keychain: a 0600 JSON document mapping
// service to account to secret.
type secretsFile map[string]map[string]string

func secretsFilePath() string {
	dir, ok := xdgDir("XDG_DATA_HOME", ".local", "share")
	if !ok {
		dir = "."
	}
	return filepath.Join(dir, "ragdiary", "secrets.json")
}

func readSecrets(path string) (secretsFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return secretsFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets: %w", err)
	}
	var sf secretsFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	if sf == nil {
		sf = secretsFile{}
	}
	return sf, nil
}

func keychainGet(service, account string) ([]byte, error) {
	sf, err := readSecrets(secretsFilePath())
	if err != nil {
		return nil, err
	}
	v, ok := sf[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret %s/%s", service, account)
	}
	return []byte(v), nil
}

func keychainSet(service, account, value string) error {
	path := secretsFilePath()
	sf, err := readSecrets(path)
	if err != nil {
		return err
	}
	if sf[service] == nil {
		sf[service] = map[string]string{}
	}
	sf[service][account] = value

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	return blobstore.WriteFileAtomic(path, data, 0o600)
}
