package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

const apiTokenAccount = "api_token"

// GetAPIToken returns the bearer token guarding the management API.
// RAGDIARY_API_TOKEN wins; otherwise the token is read from the secret
// store, and generated and stored there on first use.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := os.Getenv("RAGDIARY_API_TOKEN"); tok != "" {
		return tok, nil
	}
	if tok, err := kc.Get(keychainService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := kc.Set(keychainService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
