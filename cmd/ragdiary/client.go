package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/ragdiary/internal/config"
)

// serverClient talks to the local ragdiary management API.
type serverClient struct {
	base  string
	token string
	http  *http.Client
}

// connect builds a client from the saved config and keychain token.
// Tests replace it to point commands at an httptest server.
var connect = func() (*serverClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	token, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return nil, fmt.Errorf("getting API token: %w", err)
	}
	return &serverClient{
		base:  fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token: token,
		// /process embeds and reranks before it answers.
		http: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

// serverError is a non-2xx answer from the management API.
type serverError struct {
	Status  int
	Message string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// call sends in as the JSON body (nil for none) and decodes the reply into
// out (nil to discard it).
func (c *serverClient) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("server not reachable, is ragdiary running? (%w)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readServerError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

// readServerError prefers the error.message field the API writes and falls
// back to the raw body.
func readServerError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var doc struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &doc) == nil && doc.Error.Message != "" {
		msg = doc.Error.Message
	}
	return &serverError{Status: resp.StatusCode, Message: msg}
}

// isUnauthorized reports whether err is the API rejecting the token.
func isUnauthorized(err error) bool {
	var se *serverError
	return errors.As(err, &se) && se.Status == http.StatusUnauthorized
}

// diaryPath builds /diaries/<name>[/<sub>] with the name escaped.
func diaryPath(name string, sub ...string) string {
	p := "/diaries/" + url.PathEscape(name)
	for _, s := range sub {
		p += "/" + s
	}
	return p
}
