package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// replyTimeout bounds a whole non-streaming completion.
	replyTimeout = 2 * time.Minute
	// headerTimeout bounds the wait for the first response byte; a stream
	// may run longer than this once it has started.
	headerTimeout = time.Minute

	maxAttempts = 3
	firstRetry  = 500 * time.Millisecond
	maxRetry    = 10 * time.Second
)

// ErrNoModel is returned when neither the request nor the client names a
// model.
var ErrNoModel = errors.New("no model in request and no upstream default model configured")

// StatusError is a non-200 answer from the upstream. Body is the raw
// response so client errors can be relayed as they are.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Body)
}

// retryable reports whether the upstream asked us to come back later.
func (e *StatusError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusServiceUnavailable
}

// Client forwards enriched chat completions to an OpenAI-compatible
// endpoint such as https://api.openai.com/v1 or a local one-api gateway.
type Client struct {
	base         string
	apiKey       string
	defaultModel string
	http         *http.Client
}

// NewClient creates a client for the endpoint at baseURL, which includes
// the version prefix. An empty apiKey sends no Authorization header.
func NewClient(baseURL, apiKey, defaultModel string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing upstream base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("upstream base URL %q: want an absolute http(s) URL", baseURL)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &Client{
		base:         u.String(),
		apiKey:       apiKey,
		defaultModel: defaultModel,
		http:         &http.Client{Transport: transport},
	}, nil
}

// Chat forwards req and returns the upstream body: SSE events when
// req.Stream is set, one JSON document otherwise. The caller closes it.
// 429 and 503 answers are retried, honoring Retry-After.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	if req.Model == "" {
		req.Model = c.defaultModel
	}
	if req.Model == "" {
		return nil, ErrNoModel
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	for attempt := 1; ; attempt++ {
		rc, wait, err := c.postChat(ctx, body, req.Stream)
		if err == nil {
			return rc, nil
		}
		var se *StatusError
		if !errors.As(err, &se) || !se.retryable() || attempt == maxAttempts {
			return nil, err
		}
		if wait == 0 {
			wait = firstRetry << (attempt - 1)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(wait, maxRetry)):
		}
	}
}

// postChat makes one attempt. On a retryable failure it also returns the
// delay the upstream asked for, if any.
func (c *Client) postChat(ctx context.Context, body []byte, stream bool) (io.ReadCloser, time.Duration, error) {
	cancel := context.CancelFunc(func() {})
	if !stream {
		ctx, cancel = context.WithTimeout(ctx, replyTimeout)
	}
	resp, err := c.do(ctx, http.MethodPost, "/chat/completions", body)
	if err != nil {
		cancel()
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		return nil, retryAfter(resp.Header.Get("Retry-After")), readStatusError(resp)
	}
	return &bodyWithCancel{ReadCloser: resp.Body, cancel: cancel}, 0, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s %s: %w", method, path, err)
	}
	return resp, nil
}

func readStatusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
}

// retryAfter parses the delay-seconds form of Retry-After.
func retryAfter(v string) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// bodyWithCancel releases the request context once the body is closed.
type bodyWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *bodyWithCancel) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

// ListModels relays the upstream model catalogue.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readStatusError(resp)
	}

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}
	if list.Data == nil {
		list.Data = []Model{}
	}
	return list.Data, nil
}
