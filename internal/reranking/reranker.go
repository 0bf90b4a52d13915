// Package reranking reorders retrieved diary chunks with an external rerank
// API, packing documents into token-bounded batches.
package reranking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/ragdiary/internal/retrieval"
)

// Defaults used when the settings leave a field unset.
const (
	DefaultMultiplier        = 2.0
	DefaultMaxTokensPerBatch = 30000
)

// Reranker reorders chunks by relevance to query and truncates to finalK.
// It never fails: on any problem the original order is kept.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []retrieval.ContextChunk, finalK int) []retrieval.ContextChunk
}

// Settings is the rerank endpoint configuration.
type Settings struct {
	URL               string
	APIKey            string
	Model             string
	Multiplier        float64
	MaxTokensPerBatch int
}

// Configured reports whether URL, key and model are all set.
func (s Settings) Configured() bool {
	return s.URL != "" && s.APIKey != "" && s.Model != ""
}

// CandidateMultiplier is Multiplier, or DefaultMultiplier when unset.
func (s Settings) CandidateMultiplier() float64 {
	if s.Multiplier <= 0 {
		return DefaultMultiplier
	}
	return s.Multiplier
}

func (s Settings) maxTokens() int {
	if s.MaxTokensPerBatch <= 0 {
		return DefaultMaxTokensPerBatch
	}
	return s.MaxTokensPerBatch
}

// SettingsSource yields the current settings. It is consulted on every call
// so that reranking can be switched on or off without a restart.
type SettingsSource interface {
	Current() Settings
}

// StaticSettings is a SettingsSource that never changes.
type StaticSettings Settings

func (s StaticSettings) Current() Settings { return Settings(s) }

// HTTPReranker calls POST {URL}/v1/rerank once per batch, one batch at a
// time, and concatenates the results in batch order.
type HTTPReranker struct {
	source     SettingsSource
	httpClient *http.Client
}

var _ Reranker = (*HTTPReranker)(nil)

// NewHTTPReranker returns a reranker reading its endpoint from source.
func NewHTTPReranker(source SettingsSource) *HTTPReranker {
	return &HTTPReranker{
		source:     source,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// EstimateTokens approximates the token cost of s as ceil(runes / 2).
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 1) / 2
}

// PackBatches groups document indices greedily so that queryTokens plus the
// batch's cost stays within maxTokens. A document that cannot fit even in an
// empty batch gets a batch of its own.
func PackBatches(queryTokens int, costs []int, maxTokens int) [][]int {
	var batches [][]int
	var cur []int
	used := queryTokens
	for i, c := range costs {
		if len(cur) > 0 && used+c > maxTokens {
			batches = append(batches, cur)
			cur = nil
			used = queryTokens
		}
		cur = append(cur, i)
		used += c
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// Rerank implements Reranker.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, chunks []retrieval.ContextChunk, finalK int) []retrieval.ContextChunk {
	settings := r.source.Current()
	if !settings.Configured() || len(chunks) == 0 {
		return truncate(chunks, finalK)
	}

	costs := make([]int, len(chunks))
	for i, c := range chunks {
		costs[i] = EstimateTokens(c.Text)
	}
	batches := PackBatches(EstimateTokens(query), costs, settings.maxTokens())

	out := make([]retrieval.ContextChunk, 0, len(chunks))
	for bi, idx := range batches {
		batch := make([]retrieval.ContextChunk, len(idx))
		for j, i := range idx {
			batch[j] = chunks[i]
		}
		ranked, err := r.rerankBatch(ctx, settings, query, batch)
		if err != nil {
			slog.Warn("reranker: batch failed, keeping original order", "batch", bi, "size", len(batch), "error", err)
			ranked = batch
		}
		out = append(out, ranked...)
	}
	slog.Debug("reranker: reranked", "candidates", len(chunks), "batches", len(batches), "final_k", finalK)
	return truncate(out, finalK)
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResult struct {
	Index          *int     `json:"index"`
	RelevanceScore *float64 `json:"relevance_score"`
	Relevance      *float64 `json:"relevance"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

func (r *HTTPReranker) rerankBatch(ctx context.Context, s Settings, query string, batch []retrieval.ContextChunk) ([]retrieval.ContextChunk, error) {
	docs := make([]string, len(batch))
	for i, c := range batch {
		docs[i] = c.Text
	}
	body, err := json.Marshal(rerankRequest{Model: s.Model, Query: query, Documents: docs, TopN: len(docs)})
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(s.URL, "/") + "/v1/rerank"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.APIKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rerank: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding rerank response: %w", err)
	}
	if parsed.Results == nil {
		return nil, fmt.Errorf("rerank: response has no results")
	}

	ranked := make([]retrieval.ContextChunk, 0, len(parsed.Results))
	for _, res := range parsed.Results {
		if res.Index == nil || *res.Index < 0 || *res.Index >= len(batch) {
			continue
		}
		c := batch[*res.Index]
		switch {
		case res.RelevanceScore != nil:
			c.Score = float32(*res.RelevanceScore)
		case res.Relevance != nil:
			c.Score = float32(*res.Relevance)
		}
		ranked = append(ranked, c)
	}
	if len(ranked) == 0 {
		return nil, fmt.Errorf("rerank: no valid indices in response")
	}
	return ranked, nil
}

// NoOpReranker keeps the retrieval order. Used when no rerank endpoint is
// wired at all.
type NoOpReranker struct{}

func (n *NoOpReranker) Rerank(_ context.Context, _ string, chunks []retrieval.ContextChunk, finalK int) []retrieval.ContextChunk {
	return truncate(chunks, finalK)
}

func truncate(chunks []retrieval.ContextChunk, k int) []retrieval.ContextChunk {
	if k >= 0 && len(chunks) > k {
		return chunks[:k]
	}
	return chunks
}
