package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/ragdiary/internal/composer"
	"github.com/kalambet/ragdiary/internal/pipeline"
	"github.com/kalambet/ragdiary/internal/proxy"
)

const maxRequestBodySize = 4 << 20

// headerResolved reports how many diary declarations were expanded into
// the forwarded request.
const headerResolved = "X-Ragdiary-Resolved"

// Enricher resolves diary declarations in a chat completion request.
type Enricher interface {
	Enrich(ctx context.Context, req proxy.ChatRequest) (proxy.ChatRequest, pipeline.Metadata)
}

// NewOpenAIHandler serves the OpenAI-compatible surface: chat completions
// are enriched with diary context and forwarded to the upstream model,
// /v1/models is relayed as is. A nil enricher forwards requests unchanged.
func NewOpenAIHandler(p *proxy.Client, enricher Enricher) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	r.Get("/v1/models", handleModels(p))
	r.Post("/v1/chat/completions", handleChatCompletions(p, enricher))
	return r
}

func handleModels(p *proxy.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := p.ListModels(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to list models: %v", err)
			return
		}
		writeJSON(w, proxy.ModelList{Object: "list", Data: models})
	}
}

func handleChatCompletions(p *proxy.Client, enricher Enricher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeChatRequest(w, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		if enricher != nil {
			var meta pipeline.Metadata
			req, meta = enricher.Enrich(r.Context(), req)
			w.Header().Set(headerResolved, strconv.Itoa(len(meta.Resolved)))
			level := slog.LevelDebug
			if len(meta.Skipped) > 0 {
				level = slog.LevelInfo
			}
			slog.Log(r.Context(), level, "api: request enriched",
				"declarations", meta.Declarations,
				"resolved", meta.Resolved,
				"skipped", meta.Skipped,
				"duration_ms", meta.DurationMs,
			)
		}

		rc, err := p.Chat(r.Context(), req)
		if err != nil {
			writeUpstreamError(w, err)
			return
		}
		defer rc.Close()

		if req.Stream {
			relayStream(w, rc)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := io.Copy(w, rc); err != nil {
			slog.Warn("api: relaying upstream response failed", "error", err)
		}
	}
}

// decodeChatRequest reads a bounded request body and checks that it carries
// a non-empty messages array.
func decodeChatRequest(w http.ResponseWriter, r *http.Request) (proxy.ChatRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req proxy.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	if len(req.Messages) == 0 {
		return req, errors.New("messages is required and must not be empty")
	}
	msgs, err := composer.ParseMessages(req.Messages)
	if err != nil || len(msgs) == 0 {
		return req, errors.New("messages is required and must not be empty")
	}
	return req, nil
}

// flushWriter pushes every write to the client at once so server-sent
// events arrive as the upstream emits them.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.f.Flush()
	return n, err
}

func relayStream(w http.ResponseWriter, rc io.Reader) {
	f, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	fw := flushWriter{w: w, f: f}
	if _, err := io.Copy(fw, rc); err != nil {
		slog.Warn("api: upstream stream read error", "error", err)
		payload, _ := json.Marshal(errorBody{Error: errorDetail{Message: "upstream read error", Type: "server_error"}})
		fw.Write([]byte("data: " + string(payload) + "\n\n"))
	}
}
