//go:build integration

package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/ragdiary/internal/composer"
	"github.com/kalambet/ragdiary/internal/diary"
	"github.com/kalambet/ragdiary/internal/engine"
	"github.com/kalambet/ragdiary/internal/pipeline"
	"github.com/kalambet/ragdiary/internal/proxy"
	"github.com/kalambet/ragdiary/internal/retrieval"
	"github.com/kalambet/ragdiary/internal/storage"
)

func upstreamClient(t *testing.T, baseURL, model string) *proxy.Client {
	t.Helper()
	c, err := proxy.NewClient(baseURL, "test-key", model)
	if err != nil {
		t.Fatalf("proxy.NewClient: %v", err)
	}
	return c
}

func TestPassthroughRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chat/completions" {
			var req proxy.ChatRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("upstream decode error: %v", err)
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}

			if req.Model != "deepseek/deepseek-chat" {
				t.Errorf("upstream model = %q, want %q", req.Model, "deepseek/deepseek-chat")
			}

			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)

			chunks := []string{
				`data: {"id":"gen-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"}}]}`,
				`data: {"id":"gen-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":" world"}}]}`,
				`data: {"id":"gen-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
				`data: [DONE]`,
			}
			for _, chunk := range chunks {
				fmt.Fprintf(w, "%s\n\n", chunk)
			}
			return
		}

		http.NotFound(w, r)
	}))
	defer upstream.Close()

	handler := NewOpenAIHandler(upstreamClient(t, upstream.URL, "deepseek/deepseek-chat"), nil)

	srv := httptest.NewServer(handler)
	defer srv.Close()

	// No model in the request: the client's default is used.
	reqBody := `{"messages":[{"role":"user","content":"hello"}],"stream":true}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(reqBody))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("reading error body: %v", err)
		}
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/event-stream")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}

	bodyStr := string(body)
	for _, want := range []string{"Hello", "world", "[DONE]"} {
		if !strings.Contains(bodyStr, want) {
			t.Errorf("response missing %q: %q", want, bodyStr)
		}
	}
}

func TestFullTextDeclarationRoundTrip(t *testing.T) {
	// Every text embeds to the same vector, so the threshold gate passes.
	embeddings := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[1,0,0]}]}`)
	}))
	defer embeddings.Close()

	var forwardedSystem string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req proxy.ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		msgs, err := composer.ParseMessages(req.Messages)
		if err != nil || len(msgs) == 0 {
			t.Errorf("upstream got messages %s: %v", req.Messages, err)
		} else {
			forwardedSystem = msgs[0].Text()
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"gen-1","choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer upstream.Close()

	root := t.TempDir()
	dir := filepath.Join(root, "小明")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "2024-03-12-10_00_00.txt"), []byte("[2024-03-12] - 小明\n周末去爬了香山"), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	embedder := retrieval.NewEmbedder(engine.NewOpenAIEngine(embeddings.URL, ""), "test-embed")
	orch := pipeline.New(pipeline.Deps{
		Embedder: embedder,
		Searcher: retrieval.NewRetriever(embedder, retrieval.NewSQLiteStore(store.DB())),
		Diaries:  diary.NewStore(root),
	})

	srv := httptest.NewServer(NewOpenAIHandler(upstreamClient(t, upstream.URL, "m"), orch))
	defer srv.Close()

	reqBody := `{"messages":[{"role":"system","content":"你是小明的助手。<<小明日记本>>"},{"role":"user","content":"我周末做了什么？"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(reqBody))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, b)
	}

	if !strings.Contains(forwardedSystem, "周末去爬了香山") {
		t.Errorf("system message not enriched: %q", forwardedSystem)
	}
	if strings.Contains(forwardedSystem, "<<小明日记本>>") {
		t.Errorf("declaration left in place: %q", forwardedSystem)
	}
}
