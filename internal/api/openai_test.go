package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/ragdiary/internal/pipeline"
	"github.com/kalambet/ragdiary/internal/proxy"
)

// mockUpstream starts a fake chat API and returns a client pointed at it.
func mockUpstream(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *proxy.Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := proxy.NewClient(srv.URL, "test-key", "")
	if err != nil {
		t.Fatalf("proxy.NewClient: %v", err)
	}
	return srv, c
}

func serveBody(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, r))
	return rr
}

func TestHealth(t *testing.T) {
	_, c := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("health check reached upstream")
	})

	rr := serveBody(NewOpenAIHandler(c, nil), http.MethodGet, "/health", "")
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if rr.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("GET /health = %d %v", rr.Code, body)
	}
}

func TestChatCompletions_Relay(t *testing.T) {
	tests := []struct {
		name        string
		stream      bool
		contentType string
		upstream    string
	}{
		{
			name:        "stream",
			stream:      true,
			contentType: "text/event-stream",
			upstream:    "data: {\"id\":\"gen-1\",\"choices\":[{\"delta\":{\"content\":\"你好\"}}]}\n\ndata: [DONE]\n\n",
		},
		{
			name:        "single response",
			contentType: "application/json",
			upstream:    `{"id":"gen-1","choices":[{"message":{"role":"assistant","content":"你好！"}}]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var forwarded proxy.ChatRequest
			_, c := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
				json.NewDecoder(r.Body).Decode(&forwarded)
				w.Header().Set("Content-Type", tt.contentType)
				fmt.Fprint(w, tt.upstream)
			})

			body := fmt.Sprintf(`{"model":"test","messages":[{"role":"user","content":"hi"}],"stream":%t,"temperature":0.3}`, tt.stream)
			rr := serveBody(NewOpenAIHandler(c, nil), http.MethodPost, "/v1/chat/completions", body)

			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
			}
			if ct := rr.Header().Get("Content-Type"); ct != tt.contentType {
				t.Errorf("Content-Type = %q, want %q", ct, tt.contentType)
			}
			if rr.Body.String() != tt.upstream {
				t.Errorf("body = %q, want %q", rr.Body.String(), tt.upstream)
			}
			if forwarded.Stream != tt.stream || string(forwarded.Extra["temperature"]) != "0.3" {
				t.Errorf("forwarded = %+v", forwarded)
			}
		})
	}
}

func TestChatCompletions_BadRequest(t *testing.T) {
	_, c := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("bad request reached upstream")
	})
	h := NewOpenAIHandler(c, nil)

	for _, body := range []string{
		`{invalid`,
		`{"model":"test","messages":[]}`,
		`{"model":"test"}`,
		`{"model":7,"messages":[{"role":"user","content":"hi"}]}`,
	} {
		if rr := serveBody(h, http.MethodPost, "/v1/chat/completions", body); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, rr.Code)
		}
	}
}

func TestModels(t *testing.T) {
	_, c := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		list := proxy.ModelList{
			Object: "list",
			Data: []proxy.Model{
				{ID: "anthropic/claude-opus-4", Object: "model"},
				{ID: "openai/gpt-4o", Object: "model"},
			},
		}
		json.NewEncoder(w).Encode(list)
	})
	rr := serveBody(NewOpenAIHandler(c, nil), http.MethodGet, "/v1/models", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var list proxy.ModelList
	json.NewDecoder(rr.Body).Decode(&list)

	if len(list.Data) != 2 {
		t.Fatalf("got %d models, want 2", len(list.Data))
	}
	if list.Data[0].ID != "anthropic/claude-opus-4" {
		t.Errorf("models[0].ID = %q", list.Data[0].ID)
	}
}

type mockEnricher struct {
	calls    int
	messages json.RawMessage
}

func (m *mockEnricher) Enrich(_ context.Context, req proxy.ChatRequest) (proxy.ChatRequest, pipeline.Metadata) {
	m.calls++
	req.Messages = m.messages
	return req, pipeline.Metadata{Declarations: 1, Resolved: []string{"小明日记本"}}
}

func TestChatCompletions_EnrichedBeforeForwarding(t *testing.T) {
	var forwarded proxy.ChatRequest
	_, c := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&forwarded)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"gen-1"}`)
	})
	enricher := &mockEnricher{messages: json.RawMessage(`[{"role":"system","content":"小明喜欢爬山"},{"role":"user","content":"hi"}]`)}
	h := NewOpenAIHandler(c, enricher)

	body := `{"model":"test","messages":[{"role":"system","content":"[[小明日记本]]"},{"role":"user","content":"hi"}]}`
	rr := serveBody(h, http.MethodPost, "/v1/chat/completions", body)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if enricher.calls != 1 {
		t.Errorf("enricher calls = %d, want 1", enricher.calls)
	}
	if got := rr.Header().Get(headerResolved); got != "1" {
		t.Errorf("%s = %q, want 1", headerResolved, got)
	}
	if !strings.Contains(string(forwarded.Messages), "小明喜欢爬山") {
		t.Errorf("forwarded messages = %s", forwarded.Messages)
	}
	if strings.Contains(string(forwarded.Messages), "[[小明日记本]]") {
		t.Error("declaration forwarded upstream")
	}
}

func TestChatCompletions_UpstreamClientErrorRelayed(t *testing.T) {
	upstreamBody := `{"error":{"message":"model not found","type":"invalid_request_error"}}`
	_, c := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, upstreamBody)
	})
	h := NewOpenAIHandler(c, nil)

	body := `{"model":"nope","messages":[{"role":"user","content":"hi"}]}`
	rr := serveBody(h, http.MethodPost, "/v1/chat/completions", body)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if rr.Body.String() != upstreamBody {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestChatCompletions_UpstreamServerError(t *testing.T) {
	_, c := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	})
	h := NewOpenAIHandler(c, nil)

	body := `{"model":"test","messages":[{"role":"user","content":"hi"}]}`
	rr := serveBody(h, http.MethodPost, "/v1/chat/completions", body)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
}
