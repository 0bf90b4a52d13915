package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/ragdiary/internal/composer"
	"github.com/kalambet/ragdiary/internal/diary"
	"github.com/kalambet/ragdiary/internal/proxy"
	"github.com/kalambet/ragdiary/internal/reranking"
	"github.com/kalambet/ragdiary/internal/retrieval"
	"github.com/kalambet/ragdiary/internal/semgroup"
	"github.com/kalambet/ragdiary/internal/timeparse"
)

// --- mocks ---

type mockEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	if v, ok := m.vectors[text]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("no vector for %q", text)
}

type searchCall struct {
	diary  string
	vector []float32
	k      int
}

type mockSearcher struct {
	mu      sync.Mutex
	results map[string][]retrieval.ContextChunk
	err     error
	calls   []searchCall
}

func (m *mockSearcher) Search(_ context.Context, diaryName string, vec []float32, k int) ([]retrieval.ContextChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, searchCall{diaryName, vec, k})
	if m.err != nil {
		return nil, m.err
	}
	res := m.results[diaryName]
	if len(res) > k {
		res = res[:k]
	}
	return res, nil
}

type mockDiaries struct {
	content map[string]string
	entries map[string][]diary.Entry
}

func (m *mockDiaries) ReadAll(name string) (string, error) {
	c, ok := m.content[name]
	if !ok {
		return diary.EmptyNotice(name), nil
	}
	return c, nil
}

func (m *mockDiaries) ScanRange(name string, r timeparse.Range) ([]diary.Entry, error) {
	var out []diary.Entry
	for _, e := range m.entries[name] {
		d, _ := time.Parse(time.DateOnly, e.Date)
		if r.Contains(d) {
			out = append(out, e)
		}
	}
	return out, nil
}

type mockTags struct {
	thresholds map[string]float64
	vectors    map[string][]float32
}

func (m *mockTags) Threshold(name string) float64 {
	if t, ok := m.thresholds[name]; ok {
		return t
	}
	return 0.6
}

func (m *mockTags) Vector(name string) []float32 { return m.vectors[name] }

type fixedTime []timeparse.Range

func (f fixedTime) Parse(string) []timeparse.Range { return f }

type mockGroups struct {
	activated map[string]semgroup.Activation
	enhanced  []float32
	err       error
}

func (m *mockGroups) DetectAndActivateGroups(string) map[string]semgroup.Activation {
	return m.activated
}

func (m *mockGroups) GetEnhancedVector(context.Context, string, map[string]semgroup.Activation) ([]float32, error) {
	return m.enhanced, m.err
}

// --- helpers ---

func chunks(texts ...string) []retrieval.ContextChunk {
	out := make([]retrieval.ContextChunk, len(texts))
	for i, t := range texts {
		out[i] = retrieval.ContextChunk{ID: fmt.Sprintf("c%d", i), Text: t}
	}
	return out
}

func conversation(system, user string) []composer.Message {
	return []composer.Message{
		composer.NewMessage("system", system),
		composer.NewMessage("user", user),
	}
}

func baseDeps() (Deps, *mockSearcher) {
	s := &mockSearcher{results: map[string][]retrieval.ContextChunk{
		"Alice": chunks("a1", "a2", "a3", "a4", "a5", "a6"),
		"Carol": chunks("c1"),
	}}
	return Deps{
		Embedder: &mockEmbedder{vectors: map[string][]float32{"hi": {1, 0}}},
		Searcher: s,
		Diaries:  &mockDiaries{},
		Time:     fixedTime(nil),
	}, s
}

// --- tests ---

func TestProcessMessages_NoDeclarations(t *testing.T) {
	deps, s := baseDeps()
	o := New(deps)
	msgs := conversation("you are helpful", "hi")

	out := o.ProcessMessages(context.Background(), msgs)
	if out[0].Text() != "you are helpful" {
		t.Errorf("system changed: %q", out[0].Text())
	}
	if len(s.calls) != 0 {
		t.Errorf("search called %d times", len(s.calls))
	}
}

func TestProcessMessages_SemanticFlatList(t *testing.T) {
	deps, s := baseDeps()
	o := New(deps)

	out := o.ProcessMessages(context.Background(), conversation("记忆：[[Alice日记本]]。", "hi"))
	want := "记忆：" + composer.FormatFlat("Alice日记本", []composer.Entry{{Text: "a1"}, {Text: "a2"}, {Text: "a3"}}) + "。"
	if got := out[0].Text(); got != want {
		t.Errorf("system = %q, want %q", got, want)
	}
	if len(s.calls) != 1 || s.calls[0].k != 3 {
		t.Errorf("search calls = %+v, want one with k=3", s.calls)
	}
}

func TestProcessMessages_RerankFailureKeepsOriginalOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	deps, s := baseDeps()
	settings := reranking.StaticSettings{URL: srv.URL, APIKey: "k", Model: "m"}
	deps.Reranker = reranking.NewHTTPReranker(settings)
	deps.RerankSettings = settings
	o := New(deps)

	out := o.ProcessMessages(context.Background(), conversation("[[Alice日记本::Rerank]]", "hi"))
	want := composer.FormatFlat("Alice日记本", []composer.Entry{{Text: "a1"}, {Text: "a2"}, {Text: "a3"}})
	if got := out[0].Text(); got != want {
		t.Errorf("system = %q, want %q", got, want)
	}
	if s.calls[0].k != 6 {
		t.Errorf("fetched %d candidates, want 6", s.calls[0].k)
	}
}

func TestProcessMessages_ThresholdGate(t *testing.T) {
	below := []float32{0.55, float32(math.Sqrt(1 - 0.55*0.55))}

	tests := []struct {
		name      string
		threshold float64
		want      string
	}{
		{"below threshold injects nothing", 0.6, "pre[]post"},
		{"above threshold injects content", 0.5, "pre[第一篇\n---\n" + "[嵌套日记本声明已忽略]]post"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, _ := baseDeps()
			deps.Embedder = &mockEmbedder{vectors: map[string][]float32{"hi": {1, 0}, "Bob": below}}
			deps.Diaries = &mockDiaries{content: map[string]string{"Bob": "第一篇\n---\n[[Bob日记本]]"}}
			tags := &mockTags{thresholds: map[string]float64{"Bob": tt.threshold}}
			deps.Tags = func() TagVectors { return tags }
			o := New(deps)

			out := o.ProcessMessages(context.Background(), conversation("pre[<<Bob日记本>>]post", "hi"))
			if got := out[0].Text(); got != tt.want {
				t.Errorf("system = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProcessMessages_ThresholdUsesEnhancedVector(t *testing.T) {
	deps, _ := baseDeps()
	deps.Embedder = &mockEmbedder{vectors: map[string][]float32{"hi": {1, 0}, "Bob": {0, 1}}}
	deps.Diaries = &mockDiaries{content: map[string]string{"Bob": "全文"}}
	tags := &mockTags{vectors: map[string][]float32{"Bob": {1, 0.1}}}
	deps.Tags = func() TagVectors { return tags }
	o := New(deps)

	out := o.ProcessMessages(context.Background(), conversation("<<Bob日记本>>", "hi"))
	if got := out[0].Text(); got != "全文" {
		t.Errorf("system = %q, want full content", got)
	}
}

func TestProcessMessages_CircularReference(t *testing.T) {
	deps, s := baseDeps()
	o := New(deps)

	out := o.ProcessMessages(context.Background(), conversation("[[Carol日记本]] [[Carol日记本]]", "hi"))
	got := out[0].Text()
	if !strings.HasSuffix(got, " "+composer.CircularNotice("Carol日记本")) {
		t.Errorf("second declaration not replaced by notice: %q", got)
	}
	if len(s.calls) != 1 {
		t.Errorf("search called %d times, want 1", len(s.calls))
	}
}

func TestProcessMessages_EmbeddingFailureStrips(t *testing.T) {
	deps, s := baseDeps()
	deps.Embedder = &mockEmbedder{err: errors.New("down")}
	o := New(deps)

	out := o.ProcessMessages(context.Background(), conversation("a[[Alice日记本]]b<<Bob日记本>>c", "hi"))
	if got := out[0].Text(); got != "abc" {
		t.Errorf("system = %q, want declarations stripped", got)
	}
	if out[1].Text() != "hi" {
		t.Errorf("user message changed: %q", out[1].Text())
	}
	if len(s.calls) != 0 {
		t.Error("search called without a query vector")
	}
}

func TestProcessMessages_QueryWeighting(t *testing.T) {
	deps, s := baseDeps()
	deps.Embedder = &mockEmbedder{vectors: map[string][]float32{"question": {1, 0}, "answer": {0, 1}}}
	o := New(deps)

	msgs := []composer.Message{
		composer.NewMessage("system", "[[Alice日记本]]"),
		composer.NewMessage("user", "earlier"),
		composer.NewMessage("assistant", "<p>answer</p>"),
		composer.NewMessage("user", "question"),
	}
	o.ProcessMessages(context.Background(), msgs)

	if len(s.calls) != 1 {
		t.Fatalf("search calls = %d", len(s.calls))
	}
	v := s.calls[0].vector
	if math.Abs(float64(v[0])-0.7) > 1e-6 || math.Abs(float64(v[1])-0.3) > 1e-6 {
		t.Errorf("query vector = %v, want [0.7 0.3]", v)
	}
}

func TestProcessMessages_UserOnlyEmbeddingWhenAssistantFails(t *testing.T) {
	deps, s := baseDeps()
	deps.Embedder = &mockEmbedder{vectors: map[string][]float32{"question": {0.2, 0.4}}}
	o := New(deps)

	msgs := []composer.Message{
		composer.NewMessage("system", "[[Alice日记本]]"),
		composer.NewMessage("assistant", "unembeddable"),
		composer.NewMessage("user", "question"),
	}
	o.ProcessMessages(context.Background(), msgs)
	if v := s.calls[0].vector; v[0] != 0.2 || v[1] != 0.4 {
		t.Errorf("query vector = %v, want user vector unweighted", v)
	}
}

func TestProcessMessages_GroupEnhancement(t *testing.T) {
	deps, s := baseDeps()
	deps.Groups = &mockGroups{
		activated: map[string]semgroup.Activation{"运动": {Strength: 0.5, MatchedWords: []string{"跑步"}}},
		enhanced:  []float32{0, 1},
	}
	o := New(deps)

	out := o.ProcessMessages(context.Background(), conversation("[[Alice日记本::Group]]", "hi"))
	if v := s.calls[0].vector; v[0] != 0 || v[1] != 1 {
		t.Errorf("search vector = %v, want enhanced", v)
	}
	if !strings.Contains(out[0].Text(), "语义组增强检索") || !strings.Contains(out[0].Text(), "运动") {
		t.Errorf("group report missing: %q", out[0].Text())
	}
}

func TestProcessMessages_GroupEnhancementFailureUsesSharedQuery(t *testing.T) {
	deps, s := baseDeps()
	deps.Groups = &mockGroups{
		activated: map[string]semgroup.Activation{"运动": {Strength: 1}},
		err:       errors.New("embed failed"),
	}
	o := New(deps)

	o.ProcessMessages(context.Background(), conversation("[[Alice日记本::Group]] [[Carol日记本]]", "hi"))
	for _, c := range s.calls {
		if c.vector[0] != 1 || c.vector[1] != 0 {
			t.Errorf("search on %s used %v, want shared query", c.diary, c.vector)
		}
	}
}

func TestProcessMessages_TimeAware(t *testing.T) {
	deps, _ := baseDeps()
	deps.Searcher = &mockSearcher{results: map[string][]retrieval.ContextChunk{
		"Alice": chunks("semantic only", "[2024-03-12] - Alice\n散步"),
	}}
	deps.Time = fixedTime{{
		Start: time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 12, 23, 59, 59, 999e6, time.UTC),
	}}
	deps.Diaries = &mockDiaries{entries: map[string][]diary.Entry{
		"Alice": {
			{Diary: "Alice", Date: "2024-03-12", Content: "[2024-03-12] - Alice\n散步"},
			{Diary: "Alice", Date: "2024-03-12", Content: "[2024-03-12] - Alice\n读书"},
			{Diary: "Alice", Date: "2024-03-01", Content: "out of range"},
		},
	}}
	o := New(deps)

	out := o.ProcessMessages(context.Background(), conversation("[[Alice日记本::Time]]", "hi"))
	got := out[0].Text()
	for _, want := range []string{"多时间感知检索结果", "语义相关 2 条, 时间范围 1 条", "读书", "semantic only"} {
		if !strings.Contains(got, want) {
			t.Errorf("report missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "out of range") {
		t.Error("entry outside the range included")
	}
	if strings.Count(got, "散步") != 1 {
		t.Errorf("duplicate entry not merged:\n%s", got)
	}
}

func TestProcessMessages_TimeWithoutRangesIsFlat(t *testing.T) {
	deps, _ := baseDeps()
	o := New(deps)

	out := o.ProcessMessages(context.Background(), conversation("[[Alice日记本::Time]]", "hi"))
	if !strings.Contains(out[0].Text(), "中检索到的相关记忆片段") {
		t.Errorf("expected flat list, got %q", out[0].Text())
	}
}

func TestProcessMessages_TimeAwareListsGroups(t *testing.T) {
	deps, s := baseDeps()
	deps.Groups = &mockGroups{
		activated: map[string]semgroup.Activation{"运动": {Strength: 0.5, MatchedWords: []string{"跑步"}}},
		enhanced:  []float32{0, 1},
	}
	deps.Time = fixedTime{{
		Start: time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 12, 23, 59, 59, 999e6, time.UTC),
	}}
	deps.Diaries = &mockDiaries{entries: map[string][]diary.Entry{
		"Alice": {{Diary: "Alice", Date: "2024-03-12", Content: "[2024-03-12] - Alice\n跑了五公里"}},
	}}
	o := New(deps)

	out := o.ProcessMessages(context.Background(), conversation("[[Alice日记本::Time::Group]]", "hi"))
	got := out[0].Text()
	for _, want := range []string{"多时间感知检索结果", "• 运动 (50%激活): 跑步", "跑了五公里"} {
		if !strings.Contains(got, want) {
			t.Errorf("report missing %q:\n%s", want, got)
		}
	}
	if v := s.calls[0].vector; v[0] != 0 || v[1] != 1 {
		t.Errorf("search vector = %v, want enhanced", v)
	}
}

func TestProcessMessages_HybridPassesGate(t *testing.T) {
	deps, s := baseDeps()
	deps.Embedder = &mockEmbedder{vectors: map[string][]float32{"hi": {1, 0}, "Alice": {1, 0}}}
	o := New(deps)

	out := o.ProcessMessages(context.Background(), conversation("《《Alice日记本:2》》", "hi"))
	if s.calls[0].k != 6 {
		t.Errorf("k = %d, want 6", s.calls[0].k)
	}
	if !strings.Contains(out[0].Text(), "* a6") {
		t.Errorf("hybrid result missing: %q", out[0].Text())
	}
}

func TestProcessMessages_HybridFailsGate(t *testing.T) {
	deps, s := baseDeps()
	deps.Embedder = &mockEmbedder{vectors: map[string][]float32{"hi": {1, 0}, "Alice": {0, 1}}}
	o := New(deps)

	out := o.ProcessMessages(context.Background(), conversation("x《《Alice日记本》》y", "hi"))
	if out[0].Text() != "xy" {
		t.Errorf("system = %q, want xy", out[0].Text())
	}
	if len(s.calls) != 0 {
		t.Error("search called for gated hybrid declaration")
	}
}

func TestProcessMessages_SmallMultiplierKeepsOne(t *testing.T) {
	deps, s := baseDeps()
	o := New(deps)

	o.ProcessMessages(context.Background(), conversation("[[Alice日记本:0.1]]", "hi"))
	if s.calls[0].k != 1 {
		t.Errorf("k = %d, want 1", s.calls[0].k)
	}
}

func TestProcessMessages_SearchErrorDegrades(t *testing.T) {
	deps, s := baseDeps()
	s.err = errors.New("db closed")
	o := New(deps)

	out := o.ProcessMessages(context.Background(), conversation("[[Alice日记本]]", "hi"))
	if !strings.Contains(out[0].Text(), "没有找到直接相关的记忆片段。") {
		t.Errorf("system = %q", out[0].Text())
	}
}

func TestProcessMessages_NestedDeclarationInChunkNeutralized(t *testing.T) {
	deps, _ := baseDeps()
	deps.Searcher = &mockSearcher{results: map[string][]retrieval.ContextChunk{
		"Alice": chunks("see [[Carol日记本]]"),
	}}
	o := New(deps)

	out := o.ProcessMessages(context.Background(), conversation("[[Alice日记本]]", "hi"))
	if strings.Contains(out[0].Text(), "[[Carol日记本]]") {
		t.Errorf("nested declaration survived: %q", out[0].Text())
	}
}

func TestEnrich(t *testing.T) {
	deps, _ := baseDeps()
	o := New(deps)

	raw, _ := json.Marshal([]map[string]string{
		{"role": "system", "content": "[[Alice日记本]]"},
		{"role": "user", "content": "hi"},
	})
	req := proxy.ChatRequest{Model: "m", Messages: raw, Extra: map[string]json.RawMessage{"temperature": json.RawMessage(`0.2`)}}

	out, meta := o.Enrich(context.Background(), req)
	if meta.Declarations != 1 || len(meta.Resolved) != 1 || meta.Resolved[0] != "Alice" {
		t.Errorf("meta = %+v", meta)
	}
	if string(out.Extra["temperature"]) != "0.2" || out.Model != "m" {
		t.Errorf("request fields not preserved: %+v", out)
	}
	msgs, err := composer.ParseMessages(out.Messages)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msgs[0].Text(), "* a1") {
		t.Errorf("system = %q", msgs[0].Text())
	}
}

func TestEnrich_InvalidMessages(t *testing.T) {
	deps, _ := baseDeps()
	o := New(deps)
	req := proxy.ChatRequest{Model: "m", Messages: json.RawMessage(`"nope"`)}

	out, meta := o.Enrich(context.Background(), req)
	if string(out.Messages) != `"nope"` || meta.Declarations != 0 {
		t.Errorf("invalid request modified: %s %+v", out.Messages, meta)
	}
}
