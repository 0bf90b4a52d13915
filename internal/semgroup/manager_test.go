package semgroup

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/kalambet/ragdiary/internal/blobstore"
)

type fakeEmbedder struct {
	calls   []string
	vectors map[string][]float32
	fail    func(text string) bool
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls = append(e.calls, text)
	if e.fail != nil && e.fail(text) {
		return nil, errors.New("embedding provider down")
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float32{float32(len([]rune(text))), 1}, nil
}

type fixture struct {
	dir   string
	path  string
	edit  string
	blobs *blobstore.FileStore
	emb   *fakeEmbedder
	m     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	blobs, err := blobstore.NewFileStore(filepath.Join(dir, "vectors"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	f := &fixture{
		dir:   dir,
		path:  filepath.Join(dir, "semantic_groups.json"),
		edit:  filepath.Join(dir, "semantic_groups.edit.json"),
		blobs: blobs,
		emb:   &fakeEmbedder{vectors: map[string][]float32{}},
	}
	f.m = NewManager(Options{
		Path:     f.path,
		EditPath: f.edit,
		Blobs:    blobs,
		Embedder: f.emb,
		Now:      func() time.Time { return time.Date(2024, 3, 13, 2, 0, 0, 0, time.UTC) },
	})
	return f
}

func (f *fixture) write(t *testing.T, path string, doc any) {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) read(t *testing.T) Document {
	t.Helper()
	doc, err := readDocument(f.path)
	if err != nil {
		t.Fatalf("readDocument: %v", err)
	}
	return doc
}

func (f *fixture) blobExists(id string) bool {
	_, err := f.blobs.Get(context.Background(), id)
	return err == nil
}

func TestPrecomputeVectors_ComputesOnceAndRecomputesOnChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, f.path, Document{Groups: map[string]*Group{
		"旅行": {Words: []string{"机票", "酒店"}},
	}})
	if err := f.m.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	changed, err := f.m.PrecomputeVectors(ctx)
	if err != nil || !changed {
		t.Fatalf("PrecomputeVectors = %v, %v; want true, nil", changed, err)
	}
	if len(f.emb.calls) != 1 || f.emb.calls[0] != "旅行相关主题：机票, 酒店" {
		t.Fatalf("embed calls = %q", f.emb.calls)
	}
	g := f.read(t).Groups["旅行"]
	if g.VectorID == "" || g.WordsHash != WordsHash([]string{"机票", "酒店"}) {
		t.Fatalf("stored group = %+v", g)
	}
	if len(g.Vector) != 0 {
		t.Error("vector must not be stored inline")
	}
	firstID := g.VectorID

	changed, err = f.m.PrecomputeVectors(ctx)
	if err != nil || changed {
		t.Fatalf("second PrecomputeVectors = %v, %v; want false, nil", changed, err)
	}
	if len(f.emb.calls) != 1 {
		t.Errorf("unchanged group was embedded again")
	}

	doc := f.m.Snapshot()
	doc.Groups["旅行"].Words = append(doc.Groups["旅行"].Words, "签证")
	if err := f.m.Update(ctx, doc); err != nil {
		t.Fatalf("Update: %v", err)
	}
	g = f.read(t).Groups["旅行"]
	if g.VectorID == firstID {
		t.Fatal("changed words kept the old vector id")
	}
	if f.blobExists(firstID) {
		t.Error("old vector blob was not deleted")
	}
	if !f.blobExists(g.VectorID) {
		t.Error("new vector blob missing")
	}
}

func TestPrecomputeVectors_EmptyGroupDropsVector(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id, _ := f.blobs.Put(ctx, []byte(`[1,2]`))
	f.write(t, f.path, Document{Groups: map[string]*Group{
		"空": {Words: []string{" "}, VectorID: id, WordsHash: "x"},
	}})
	if err := f.m.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.m.PrecomputeVectors(ctx); err != nil {
		t.Fatal(err)
	}
	g := f.read(t).Groups["空"]
	if g.VectorID != "" || g.WordsHash != "" {
		t.Errorf("empty group kept vector metadata: %+v", g)
	}
	if f.blobExists(id) {
		t.Error("vector blob of empty group not deleted")
	}
	if len(f.emb.calls) != 0 {
		t.Error("empty group should not be embedded")
	}
}

func TestPrecomputeVectors_EmbedFailureLeavesGroupUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.emb.fail = func(string) bool { return true }
	f.write(t, f.path, Document{Groups: map[string]*Group{"a": {Words: []string{"x"}}}})
	if err := f.m.Load(ctx); err != nil {
		t.Fatal(err)
	}
	changed, err := f.m.PrecomputeVectors(ctx)
	if err != nil || changed {
		t.Fatalf("PrecomputeVectors = %v, %v", changed, err)
	}
	if f.m.Vector("a") != nil {
		t.Error("failed embedding produced a vector")
	}
}

func TestLoad_MigratesInlineVector(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, f.path, Document{Groups: map[string]*Group{
		"a": {Words: []string{"x"}, Vector: []float32{0.5, 0.5}},
	}})
	if err := f.m.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	raw, _ := os.ReadFile(f.path)
	if strings.Contains(string(raw), `"vector":`) {
		t.Errorf("inline vector still on disk: %s", raw)
	}
	g := f.read(t).Groups["a"]
	if g.VectorID == "" || !f.blobExists(g.VectorID) {
		t.Fatalf("migrated vector not in blob store: %+v", g)
	}
	if v := f.m.Vector("a"); len(v) != 2 || v[0] != 0.5 {
		t.Errorf("cached vector = %v", v)
	}
}

func TestLoad_MissingBlobClearsVectorID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	missing := "7d3c8f7a-4c1e-4f59-9f0e-111111111111"
	f.write(t, f.path, Document{Groups: map[string]*Group{
		"a": {Words: []string{"x"}, VectorID: missing, WordsHash: WordsHash([]string{"x"})},
	}})
	if err := f.m.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if g := f.read(t).Groups["a"]; g.VectorID != "" {
		t.Errorf("vector_id = %q, want cleared", g.VectorID)
	}

	changed, err := f.m.PrecomputeVectors(ctx)
	if err != nil || !changed {
		t.Fatalf("PrecomputeVectors = %v, %v; want recompute", changed, err)
	}
}

func TestLoad_MissingOrMalformedFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.m.Load(ctx); err != nil {
		t.Fatalf("Load without file: %v", err)
	}
	if err := os.WriteFile(f.path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Load(ctx); err != nil {
		t.Fatalf("Load with malformed file: %v", err)
	}
	if got := len(f.m.Snapshot().Groups); got != 0 {
		t.Errorf("groups = %d, want 0", got)
	}
}

func TestSynchronize_MergesEditBuffer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	keepID, _ := f.blobs.Put(ctx, []byte(`[1,0]`))
	dropID, _ := f.blobs.Put(ctx, []byte(`[0,1]`))
	f.write(t, f.path, Document{Groups: map[string]*Group{
		"keep": {Words: []string{"a"}, VectorID: keepID, WordsHash: "h", ActivationCount: 4},
		"drop": {Words: []string{"b"}, VectorID: dropID},
	}})
	f.write(t, f.edit, Document{
		Config: map[string]any{"enabled": true},
		Groups: map[string]*Group{
			"keep": {Words: []string{"a", "c"}, Weight: 2},
			"new":  {Words: []string{"d"}},
		},
	})

	if err := f.m.Synchronize(ctx); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	doc := f.read(t)
	if _, ok := doc.Groups["drop"]; ok {
		t.Error("removed group survived")
	}
	if f.blobExists(dropID) {
		t.Error("orphaned vector not deleted")
	}
	keep := doc.Groups["keep"]
	if keep.VectorID != keepID || keep.ActivationCount != 4 || keep.WordsHash != "h" {
		t.Errorf("canonical metadata lost: %+v", keep)
	}
	if len(keep.Words) != 2 || keep.Weight != 2 {
		t.Errorf("edit buffer words/weight not applied: %+v", keep)
	}
	if doc.Groups["new"] == nil {
		t.Error("new group missing")
	}
	if doc.Config["enabled"] != true {
		t.Errorf("config = %v", doc.Config)
	}
}

func TestSynchronize_EquivalentEditIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, f.path, Document{Groups: map[string]*Group{
		"g": {Words: []string{"x", "y"}, VectorID: "v", WordsHash: "h"},
	}})
	before, _ := os.ReadFile(f.path)
	f.write(t, f.edit, Document{Groups: map[string]*Group{
		"g": {Words: []string{"y", "x"}},
	}})
	if err := f.m.Synchronize(ctx); err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(f.path)
	if string(before) != string(after) {
		t.Error("canonical store rewritten for an equivalent edit buffer")
	}
}

func TestSynchronize_MalformedEditBufferIgnored(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(f.edit, []byte("[[["), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Synchronize(context.Background()); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if _, err := os.Stat(f.path); !os.IsNotExist(err) {
		t.Error("canonical store created from malformed edit buffer")
	}
}

func TestDetectAndActivateGroups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, f.path, Document{Groups: map[string]*Group{
		"编程": {Words: []string{"Go", "Rust", "编译器"}, AutoLearned: []string{"goroutine"}},
		"美食": {Words: []string{"火锅"}},
	}})
	if err := f.m.Load(ctx); err != nil {
		t.Fatal(err)
	}

	got := f.m.DetectAndActivateGroups("今天用GOROUTINE写了个编译器")
	if len(got) != 1 {
		t.Fatalf("activated = %v, want only 编程", got)
	}
	a := got["编程"]
	// "Go" also matches inside "GOROUTINE".
	if len(a.MatchedWords) != 3 || math.Abs(a.Strength-0.75) > 1e-9 {
		t.Errorf("activation = %+v", a)
	}
	if len(a.AllWords) != 4 {
		t.Errorf("all words = %v", a.AllWords)
	}

	g := f.m.Snapshot().Groups["编程"]
	if g.ActivationCount != 1 || g.LastActivated != "2024-03-13T02:00:00Z" {
		t.Errorf("stats not updated: %+v", g)
	}
	if f.m.Snapshot().Groups["美食"].ActivationCount != 0 {
		t.Error("inactive group stats changed")
	}
}

func TestGetEnhancedVector(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.emb.vectors["查询"] = []float32{1, 0}
	f.emb.vectors["a相关主题：x"] = []float32{0, 1}
	f.write(t, f.path, Document{Groups: map[string]*Group{"a": {Words: []string{"x"}, Weight: 2}}})
	if err := f.m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	plain, err := f.m.GetEnhancedVector(ctx, "查询", nil)
	if err != nil || len(plain) != 2 || plain[0] != 1 || plain[1] != 0 {
		t.Fatalf("no activation = %v, %v", plain, err)
	}

	got, err := f.m.GetEnhancedVector(ctx, "查询", map[string]Activation{"a": {Strength: 0.5}})
	if err != nil {
		t.Fatalf("GetEnhancedVector: %v", err)
	}
	// weights 1 and 2*0.5, divided by their sum
	if math.Abs(float64(got[0])-0.5) > 1e-6 || math.Abs(float64(got[1])-0.5) > 1e-6 {
		t.Errorf("enhanced = %v, want [0.5 0.5]", got)
	}
}

func TestGetEnhancedVector_QueryFailureReturnsError(t *testing.T) {
	f := newFixture(t)
	f.emb.fail = func(text string) bool { return text == "查询" }
	v, err := f.m.GetEnhancedVector(context.Background(), "查询", map[string]Activation{"a": {Strength: 1}})
	if err == nil || v != nil {
		t.Errorf("got %v, %v; want nil vector and error", v, err)
	}
}

func TestSave_RejectsConcurrentSave(t *testing.T) {
	f := newFixture(t)
	f.m.saveMu.Lock()
	err := f.m.Save(context.Background())
	f.m.saveMu.Unlock()
	if !errors.Is(err, ErrSaveBusy) {
		t.Fatalf("Save while busy = %v, want ErrSaveBusy", err)
	}
	if err := f.m.Save(context.Background()); err != nil {
		t.Fatalf("Save after release: %v", err)
	}
}

func TestWordsHash_OrderIndependent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		words := rapid.SliceOfDistinct(rapid.StringN(1, 6, -1), rapid.ID[string]).Draw(t, "words")
		perm := rapid.Permutation(words).Draw(t, "perm")
		if WordsHash(words) != WordsHash(perm) {
			t.Fatalf("hash differs for %q and %q", words, perm)
		}
	})
}
