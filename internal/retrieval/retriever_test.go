package retrieval

import (
	"context"
	"errors"
	"testing"
)

type mockVectorStore struct {
	searchFn func(diary string, vector []float32, topK int) ([]ScoredRecord, error)
}

func (m *mockVectorStore) Insert(_ context.Context, _ []Record) error { return nil }
func (m *mockVectorStore) Search(_ context.Context, diary string, vector []float32, topK int) ([]ScoredRecord, error) {
	return m.searchFn(diary, vector, topK)
}
func (m *mockVectorStore) DeleteBySource(_ context.Context, _, _ string) (int, error) { return 0, nil }
func (m *mockVectorStore) Count(_ context.Context, _ string) (int, error)             { return 0, nil }

func TestRetrieve_EmbedsAndSearchesDiary(t *testing.T) {
	var gotDiary string
	var gotK int
	store := &mockVectorStore{searchFn: func(diary string, vector []float32, topK int) ([]ScoredRecord, error) {
		gotDiary, gotK = diary, topK
		return []ScoredRecord{
			{Record: Record{ID: "1", Diary: diary, SourcePath: "a.txt", TextChunk: "  海边  "}, Score: 0.9},
		}, nil
	}}
	emb := NewEmbedder(&mockEngine{embedFn: func(_ context.Context, _, _ string) ([]float32, error) {
		return []float32{1, 0}, nil
	}}, "bge-m3")

	chunks, err := NewRetriever(emb, store).Retrieve(context.Background(), "Alice", "海边", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if gotDiary != "Alice" || gotK != 3 {
		t.Errorf("searched %q with k=%d", gotDiary, gotK)
	}
	if len(chunks) != 1 || chunks[0].Diary != "Alice" || chunks[0].Score != 0.9 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if chunks[0].Key() != "海边" {
		t.Errorf("Key() = %q", chunks[0].Key())
	}
}

func TestRetrieve_EmbedFails(t *testing.T) {
	store := &mockVectorStore{searchFn: func(string, []float32, int) ([]ScoredRecord, error) {
		t.Fatal("search must not run without a query vector")
		return nil, nil
	}}
	emb := NewEmbedder(&mockEngine{embedFn: func(_ context.Context, _, _ string) ([]float32, error) {
		return nil, errors.New("down")
	}}, "bge-m3")

	if _, err := NewRetriever(emb, store).Retrieve(context.Background(), "Alice", "q", 3); err == nil {
		t.Fatal("expected error")
	}
}

func TestSearch_PropagatesStoreError(t *testing.T) {
	store := &mockVectorStore{searchFn: func(string, []float32, int) ([]ScoredRecord, error) {
		return nil, errors.New("db closed")
	}}
	if _, err := NewRetriever(nil, store).Search(context.Background(), "Alice", []float32{1}, 3); err == nil {
		t.Fatal("expected error")
	}
}

func TestSearch_DropsBlankAndRepeatedText(t *testing.T) {
	store := &mockVectorStore{searchFn: func(diary string, _ []float32, _ int) ([]ScoredRecord, error) {
		return []ScoredRecord{
			{Record: Record{ID: "1", Diary: diary, TextChunk: "爬山"}, Score: 0.9},
			{Record: Record{ID: "2", Diary: diary, TextChunk: "   "}, Score: 0.8},
			{Record: Record{ID: "3", Diary: diary, TextChunk: " 爬山\n"}, Score: 0.7},
			{Record: Record{ID: "4", Diary: diary, TextChunk: "看海"}, Score: 0.6},
		}, nil
	}}

	chunks, err := NewRetriever(nil, store).Search(context.Background(), "Alice", []float32{1}, 4)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(chunks) != 2 || chunks[0].ID != "1" || chunks[1].ID != "4" {
		t.Errorf("chunks = %+v", chunks)
	}
}

func TestRetrieve_WithoutEmbedder(t *testing.T) {
	if _, err := NewRetriever(nil, &mockVectorStore{}).Retrieve(context.Background(), "Alice", "q", 3); err == nil {
		t.Fatal("expected error")
	}
}
