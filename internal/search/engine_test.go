package search

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/citation-insight/internal/storage"
)

// vectorEmbedder maps known texts to fixed vectors.
type vectorEmbedder map[string][]float32

func (v vectorEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	vec, ok := v[text]
	if !ok {
		return nil, fmt.Errorf("unknown text %q", text)
	}
	return vec, nil
}

type failingReader struct{}

func (failingReader) GetEmbedding(context.Context, string) (*storage.EmbeddingRecord, error) {
	return nil, errors.New("database is locked")
}

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "search.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seed(t *testing.T, store *storage.SQLiteStore, index *storage.MemoryIndex, id, content string, vec []float32, durableMeta, indexMeta map[string]any) {
	t.Helper()
	ctx := context.Background()
	if store != nil {
		_, err := store.UpsertEmbedding(ctx, &storage.EmbeddingRecord{
			Fingerprint: id,
			Content:     content,
			Vector:      vec,
			Metadata:    durableMeta,
		})
		require.NoError(t, err)
	}
	payload := map[string]any{"content": content}
	for k, v := range indexMeta {
		payload[k] = v
	}
	require.NoError(t, index.Upsert(ctx, id, vec, payload))
}

func TestSearchSimilarSortedAndCapped(t *testing.T) {
	store := newStore(t)
	index := storage.NewMemoryIndex(2)
	seed(t, store, index, "a", "alpha", []float32{1, 0}, nil, nil)
	seed(t, store, index, "b", "beta", []float32{1, 1}, nil, nil)
	seed(t, store, index, "c", "gamma", []float32{0, 1}, nil, nil)

	engine := NewEngine(vectorEmbedder{"q": {1, 0.1}}, index, store, 2, nil)

	matches, err := engine.SearchSimilar(context.Background(), "q", 2, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].Fingerprint)
	assert.Equal(t, "alpha", matches[0].Content)
	assert.Equal(t, "b", matches[1].Fingerprint)
	assert.GreaterOrEqual(t, matches[0].Score, matches[1].Score)
}

func TestSearchSimilarDefaultTopK(t *testing.T) {
	store := newStore(t)
	index := storage.NewMemoryIndex(2)
	for i := 0; i < 15; i++ {
		seed(t, store, index, fmt.Sprintf("id-%02d", i), "text", []float32{1, float32(i)}, nil, nil)
	}

	engine := NewEngine(vectorEmbedder{"q": {1, 0}}, index, store, 0, nil)
	matches, err := engine.SearchSimilar(context.Background(), "q", 0, nil)
	require.NoError(t, err)
	assert.Len(t, matches, DefaultTopK)
}

func TestSearchSimilarMergesMetadataIndexWins(t *testing.T) {
	store := newStore(t)
	index := storage.NewMemoryIndex(2)
	seed(t, store, index, "a", "alpha", []float32{1, 0},
		map[string]any{"sourceUrl": "https://durable", "chunkIndex": 0},
		map[string]any{"sourceUrl": "https://index"})

	engine := NewEngine(vectorEmbedder{"q": {1, 0}}, index, store, 0, nil)
	matches, err := engine.SearchSimilar(context.Background(), "q", 5, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	assert.Equal(t, "https://index", matches[0].Metadata["sourceUrl"])
	assert.Contains(t, matches[0].Metadata, "chunkIndex")
	assert.NotContains(t, matches[0].Metadata, "content")
}

func TestSearchSimilarFallsBackToPayload(t *testing.T) {
	index := storage.NewMemoryIndex(2)
	seed(t, nil, index, "orphan", "index only", []float32{1, 0}, nil, map[string]any{"sourceUrl": "https://x"})
	seed(t, nil, index, "other", "second", []float32{0, 1}, nil, nil)

	// Missing durable record.
	engine := NewEngine(vectorEmbedder{"q": {1, 0}}, index, newStore(t), 0, nil)
	matches, err := engine.SearchSimilar(context.Background(), "q", 5, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "index only", matches[0].Content)
	assert.Equal(t, "https://x", matches[0].Metadata["sourceUrl"])

	// Failing durable lookup does not fail the batch.
	engine = NewEngine(vectorEmbedder{"q": {1, 0}}, index, failingReader{}, 0, nil)
	matches, err = engine.SearchSimilar(context.Background(), "q", 5, nil)
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestSearchSimilarFilter(t *testing.T) {
	store := newStore(t)
	index := storage.NewMemoryIndex(2)
	seed(t, store, index, "cited", "c", []float32{1, 0}, nil, map[string]any{"hasCitation": true})
	seed(t, store, index, "plain", "p", []float32{1, 0}, nil, nil)

	engine := NewEngine(vectorEmbedder{"q": {1, 0}}, index, store, 0, nil)
	matches, err := engine.SearchSimilar(context.Background(), "q", 10, storage.Filter{"hasCitation": true})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "cited", matches[0].Fingerprint)
}

func TestSearchSimilarPropagatesErrors(t *testing.T) {
	engine := NewEngine(vectorEmbedder{}, storage.NewMemoryIndex(2), newStore(t), 0, nil)
	_, err := engine.SearchSimilar(context.Background(), "unknown", 5, nil)
	assert.Error(t, err)
}
