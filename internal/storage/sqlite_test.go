package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cite.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEmbeddingRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &EmbeddingRecord{
		Fingerprint: "aaa",
		Content:     "hello world",
		Vector:      []float32{0.25, -1.5, 3},
		Metadata:    map[string]any{"sourceUrl": "https://example.com", "chunkIndex": 0},
	}
	stored, err := store.UpsertEmbedding(ctx, rec)
	require.NoError(t, err)

	assert.Equal(t, rec.Fingerprint, stored.Fingerprint)
	assert.Equal(t, rec.Content, stored.Content)
	assert.Equal(t, rec.Vector, stored.Vector)
	assert.Equal(t, "https://example.com", stored.Metadata["sourceUrl"])
	assert.Equal(t, float64(0), stored.Metadata["chunkIndex"])
	assert.False(t, stored.CreatedAt.IsZero())

	got, err := store.GetEmbedding(ctx, "aaa")
	require.NoError(t, err)
	assert.Equal(t, stored.Vector, got.Vector)
}

func TestEmbeddingUpsertKeepsVector(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.UpsertEmbedding(ctx, &EmbeddingRecord{
		Fingerprint: "fp",
		Content:     "text",
		Vector:      []float32{1, 2},
		Metadata:    map[string]any{"v": "1"},
	})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	second, err := store.UpsertEmbedding(ctx, &EmbeddingRecord{
		Fingerprint: "fp",
		Content:     "text",
		Vector:      []float32{9, 9},
		Metadata:    map[string]any{"v": "2"},
	})
	require.NoError(t, err)

	assert.Equal(t, []float32{1, 2}, second.Vector, "vector must never be replaced")
	assert.Equal(t, "2", second.Metadata["v"], "metadata is refreshed")
	assert.WithinDuration(t, first.CreatedAt, second.CreatedAt, time.Millisecond)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

	n, err := store.CountEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGetEmbeddingNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetEmbedding(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListEmbeddingsKeysetPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, fp := range []string{"d", "b", "a", "c", "e"} {
		_, err := store.UpsertEmbedding(ctx, &EmbeddingRecord{Fingerprint: fp, Content: fp, Vector: []float32{1}})
		require.NoError(t, err)
	}

	var seen []string
	after := ""
	for {
		page, err := store.ListEmbeddings(ctx, after, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			seen = append(seen, rec.Fingerprint)
		}
		after = page[len(page)-1].Fingerprint
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, seen)
}

func TestCitationRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	saved, err := store.SaveCitation(ctx, Citation{
		DomainID:  3,
		Query:     "best running shoes",
		Text:      "Brand X makes the best running shoes.",
		SourceURL: "https://example.com/shoes",
		Position:  2,
		ModeType:  "ai_overview",
	})
	require.NoError(t, err)
	assert.NotZero(t, saved.ID)

	got, err := store.GetCitation(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved.Query, got.Query)
	assert.Equal(t, saved.Text, got.Text)
	assert.Equal(t, saved.SourceURL, got.SourceURL)
	assert.Equal(t, 2, got.Position)

	_, err = store.GetCitation(ctx, saved.ID+100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeywordsForURLs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveKeywordRanking(ctx, KeywordMatch{Keyword: "shoes", SearchVolume: 100, URL: "https://a", Position: 3}))
	require.NoError(t, store.SaveKeywordRanking(ctx, KeywordMatch{Keyword: "trainers", SearchVolume: 500, URL: "https://a", Position: 1}))
	require.NoError(t, store.SaveKeywordRanking(ctx, KeywordMatch{Keyword: "boots", SearchVolume: 900, URL: "https://other", Position: 1}))

	matches, err := store.KeywordsForURLs(ctx, []string{"https://a"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "trainers", matches[0].Keyword, "ordered by search volume")
	assert.Equal(t, "shoes", matches[1].Keyword)

	empty, err := store.KeywordsForURLs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestAnalysisUpsertOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.UpsertAnalysis(ctx, &Analysis{
		CitationID:          1,
		ReasoningHypothesis: "first",
		Recommendations:     []Recommendation{{Action: "a", Priority: "high"}},
	})
	require.NoError(t, err)
	assert.Empty(t, first.SimilarChunks)

	second, err := store.UpsertAnalysis(ctx, &Analysis{
		CitationID:          1,
		ReasoningHypothesis: "second",
		SimilarChunks:       []SimilarChunk{{Fingerprint: "fp", Score: 0.9, Content: "c"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "second", second.ReasoningHypothesis)
	assert.Len(t, second.SimilarChunks, 1)
	assert.Empty(t, second.Recommendations)
	assert.WithinDuration(t, first.CreatedAt, second.CreatedAt, time.Millisecond)

	_, err = store.GetAnalysis(ctx, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStore(t *testing.T) {
	store, err := NewSQLiteStore("")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Ping(context.Background()))
	assert.Equal(t, ":memory:", store.Path())
}
