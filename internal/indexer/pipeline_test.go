package indexer

import (
	"context"
	"crypto/sha256"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/citation-insight/internal/cache"
	"github.com/bull/citation-insight/internal/chunker"
	"github.com/bull/citation-insight/internal/storage"
)

const testDim = 8

// hashEmbedder derives a stable vector from the text bytes.
type hashEmbedder struct {
	calls atomic.Int32
}

func (e *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, testDim)
	for i := range vec {
		vec[i] = float32(sum[i]) + 1
	}
	return vec, nil
}

type fixture struct {
	store    *storage.SQLiteStore
	index    *storage.MemoryIndex
	embedder *hashEmbedder
	pipeline *Pipeline
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "citations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	index := storage.NewMemoryIndex(testDim)
	embedder := &hashEmbedder{}
	resolver := cache.NewResolver(nil, store, embedder, index, cache.Config{}, nil, nil)

	return &fixture{
		store:    store,
		index:    index,
		embedder: embedder,
		pipeline: NewPipeline(nil, resolver, store, nil),
	}
}

func words(prefix string, n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = prefix
	}
	return strings.Join(w, " ")
}

func TestIndexTextAddsChunkPositions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// 1000 words -> chunks at offsets 0, 384 and 768.
	text := words("alpha", 500) + " " + words("beta", 500)
	result, err := f.pipeline.IndexText(ctx, text, map[string]any{"sourceUrl": "https://example.com/doc"})
	require.NoError(t, err)

	require.Equal(t, 3, result.TotalChunks)
	require.Len(t, result.Records, 3)
	for i, rec := range result.Records {
		assert.EqualValues(t, i, rec.Metadata["chunkIndex"])
		assert.EqualValues(t, 3, rec.Metadata["totalChunks"])
		assert.Equal(t, "https://example.com/doc", rec.Metadata["sourceUrl"])
	}
	assert.Equal(t, 3, f.index.Len())
	assert.Equal(t, int32(3), f.embedder.calls.Load())

	count, err := f.store.CountEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestIndexTextIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	text := "Idempotent ingestion never calls the provider twice."
	first, err := f.pipeline.IndexText(ctx, text, nil)
	require.NoError(t, err)
	second, err := f.pipeline.IndexText(ctx, text, nil)
	require.NoError(t, err)

	assert.Equal(t, first.Records[0].Fingerprint, second.Records[0].Fingerprint)
	assert.Equal(t, chunker.Fingerprint(text), first.Records[0].Fingerprint)
	assert.Equal(t, int32(1), f.embedder.calls.Load())
	assert.Equal(t, 1, f.index.Len())
}

func TestIndexTextEmpty(t *testing.T) {
	f := setup(t)

	_, err := f.pipeline.IndexText(context.Background(), "   \n\t", nil)
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestIndexCitationTagsChunks(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	citation, err := f.store.SaveCitation(ctx, storage.Citation{
		Query:     "what is a vector database",
		Text:      "A vector database stores embeddings for similarity search.",
		SourceURL: "https://example.com/vdb",
	})
	require.NoError(t, err)

	result, err := f.pipeline.IndexCitation(ctx, citation.ID)
	require.NoError(t, err)
	require.Len(t, result.Records, 1)

	meta := result.Records[0].Metadata
	assert.Equal(t, true, meta["hasCitation"])
	assert.NotEmpty(t, meta["citationId"])
	assert.Equal(t, "https://example.com/vdb", meta["sourceUrl"])
	assert.Equal(t, "what is a vector database", meta["query"])

	vec, _ := f.embedder.Embed(ctx, citation.Text)
	matches, err := f.index.Query(ctx, vec, 5, storage.Filter{"hasCitation": true})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, result.Records[0].Fingerprint, matches[0].ID)
}

func TestIndexCitationAnnotatesExistingRecord(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	text := "Shared text first ingested without a citation."
	_, err := f.pipeline.IndexText(ctx, text, map[string]any{"sourceUrl": "https://example.com/plain"})
	require.NoError(t, err)

	vec, _ := f.embedder.Embed(ctx, text)
	matches, err := f.index.Query(ctx, vec, 5, storage.Filter{"hasCitation": true})
	require.NoError(t, err)
	assert.Empty(t, matches)

	citation, err := f.store.SaveCitation(ctx, storage.Citation{Query: "q", Text: text, SourceURL: "https://example.com/cited"})
	require.NoError(t, err)

	_, err = f.pipeline.IndexCitation(ctx, citation.ID)
	require.NoError(t, err)

	stored, err := f.store.GetEmbedding(ctx, chunker.Fingerprint(text))
	require.NoError(t, err)
	assert.Equal(t, true, stored.Metadata["hasCitation"])
	assert.Equal(t, "https://example.com/cited", stored.Metadata["sourceUrl"])

	matches, err = f.index.Query(ctx, vec, 5, storage.Filter{"hasCitation": true})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, int32(2), f.embedder.calls.Load(), "Citation ingestion should reuse the stored vector")
}

func TestIndexCitationsRecordsFailures(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	citation, err := f.store.SaveCitation(ctx, storage.Citation{Query: "q", Text: "Some cited text."})
	require.NoError(t, err)

	result, err := f.pipeline.IndexCitations(ctx, []int64{citation.ID, 9999})
	require.NoError(t, err)

	assert.Equal(t, 2, result.TotalCitations)
	assert.Equal(t, 1, result.SuccessfulCitations)
	assert.Equal(t, 1, result.TotalChunks)
	require.Len(t, result.FailedCitations, 1)
	assert.Equal(t, int64(9999), result.FailedCitations[0].ID)
	assert.Contains(t, result.FailedCitations[0].Reason, storage.ErrNotFound.Error())
}
