package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/citation-insight/internal/chunker"
	"github.com/bull/citation-insight/internal/indexer"
	"github.com/bull/citation-insight/internal/prediction"
	"github.com/bull/citation-insight/internal/storage"
)

var errIndexDown = &storage.IndexUnavailableError{Op: "upsert", Err: errors.New("connection refused")}

type fakeResolver struct {
	err   error
	chunk chunker.Chunk
}

func (f *fakeResolver) Resolve(_ context.Context, c chunker.Chunk) (*storage.EmbeddingRecord, error) {
	f.chunk = c
	if f.err != nil && !storage.IsIndexUnavailable(f.err) {
		return nil, f.err
	}
	return &storage.EmbeddingRecord{
		Fingerprint: c.Fingerprint(),
		Content:     c.Text,
		Vector:      []float32{1, 0, 0},
		Metadata:    c.Metadata,
	}, f.err
}

type fakeSearcher struct {
	matches []storage.SimilarChunk
	topK    int
	filter  storage.Filter
}

func (f *fakeSearcher) SearchSimilar(_ context.Context, _ string, topK int, filter storage.Filter) ([]storage.SimilarChunk, error) {
	f.topK = topK
	f.filter = filter
	return f.matches, nil
}

type fakeAnalyzer struct {
	stored map[int64]*storage.Analysis
}

func (f *fakeAnalyzer) AnalyzeCitation(_ context.Context, id int64) (*storage.Analysis, error) {
	if id == 404 {
		return nil, storage.ErrNotFound
	}
	a := &storage.Analysis{CitationID: id, ReasoningHypothesis: "fresh"}
	f.stored[id] = a
	return a, nil
}

func (f *fakeAnalyzer) GetAnalysis(_ context.Context, id int64) (*storage.Analysis, error) {
	if a, ok := f.stored[id]; ok {
		return a, nil
	}
	return nil, storage.ErrNotFound
}

type fakePredictor struct{}

func (fakePredictor) PredictPerformance(_ context.Context, content, _ string) (*prediction.Prediction, error) {
	if content == "" {
		return nil, prediction.ErrEmptyContent
	}
	return &prediction.Prediction{CitationProbability: 50, SimilarContentAnalyzed: 2}, nil
}

type fakeIndexer struct {
	err error
}

func (f *fakeIndexer) result(text string) *indexer.IndexResult {
	return &indexer.IndexResult{
		Records:     []*storage.EmbeddingRecord{{Fingerprint: chunker.Fingerprint(text)}},
		TotalChunks: 1,
	}
}

func (f *fakeIndexer) IndexText(_ context.Context, text string, _ map[string]any) (*indexer.IndexResult, error) {
	return f.result(text), f.err
}

func (f *fakeIndexer) IndexCitation(_ context.Context, id int64) (*indexer.IndexResult, error) {
	if id == 404 {
		return nil, storage.ErrNotFound
	}
	return f.result("citation"), f.err
}

type fakeCounts struct {
	records int64
	points  uint64
	err     error
}

func (f fakeCounts) CountEmbeddings(context.Context) (int64, error) { return f.records, nil }
func (f fakeCounts) Count(context.Context) (uint64, error)          { return f.points, f.err }

func TestResolveHandler(t *testing.T) {
	ctx := context.Background()
	resolver := &fakeResolver{}
	handler := makeResolveHandler(resolver, slog.Default())

	_, out, err := handler(ctx, nil, ResolveEmbeddingInput{Text: "hello world", Metadata: map[string]any{"sourceUrl": "u"}})
	require.NoError(t, err)
	assert.Equal(t, chunker.Fingerprint("hello world"), out.Fingerprint)
	assert.Equal(t, 3, out.Dimension)
	assert.Nil(t, out.Vector)
	assert.Empty(t, out.Warning)
	assert.Equal(t, 1, resolver.chunk.TotalChunks)

	_, out, err = handler(ctx, nil, ResolveEmbeddingInput{Text: "hello world", IncludeVector: true})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, out.Vector)
	assert.NotNil(t, out.Metadata)

	_, _, err = handler(ctx, nil, ResolveEmbeddingInput{})
	assert.Error(t, err)
}

func TestResolveHandlerIndexDownIsWarning(t *testing.T) {
	handler := makeResolveHandler(&fakeResolver{err: errIndexDown}, slog.Default())

	_, out, err := handler(context.Background(), nil, ResolveEmbeddingInput{Text: "stored anyway"})
	require.NoError(t, err)
	assert.NotEmpty(t, out.Fingerprint)
	assert.Equal(t, indexWarning, out.Warning)
}

func TestResolveHandlerProviderFailure(t *testing.T) {
	handler := makeResolveHandler(&fakeResolver{err: errors.New("both providers down")}, slog.Default())

	_, _, err := handler(context.Background(), nil, ResolveEmbeddingInput{Text: "x"})
	assert.ErrorContains(t, err, "both providers down")
}

func TestSearchHandler(t *testing.T) {
	ctx := context.Background()
	searcher := &fakeSearcher{}
	handler := makeSearchHandler(searcher)

	_, out, err := handler(ctx, nil, SearchSimilarInput{Text: "query"})
	require.NoError(t, err)
	assert.Equal(t, 10, searcher.topK)
	assert.Empty(t, out.Results)
	assert.NotNil(t, out.Results)
	assert.NotEmpty(t, out.Message)

	searcher.matches = []storage.SimilarChunk{{Fingerprint: "a", Score: 0.9}}
	_, out, err = handler(ctx, nil, SearchSimilarInput{
		Text:   "query",
		TopK:   1000,
		Filter: map[string]any{"hasCitation": true},
	})
	require.NoError(t, err)
	assert.Equal(t, maxTopK, searcher.topK)
	assert.Equal(t, storage.Filter{"hasCitation": true}, searcher.filter)
	assert.Len(t, out.Results, 1)
	assert.Empty(t, out.Message)
}

func TestAnalysisHandlers(t *testing.T) {
	ctx := context.Background()
	analyzer := &fakeAnalyzer{stored: map[int64]*storage.Analysis{}}
	analyze := makeAnalyzeHandler(analyzer)
	get := makeGetAnalysisHandler(analyzer)

	_, out, err := get(ctx, nil, CitationInput{CitationID: 7})
	require.NoError(t, err)
	assert.False(t, out.Found)

	_, out, err = analyze(ctx, nil, CitationInput{CitationID: 7})
	require.NoError(t, err)
	require.True(t, out.Found)
	assert.Equal(t, "fresh", out.Analysis.ReasoningHypothesis)

	_, out, err = get(ctx, nil, CitationInput{CitationID: 7})
	require.NoError(t, err)
	assert.True(t, out.Found)

	_, out, err = analyze(ctx, nil, CitationInput{CitationID: 404})
	require.NoError(t, err)
	assert.False(t, out.Found)
}

func TestPredictHandler(t *testing.T) {
	handler := makePredictHandler(fakePredictor{})

	_, out, err := handler(context.Background(), nil, PredictPerformanceInput{Content: "draft", TargetQuery: "q"})
	require.NoError(t, err)
	assert.Equal(t, 50.0, out.Prediction.CitationProbability)

	_, _, err = handler(context.Background(), nil, PredictPerformanceInput{})
	assert.ErrorIs(t, err, prediction.ErrEmptyContent)
}

func TestIndexHandler(t *testing.T) {
	ctx := context.Background()

	_, out, err := makeIndexHandler(&fakeIndexer{}, slog.Default())(ctx, nil, IndexTextInput{Text: "some text"})
	require.NoError(t, err)
	assert.Equal(t, []string{chunker.Fingerprint("some text")}, out.Fingerprints)
	assert.Equal(t, 1, out.TotalChunks)
	assert.Empty(t, out.Warning)

	_, out, err = makeIndexHandler(&fakeIndexer{err: errIndexDown}, slog.Default())(ctx, nil, IndexTextInput{CitationID: 3})
	require.NoError(t, err)
	assert.Equal(t, indexWarning, out.Warning)

	_, _, err = makeIndexHandler(&fakeIndexer{}, slog.Default())(ctx, nil, IndexTextInput{CitationID: 404})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, _, err = makeIndexHandler(&fakeIndexer{}, slog.Default())(ctx, nil, IndexTextInput{})
	assert.Error(t, err)
}

func TestStatusHandler(t *testing.T) {
	ctx := context.Background()

	_, out, err := makeStatusHandler(fakeCounts{records: 10}, fakeCounts{points: 10})(ctx, nil, StatusInput{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), out.DurableRecords)
	require.NotNil(t, out.IndexedPoints)
	assert.Empty(t, out.DriftWarning)

	_, out, err = makeStatusHandler(fakeCounts{records: 10}, fakeCounts{points: 7})(ctx, nil, StatusInput{})
	require.NoError(t, err)
	assert.Contains(t, out.DriftWarning, "3 durable records")

	_, out, err = makeStatusHandler(fakeCounts{records: 10}, fakeCounts{err: errors.New("down")})(ctx, nil, StatusInput{})
	require.NoError(t, err)
	assert.Nil(t, out.IndexedPoints)
	assert.Contains(t, out.DriftWarning, "unavailable")

	missing := fmt.Errorf("%w: embeddings", storage.ErrCollectionNotFound)
	_, out, err = makeStatusHandler(fakeCounts{records: 4}, fakeCounts{err: missing})(ctx, nil, StatusInput{})
	require.NoError(t, err)
	require.NotNil(t, out.IndexedPoints)
	assert.Equal(t, uint64(0), *out.IndexedPoints)
	assert.Contains(t, out.DriftWarning, "--rebuild")

	_, out, err = makeStatusHandler(fakeCounts{records: 2}, nil)(ctx, nil, StatusInput{})
	require.NoError(t, err)
	assert.Nil(t, out.IndexedPoints)
}

func TestNewServerRegistersTools(t *testing.T) {
	server := NewServer(&Config{
		Resolver:  &fakeResolver{},
		Searcher:  &fakeSearcher{},
		Analyzer:  &fakeAnalyzer{},
		Predictor: fakePredictor{},
		Indexer:   &fakeIndexer{},
		Records:   fakeCounts{},
	})

	assert.Equal(t, []string{
		"resolve_embedding",
		"search_similar",
		"analyze_citation",
		"get_analysis",
		"predict_performance",
		"index_text",
		"get_index_status",
	}, server.Tools())

	rec := httptest.NewRecorder()
	NewLandingHandler(server)(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<code>predict_performance</code>")

	rec = httptest.NewRecorder()
	NewLandingHandler(server)(rec, httptest.NewRequest(http.MethodGet, "/elsewhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
