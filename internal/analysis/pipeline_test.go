package analysis

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/citation-insight/internal/embedding"
	"github.com/bull/citation-insight/internal/reasoning"
	"github.com/bull/citation-insight/internal/storage"
)

type fakeSearcher struct {
	matches []storage.SimilarChunk
	err     error
	topK    int
}

func (f *fakeSearcher) SearchSimilar(_ context.Context, _ string, topK int, _ storage.Filter) ([]storage.SimilarChunk, error) {
	f.topK = topK
	return f.matches, f.err
}

type fakeReasoner struct {
	hypothesis     reasoning.ReasoningResult
	recs           reasoning.GeneratedList[storage.Recommendation]
	seenKeywords   []storage.KeywordMatch
	seenHypothesis string
}

func (f *fakeReasoner) Hypothesis(_ context.Context, _ *storage.Citation, _ []storage.SimilarChunk, keywords []storage.KeywordMatch) reasoning.ReasoningResult {
	f.seenKeywords = keywords
	return f.hypothesis
}

func (f *fakeReasoner) Recommendations(_ context.Context, _ *storage.Citation, _ []storage.KeywordMatch, hypothesis string) reasoning.GeneratedList[storage.Recommendation] {
	f.seenHypothesis = hypothesis
	return f.recs
}

type failingKeywords struct {
	*storage.SQLiteStore
}

func (failingKeywords) KeywordsForURLs(context.Context, []string) ([]storage.KeywordMatch, error) {
	return nil, errors.New("keywords table locked")
}

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedCitation(t *testing.T, store *storage.SQLiteStore) *storage.Citation {
	t.Helper()
	c, err := store.SaveCitation(context.Background(), storage.Citation{
		DomainID:  1,
		Query:     "best vector database",
		Text:      "Qdrant is a vector database written in Rust.",
		SourceURL: "https://example.com/qdrant",
		Position:  1,
		ModeType:  "overview",
	})
	require.NoError(t, err)
	return c
}

func chunk(fp, url string) storage.SimilarChunk {
	return storage.SimilarChunk{
		Fingerprint: fp,
		Score:       0.9,
		Content:     "content " + fp,
		Metadata:    map[string]any{"sourceUrl": url},
	}
}

func goodReasoner() *fakeReasoner {
	return &fakeReasoner{
		hypothesis: reasoning.Reasoned("Direct definition in the first sentence."),
		recs: reasoning.Parsed([]storage.Recommendation{{
			Action: "Add a comparison table", Reason: "Cited pages compare", Impact: "high", Priority: "high",
		}}),
	}
}

func TestAnalyzeCitationHappyPath(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	citation := seedCitation(t, store)

	require.NoError(t, store.SaveKeywordRanking(ctx, storage.KeywordMatch{
		Keyword: "vector database", SearchVolume: 9000, URL: "https://a.example", Position: 3,
	}))
	require.NoError(t, store.SaveKeywordRanking(ctx, storage.KeywordMatch{
		Keyword: "unrelated", SearchVolume: 100, URL: "https://elsewhere.example", Position: 1,
	}))

	searcher := &fakeSearcher{matches: []storage.SimilarChunk{
		chunk("f1", "https://a.example"),
		chunk("f2", "https://b.example"),
		chunk("f3", "https://a.example"),
	}}
	reasoner := goodReasoner()

	p := NewPipeline(store, searcher, reasoner, nil)
	result, err := p.AnalyzeCitation(ctx, citation.ID)
	require.NoError(t, err)

	assert.Equal(t, SimilarLimit, searcher.topK)
	assert.Equal(t, citation.ID, result.CitationID)
	assert.Len(t, result.SimilarChunks, 3)
	require.Len(t, result.KeywordMatches, 1)
	assert.Equal(t, "vector database", result.KeywordMatches[0].Keyword)
	assert.Equal(t, "Direct definition in the first sentence.", result.ReasoningHypothesis)
	assert.Equal(t, "Direct definition in the first sentence.", reasoner.seenHypothesis)
	require.Len(t, result.Recommendations, 1)
	assert.Equal(t, "Add a comparison table", result.Recommendations[0].Action)

	stored, err := p.GetAnalysis(ctx, citation.ID)
	require.NoError(t, err)
	assert.Equal(t, result.ReasoningHypothesis, stored.ReasoningHypothesis)
	assert.Len(t, stored.SimilarChunks, 3)
}

func TestAnalyzeCitationMissing(t *testing.T) {
	store := newStore(t)
	p := NewPipeline(store, &fakeSearcher{}, goodReasoner(), nil)

	_, err := p.AnalyzeCitation(context.Background(), 404)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = p.GetAnalysis(context.Background(), 404)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAnalyzeCitationReasoningFallbacks(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	citation := seedCitation(t, store)

	reasoner := &fakeReasoner{
		hypothesis: reasoning.Unavailable(errors.New("model timeout")),
		recs:       reasoning.ParseFailed[storage.Recommendation](errors.New("not json")),
	}
	p := NewPipeline(store, &fakeSearcher{}, reasoner, nil)

	result, err := p.AnalyzeCitation(ctx, citation.ID)
	require.NoError(t, err)

	assert.Equal(t, reasoning.HypothesisUnavailable, result.ReasoningHypothesis)
	assert.Equal(t, reasoning.HypothesisUnavailable, reasoner.seenHypothesis)
	assert.Equal(t, reasoning.DefaultRecommendations(), result.Recommendations)
	assert.Empty(t, result.SimilarChunks)
	assert.Empty(t, result.KeywordMatches)
}

func TestAnalyzeCitationProviderOutageDegrades(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	citation := seedCitation(t, store)

	searcher := &fakeSearcher{err: &embedding.ProviderError{
		Primary:      "openai",
		PrimaryErr:   errors.New("openai down"),
		Secondary:    "gemini",
		SecondaryErr: errors.New("gemini down"),
	}}
	p := NewPipeline(store, searcher, goodReasoner(), nil)

	result, err := p.AnalyzeCitation(ctx, citation.ID)
	require.NoError(t, err)
	assert.Empty(t, result.SimilarChunks)
	assert.NotNil(t, result.SimilarChunks)
}

func TestAnalyzeCitationPropagatesHardFailures(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{
			name:  "index unavailable",
			err:   &storage.IndexUnavailableError{Op: "query", Err: errors.New("connection refused")},
			check: storage.IsIndexUnavailable,
		},
		{
			name:  "configuration",
			err:   &embedding.ConfigurationError{Provider: "openai", Err: embedding.ErrDimensionMismatch},
			check: embedding.IsConfigurationError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			citation := seedCitation(t, store)
			p := NewPipeline(store, &fakeSearcher{err: tt.err}, goodReasoner(), nil)

			_, err := p.AnalyzeCitation(ctx, citation.ID)
			require.Error(t, err)
			assert.True(t, tt.check(err))

			_, err = p.GetAnalysis(ctx, citation.ID)
			assert.ErrorIs(t, err, storage.ErrNotFound, "Nothing should be persisted")
		})
	}
}

func TestAnalyzeCitationKeywordFailureYieldsEmpty(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	citation := seedCitation(t, store)

	searcher := &fakeSearcher{matches: []storage.SimilarChunk{chunk("f1", "https://a.example")}}
	reasoner := goodReasoner()
	p := NewPipeline(failingKeywords{store}, searcher, reasoner, nil)

	result, err := p.AnalyzeCitation(ctx, citation.ID)
	require.NoError(t, err)
	assert.Empty(t, result.KeywordMatches)
	assert.NotNil(t, reasoner.seenKeywords)
}

func TestAnalyzeCitationOverwritesPrevious(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	citation := seedCitation(t, store)

	reasoner := goodReasoner()
	p := NewPipeline(store, &fakeSearcher{}, reasoner, nil)

	first, err := p.AnalyzeCitation(ctx, citation.ID)
	require.NoError(t, err)

	reasoner.hypothesis = reasoning.Reasoned("Second opinion.")
	second, err := p.AnalyzeCitation(ctx, citation.ID)
	require.NoError(t, err)

	assert.Equal(t, "Second opinion.", second.ReasoningHypothesis)
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())

	stored, err := p.GetAnalysis(ctx, citation.ID)
	require.NoError(t, err)
	assert.Equal(t, "Second opinion.", stored.ReasoningHypothesis)
}

func TestDistinctSourceURLs(t *testing.T) {
	urls := distinctSourceURLs([]storage.SimilarChunk{
		chunk("1", "https://b.example"),
		chunk("2", "https://a.example"),
		chunk("3", "https://b.example"),
		{Fingerprint: "4", Metadata: map[string]any{}},
		{Fingerprint: "5"},
	})
	assert.Equal(t, []string{"https://b.example", "https://a.example"}, urls)
}

// cannedCompleter answers every completion with the same text.
type cannedCompleter struct {
	text  string
	calls int
}

func (c *cannedCompleter) Complete(context.Context, reasoning.CompletionRequest) (string, error) {
	c.calls++
	return c.text, nil
}

func TestAnalyzeCitationMalformedRecommendationsPersistsDefaults(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	citation := seedCitation(t, store)

	completer := &cannedCompleter{text: "not json"}
	generator := reasoning.NewGenerator(completer, nil)
	searcher := &fakeSearcher{matches: []storage.SimilarChunk{chunk("f1", "https://a.example")}}

	p := NewPipeline(store, searcher, generator, nil)
	result, err := p.AnalyzeCitation(ctx, citation.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, completer.calls)
	assert.Equal(t, "not json", result.ReasoningHypothesis)
	assert.Equal(t, reasoning.DefaultRecommendations(), result.Recommendations)

	stored, err := p.GetAnalysis(ctx, citation.ID)
	require.NoError(t, err)
	assert.Equal(t, reasoning.DefaultRecommendations(), stored.Recommendations)
	assert.Equal(t, "not json", stored.ReasoningHypothesis)
}
