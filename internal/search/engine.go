// Package search answers "what is most similar to this text" queries.
package search

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/bull/citation-insight/internal/storage"
	"github.com/bull/citation-insight/internal/telemetry"
)

const (
	// DefaultTopK is used when a caller passes topK <= 0.
	DefaultTopK = 10

	defaultConcurrency = 8
)

// SimilarityMatch is one search hit: the matched record's content and
// metadata with its cosine similarity to the query.
type SimilarityMatch = storage.SimilarChunk

// QueryEmbedder turns query text into a vector. Satisfied by *cache.Resolver.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// RecordReader looks up durable records. Satisfied by *storage.SQLiteStore.
type RecordReader interface {
	GetEmbedding(ctx context.Context, fingerprint string) (*storage.EmbeddingRecord, error)
}

// Engine combines the vector index with durable records.
type Engine struct {
	embedder    QueryEmbedder
	index       storage.VectorIndex
	records     RecordReader
	concurrency int
	logger      *slog.Logger
}

// NewEngine creates a search engine. If logger is nil, slog.Default() is used.
func NewEngine(embedder QueryEmbedder, index storage.VectorIndex, records RecordReader, concurrency int, logger *slog.Logger) *Engine {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		embedder:    embedder,
		index:       index,
		records:     records,
		concurrency: concurrency,
		logger:      logger,
	}
}

// SearchSimilar returns at most topK matches for text, best first.
// Each match is enriched from the durable store; when the record is missing
// or unreadable the index payload is used instead.
func (e *Engine) SearchSimilar(ctx context.Context, text string, topK int, filter storage.Filter) (matches []SimilarityMatch, err error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	ctx, span := telemetry.StartSpan(ctx, "search.similar", attribute.Int("search.top_k", topK))
	defer func() { telemetry.EndSpan(span, err) }()

	vector, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}

	hits, err := e.index.Query(ctx, vector, topK, filter)
	if err != nil {
		return nil, err
	}

	matches = make([]SimilarityMatch, len(hits))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, hit := range hits {
		g.Go(func() error {
			matches[i] = e.enrich(gctx, hit)
			return nil
		})
	}
	_ = g.Wait()

	slices.SortStableFunc(matches, func(a, b SimilarityMatch) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}

	span.SetAttributes(attribute.Int("search.results", len(matches)))
	return matches, nil
}

func (e *Engine) enrich(ctx context.Context, hit storage.IndexMatch) SimilarityMatch {
	indexMeta := maps.Clone(hit.Metadata)
	if indexMeta == nil {
		indexMeta = map[string]any{}
	}
	content, _ := indexMeta["content"].(string)
	delete(indexMeta, "content")

	match := SimilarityMatch{
		Fingerprint: hit.ID,
		Score:       hit.Score,
		Content:     content,
		Metadata:    indexMeta,
	}

	rec, err := e.records.GetEmbedding(ctx, hit.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("Failed to load record for match, using index payload",
				"fingerprint", hit.ID,
				"error", err)
		}
		return match
	}

	merged := maps.Clone(rec.Metadata)
	if merged == nil {
		merged = make(map[string]any, len(indexMeta))
	}
	maps.Copy(merged, indexMeta)

	match.Content = rec.Content
	match.Metadata = merged
	return match
}
