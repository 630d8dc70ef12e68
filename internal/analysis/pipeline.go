// Package analysis explains why a citation was chosen and how to earn more of them.
package analysis

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bull/citation-insight/internal/embedding"
	"github.com/bull/citation-insight/internal/reasoning"
	"github.com/bull/citation-insight/internal/storage"
	"github.com/bull/citation-insight/internal/telemetry"
)

// SimilarLimit is how many similar chunks an analysis retrieves.
const SimilarLimit = 20

// Store is the relational side of the pipeline. Satisfied by *storage.SQLiteStore.
type Store interface {
	GetCitation(ctx context.Context, id int64) (*storage.Citation, error)
	KeywordsForURLs(ctx context.Context, urls []string) ([]storage.KeywordMatch, error)
	UpsertAnalysis(ctx context.Context, a *storage.Analysis) (*storage.Analysis, error)
	GetAnalysis(ctx context.Context, citationID int64) (*storage.Analysis, error)
}

// Searcher finds similar indexed material. Satisfied by *search.Engine.
type Searcher interface {
	SearchSimilar(ctx context.Context, text string, topK int, filter storage.Filter) ([]storage.SimilarChunk, error)
}

// Reasoner produces the generative parts. Satisfied by *reasoning.Generator.
type Reasoner interface {
	Hypothesis(ctx context.Context, citation *storage.Citation, similar []storage.SimilarChunk, keywords []storage.KeywordMatch) reasoning.ReasoningResult
	Recommendations(ctx context.Context, citation *storage.Citation, keywords []storage.KeywordMatch, hypothesis string) reasoning.GeneratedList[storage.Recommendation]
}

// Pipeline runs the analysis stages strictly in order:
// fetch, retrieve, correlate, hypothesize, recommend, persist.
type Pipeline struct {
	store    Store
	searcher Searcher
	reasoner Reasoner
	logger   *slog.Logger
}

// NewPipeline creates an analysis pipeline. If logger is nil, slog.Default() is used.
func NewPipeline(store Store, searcher Searcher, reasoner Reasoner, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    store,
		searcher: searcher,
		reasoner: reasoner,
		logger:   logger,
	}
}

// AnalyzeCitation analyses one citation and stores the result, replacing any
// earlier analysis of it. Reasoning failures are replaced with placeholders;
// configuration and index failures are returned.
func (p *Pipeline) AnalyzeCitation(ctx context.Context, citationID int64) (result *storage.Analysis, err error) {
	ctx, span := telemetry.StartSpan(ctx, "analysis.analyze", attribute.Int64("citation.id", citationID))
	defer func() { telemetry.EndSpan(span, err) }()

	citation, err := p.fetch(ctx, citationID)
	if err != nil {
		return nil, err
	}

	similar, err := p.retrieve(ctx, citation)
	if err != nil {
		return nil, err
	}

	keywords := p.correlate(ctx, similar)
	hypothesis := p.hypothesize(ctx, citation, similar, keywords)
	recommendations := p.recommend(ctx, citation, keywords, hypothesis)

	stored, err := p.persist(ctx, &storage.Analysis{
		CitationID:          citation.ID,
		SimilarChunks:       similar,
		KeywordMatches:      keywords,
		ReasoningHypothesis: hypothesis,
		Recommendations:     recommendations,
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("Analyzed citation",
		"citation_id", citation.ID,
		"similar_chunks", len(similar),
		"keywords", len(keywords),
		"recommendations", len(recommendations))
	return stored, nil
}

// GetAnalysis returns the stored analysis of a citation, or storage.ErrNotFound.
func (p *Pipeline) GetAnalysis(ctx context.Context, citationID int64) (*storage.Analysis, error) {
	return p.store.GetAnalysis(ctx, citationID)
}

func (p *Pipeline) fetch(ctx context.Context, id int64) (citation *storage.Citation, err error) {
	ctx, span := telemetry.StartSpan(ctx, "analysis.fetch")
	defer func() { telemetry.EndSpan(span, err) }()

	citation, err = p.store.GetCitation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("citation %d: %w", id, err)
	}
	return citation, nil
}

// retrieve finds material similar to the citation. A provider outage after
// fallback degrades to no similar chunks.
func (p *Pipeline) retrieve(ctx context.Context, citation *storage.Citation) (similar []storage.SimilarChunk, err error) {
	ctx, span := telemetry.StartSpan(ctx, "analysis.retrieve")
	defer func() { telemetry.EndSpan(span, err) }()

	similar, err = p.searcher.SearchSimilar(ctx, citation.Text, SimilarLimit, nil)
	if err != nil {
		if embedding.IsProviderError(err) {
			p.logger.Warn("Embedding providers unavailable, continuing without similar chunks",
				"citation_id", citation.ID,
				"error", err)
			return []storage.SimilarChunk{}, nil
		}
		return nil, fmt.Errorf("retrieve similar content: %w", err)
	}
	if similar == nil {
		similar = []storage.SimilarChunk{}
	}
	span.SetAttributes(attribute.Int("similar.count", len(similar)))
	return similar, nil
}

// correlate looks up keywords ranked by the distinct source URLs of similar,
// in first-seen order. Lookup failures yield an empty list.
func (p *Pipeline) correlate(ctx context.Context, similar []storage.SimilarChunk) []storage.KeywordMatch {
	ctx, span := telemetry.StartSpan(ctx, "analysis.correlate")
	defer span.End()

	urls := distinctSourceURLs(similar)
	span.SetAttributes(attribute.Int("urls.count", len(urls)))

	keywords, err := p.store.KeywordsForURLs(ctx, urls)
	if err != nil {
		p.logger.Warn("Keyword lookup failed", "urls", len(urls), "error", err)
		span.RecordError(err)
		return []storage.KeywordMatch{}
	}
	if keywords == nil {
		keywords = []storage.KeywordMatch{}
	}
	return keywords
}

func (p *Pipeline) hypothesize(ctx context.Context, citation *storage.Citation, similar []storage.SimilarChunk, keywords []storage.KeywordMatch) string {
	ctx, span := telemetry.StartSpan(ctx, "analysis.hypothesize")
	defer span.End()

	result := p.reasoner.Hypothesis(ctx, citation, similar, keywords)
	if !result.Ok() {
		span.RecordError(result.Err())
	}
	return result.TextOr(reasoning.HypothesisUnavailable)
}

func (p *Pipeline) recommend(ctx context.Context, citation *storage.Citation, keywords []storage.KeywordMatch, hypothesis string) []storage.Recommendation {
	ctx, span := telemetry.StartSpan(ctx, "analysis.recommend")
	defer span.End()

	list := p.reasoner.Recommendations(ctx, citation, keywords, hypothesis)
	if !list.Ok() {
		span.RecordError(list.Err())
	}
	return list.ItemsOr(reasoning.DefaultRecommendations())
}

func (p *Pipeline) persist(ctx context.Context, a *storage.Analysis) (stored *storage.Analysis, err error) {
	ctx, span := telemetry.StartSpan(ctx, "analysis.persist")
	defer func() { telemetry.EndSpan(span, err) }()

	stored, err = p.store.UpsertAnalysis(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("persist analysis: %w", err)
	}
	return stored, nil
}

func distinctSourceURLs(similar []storage.SimilarChunk) []string {
	seen := make(map[string]struct{})
	urls := []string{}
	for _, chunk := range similar {
		url, _ := chunk.Metadata["sourceUrl"].(string)
		if url == "" {
			continue
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		urls = append(urls, url)
	}
	return urls
}
