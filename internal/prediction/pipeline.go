// Package prediction estimates how likely new content is to be cited by AI
// search, by comparing it with material that has been cited before.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/bull/citation-insight/internal/chunker"
	"github.com/bull/citation-insight/internal/markdown"
	"github.com/bull/citation-insight/internal/reasoning"
	"github.com/bull/citation-insight/internal/storage"
	"github.com/bull/citation-insight/internal/telemetry"
)

// ErrEmptyContent is returned for blank input.
var ErrEmptyContent = errors.New("content is empty")

const (
	matchesPerChunk = 10

	longContentChars     = 5000
	maxAvgSentenceLength = 25.0
	lowProbability       = 30.0
)

// Suggestion is one rule-based optimisation hint.
type Suggestion struct {
	Type       string `json:"type"` // structure, readability, content, overall
	Priority   string `json:"priority"`
	Suggestion string `json:"suggestion"`
	Impact     string `json:"impact"`
}

// Prediction is the outcome of PredictPerformance.
type Prediction struct {
	CitationProbability    float64                `json:"citation_probability"`
	SimilarContentAnalyzed int                    `json:"similar_content_analyzed"`
	Gaps                   []reasoning.ContentGap `json:"gaps"`
	Suggestions            []Suggestion           `json:"suggestions"`
}

// Resolver embeds and stores chunks. Satisfied by *cache.Resolver.
type Resolver interface {
	ResolveAll(ctx context.Context, chunks []chunker.Chunk) ([]*storage.EmbeddingRecord, error)
}

// Searcher finds similar indexed material. Satisfied by *search.Engine.
type Searcher interface {
	SearchSimilar(ctx context.Context, text string, topK int, filter storage.Filter) ([]storage.SimilarChunk, error)
}

// GapFinder narrates content gaps. Satisfied by *reasoning.Generator.
type GapFinder interface {
	ContentGaps(ctx context.Context, content, targetQuery string, cited []storage.SimilarChunk) reasoning.GeneratedList[reasoning.ContentGap]
}

// Pipeline runs chunk, embed, search, score, gap and suggestion stages in order.
type Pipeline struct {
	chunker     *chunker.Chunker
	resolver    Resolver
	searcher    Searcher
	gaps        GapFinder
	inspector   *markdown.Inspector
	concurrency int
	logger      *slog.Logger
}

// NewPipeline creates a prediction pipeline. If logger is nil, slog.Default() is used.
func NewPipeline(c *chunker.Chunker, resolver Resolver, searcher Searcher, gaps GapFinder, concurrency int, logger *slog.Logger) *Pipeline {
	if c == nil {
		c = chunker.NewDefault()
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		chunker:     c,
		resolver:    resolver,
		searcher:    searcher,
		gaps:        gaps,
		inspector:   markdown.NewInspector(),
		concurrency: concurrency,
		logger:      logger,
	}
}

// PredictPerformance estimates the citation probability of content for targetQuery.
func (p *Pipeline) PredictPerformance(ctx context.Context, content, targetQuery string) (result *Prediction, err error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	ctx, span := telemetry.StartSpan(ctx, "prediction.predict", attribute.Int("content.length", len(content)))
	defer func() { telemetry.EndSpan(span, err) }()

	chunks := p.chunker.Split(content, nil)
	if _, err := p.resolver.ResolveAll(ctx, chunks); err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}

	unique, err := p.searchCited(ctx, chunks)
	if err != nil {
		return nil, err
	}

	var cited []storage.SimilarChunk
	for _, m := range unique {
		if hasCitation(m.Metadata) {
			cited = append(cited, m)
		}
	}

	probability := 0.0
	if len(unique) > 0 {
		probability = float64(len(cited)) / float64(len(unique)) * 100
	}

	gaps := []reasoning.ContentGap{}
	if len(cited) > 0 {
		gaps = p.findGaps(ctx, content, targetQuery, cited)
	}

	suggestions, err := p.suggest(ctx, content, gaps, probability)
	if err != nil {
		return nil, err
	}

	p.logger.Info("Predicted content performance",
		"chunks", len(chunks),
		"similar", len(unique),
		"cited", len(cited),
		"probability", probability)

	return &Prediction{
		CitationProbability:    probability,
		SimilarContentAnalyzed: len(unique),
		Gaps:                   gaps,
		Suggestions:            suggestions,
	}, nil
}

// searchCited searches cited material for every chunk in parallel, then
// flattens in chunk order keeping the first occurrence of each fingerprint.
func (p *Pipeline) searchCited(ctx context.Context, chunks []chunker.Chunk) ([]storage.SimilarChunk, error) {
	ctx, span := telemetry.StartSpan(ctx, "prediction.search", attribute.Int("chunks", len(chunks)))
	defer span.End()

	perChunk := make([][]storage.SimilarChunk, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			matches, err := p.searcher.SearchSimilar(gctx, chunk.Text, matchesPerChunk, storage.Filter{"hasCitation": true})
			if err != nil {
				return fmt.Errorf("search chunk %d: %w", chunk.Index, err)
			}
			perChunk[i] = matches
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	seen := make(map[string]struct{})
	var unique []storage.SimilarChunk
	for _, matches := range perChunk {
		for _, m := range matches {
			if _, dup := seen[m.Fingerprint]; dup {
				continue
			}
			seen[m.Fingerprint] = struct{}{}
			unique = append(unique, m)
		}
	}
	return unique, nil
}

func (p *Pipeline) findGaps(ctx context.Context, content, targetQuery string, cited []storage.SimilarChunk) []reasoning.ContentGap {
	ctx, span := telemetry.StartSpan(ctx, "prediction.gaps")
	defer span.End()

	list := p.gaps.ContentGaps(ctx, content, targetQuery, cited)
	if !list.Ok() {
		p.logger.Warn("Content gap generation failed", "error", list.Err())
		return []reasoning.ContentGap{}
	}
	return list.Items()
}

// suggest applies the rule-based suggestion pass.
func (p *Pipeline) suggest(ctx context.Context, content string, gaps []reasoning.ContentGap, probability float64) ([]Suggestion, error) {
	_, span := telemetry.StartSpan(ctx, "prediction.suggest")
	defer span.End()

	structure, err := p.inspector.Inspect(content)
	if err != nil {
		return nil, fmt.Errorf("inspect content: %w", err)
	}

	suggestions := []Suggestion{}
	if structure.Chars > longContentChars && !structure.HasSections() {
		suggestions = append(suggestions, Suggestion{
			Type:       "structure",
			Priority:   "high",
			Suggestion: "Break content into clear sections with headers",
			Impact:     "+15% citation probability",
		})
	}

	if structure.AvgSentenceLength > maxAvgSentenceLength {
		suggestions = append(suggestions, Suggestion{
			Type:       "readability",
			Priority:   "medium",
			Suggestion: "Shorten sentences for better chunk extraction",
			Impact:     "+10% citation probability",
		})
	}

	for _, gap := range gaps {
		text := gap.HowToAddress
		if text == "" {
			text = "Address content gap"
		}
		suggestions = append(suggestions, Suggestion{
			Type:       "content",
			Priority:   "high",
			Suggestion: text,
			Impact:     "+20% citation probability",
		})
	}

	if probability < lowProbability {
		suggestions = append(suggestions, Suggestion{
			Type:       "overall",
			Priority:   "high",
			Suggestion: "Major content overhaul recommended - current citation probability is low",
			Impact:     "Potential 2-3x improvement",
		})
	}
	return suggestions, nil
}

// hasCitation reports whether metadata references a citation.
func hasCitation(metadata map[string]any) bool {
	v, ok := metadata["citationId"]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) != ""
}
