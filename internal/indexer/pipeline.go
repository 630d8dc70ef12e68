package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bull/citation-insight/internal/chunker"
	"github.com/bull/citation-insight/internal/storage"
	"github.com/bull/citation-insight/internal/telemetry"
)

// ErrEmptyText is returned when there is nothing to index.
var ErrEmptyText = errors.New("text is empty")

// Resolver turns chunks into stored embedding records. Satisfied by *cache.Resolver.
type Resolver interface {
	ResolveAll(ctx context.Context, chunks []chunker.Chunk) ([]*storage.EmbeddingRecord, error)
	Annotate(ctx context.Context, rec *storage.EmbeddingRecord, metadata map[string]any) (*storage.EmbeddingRecord, error)
}

// CitationReader loads citations. Satisfied by *storage.SQLiteStore.
type CitationReader interface {
	GetCitation(ctx context.Context, id int64) (*storage.Citation, error)
}

// IndexResult describes one ingested text.
type IndexResult struct {
	Records     []*storage.EmbeddingRecord
	TotalChunks int
	Duration    time.Duration
}

// BatchResult contains statistics about a multi-citation ingestion.
type BatchResult struct {
	TotalCitations      int
	TotalChunks         int
	SuccessfulCitations int
	FailedCitations     []FailedCitation
	Duration            time.Duration
}

// FailedCitation represents a citation that failed to index.
type FailedCitation struct {
	ID     int64
	Reason string
}

// Pipeline chunks text and resolves every chunk to a stored, index-mirrored embedding.
type Pipeline struct {
	chunker   *chunker.Chunker
	resolver  Resolver
	citations CitationReader
	logger    *slog.Logger
}

// NewPipeline creates a new indexing pipeline with the given components.
func NewPipeline(c *chunker.Chunker, resolver Resolver, citations CitationReader, logger *slog.Logger) *Pipeline {
	if c == nil {
		c = chunker.NewDefault()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		chunker:   c,
		resolver:  resolver,
		citations: citations,
		logger:    logger,
	}
}

// IndexText chunks text and resolves every chunk. Each chunk carries metadata
// plus its chunkIndex and totalChunks. If only the index mirror failed, the
// result is returned together with a *storage.IndexUnavailableError.
func (p *Pipeline) IndexText(ctx context.Context, text string, metadata map[string]any) (result *IndexResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "indexer.index_text")
	defer func() { telemetry.EndSpan(span, err) }()

	start := time.Now()
	chunks := p.chunker.Split(text, metadata)
	if len(chunks) == 0 {
		return nil, ErrEmptyText
	}
	for i := range chunks {
		if chunks[i].Metadata == nil {
			chunks[i].Metadata = make(map[string]any, 2)
		}
		chunks[i].Metadata["chunkIndex"] = chunks[i].Index
		chunks[i].Metadata["totalChunks"] = chunks[i].TotalChunks
	}

	records, resolveErr := p.resolver.ResolveAll(ctx, chunks)
	if records == nil {
		return nil, fmt.Errorf("resolve chunks: %w", resolveErr)
	}

	result = &IndexResult{
		Records:     records,
		TotalChunks: len(chunks),
		Duration:    time.Since(start),
	}
	p.logger.Debug("Indexed text", "chunks", len(chunks), "duration", result.Duration)
	return result, resolveErr
}

// IndexCitation ingests the text of a citation, tagging every chunk so that
// searches restricted to cited material can find it. Chunks already stored
// under other metadata are annotated with the citation.
func (p *Pipeline) IndexCitation(ctx context.Context, citationID int64) (*IndexResult, error) {
	citation, err := p.citations.GetCitation(ctx, citationID)
	if err != nil {
		return nil, fmt.Errorf("citation %d: %w", citationID, err)
	}

	meta := citationMetadata(citation)
	result, err := p.IndexText(ctx, citation.Text, meta)
	if result == nil {
		return nil, err
	}

	indexErrs := []error{err}
	for i, rec := range result.Records {
		if sameCitation(rec.Metadata, meta) {
			continue
		}
		updated, annotateErr := p.resolver.Annotate(ctx, rec, meta)
		if updated == nil {
			return nil, fmt.Errorf("annotate chunk %d: %w", i, annotateErr)
		}
		result.Records[i] = updated
		indexErrs = append(indexErrs, annotateErr)
	}

	p.logger.Info("Indexed citation",
		"citation_id", citation.ID,
		"chunks", result.TotalChunks)
	return result, errors.Join(indexErrs...)
}

// IndexCitations ingests each citation in turn. Failed citations are recorded
// and skipped; index mirror failures count as success since the reconciler
// repairs them.
func (p *Pipeline) IndexCitations(ctx context.Context, ids []int64) (*BatchResult, error) {
	start := time.Now()
	result := &BatchResult{TotalCitations: len(ids)}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		indexed, err := p.IndexCitation(ctx, id)
		if indexed == nil {
			p.logger.Warn("Failed to index citation", "citation_id", id, "error", err)
			result.FailedCitations = append(result.FailedCitations, FailedCitation{
				ID:     id,
				Reason: err.Error(),
			})
			continue
		}
		if err != nil {
			p.logger.Warn("Citation stored but not mirrored", "citation_id", id, "error", err)
		}
		result.SuccessfulCitations++
		result.TotalChunks += indexed.TotalChunks
	}

	result.Duration = time.Since(start)
	p.logger.Info("Indexing complete",
		"successful", result.SuccessfulCitations,
		"failed", len(result.FailedCitations),
		"chunks", result.TotalChunks,
		"duration", result.Duration,
	)
	return result, nil
}

func citationMetadata(c *storage.Citation) map[string]any {
	meta := map[string]any{
		"citationId":  strconv.FormatInt(c.ID, 10),
		"hasCitation": true,
		"query":       c.Query,
	}
	if c.SourceURL != "" {
		meta["sourceUrl"] = c.SourceURL
	}
	return meta
}

func sameCitation(have, want map[string]any) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
