package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/citation-insight/internal/chunker"
	"github.com/bull/citation-insight/internal/indexer"
	"github.com/bull/citation-insight/internal/search"
	"github.com/bull/citation-insight/internal/storage"
)

const maxTopK = 100

// indexWarning describes a record that was stored but could not be mirrored.
const indexWarning = "Stored durably but the vector index is unavailable; it will be searchable after the next reconcile sweep."

// makeResolveHandler creates the resolve_embedding tool handler.
// The text is treated as one chunk; an index outage is reported as a warning
// because the record itself was stored.
func makeResolveHandler(resolver Resolver, logger *slog.Logger) func(
	context.Context, *mcp.CallToolRequest, ResolveEmbeddingInput,
) (*mcp.CallToolResult, ResolveEmbeddingOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ResolveEmbeddingInput) (
		*mcp.CallToolResult, ResolveEmbeddingOutput, error,
	) {
		if input.Text == "" {
			return nil, ResolveEmbeddingOutput{}, errors.New("text is required")
		}

		rec, err := resolver.Resolve(ctx, chunker.Chunk{
			Text:        input.Text,
			TotalChunks: 1,
			Metadata:    input.Metadata,
		})
		if rec == nil {
			return nil, ResolveEmbeddingOutput{}, fmt.Errorf("failed to resolve embedding: %w", err)
		}

		out := ResolveEmbeddingOutput{
			Fingerprint: rec.Fingerprint,
			Dimension:   len(rec.Vector),
			Metadata:    rec.Metadata,
		}
		if out.Metadata == nil {
			out.Metadata = map[string]any{}
		}
		if input.IncludeVector {
			out.Vector = rec.Vector
		}
		if err != nil {
			logger.Warn("Resolved embedding without index mirror", "fingerprint", rec.Fingerprint, "error", err)
			out.Warning = indexWarning
		}
		return nil, out, nil
	}
}

// makeSearchHandler creates the search_similar tool handler.
func makeSearchHandler(searcher Searcher) func(
	context.Context, *mcp.CallToolRequest, SearchSimilarInput,
) (*mcp.CallToolResult, SearchSimilarOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SearchSimilarInput) (
		*mcp.CallToolResult, SearchSimilarOutput, error,
	) {
		if input.Text == "" {
			return nil, SearchSimilarOutput{}, errors.New("text is required")
		}
		topK := input.TopK
		if topK <= 0 {
			topK = search.DefaultTopK
		}
		topK = min(topK, maxTopK)

		matches, err := searcher.SearchSimilar(ctx, input.Text, topK, storage.Filter(input.Filter))
		if err != nil {
			return nil, SearchSimilarOutput{}, fmt.Errorf("search failed: %w", err)
		}

		if len(matches) == 0 {
			return nil, SearchSimilarOutput{
				Results: []storage.SimilarChunk{},
				Message: "No similar content found. Index more text or relax the filter.",
			}, nil
		}
		return nil, SearchSimilarOutput{Results: matches}, nil
	}
}

// makeAnalyzeHandler creates the analyze_citation tool handler.
func makeAnalyzeHandler(analyzer Analyzer) func(
	context.Context, *mcp.CallToolRequest, CitationInput,
) (*mcp.CallToolResult, AnalysisOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input CitationInput) (
		*mcp.CallToolResult, AnalysisOutput, error,
	) {
		result, err := analyzer.AnalyzeCitation(ctx, input.CitationID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, AnalysisOutput{Found: false}, nil
		}
		if err != nil {
			return nil, AnalysisOutput{}, fmt.Errorf("failed to analyze citation %d: %w", input.CitationID, err)
		}
		return nil, AnalysisOutput{Analysis: result, Found: true}, nil
	}
}

// makeGetAnalysisHandler creates the get_analysis tool handler.
func makeGetAnalysisHandler(analyzer Analyzer) func(
	context.Context, *mcp.CallToolRequest, CitationInput,
) (*mcp.CallToolResult, AnalysisOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input CitationInput) (
		*mcp.CallToolResult, AnalysisOutput, error,
	) {
		result, err := analyzer.GetAnalysis(ctx, input.CitationID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, AnalysisOutput{Found: false}, nil
		}
		if err != nil {
			return nil, AnalysisOutput{}, fmt.Errorf("failed to get analysis %d: %w", input.CitationID, err)
		}
		return nil, AnalysisOutput{Analysis: result, Found: true}, nil
	}
}

// makePredictHandler creates the predict_performance tool handler.
func makePredictHandler(predictor Predictor) func(
	context.Context, *mcp.CallToolRequest, PredictPerformanceInput,
) (*mcp.CallToolResult, PredictPerformanceOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input PredictPerformanceInput) (
		*mcp.CallToolResult, PredictPerformanceOutput, error,
	) {
		result, err := predictor.PredictPerformance(ctx, input.Content, input.TargetQuery)
		if err != nil {
			return nil, PredictPerformanceOutput{}, fmt.Errorf("prediction failed: %w", err)
		}
		return nil, PredictPerformanceOutput{Prediction: result}, nil
	}
}

// makeIndexHandler creates the index_text tool handler.
func makeIndexHandler(idx Indexer, logger *slog.Logger) func(
	context.Context, *mcp.CallToolRequest, IndexTextInput,
) (*mcp.CallToolResult, IndexTextOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input IndexTextInput) (
		*mcp.CallToolResult, IndexTextOutput, error,
	) {
		var (
			result *indexer.IndexResult
			err    error
		)
		switch {
		case input.CitationID != 0:
			result, err = idx.IndexCitation(ctx, input.CitationID)
		case input.Text != "":
			result, err = idx.IndexText(ctx, input.Text, input.Metadata)
		default:
			return nil, IndexTextOutput{}, errors.New("either text or citation_id is required")
		}
		if result == nil {
			return nil, IndexTextOutput{}, fmt.Errorf("indexing failed: %w", err)
		}

		out := IndexTextOutput{
			Fingerprints: make([]string, len(result.Records)),
			TotalChunks:  result.TotalChunks,
		}
		for i, rec := range result.Records {
			out.Fingerprints[i] = rec.Fingerprint
		}
		if err != nil {
			logger.Warn("Indexed text without index mirror", "chunks", out.TotalChunks, "error", err)
			out.Warning = indexWarning
		}
		return nil, out, nil
	}
}

// makeStatusHandler creates the get_index_status tool handler.
// A durable/index count mismatch means the reconciler has work to do.
func makeStatusHandler(records RecordCounter, points PointCounter) func(
	context.Context, *mcp.CallToolRequest, StatusInput,
) (*mcp.CallToolResult, StatusOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input StatusInput) (
		*mcp.CallToolResult, StatusOutput, error,
	) {
		total, err := records.CountEmbeddings(ctx)
		if err != nil {
			return nil, StatusOutput{}, fmt.Errorf("sqlite_error: failed to count embeddings: %w", err)
		}
		out := StatusOutput{DurableRecords: total}

		if points == nil {
			return nil, out, nil
		}
		count, err := points.Count(ctx)
		if errors.Is(err, storage.ErrCollectionNotFound) {
			var zero uint64
			out.IndexedPoints = &zero
			out.DriftWarning = "Vector index collection is missing. Run `citectl reconcile --rebuild` to recreate it."
			return nil, out, nil
		}
		if err != nil {
			out.DriftWarning = "Vector index unavailable: " + err.Error()
			return nil, out, nil
		}
		out.IndexedPoints = &count
		if int64(count) < total {
			out.DriftWarning = fmt.Sprintf("%d durable records are not yet in the vector index.", total-int64(count))
		}
		return nil, out, nil
	}
}
