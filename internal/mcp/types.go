// Package mcp exposes citation insight operations as MCP tools.
package mcp

import (
	"github.com/bull/citation-insight/internal/prediction"
	"github.com/bull/citation-insight/internal/storage"
)

// ResolveEmbeddingInput defines the input parameters for the resolve_embedding tool.
type ResolveEmbeddingInput struct {
	// Text is resolved as a single chunk, without further splitting.
	Text string `json:"text" jsonschema:"The exact chunk text to embed"`
	// Metadata is stored with the record on first resolution.
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"Source metadata such as sourceUrl"`
	// IncludeVector adds the embedding vector to the output.
	IncludeVector bool `json:"include_vector,omitempty" jsonschema:"Return the embedding vector"`
}

// ResolveEmbeddingOutput describes the stored embedding record.
type ResolveEmbeddingOutput struct {
	Fingerprint string         `json:"fingerprint"`
	Dimension   int            `json:"dimension"`
	Metadata    map[string]any `json:"metadata"`
	Vector      []float32      `json:"vector,omitempty"`
	// Warning is set when the record is stored but not yet searchable.
	Warning string `json:"warning,omitempty"`
}

// SearchSimilarInput defines the input parameters for the search_similar tool.
type SearchSimilarInput struct {
	Text string `json:"text" jsonschema:"Text to find similar indexed content for"`
	// TopK is the maximum number of matches to return.
	TopK int `json:"top_k,omitempty" jsonschema:"Maximum number of matches (default 10)"`
	// Filter restricts matches to records whose metadata has these exact values.
	Filter map[string]any `json:"filter,omitempty" jsonschema:"Exact-match metadata filter such as hasCitation true"`
}

// SearchSimilarOutput contains the search results, best first.
type SearchSimilarOutput struct {
	Results []storage.SimilarChunk `json:"results"`
	Message string                 `json:"message,omitempty"`
}

// CitationInput identifies a citation for analyze_citation and get_analysis.
type CitationInput struct {
	CitationID int64 `json:"citation_id" jsonschema:"Id of the recorded citation"`
}

// AnalysisOutput contains a stored analysis.
type AnalysisOutput struct {
	Analysis *storage.Analysis `json:"analysis,omitempty"`
	// Found is false when the citation (or its analysis) does not exist.
	Found bool `json:"found"`
}

// PredictPerformanceInput defines the input parameters for the predict_performance tool.
type PredictPerformanceInput struct {
	Content     string `json:"content" jsonschema:"Draft content to evaluate"`
	TargetQuery string `json:"target_query" jsonschema:"Search query the content should be cited for"`
}

// PredictPerformanceOutput wraps the prediction.
type PredictPerformanceOutput struct {
	Prediction *prediction.Prediction `json:"prediction"`
}

// IndexTextInput defines the input parameters for the index_text tool.
type IndexTextInput struct {
	Text     string         `json:"text,omitempty" jsonschema:"Free-form text to chunk and index"`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"Metadata attached to every chunk"`
	// CitationID ingests the stored citation's text instead of Text.
	CitationID int64 `json:"citation_id,omitempty" jsonschema:"Index a recorded citation instead of text"`
}

// IndexTextOutput lists the fingerprints of the indexed chunks in order.
type IndexTextOutput struct {
	Fingerprints []string `json:"fingerprints"`
	TotalChunks  int      `json:"total_chunks"`
	Warning      string   `json:"warning,omitempty"`
}

// StatusInput defines the input parameters for the get_index_status tool.
type StatusInput struct{}

// StatusOutput compares the durable store with the vector index.
type StatusOutput struct {
	DurableRecords int64 `json:"durable_records"`
	// IndexedPoints is nil when the index cannot report a count.
	IndexedPoints *uint64 `json:"indexed_points,omitempty"`
	DriftWarning  string  `json:"drift_warning,omitempty"`
}
