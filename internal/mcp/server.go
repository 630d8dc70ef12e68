package mcp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/citation-insight/internal/chunker"
	"github.com/bull/citation-insight/internal/indexer"
	"github.com/bull/citation-insight/internal/prediction"
	"github.com/bull/citation-insight/internal/storage"
)

// Resolver resolves one chunk to its stored record. Satisfied by *cache.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, chunk chunker.Chunk) (*storage.EmbeddingRecord, error)
}

// Searcher satisfied by *search.Engine.
type Searcher interface {
	SearchSimilar(ctx context.Context, text string, topK int, filter storage.Filter) ([]storage.SimilarChunk, error)
}

// Analyzer satisfied by *analysis.Pipeline.
type Analyzer interface {
	AnalyzeCitation(ctx context.Context, citationID int64) (*storage.Analysis, error)
	GetAnalysis(ctx context.Context, citationID int64) (*storage.Analysis, error)
}

// Predictor satisfied by *prediction.Pipeline.
type Predictor interface {
	PredictPerformance(ctx context.Context, content, targetQuery string) (*prediction.Prediction, error)
}

// Indexer satisfied by *indexer.Pipeline.
type Indexer interface {
	IndexText(ctx context.Context, text string, metadata map[string]any) (*indexer.IndexResult, error)
	IndexCitation(ctx context.Context, citationID int64) (*indexer.IndexResult, error)
}

// RecordCounter satisfied by *storage.SQLiteStore.
type RecordCounter interface {
	CountEmbeddings(ctx context.Context) (int64, error)
}

// PointCounter satisfied by *storage.QdrantIndex.
type PointCounter interface {
	Count(ctx context.Context) (uint64, error)
}

// Server wraps the MCP server with dependencies.
type Server struct {
	server *mcp.Server
	tools  []string
}

// Config holds server dependencies. Points may be nil.
type Config struct {
	Resolver  Resolver
	Searcher  Searcher
	Analyzer  Analyzer
	Predictor Predictor
	Indexer   Indexer
	Records   RecordCounter
	Points    PointCounter
	Logger    *slog.Logger
	Version   string
}

// NewServer creates a configured MCP server with tools registered.
func NewServer(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "v0.1.0"
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "citation-insight",
		Version: version,
	}, nil)
	s := &Server{server: server}

	addTool(s, &mcp.Tool{
		Name:        "resolve_embedding",
		Description: "Return the stored embedding record for a chunk of text, computing and indexing it on first use. Identical text always resolves to the same fingerprint.",
	}, makeResolveHandler(cfg.Resolver, logger))

	addTool(s, &mcp.Tool{
		Name:        "search_similar",
		Description: "Find indexed content most similar to the given text, best match first. Optionally filter on metadata such as hasCitation.",
	}, makeSearchHandler(cfg.Searcher))

	addTool(s, &mcp.Tool{
		Name:        "analyze_citation",
		Description: "Analyse why a recorded citation was chosen: similar content, keyword overlap, a reasoning hypothesis and recommendations. Replaces any earlier analysis.",
	}, makeAnalyzeHandler(cfg.Analyzer))

	addTool(s, &mcp.Tool{
		Name:        "get_analysis",
		Description: "Fetch the stored analysis of a citation without recomputing it.",
	}, makeGetAnalysisHandler(cfg.Analyzer))

	addTool(s, &mcp.Tool{
		Name:        "predict_performance",
		Description: "Estimate how likely draft content is to be cited for a target query, with content gaps and optimisation suggestions.",
	}, makePredictHandler(cfg.Predictor))

	addTool(s, &mcp.Tool{
		Name:        "index_text",
		Description: "Chunk, embed and index free-form text, or a recorded citation when citation_id is given.",
	}, makeIndexHandler(cfg.Indexer, logger))

	addTool(s, &mcp.Tool{
		Name:        "get_index_status",
		Description: "Compare the number of durable embedding records with the number of points in the vector index.",
	}, makeStatusHandler(cfg.Records, cfg.Points))

	return s
}

// addTool registers a tool and remembers its name for the landing page.
func addTool[In, Out any](s *Server, tool *mcp.Tool, handler mcp.ToolHandlerFor[In, Out]) {
	s.tools = append(s.tools, tool.Name)
	mcp.AddTool(s.server, tool, handler)
}

// Tools returns the registered tool names in registration order.
func (s *Server) Tools() []string {
	return append([]string(nil), s.tools...)
}

// Run starts the server with stdio transport (blocks until client disconnects).
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// HTTPHandler serves the MCP server over Streamable HTTP. It can be mounted
// on any http.ServeMux path (e.g., "/mcp"). Stateless disables session
// management.
func (s *Server) HTTPHandler(stateless bool) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.server
	}, &mcp.StreamableHTTPOptions{
		Stateless: stateless,
	})
}
