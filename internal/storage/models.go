package storage

import "time"

// EmbeddingRecord is the durable, content-addressed embedding of one chunk.
// The vector is immutable once written; upserts only refresh metadata.
type EmbeddingRecord struct {
	Fingerprint string         // SHA-256 hex of Content
	Content     string         // Exact chunk text
	Vector      []float32      // Fixed-dimension embedding
	Metadata    map[string]any // Source metadata (sourceUrl, citationId, chunkIndex...)
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IndexMatch is a single hit returned by the vector index.
type IndexMatch struct {
	ID       string         // Fingerprint of the matched record
	Score    float64        // Cosine similarity in [-1, 1]
	Metadata map[string]any // Denormalised payload carried by the index
}

// Citation is an AI-search citation recorded by the citation tracker.
type Citation struct {
	ID        int64     `json:"id"`
	DomainID  int64     `json:"domain_id"`
	Query     string    `json:"query"`
	Text      string    `json:"citation_text"`
	SourceURL string    `json:"source_url"`
	Position  int       `json:"position"`
	ModeType  string    `json:"ai_mode_type"`
	CreatedAt time.Time `json:"created_at"`
}

// KeywordMatch is a keyword a URL ranks for, joined in by URL.
type KeywordMatch struct {
	Keyword      string  `json:"keyword"`
	SearchVolume int64   `json:"search_volume"`
	Difficulty   float64 `json:"difficulty"`
	CPC          float64 `json:"cpc"`
	URL          string  `json:"url"`
	Position     int     `json:"position"`
}

// SimilarChunk is the persisted form of a similarity match inside an analysis.
type SimilarChunk struct {
	Fingerprint string         `json:"fingerprint"`
	Score       float64        `json:"score"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Recommendation is one optimisation step suggested for a citation.
type Recommendation struct {
	Action   string `json:"action"`
	Reason   string `json:"reason"`
	Impact   string `json:"impact"`
	Priority string `json:"priority"`
}

// Analysis is the stored result of analysing one citation.
// There is at most one per citation; re-analysis overwrites it.
type Analysis struct {
	CitationID          int64            `json:"citation_id"`
	SimilarChunks       []SimilarChunk   `json:"similar_chunks"`
	KeywordMatches      []KeywordMatch   `json:"keyword_matches"`
	ReasoningHypothesis string           `json:"reasoning_hypothesis"`
	Recommendations     []Recommendation `json:"recommendations"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// CollectionName is the Qdrant collection mirroring embedding records.
const CollectionName = "embeddings"

// DefaultVectorDimension matches text-embedding-3-large and gemini-embedding-001.
const DefaultVectorDimension = 3072
