package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed schema.sql
var schema string

// SQLiteStore is the durable layer: embedding records plus the citation,
// keyword and analysis tables the pipelines read and write.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path and applies the schema.
// An empty path or ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path == "" || path == ":memory:" {
		path = ":memory:"
		dsn = path
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ==================== Embeddings ====================

// UpsertEmbedding inserts the record, or refreshes metadata and updated_at
// when the fingerprint already exists. The stored vector is never replaced.
// The returned record reflects the row as stored.
func (s *SQLiteStore) UpsertEmbedding(ctx context.Context, rec *EmbeddingRecord) (*EmbeddingRecord, error) {
	if rec.Fingerprint == "" {
		return nil, errors.New("embedding record has no fingerprint")
	}
	metadataJSON, err := marshalJSON(rec.Metadata, "{}")
	if err != nil {
		return nil, fmt.Errorf("marshalling metadata: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO embeddings (fingerprint, content, vector, dimension, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, rec.Fingerprint, rec.Content, float32SliceToBytes(rec.Vector), len(rec.Vector),
		metadataJSON, now, now)
	if err != nil {
		return nil, fmt.Errorf("saving embedding: %w", err)
	}

	return s.GetEmbedding(ctx, rec.Fingerprint)
}

// GetEmbedding retrieves a record by fingerprint. Returns ErrNotFound when absent.
func (s *SQLiteStore) GetEmbedding(ctx context.Context, fingerprint string) (*EmbeddingRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, content, vector, metadata, created_at, updated_at
		FROM embeddings WHERE fingerprint = ?
	`, fingerprint)

	rec, err := scanEmbedding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning embedding: %w", err)
	}
	return rec, nil
}

// ListEmbeddings returns up to limit records with fingerprint greater than after,
// ordered by fingerprint. Pass the last fingerprint of a page to get the next one.
func (s *SQLiteStore) ListEmbeddings(ctx context.Context, after string, limit int) ([]*EmbeddingRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, content, vector, metadata, created_at, updated_at
		FROM embeddings WHERE fingerprint > ?
		ORDER BY fingerprint
		LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	var records []*EmbeddingRecord
	for rows.Next() {
		rec, err := scanEmbedding(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning embedding: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountEmbeddings returns the number of durable records.
func (s *SQLiteStore) CountEmbeddings(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embeddings").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting embeddings: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEmbedding(row scanner) (*EmbeddingRecord, error) {
	var rec EmbeddingRecord
	var vector []byte
	var metadataJSON string
	if err := row.Scan(&rec.Fingerprint, &rec.Content, &vector, &metadataJSON,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Vector = bytesToFloat32Slice(vector)
	if err := json.Unmarshal([]byte(metadataJSON), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshalling metadata: %w", err)
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	return &rec, nil
}

// ==================== Citations & keywords ====================

// GetCitation retrieves a citation by id. Returns ErrNotFound when absent.
func (s *SQLiteStore) GetCitation(ctx context.Context, id int64) (*Citation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, domain_id, query, citation_text, source_url, position, ai_mode_type, created_at
		FROM citations WHERE id = ?
	`, id)

	var c Citation
	err := row.Scan(&c.ID, &c.DomainID, &c.Query, &c.Text, &c.SourceURL, &c.Position, &c.ModeType, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning citation: %w", err)
	}
	return &c, nil
}

// SaveCitation inserts a citation and returns it with its assigned id.
// Citations are owned by the tracker; this exists for tooling and tests.
func (s *SQLiteStore) SaveCitation(ctx context.Context, c Citation) (*Citation, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO citations (domain_id, query, citation_text, source_url, position, ai_mode_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.DomainID, c.Query, c.Text, c.SourceURL, c.Position, c.ModeType, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("saving citation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading citation id: %w", err)
	}
	c.ID = id
	return &c, nil
}

// SaveKeywordRanking records that url ranks at position for the keyword,
// creating or refreshing the keyword row.
func (s *SQLiteStore) SaveKeywordRanking(ctx context.Context, m KeywordMatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var keywordID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO keywords (keyword, search_volume, difficulty, cpc)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(keyword) DO UPDATE SET
			search_volume = excluded.search_volume,
			difficulty = excluded.difficulty,
			cpc = excluded.cpc
		RETURNING id
	`, m.Keyword, m.SearchVolume, m.Difficulty, m.CPC).Scan(&keywordID)
	if err != nil {
		return fmt.Errorf("saving keyword: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO url_rankings (keyword_id, url, position)
		VALUES (?, ?, ?)
		ON CONFLICT(keyword_id, url) DO UPDATE SET position = excluded.position
	`, keywordID, m.URL, m.Position)
	if err != nil {
		return fmt.Errorf("saving url ranking: %w", err)
	}

	return tx.Commit()
}

// KeywordsForURLs returns the keywords any of urls ranks for, highest search volume first.
func (s *SQLiteStore) KeywordsForURLs(ctx context.Context, urls []string) ([]KeywordMatch, error) {
	if len(urls) == 0 {
		return []KeywordMatch{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(urls)), ",")
	args := make([]any, len(urls))
	for i, u := range urls {
		args[i] = u
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT k.keyword, k.search_volume, k.difficulty, k.cpc, ur.url, ur.position
		FROM url_rankings ur
		JOIN keywords k ON k.id = ur.keyword_id
		WHERE ur.url IN (`+placeholders+`)
		ORDER BY k.search_volume DESC, k.keyword, ur.url
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying keywords: %w", err)
	}
	defer rows.Close()

	matches := []KeywordMatch{}
	for rows.Next() {
		var m KeywordMatch
		if err := rows.Scan(&m.Keyword, &m.SearchVolume, &m.Difficulty, &m.CPC, &m.URL, &m.Position); err != nil {
			return nil, fmt.Errorf("scanning keyword: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// ==================== Analyses ====================

// UpsertAnalysis stores the analysis for its citation, replacing any previous
// one while keeping the original creation time.
func (s *SQLiteStore) UpsertAnalysis(ctx context.Context, a *Analysis) (*Analysis, error) {
	chunksJSON, err := marshalJSON(a.SimilarChunks, "[]")
	if err != nil {
		return nil, fmt.Errorf("marshalling similar chunks: %w", err)
	}
	keywordsJSON, err := marshalJSON(a.KeywordMatches, "[]")
	if err != nil {
		return nil, fmt.Errorf("marshalling keyword matches: %w", err)
	}
	recsJSON, err := marshalJSON(a.Recommendations, "[]")
	if err != nil {
		return nil, fmt.Errorf("marshalling recommendations: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analyses (citation_id, similar_chunks, keyword_matches, reasoning_hypothesis, recommendations, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(citation_id) DO UPDATE SET
			similar_chunks = excluded.similar_chunks,
			keyword_matches = excluded.keyword_matches,
			reasoning_hypothesis = excluded.reasoning_hypothesis,
			recommendations = excluded.recommendations,
			updated_at = excluded.updated_at
	`, a.CitationID, chunksJSON, keywordsJSON, a.ReasoningHypothesis, recsJSON, now, now)
	if err != nil {
		return nil, fmt.Errorf("saving analysis: %w", err)
	}

	return s.GetAnalysis(ctx, a.CitationID)
}

// GetAnalysis retrieves the analysis for a citation. Returns ErrNotFound when absent.
func (s *SQLiteStore) GetAnalysis(ctx context.Context, citationID int64) (*Analysis, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT citation_id, similar_chunks, keyword_matches, reasoning_hypothesis, recommendations, created_at, updated_at
		FROM analyses WHERE citation_id = ?
	`, citationID)

	var a Analysis
	var chunksJSON, keywordsJSON, recsJSON string
	err := row.Scan(&a.CitationID, &chunksJSON, &keywordsJSON, &a.ReasoningHypothesis, &recsJSON, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning analysis: %w", err)
	}

	if err := json.Unmarshal([]byte(chunksJSON), &a.SimilarChunks); err != nil {
		return nil, fmt.Errorf("unmarshalling similar chunks: %w", err)
	}
	if err := json.Unmarshal([]byte(keywordsJSON), &a.KeywordMatches); err != nil {
		return nil, fmt.Errorf("unmarshalling keyword matches: %w", err)
	}
	if err := json.Unmarshal([]byte(recsJSON), &a.Recommendations); err != nil {
		return nil, fmt.Errorf("unmarshalling recommendations: %w", err)
	}
	return &a, nil
}

// ==================== Helper Functions ====================

// marshalJSON encodes v, substituting empty for nil values.
func marshalJSON(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

// float32SliceToBytes converts a []float32 to a little-endian byte slice for storage.
func float32SliceToBytes(floats []float32) []byte {
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32Slice converts a byte slice back to []float32.
func bytesToFloat32Slice(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}
