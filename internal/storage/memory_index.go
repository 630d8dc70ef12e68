package storage

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"

	"github.com/viant/vec/search"
)

// MemoryIndex is an in-process VectorIndex for development and tests.
// It scans every entry on Query, so it is only suitable for small corpora.
type MemoryIndex struct {
	mu        sync.RWMutex
	dimension int
	entries   map[string]memoryEntry
}

type memoryEntry struct {
	vector    search.Float32s
	magnitude float32
	metadata  map[string]any
}

var _ VectorIndex = (*MemoryIndex)(nil)

// NewMemoryIndex creates an empty index accepting vectors of the given dimension.
func NewMemoryIndex(dimension int) *MemoryIndex {
	if dimension <= 0 {
		dimension = DefaultVectorDimension
	}
	return &MemoryIndex{
		dimension: dimension,
		entries:   make(map[string]memoryEntry),
	}
}

// Upsert replaces the entry stored under id.
func (m *MemoryIndex) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vector) != m.dimension {
		return fmt.Errorf("%w: point %s has %d dimensions, expected %d",
			ErrDimensionMismatch, id, len(vector), m.dimension)
	}

	v := search.Float32s(slices.Clone(vector))
	m.mu.Lock()
	m.entries[id] = memoryEntry{
		vector:    v,
		magnitude: v.Magnitude(),
		metadata:  normalizePayload(metadata),
	}
	m.mu.Unlock()
	return nil
}

// Query scores every entry matching filter by cosine similarity.
func (m *MemoryIndex) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]IndexMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vector) != m.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(vector), m.dimension)
	}
	if topK <= 0 {
		return nil, nil
	}

	query := search.Float32s(vector)
	queryMagnitude := query.Magnitude()

	m.mu.RLock()
	matches := make([]IndexMatch, 0, len(m.entries))
	for id, entry := range m.entries {
		if !matchesFilter(entry.metadata, filter) {
			continue
		}
		matches = append(matches, IndexMatch{
			ID:       id,
			Score:    cosineSimilarity(query, entry.vector, queryMagnitude, entry.magnitude),
			Metadata: maps.Clone(entry.metadata),
		})
	}
	m.mu.RUnlock()

	slices.SortStableFunc(matches, func(a, b IndexMatch) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// DeleteByIDs removes the given entries; unknown ids are ignored.
func (m *MemoryIndex) DeleteByIDs(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	for _, id := range ids {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	return nil
}

// MissingIDs returns the ids that have no entry.
func (m *MemoryIndex) MissingIDs(ctx context.Context, ids []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var missing []string
	for _, id := range ids {
		if _, ok := m.entries[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// ClearCollection drops every entry.
func (m *MemoryIndex) ClearCollection(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.entries = make(map[string]memoryEntry)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored entries.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// cosineSimilarity uses CosineDistance because the magnitude-aware variant
// is only exported on arm64.
func cosineSimilarity(a, b search.Float32s, magA, magB float32) float64 {
	if magA == 0 || magB == 0 {
		return 0
	}
	return 1 - float64(a.CosineDistance(b))
}

func matchesFilter(metadata map[string]any, filter Filter) bool {
	for key, want := range filter {
		have, ok := metadata[key]
		if !ok {
			return false
		}
		if !reflect.DeepEqual(normalizeValue(want), normalizeValue(have)) {
			return false
		}
	}
	return true
}
