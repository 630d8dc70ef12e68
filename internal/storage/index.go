package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Filter restricts a similarity query to entries whose metadata equals every
// given value. Supported value types are string, bool and integers.
type Filter map[string]any

// VectorIndex is the external similarity-search backend. Implementations
// must treat Upsert as idempotent by id and return matches ordered by
// descending cosine similarity. topK is a soft cap.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]any) error
	Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]IndexMatch, error)
	DeleteByIDs(ctx context.Context, ids []string) error
}

// fingerprintNamespace scopes the UUIDv5 point ids derived from fingerprints.
var fingerprintNamespace = uuid.MustParse("4a7c1f0e-5d2b-4b8e-9c61-3f0d2e8a9b17")

// PointID maps a fingerprint to the deterministic UUID used as index point id.
func PointID(fingerprint string) string {
	return uuid.NewSHA1(fingerprintNamespace, []byte(fingerprint)).String()
}

// normalizePayload copies metadata into the value types the index payload
// encoder understands. Unknown types are stored as their string form.
func normalizePayload(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil, string, bool, int64, float64:
		return val
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case float32:
		return float64(val)
	case []string:
		list := make([]any, len(val))
		for i, s := range val {
			list[i] = s
		}
		return list
	case []any:
		list := make([]any, len(val))
		for i, item := range val {
			list[i] = normalizeValue(item)
		}
		return list
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return m
	case map[string]any:
		return normalizePayload(val)
	default:
		return fmt.Sprint(val)
	}
}
