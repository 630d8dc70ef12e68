package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultIndexTimeout bounds every single call to Qdrant.
const DefaultIndexTimeout = 10 * time.Second

// payloadFingerprint is the payload key holding the record fingerprint.
// Point ids are UUIDs derived from it, so results are mapped back through it.
const payloadFingerprint = "fingerprint"

// QdrantConfig configures the Qdrant-backed vector index.
type QdrantConfig struct {
	Host       string
	Port       int
	Collection string        // Defaults to CollectionName
	Dimension  int           // Defaults to DefaultVectorDimension
	Timeout    time.Duration // Per-call timeout, defaults to DefaultIndexTimeout
}

// QdrantIndex wraps the Qdrant client with connection management and health checks.
// It is the only component talking to the external similarity index.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dimension  int
	timeout    time.Duration
}

var _ VectorIndex = (*QdrantIndex)(nil)

// NewQdrantIndex creates a new Qdrant client with health validation.
// It performs health check with retry on startup and fails fast if Qdrant is unreachable.
func NewQdrantIndex(ctx context.Context, cfg QdrantConfig) (*QdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.Host,
		Port: cfg.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	index := &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		timeout:    cfg.Timeout,
	}
	if index.collection == "" {
		index.collection = CollectionName
	}
	if index.dimension <= 0 {
		index.dimension = DefaultVectorDimension
	}
	if index.timeout <= 0 {
		index.timeout = DefaultIndexTimeout
	}

	if err := index.healthCheckWithRetry(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrQdrantUnreachable, err)
	}

	return index, nil
}

// newBackoff returns the retry policy shared by health checks and upserts.
// Initial interval 500ms, max interval 10s, max elapsed 30s.
func newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(b, ctx)
}

func (s *QdrantIndex) healthCheckWithRetry(ctx context.Context) error {
	return backoff.Retry(func() error {
		return s.Health(ctx)
	}, newBackoff(ctx))
}

// Health performs a single health check against Qdrant.
func (s *QdrantIndex) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

// EnsureCollection creates the collection with cosine vectors of the
// configured dimension and the payload indexes used by filters.
// Idempotent - safe to call multiple times.
func (s *QdrantIndex) EnsureCollection(ctx context.Context) error {
	collections, err := s.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, name := range collections {
		if name == s.collection {
			return nil
		}
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	if err := s.createPayloadIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create payload indexes: %w", err)
	}
	return nil
}

// createPayloadIndexes creates indexes for all filterable fields.
// Without these indexes filtered queries degrade to full scans.
func (s *QdrantIndex) createPayloadIndexes(ctx context.Context) error {
	fields := map[string]qdrant.FieldType{
		payloadFingerprint: qdrant.FieldType_FieldTypeKeyword,
		"sourceUrl":        qdrant.FieldType_FieldTypeKeyword,
		"citationId":       qdrant.FieldType_FieldTypeKeyword,
		"hasCitation":      qdrant.FieldType_FieldTypeBool,
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, field := range names {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      fields[field].Enum(),
		})
		if err != nil {
			return fmt.Errorf("failed to create index for field %s: %w", field, err)
		}
	}
	return nil
}

// Close closes the Qdrant client connection.
func (s *QdrantIndex) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Upsert stores the vector and payload under the point derived from id.
// Retried with exponential backoff because the write is idempotent.
func (s *QdrantIndex) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]any) error {
	if len(vector) != s.dimension {
		return fmt.Errorf("%w: point %s has %d dimensions, expected %d",
			ErrDimensionMismatch, id, len(vector), s.dimension)
	}

	payload := normalizePayload(metadata)
	payload[payloadFingerprint] = id

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(PointID(id)),
		Vectors: qdrant.NewVectors(vector...),
		Payload: qdrant.NewValueMap(payload),
	}

	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		_, err := s.client.Upsert(callCtx, &qdrant.UpsertPoints{
			CollectionName: s.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         []*qdrant.PointStruct{point},
		})
		return err
	}

	if err := backoff.Retry(operation, newBackoff(ctx)); err != nil {
		return &IndexUnavailableError{Op: "upsert", Err: err}
	}
	return nil
}

// Query performs cosine similarity search and returns matches ordered by score descending.
func (s *QdrantIndex) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]IndexMatch, error) {
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(vector), s.dimension)
	}
	if topK <= 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         buildFilter(filter),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, &IndexUnavailableError{Op: "query", Err: err}
	}

	matches := make([]IndexMatch, 0, len(results))
	for _, result := range results {
		metadata := payloadToMap(result.Payload)
		id, _ := metadata[payloadFingerprint].(string)
		delete(metadata, payloadFingerprint)
		if id == "" {
			id = result.Id.GetUuid()
		}
		matches = append(matches, IndexMatch{
			ID:       id,
			Score:    float64(result.Score),
			Metadata: metadata,
		})
	}
	return matches, nil
}

// DeleteByIDs removes the points mirroring the given fingerprints.
func (s *QdrantIndex) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(pointIDs(ids)...),
	})
	if err != nil {
		return &IndexUnavailableError{Op: "delete", Err: err}
	}
	return nil
}

// MissingIDs returns the fingerprints among ids that have no point in the collection.
func (s *QdrantIndex) MissingIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            pointIDs(ids),
		WithPayload:    qdrant.NewWithPayloadInclude(payloadFingerprint),
	})
	if err != nil {
		return nil, &IndexUnavailableError{Op: "probe", Err: err}
	}

	present := make(map[string]struct{}, len(points))
	for _, point := range points {
		present[point.Id.GetUuid()] = struct{}{}
	}

	var missing []string
	for _, id := range ids {
		if _, ok := present[PointID(id)]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// Count returns the exact number of points in the collection.
func (s *QdrantIndex) Count(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, countError(s.collection, err)
	}
	return count, nil
}

// countError maps a NotFound status to ErrCollectionNotFound.
func countError(collection string, err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	return fmt.Errorf("failed to count points: %w", err)
}

// ClearCollection deletes and recreates the collection.
func (s *QdrantIndex) ClearCollection(ctx context.Context) error {
	if err := s.client.DeleteCollection(ctx, s.collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return s.EnsureCollection(ctx)
}

func pointIDs(ids []string) []*qdrant.PointId {
	out := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		out[i] = qdrant.NewIDUUID(PointID(id))
	}
	return out
}

// buildFilter translates an equality filter into Qdrant must-conditions.
func buildFilter(filter Filter) *qdrant.Filter {
	if len(filter) == 0 {
		return nil
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	must := make([]*qdrant.Condition, 0, len(keys))
	for _, key := range keys {
		switch v := filter[key].(type) {
		case string:
			must = append(must, qdrant.NewMatch(key, v))
		case bool:
			must = append(must, qdrant.NewMatchBool(key, v))
		case int:
			must = append(must, qdrant.NewMatchInt(key, int64(v)))
		case int64:
			must = append(must, qdrant.NewMatchInt(key, v))
		default:
			must = append(must, qdrant.NewMatch(key, fmt.Sprint(v)))
		}
	}
	return &qdrant.Filter{Must: must}
}

// payloadToMap converts a Qdrant payload back into plain Go values.
func payloadToMap(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = valueToAny(v)
	}
	return out
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		values := kind.ListValue.GetValues()
		list := make([]any, len(values))
		for i, item := range values {
			list[i] = valueToAny(item)
		}
		return list
	case *qdrant.Value_StructValue:
		return payloadToMap(kind.StructValue.GetFields())
	default:
		return nil
	}
}
