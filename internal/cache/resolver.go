// Package cache resolves chunks to embedding records through an ephemeral
// layer, the durable store and, on a full miss, the embedding providers.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/bull/citation-insight/internal/chunker"
	"github.com/bull/citation-insight/internal/storage"
	"github.com/bull/citation-insight/internal/telemetry"
)

const (
	// DefaultConcurrency bounds outbound provider calls and batch fan-out.
	DefaultConcurrency = 8

	// DefaultResolveTimeout bounds one computation, independent of any caller.
	DefaultResolveTimeout = 2 * time.Minute
)

// Embedder produces embedding vectors. Satisfied by *embedding.Facade.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Durable is the persistent record store. Satisfied by *storage.SQLiteStore.
type Durable interface {
	GetEmbedding(ctx context.Context, fingerprint string) (*storage.EmbeddingRecord, error)
	UpsertEmbedding(ctx context.Context, rec *storage.EmbeddingRecord) (*storage.EmbeddingRecord, error)
}

// Config tunes the resolver. Zero values select defaults.
type Config struct {
	Concurrency    int
	ResolveTimeout time.Duration
}

// Resolver turns chunks into embedding records, computing each distinct
// fingerprint at most once no matter how many callers ask concurrently.
type Resolver struct {
	ephemeral Ephemeral
	durable   Durable
	embedder  Embedder
	index     storage.VectorIndex

	flights      singleflight.Group
	queryFlights singleflight.Group
	providerSem  *semaphore.Weighted

	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *telemetry.Metrics
}

// NewResolver creates a resolver. A nil ephemeral layer disables it.
// If logger is nil, slog.Default() is used.
func NewResolver(ephemeral Ephemeral, durable Durable, embedder Embedder, index storage.VectorIndex, cfg Config, logger *slog.Logger, metrics *telemetry.Metrics) *Resolver {
	if ephemeral == nil {
		ephemeral = NoopLayer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}

	return &Resolver{
		ephemeral:   ephemeral,
		durable:     durable,
		embedder:    embedder,
		index:       index,
		providerSem: semaphore.NewWeighted(int64(cfg.Concurrency)),
		concurrency: cfg.Concurrency,
		timeout:     cfg.ResolveTimeout,
		logger:      logger,
		metrics:     metrics,
	}
}

// Resolve returns the embedding record for chunk.
//
// When the record is durably stored but could not be mirrored to the index,
// both the record and a *storage.IndexUnavailableError are returned.
// Cancelling ctx abandons the wait but not the shared computation.
func (r *Resolver) Resolve(ctx context.Context, chunk chunker.Chunk) (*storage.EmbeddingRecord, error) {
	fp := chunk.Fingerprint()

	rec, err := r.lookup(ctx, fp)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}
	r.metrics.RecordCacheMiss(ctx)

	detached := context.WithoutCancel(ctx)
	ch := r.flights.DoChan(fp, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(detached, r.timeout)
		defer cancel()
		return r.compute(flightCtx, fp, chunk)
	})

	select {
	case res := <-ch:
		if res.Shared {
			r.metrics.RecordCoalescedWait(ctx)
		}
		rec, _ := res.Val.(*storage.EmbeddingRecord)
		return cloneRecord(rec), res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResolveAll resolves chunks in parallel and returns records in chunk order.
// Index mirror failures do not stop the batch: every record is returned along
// with the joined *storage.IndexUnavailableError values.
func (r *Resolver) ResolveAll(ctx context.Context, chunks []chunker.Chunk) ([]*storage.EmbeddingRecord, error) {
	records := make([]*storage.EmbeddingRecord, len(chunks))

	var mu sync.Mutex
	var indexErrs []error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			rec, err := r.Resolve(gctx, chunk)
			if err != nil && !(rec != nil && storage.IsIndexUnavailable(err)) {
				return fmt.Errorf("chunk %d: %w", chunk.Index, err)
			}
			records[i] = rec
			if err != nil {
				mu.Lock()
				indexErrs = append(indexErrs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, errors.Join(indexErrs...)
}

// EmbedQuery returns a vector for a search query. Known texts are served from
// the cache layers; otherwise one coalesced provider call is made and its
// result is not persisted.
func (r *Resolver) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	fp := chunker.Fingerprint(text)

	rec, err := r.lookup(ctx, fp)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec.Vector, nil
	}
	r.metrics.RecordCacheMiss(ctx)

	detached := context.WithoutCancel(ctx)
	ch := r.queryFlights.DoChan(fp, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(detached, r.timeout)
		defer cancel()
		return r.embed(flightCtx, text)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			r.metrics.RecordCoalescedWait(ctx)
		}
		vec, _ := res.Val.([]float32)
		return vec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Annotate merges metadata into an existing record, refreshes the durable row
// and the ephemeral copy, and re-mirrors it. The vector is left untouched.
func (r *Resolver) Annotate(ctx context.Context, rec *storage.EmbeddingRecord, metadata map[string]any) (*storage.EmbeddingRecord, error) {
	merged := maps.Clone(rec.Metadata)
	if merged == nil {
		merged = make(map[string]any, len(metadata))
	}
	maps.Copy(merged, metadata)

	updated, err := r.durable.UpsertEmbedding(ctx, &storage.EmbeddingRecord{
		Fingerprint: rec.Fingerprint,
		Content:     rec.Content,
		Vector:      rec.Vector,
		Metadata:    merged,
	})
	if err != nil {
		return nil, fmt.Errorf("persist metadata: %w", err)
	}
	r.remember(ctx, updated)

	if err := r.Mirror(ctx, updated); err != nil {
		return updated, err
	}
	return updated, nil
}

// Mirror writes rec to the vector index, with its content denormalised
// into the payload. Failures are returned as *storage.IndexUnavailableError.
func (r *Resolver) Mirror(ctx context.Context, rec *storage.EmbeddingRecord) error {
	payload := maps.Clone(rec.Metadata)
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["content"] = rec.Content

	err := r.index.Upsert(ctx, rec.Fingerprint, rec.Vector, payload)
	if err == nil {
		return nil
	}

	r.metrics.RecordIndexFailure(ctx, "upsert")
	r.logger.Warn("Failed to mirror embedding to index",
		"fingerprint", rec.Fingerprint,
		"error", err)

	if storage.IsIndexUnavailable(err) {
		return err
	}
	return &storage.IndexUnavailableError{Op: "upsert", Err: err}
}

// lookup reads through the ephemeral and durable layers.
// It returns (nil, nil) on a miss.
func (r *Resolver) lookup(ctx context.Context, fp string) (*storage.EmbeddingRecord, error) {
	rec, ok, err := r.ephemeral.Get(ctx, fp)
	if err != nil {
		r.logger.Warn("Ephemeral cache read failed", "fingerprint", fp, "error", err)
	} else if ok {
		r.metrics.RecordCacheHit(ctx, "ephemeral")
		return rec, nil
	}

	rec, err = r.durable.GetEmbedding(ctx, fp)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("durable lookup: %w", err)
	}

	r.metrics.RecordCacheHit(ctx, "durable")
	r.remember(ctx, rec)
	return rec, nil
}

// compute runs once per fingerprint per flight: embed, persist, cache, mirror.
func (r *Resolver) compute(ctx context.Context, fp string, chunk chunker.Chunk) (rec *storage.EmbeddingRecord, err error) {
	ctx, span := telemetry.StartSpan(ctx, "cache.compute", attribute.String("fingerprint", fp))
	defer func() { telemetry.EndSpan(span, err) }()

	// A flight for this key may have completed between lookup and DoChan.
	existing, err := r.durable.GetEmbedding(ctx, fp)
	if err == nil {
		r.remember(ctx, existing)
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("durable lookup: %w", err)
	}

	vec, err := r.embed(ctx, chunk.Text)
	if err != nil {
		return nil, err
	}

	rec, err = r.durable.UpsertEmbedding(ctx, &storage.EmbeddingRecord{
		Fingerprint: fp,
		Content:     chunk.Text,
		Vector:      vec,
		Metadata:    chunk.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("persist embedding: %w", err)
	}

	r.remember(ctx, rec)

	if err := r.Mirror(ctx, rec); err != nil {
		return rec, err
	}

	r.logger.Debug("Embedded chunk", "fingerprint", fp, "chunk_index", chunk.Index)
	return rec, nil
}

// embed calls the provider under the global concurrency bound.
func (r *Resolver) embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.providerSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.providerSem.Release(1)

	return r.embedder.Embed(ctx, text)
}

func (r *Resolver) remember(ctx context.Context, rec *storage.EmbeddingRecord) {
	if err := r.ephemeral.Set(ctx, rec); err != nil {
		r.logger.Warn("Ephemeral cache write failed", "fingerprint", rec.Fingerprint, "error", err)
	}
}

// cloneRecord copies rec so coalesced callers never share a metadata map.
func cloneRecord(rec *storage.EmbeddingRecord) *storage.EmbeddingRecord {
	if rec == nil {
		return nil
	}
	cp := *rec
	cp.Metadata = maps.Clone(rec.Metadata)
	return &cp
}
