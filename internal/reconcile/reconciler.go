// Package reconcile brings the vector index back in line with the durable store.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bull/citation-insight/internal/storage"
	"github.com/bull/citation-insight/internal/telemetry"
)

const (
	// DefaultInterval is the time between scheduled sweeps.
	DefaultInterval = 10 * time.Minute

	// DefaultBatchSize is the number of durable records probed per page.
	DefaultBatchSize = 256
)

// Source pages durable records by fingerprint. Satisfied by *storage.SQLiteStore.
type Source interface {
	ListEmbeddings(ctx context.Context, after string, limit int) ([]*storage.EmbeddingRecord, error)
}

// Prober reports which ids the index lacks.
// Satisfied by *storage.QdrantIndex and *storage.MemoryIndex.
type Prober interface {
	MissingIDs(ctx context.Context, ids []string) ([]string, error)
}

// Mirrorer writes a durable record to the index. Satisfied by *cache.Resolver.
type Mirrorer interface {
	Mirror(ctx context.Context, rec *storage.EmbeddingRecord) error
}

// Clearer empties the index. Satisfied by *storage.QdrantIndex and *storage.MemoryIndex.
type Clearer interface {
	ClearCollection(ctx context.Context) error
}

// SweepResult summarises one pass over the durable store.
type SweepResult struct {
	Scanned  int
	Missing  int
	Repaired int
	Duration time.Duration
}

// Reconciler re-mirrors durable records that never reached the index.
type Reconciler struct {
	source    Source
	prober    Prober
	mirror    Mirrorer
	batchSize int
	logger    *slog.Logger
}

// NewReconciler creates a reconciler. A non-positive batchSize selects DefaultBatchSize.
// If logger is nil, slog.Default() is used.
func NewReconciler(source Source, prober Prober, mirror Mirrorer, batchSize int, logger *slog.Logger) *Reconciler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		source:    source,
		prober:    prober,
		mirror:    mirror,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Sweep walks every durable record, asks the index which are missing and
// re-upserts those. It stops at the first index failure; the next sweep
// resumes from the beginning.
func (r *Reconciler) Sweep(ctx context.Context) (result *SweepResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "reconcile.sweep")
	defer func() { telemetry.EndSpan(span, err) }()

	start := time.Now()
	result = &SweepResult{}

	after := ""
	for {
		page, err := r.source.ListEmbeddings(ctx, after, r.batchSize)
		if err != nil {
			return result, fmt.Errorf("list embeddings after %q: %w", after, err)
		}
		if len(page) == 0 {
			break
		}
		result.Scanned += len(page)

		if err := r.repairPage(ctx, page, result); err != nil {
			return result, err
		}

		if len(page) < r.batchSize {
			break
		}
		after = page[len(page)-1].Fingerprint
	}

	result.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("reconcile.scanned", result.Scanned),
		attribute.Int("reconcile.repaired", result.Repaired),
	)
	if result.Repaired > 0 {
		r.logger.Info("Reconciled index",
			"scanned", result.Scanned,
			"repaired", result.Repaired,
			"duration", result.Duration)
	} else {
		r.logger.Debug("Index in sync", "scanned", result.Scanned, "duration", result.Duration)
	}
	return result, nil
}

func (r *Reconciler) repairPage(ctx context.Context, page []*storage.EmbeddingRecord, result *SweepResult) error {
	byID := make(map[string]*storage.EmbeddingRecord, len(page))
	ids := make([]string, len(page))
	for i, rec := range page {
		ids[i] = rec.Fingerprint
		byID[rec.Fingerprint] = rec
	}

	missing, err := r.prober.MissingIDs(ctx, ids)
	if err != nil {
		if storage.IsIndexUnavailable(err) {
			return err
		}
		return &storage.IndexUnavailableError{Op: "probe", Err: err}
	}
	result.Missing += len(missing)

	for _, id := range missing {
		if err := r.mirror.Mirror(ctx, byID[id]); err != nil {
			return err
		}
		result.Repaired++
	}
	return nil
}

// Rebuild empties the index and re-mirrors every durable record.
func (r *Reconciler) Rebuild(ctx context.Context, index Clearer) (*SweepResult, error) {
	r.logger.Warn("Clearing vector index for rebuild")
	if err := index.ClearCollection(ctx); err != nil {
		return nil, &storage.IndexUnavailableError{Op: "clear", Err: err}
	}
	return r.Sweep(ctx)
}
