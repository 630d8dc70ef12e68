// Package app wires the service's components from configuration.
// Lifecycles are owned by the caller through Close.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/bull/citation-insight/internal/analysis"
	"github.com/bull/citation-insight/internal/cache"
	"github.com/bull/citation-insight/internal/chunker"
	"github.com/bull/citation-insight/internal/config"
	"github.com/bull/citation-insight/internal/embedding"
	"github.com/bull/citation-insight/internal/indexer"
	"github.com/bull/citation-insight/internal/prediction"
	"github.com/bull/citation-insight/internal/reasoning"
	"github.com/bull/citation-insight/internal/reconcile"
	"github.com/bull/citation-insight/internal/search"
	"github.com/bull/citation-insight/internal/storage"
	"github.com/bull/citation-insight/internal/telemetry"
)

// Index is the vector index as the service uses it: queried, written and probed.
type Index interface {
	storage.VectorIndex
	reconcile.Prober
	reconcile.Clearer
}

// App holds every wired component.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store  *storage.SQLiteStore
	Index  Index
	Qdrant *storage.QdrantIndex // nil with the memory backend
	Redis  *redis.Client        // nil when the ephemeral layer is disabled

	Resolver   *cache.Resolver
	Search     *search.Engine
	Analysis   *analysis.Pipeline
	Prediction *prediction.Pipeline
	Indexer    *indexer.Pipeline
	Reconciler *reconcile.Reconciler

	tracer  *telemetry.TracerProvider
	meter   *telemetry.MeterProvider
	closers []func() error
}

// New connects to every configured dependency and wires the pipelines.
// On error, anything already opened is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	telemetryCfg := telemetry.TracingConfig{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		SampleRate:   cfg.Telemetry.SampleRate,
	}
	a.tracer, err = telemetry.InitTracing(ctx, telemetryCfg)
	if err != nil {
		return nil, err
	}
	a.meter, err = telemetry.InitMeterProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.InitMetrics()
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a.Store, err = storage.NewSQLiteStore(cfg.SQLite.Path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Store.Close)

	if err := a.openIndex(ctx); err != nil {
		return nil, err
	}

	ephemeral, err := a.openEphemeral(ctx)
	if err != nil {
		return nil, err
	}

	embedder, err := a.buildEmbedder(ctx, metrics)
	if err != nil {
		return nil, err
	}

	completer, err := a.buildCompleter()
	if err != nil {
		return nil, err
	}
	generator := reasoning.NewGenerator(completer, logger)

	ch, err := chunker.New(cfg.Chunk.Size, cfg.Chunk.Overlap)
	if err != nil {
		return nil, err
	}

	a.Resolver = cache.NewResolver(ephemeral, a.Store, embedder, a.Index, cache.Config{
		Concurrency:    cfg.Embedding.Concurrency,
		ResolveTimeout: cfg.Embedding.ResolveTimeout,
	}, logger, metrics)
	a.Search = search.NewEngine(a.Resolver, a.Index, a.Store, cfg.Embedding.Concurrency, logger)
	a.Analysis = analysis.NewPipeline(a.Store, a.Search, generator, logger)
	a.Prediction = prediction.NewPipeline(ch, a.Resolver, a.Search, generator, cfg.Embedding.Concurrency, logger)
	a.Indexer = indexer.NewPipeline(ch, a.Resolver, a.Store, logger)
	a.Reconciler = reconcile.NewReconciler(a.Store, a.Index, a.Resolver, cfg.Reconcile.BatchSize, logger)

	return a, nil
}

func (a *App) openIndex(ctx context.Context) error {
	cfg := a.Config
	if cfg.Index.Backend == "memory" {
		a.Index = storage.NewMemoryIndex(cfg.Embedding.Dimension)
		return nil
	}

	q, err := storage.NewQdrantIndex(ctx, storage.QdrantConfig{
		Host:       cfg.Qdrant.Host,
		Port:       cfg.Qdrant.Port,
		Collection: cfg.Qdrant.Collection,
		Dimension:  cfg.Embedding.Dimension,
		Timeout:    cfg.Qdrant.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	a.closers = append(a.closers, q.Close)

	if err := q.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("failed to ensure collection: %w", err)
	}
	a.Qdrant = q
	a.Index = q
	return nil
}

func (a *App) openEphemeral(ctx context.Context) (cache.Ephemeral, error) {
	if a.Config.Redis.URL == "" {
		return cache.NoopLayer{}, nil
	}
	client, err := cache.NewRedisClient(ctx, a.Config.Redis.URL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	a.Redis = client
	return cache.NewRedisLayer(client, a.Config.Redis.TTL), nil
}

// buildEmbedder puts OpenAI first and Gemini second. With a single key that
// provider runs alone.
func (a *App) buildEmbedder(ctx context.Context, metrics *telemetry.Metrics) (*embedding.Facade, error) {
	cfg := a.Config
	var providers []embedding.Provider

	if cfg.OpenAI.APIKey != "" {
		client, err := embedding.NewOpenAIClient(cfg.OpenAI.APIKey)
		if err != nil {
			return nil, err
		}
		providers = append(providers, embedding.NewOpenAIProvider(client, cfg.OpenAI.EmbeddingModel, cfg.Embedding.Dimension))
	}
	if cfg.Gemini.APIKey != "" {
		client, err := embedding.NewGeminiClient(ctx, cfg.Gemini.APIKey)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		providers = append(providers, embedding.NewGeminiProvider(client, cfg.Gemini.Model))
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no embedding provider: %w", embedding.ErrMissingAPIKey)
	}

	var secondary embedding.Provider
	if len(providers) > 1 {
		secondary = providers[1]
	}
	return embedding.NewFacade(providers[0], secondary, embedding.FacadeConfig{
		Dimension:         cfg.Embedding.Dimension,
		Timeout:           cfg.Embedding.Timeout,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		Burst:             cfg.Embedding.Burst,
		BreakerFailures:   cfg.Embedding.BreakerFailures,
		BreakerCooldown:   cfg.Embedding.BreakerCooldown,
	}, a.Logger, metrics), nil
}

func (a *App) buildCompleter() (reasoning.Completer, error) {
	if a.Config.OpenAI.APIKey == "" {
		return reasoning.UnavailableCompleter{}, nil
	}
	client, err := embedding.NewOpenAIClient(a.Config.OpenAI.APIKey)
	if err != nil {
		return nil, err
	}
	return reasoning.NewOpenAICompleter(client, a.Config.OpenAI.ChatModel, a.Config.Reasoning.Timeout), nil
}

// NewScheduler creates the periodic reconcile sweep. The caller starts and stops it.
func (a *App) NewScheduler() (*reconcile.Scheduler, error) {
	return reconcile.NewScheduler(a.Reconciler, a.Config.Reconcile.Interval, a.Logger)
}

// Close releases every opened dependency in reverse order and flushes traces.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	errs = append(errs, a.meter.Shutdown(context.Background()))
	errs = append(errs, a.tracer.Shutdown(context.Background()))
	return errors.Join(errs...)
}
