package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/bull/citation-insight/internal/telemetry"
)

const (
	// DefaultTimeout bounds each individual provider call.
	DefaultTimeout = 30 * time.Second

	// DefaultBreakerFailures is the number of consecutive primary failures that open the breaker.
	DefaultBreakerFailures = 5

	// DefaultBreakerCooldown is how long the breaker stays open before probing again.
	DefaultBreakerCooldown = 30 * time.Second
)

// FacadeConfig tunes the provider facade. Zero values select defaults.
type FacadeConfig struct {
	Dimension         int
	Timeout           time.Duration
	RequestsPerSecond float64 // Primary rate limit, 0 means unlimited
	Burst             int
	BreakerFailures   uint32
	BreakerCooldown   time.Duration
}

// Facade hides the primary/secondary provider pair behind one Embed call.
// The primary is guarded by a rate limiter and a circuit breaker; any primary
// failure is followed by exactly one secondary attempt.
type Facade struct {
	primary   Provider
	secondary Provider
	dimension int
	timeout   time.Duration
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

// NewFacade creates a facade over primary and an optional secondary provider.
// If logger is nil, slog.Default() is used.
func NewFacade(primary, secondary Provider, cfg FacadeConfig, logger *slog.Logger, metrics *telemetry.Metrics) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = DefaultBreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = DefaultBreakerCooldown
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        primary.Name(),
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
		},
	})

	return &Facade{
		primary:   primary,
		secondary: secondary,
		dimension: cfg.Dimension,
		timeout:   cfg.Timeout,
		limiter:   rate.NewLimiter(limit, burst),
		breaker:   breaker,
		logger:    logger,
		metrics:   metrics,
	}
}

// Dimension returns the vector size every returned embedding has.
func (f *Facade) Dimension() int {
	return f.dimension
}

// Embed returns the embedding of text. A wrong-sized vector from either
// provider is a *ConfigurationError and is returned without fallback. When
// both providers fail the error is a *ProviderError.
func (f *Facade) Embed(ctx context.Context, text string) (vec []float32, err error) {
	ctx, span := telemetry.StartSpan(ctx, "embedding.embed", attribute.Int("text.length", len(text)))
	defer func() { telemetry.EndSpan(span, err) }()

	vec, primaryErr := f.embedPrimary(ctx, text)
	if primaryErr == nil {
		return vec, nil
	}
	if IsConfigurationError(primaryErr) {
		return nil, primaryErr
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("embedding cancelled: %w", ctx.Err())
	}
	if f.secondary == nil {
		return nil, &ProviderError{Primary: f.primary.Name(), PrimaryErr: primaryErr}
	}

	f.logger.Warn("Primary embedding provider failed, falling back",
		"primary", f.primary.Name(),
		"secondary", f.secondary.Name(),
		"error", primaryErr)
	f.metrics.RecordProviderFallback(ctx)
	span.SetAttributes(attribute.Bool("embedding.fallback", true))

	vec, secondaryErr := f.call(ctx, f.secondary, text)
	if secondaryErr == nil {
		return vec, nil
	}
	if IsConfigurationError(secondaryErr) {
		return nil, secondaryErr
	}
	return nil, &ProviderError{
		Primary:      f.primary.Name(),
		PrimaryErr:   primaryErr,
		Secondary:    f.secondary.Name(),
		SecondaryErr: secondaryErr,
	}
}

func (f *Facade) embedPrimary(ctx context.Context, text string) ([]float32, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	result, err := f.breaker.Execute(func() (interface{}, error) {
		return f.call(ctx, f.primary, text)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: %w", f.primary.Name(), err)
		}
		return nil, err
	}
	return result.([]float32), nil
}

// call performs one bounded provider call and validates the vector.
func (f *Facade) call(ctx context.Context, p Provider, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	vec, err := p.Embed(ctx, text)
	if err == nil && len(vec) == 0 {
		err = ErrEmptyResponse
	}
	outcome := callOutcome(err)
	f.metrics.RecordProviderCall(ctx, p.Name(), outcome)
	if err != nil {
		if outcome == OutcomeRateLimited {
			f.logger.Warn("Embedding provider rate limited", "provider", p.Name())
		}
		return nil, err
	}

	if f.dimension > 0 && len(vec) != f.dimension {
		return nil, &ConfigurationError{
			Provider: p.Name(),
			Expected: f.dimension,
			Got:      len(vec),
			Err:      ErrDimensionMismatch,
		}
	}
	return vec, nil
}
