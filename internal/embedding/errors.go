package embedding

import (
	"errors"
	"fmt"
)

var (
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrEmptyResponse     = errors.New("provider returned no embedding")
	ErrMissingAPIKey     = errors.New("api key not set")
)

// ConfigurationError reports a deployment mistake, such as a provider
// returning vectors of the wrong size. It is never retried or routed to a fallback.
type ConfigurationError struct {
	Provider string
	Expected int
	Got      int
	Err      error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %s misconfigured: %v (expected %d, got %d)", e.Provider, e.Err, e.Expected, e.Got)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ProviderError reports that the primary provider and the single fallback
// attempt both failed.
type ProviderError struct {
	Primary      string
	PrimaryErr   error
	Secondary    string
	SecondaryErr error
}

func (e *ProviderError) Error() string {
	if e.Secondary == "" {
		return fmt.Sprintf("embedding failed: %s: %v (no fallback configured)", e.Primary, e.PrimaryErr)
	}
	return fmt.Sprintf("embedding failed: %s: %v; %s: %v", e.Primary, e.PrimaryErr, e.Secondary, e.SecondaryErr)
}

func (e *ProviderError) Unwrap() []error {
	errs := []error{e.PrimaryErr}
	if e.SecondaryErr != nil {
		errs = append(errs, e.SecondaryErr)
	}
	return errs
}

// IsConfigurationError reports whether err carries a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsProviderError reports whether err carries a ProviderError.
func IsProviderError(err error) bool {
	var target *ProviderError
	return errors.As(err, &target)
}
