package reasoning

import (
	"errors"
	"fmt"

	"github.com/bull/citation-insight/internal/storage"
)

// HypothesisUnavailable is stored in place of a hypothesis that could not be generated.
const HypothesisUnavailable = "Reasoning hypothesis unavailable"

// DefaultRecommendations is the placeholder stored when recommendations
// cannot be generated or parsed.
func DefaultRecommendations() []storage.Recommendation {
	return []storage.Recommendation{{
		Action:   "Review AI recommendations",
		Reason:   "Manual review needed",
		Impact:   "Unknown",
		Priority: "medium",
	}}
}

// ContentGap is something cited material covers that the analysed content does not.
type ContentGap struct {
	Missing      string `json:"missing"`
	WhyItMatters string `json:"why_it_matters"`
	HowToAddress string `json:"how_to_address"`
}

// ReasoningResult is either generated text or the reason it is unavailable.
type ReasoningResult struct {
	text string
	err  error
}

// Reasoned wraps successfully generated text.
func Reasoned(text string) ReasoningResult {
	return ReasoningResult{text: text}
}

// Unavailable records why no text could be generated.
func Unavailable(err error) ReasoningResult {
	if err == nil {
		err = errors.New("reasoning unavailable")
	}
	return ReasoningResult{err: err}
}

func (r ReasoningResult) Ok() bool     { return r.err == nil }
func (r ReasoningResult) Text() string { return r.text }
func (r ReasoningResult) Err() error   { return r.err }

// TextOr returns the text, or fallback when unavailable.
func (r ReasoningResult) TextOr(fallback string) string {
	if r.err != nil {
		return fallback
	}
	return r.text
}

// GeneratedList is either a parsed list of T or the reason parsing failed.
type GeneratedList[T any] struct {
	items []T
	err   error
}

// Parsed wraps a successfully parsed list.
func Parsed[T any](items []T) GeneratedList[T] {
	if items == nil {
		items = []T{}
	}
	return GeneratedList[T]{items: items}
}

// ParseFailed records why no list is available.
func ParseFailed[T any](err error) GeneratedList[T] {
	if err == nil {
		err = errors.New("generation failed")
	}
	return GeneratedList[T]{err: err}
}

func (l GeneratedList[T]) Ok() bool   { return l.err == nil }
func (l GeneratedList[T]) Items() []T { return l.items }
func (l GeneratedList[T]) Err() error { return l.err }

// ItemsOr returns the items, or fallback when parsing failed.
func (l GeneratedList[T]) ItemsOr(fallback []T) []T {
	if l.err != nil {
		return fallback
	}
	return l.items
}

// GenerativeParseError reports a model response that is not the JSON we asked for.
type GenerativeParseError struct {
	Kind string // "recommendations", "gaps"
	Raw  string
	Err  error
}

func (e *GenerativeParseError) Error() string {
	return fmt.Sprintf("failed to parse %s response: %v", e.Kind, e.Err)
}

func (e *GenerativeParseError) Unwrap() error {
	return e.Err
}
