package storage

import (
	"errors"
	"fmt"
)

var (
	ErrQdrantUnreachable  = errors.New("qdrant server unreachable")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrDimensionMismatch  = errors.New("embedding dimension mismatch")
	ErrNotFound           = errors.New("record not found")
)

// IndexUnavailableError reports that the vector index could not be reached.
// Any durable write preceding the failed index call has already been
// committed; the reconciler brings the index back in line later.
type IndexUnavailableError struct {
	Op  string // "upsert", "query", "delete", "probe"
	Err error
}

func (e *IndexUnavailableError) Error() string {
	return fmt.Sprintf("vector index unavailable during %s: %v", e.Op, e.Err)
}

func (e *IndexUnavailableError) Unwrap() error {
	return e.Err
}

// IsIndexUnavailable reports whether err carries an IndexUnavailableError.
func IsIndexUnavailable(err error) bool {
	var target *IndexUnavailableError
	return errors.As(err, &target)
}
