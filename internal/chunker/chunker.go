// Package chunker splits free-form text into overlapping word windows and
// fingerprints them for content-addressed deduplication.
package chunker

import (
	"errors"
	"fmt"
	"maps"
	"strings"
)

const (
	// DefaultWindowSize is the number of words per chunk.
	DefaultWindowSize = 512

	// DefaultOverlap is the number of words shared by consecutive chunks.
	DefaultOverlap = 128
)

// ErrInvalidWindow is returned when the window/overlap pair cannot produce progress.
var ErrInvalidWindow = errors.New("invalid chunk window")

// Chunk is a bounded window of text with its position in the source.
type Chunk struct {
	Text        string         // Words of the window joined by single spaces
	Index       int            // Position in the chunk sequence (0, 1, 2...)
	TotalChunks int            // Number of chunks produced from the same source
	Offset      int            // Word offset of the first word in the source
	Metadata    map[string]any // Caller-supplied source metadata
}

// Chunker splits text into windows of a fixed number of words.
type Chunker struct {
	windowSize int
	overlap    int
}

// New creates a chunker with the given window size and overlap, both in words.
// The overlap must be smaller than the window so every step advances.
func New(windowSize, overlap int) (*Chunker, error) {
	if windowSize <= 0 || overlap < 0 || overlap >= windowSize {
		return nil, fmt.Errorf("%w: size=%d overlap=%d", ErrInvalidWindow, windowSize, overlap)
	}
	return &Chunker{windowSize: windowSize, overlap: overlap}, nil
}

// NewDefault creates a chunker with the default 512/128 word window.
func NewDefault() *Chunker {
	return &Chunker{windowSize: DefaultWindowSize, overlap: DefaultOverlap}
}

// Stride returns the number of words between the starts of consecutive chunks.
func (c *Chunker) Stride() int {
	return c.windowSize - c.overlap
}

// Split slides the window across text and returns the resulting chunks.
// A window starts at every stride offset before the last word, so the trailing
// windows may be partial. Each chunk receives its own copy of metadata.
// Splitting identical input always yields an identical sequence.
func (c *Chunker) Split(text string, metadata map[string]any) []Chunk {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []Chunk
	stride := c.Stride()
	for start := 0; start < len(words); start += stride {
		end := min(start+c.windowSize, len(words))
		window := strings.TrimSpace(strings.Join(words[start:end], " "))
		if window != "" {
			chunks = append(chunks, Chunk{
				Text:     window,
				Index:    len(chunks),
				Offset:   start,
				Metadata: maps.Clone(metadata),
			})
		}
	}

	for i := range chunks {
		chunks[i].TotalChunks = len(chunks)
	}
	return chunks
}
