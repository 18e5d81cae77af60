// Package embedder defines the capability interfaces Engram's core depends on
// but does not implement: Embedder, Clock, and IdGen (spec.md §6/§9). It also
// provides a resilient wrapper around Embedder that degrades gracefully on
// outage, and deterministic test doubles for all three.
package embedder

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the embedder is temporarily unable to serve requests.
var ErrUnavailable = errors.New("embedder: unavailable")

// ErrShapeMismatch indicates the embedder returned a vector whose length does
// not match its declared Dimensions.
var ErrShapeMismatch = errors.New("embedder: shape mismatch")

// Embedder produces dense vector embeddings for text. Concrete variants
// include TF-IDF-style local embedders and OpenAI-compatible remote ones
// (spec.md §9); only the interface is in scope here.
type Embedder interface {
	// Dimensions returns the fixed vector length this embedder produces.
	Dimensions() int

	// Embed returns the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch returns embeddings for multiple texts in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
}

// Clock abstracts wall-clock and monotonic time so tests can inject
// deterministic values (spec.md §9).
type Clock interface {
	Now() time.Time
}

// IdGen returns monotone 64-bit memory identifiers (spec.md §3/§9).
type IdGen interface {
	NextID() int64
}

// SystemClock is the real wall-clock implementation of Clock.
type SystemClock struct{}

// Now returns time.Now() in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
