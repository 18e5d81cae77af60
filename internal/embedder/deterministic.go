package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"sync/atomic"
	"time"
)

// DeterministicClock is a Clock test double that advances only when told to.
type DeterministicClock struct {
	now atomic.Int64 // unix nanos
}

// NewDeterministicClock returns a clock fixed at t.
func NewDeterministicClock(t time.Time) *DeterministicClock {
	c := &DeterministicClock{}
	c.now.Store(t.UnixNano())
	return c
}

// Now returns the clock's current fixed time.
func (c *DeterministicClock) Now() time.Time {
	return time.Unix(0, c.now.Load()).UTC()
}

// Advance moves the clock forward by d.
func (c *DeterministicClock) Advance(d time.Duration) {
	c.now.Add(int64(d))
}

// Set pins the clock to t.
func (c *DeterministicClock) Set(t time.Time) {
	c.now.Store(t.UnixNano())
}

// SequentialIdGen is an IdGen test double issuing 1, 2, 3, ... in order.
type SequentialIdGen struct {
	next atomic.Int64
}

// NewSequentialIdGen returns a generator whose first NextID() call returns 1.
func NewSequentialIdGen() *SequentialIdGen {
	return &SequentialIdGen{}
}

// NextID returns the next monotone id.
func (g *SequentialIdGen) NextID() int64 {
	return g.next.Add(1)
}

// HashEmbedder is a deterministic Embedder test double: it derives a
// fixed-dimension vector from the FNV hash of the input text, so identical
// text always produces an identical vector and the embedder never fails.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a HashEmbedder producing vectors of length dims.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 8
	}
	return &HashEmbedder{dims: dims}
}

// Dimensions returns the configured vector length.
func (h *HashEmbedder) Dimensions() int { return h.dims }

// Embed hashes text into a deterministic unit-norm vector.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, h.dims)
	seed := fnv.New64a()
	_, _ = seed.Write([]byte(text))
	state := seed.Sum64()

	var norm float64
	for i := range vec {
		// Simple xorshift-style mixing per coordinate, deterministic per text.
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		v := float64(int64(state)%2000-1000) / 1000.0
		vec[i] = v
		norm += v * v
	}

	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text in turn.
func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		vec, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}
