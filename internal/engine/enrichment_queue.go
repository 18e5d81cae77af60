package engine

import (
	"context"
	"log"
)

// enqueueEmbedding records the pending embedding job durably (so it survives
// a restart even if no worker ever claims it from the in-memory channel)
// and then nudges a worker via the bounded channel. A full channel still
// lets the write commit — spec.md §5 backpressure: "further enqueues still
// commit; workers catch up later."
func (c *Core) enqueueEmbedding(ctx context.Context, memoryID int64, contentHash string) {
	if err := c.emb.Enqueue(ctx, memoryID, contentHash); err != nil {
		log.Printf("engine: enqueue embedding for memory %d failed: %v", memoryID, err)
		return
	}
	select {
	case c.queue <- memoryID:
	default:
	}
}
