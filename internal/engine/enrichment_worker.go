package engine

import (
	"context"
	"errors"
	"log"
	"time"

	engembedder "github.com/engramdb/engram/internal/embedder"
)

// startEmbeddingWorkers launches n goroutines draining the embedding queue.
// Each worker reacts to a push on c.queue or a periodic tick (so jobs
// enqueued before a restart, or dropped because the channel was full, are
// still picked up eventually), claiming one batch at a time via
// DequeueBatch so concurrent workers never double-process a row.
func (c *Core) startEmbeddingWorkers(ctx context.Context, n int) {
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		c.wg.Add(1)
		go c.embeddingWorkerLoop(ctx)
	}
}

func (c *Core) embeddingWorkerLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.queue:
			c.drainEmbeddingBatch(ctx)
		case <-ticker.C:
			c.drainEmbeddingBatch(ctx)
		}
	}
}

// drainEmbeddingBatch claims and processes jobs until the queue reports
// nothing left to do, so one wakeup can clear a backlog instead of
// requiring one wakeup per job.
func (c *Core) drainEmbeddingBatch(ctx context.Context) {
	for {
		items, err := c.emb.DequeueBatch(ctx, 10)
		if err != nil {
			log.Printf("engine: dequeue embedding batch failed: %v", err)
			return
		}
		if len(items) == 0 {
			return
		}
		for _, item := range items {
			c.processEmbeddingJob(ctx, item.MemoryID, item.ContentHash)
		}
	}
}

func (c *Core) processEmbeddingJob(ctx context.Context, memoryID int64, contentHash string) {
	m, err := c.store.Get(ctx, memoryID)
	if err != nil {
		// Memory was deleted/purged between enqueue and processing; drop the job.
		_ = c.emb.MarkDone(ctx, memoryID)
		return
	}

	if cached, ok := c.embedCache.Get(contentHash); ok {
		if err := c.emb.StoreEmbedding(ctx, memoryID, cached, c.embedderModel()); err != nil {
			log.Printf("engine: store cached embedding for memory %d failed: %v", memoryID, err)
			c.failEmbeddingJob(ctx, memoryID, err)
		}
		return
	}

	vec, err := c.embedder.Embed(ctx, m.Content)
	if err != nil {
		c.failEmbeddingJob(ctx, memoryID, err)
		return
	}
	if len(vec) != c.embedder.Dimensions() {
		c.failEmbeddingJob(ctx, memoryID, engembedder.ErrShapeMismatch)
		return
	}

	c.embedCache.Add(contentHash, vec)
	if err := c.emb.StoreEmbedding(ctx, memoryID, vec, c.embedderModel()); err != nil {
		log.Printf("engine: store embedding for memory %d failed: %v", memoryID, err)
		c.failEmbeddingJob(ctx, memoryID, err)
	}
}

func (c *Core) failEmbeddingJob(ctx context.Context, memoryID int64, cause error) {
	msg := cause.Error()
	if errors.Is(cause, engembedder.ErrUnavailable) {
		msg = "embedder unavailable"
	}
	if err := c.emb.MarkFailed(ctx, memoryID, msg); err != nil {
		log.Printf("engine: mark embedding failed for memory %d: %v", memoryID, err)
	}
}

func (c *Core) embedderModel() string {
	return "engram-embedder-v1"
}
