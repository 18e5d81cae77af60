package engine

import (
	"testing"
	"time"

	"github.com/engramdb/engram/internal/config"
	"github.com/engramdb/engram/internal/embedder"
)

var fixedNow = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

// newTestCore opens an in-memory store with a deterministic embedder, clock,
// and id generator, mirroring the teacher's in-memory sqlite test fixtures.
func newTestCore(t *testing.T) *Core {
	t.Helper()

	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Storage.DataPath = ":memory:"
	cfg.Embedder.Dimensions = 8
	cfg.Embedder.WorkerCount = 0 // no background workers; tests drive embedding synchronously where needed

	c, err := Open(cfg, Options{
		Embedder: embedder.NewHashEmbedder(8),
		Clock:    embedder.NewDeterministicClock(fixedNow),
		IDs:      embedder.NewSequentialIdGen(),
	})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}
