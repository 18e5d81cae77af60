// Package engine orchestrates the Engram memory store: it wires the
// storage interfaces, the embedder capability, and the config-driven
// background jobs (embedding workers, lifecycle sweeper, salience/quality
// decay) into the single entry point external collaborators call — the
// MCP/REST/CLI front ends spec.md §1 treats as out of scope.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/engramdb/engram/internal/config"
	"github.com/engramdb/engram/internal/embedder"
	"github.com/engramdb/engram/internal/storage"
	"github.com/engramdb/engram/internal/storage/sqlite"
)

// Core is the single stateful object the rest of the module depends on. It
// holds the storage backend (through the segregated interfaces storage
// defines, plus the raw *sql.DB for the tables spec.md names that don't
// warrant their own backend-swappable interface: identities, sessions,
// events, sync state, duplicate/conflict rows, and score history — this
// module ships exactly one backend, so generalizing those behind another
// interface would be speculative per the project's own stated aversion to
// premature abstraction).
type Core struct {
	cfg *config.Config

	store storage.MemoryStore
	search storage.SearchProvider
	graph  storage.GraphProvider
	rel    storage.RelationshipStore
	emb    storage.EmbeddingProvider

	ms *sqlite.MemoryStore // concrete handle, for GetDB() and Snapshot/Restore

	embedder embedder.Embedder
	clock    embedder.Clock
	// ids is carried for parity with the capability surface spec.md §6
	// names (Embedder/Clock/IdGen); this backend doesn't call it since
	// the sqlite schema's INTEGER PRIMARY KEY already hands out the
	// monotone int64 memory ids spec.md §3 requires.
	ids embedder.IdGen

	embedCache *lru.Cache[string, []float64]

	queue       chan int64
	accessQueue chan int64
	wg          sync.WaitGroup
	cancel  context.CancelFunc
	closeMu sync.Mutex
	closed  bool
}

// Options lets callers override the default capability implementations
// (tests inject deterministic doubles from internal/embedder).
type Options struct {
	Embedder embedder.Embedder
	Clock    embedder.Clock
	IDs      embedder.IdGen
}

// Open creates (or attaches to) the SQLite-backed store at cfg.Storage.DataPath,
// wires the embedding worker pool and background sweeps, and returns a ready
// Core. Callers must call Close to stop the background loops cleanly.
func Open(cfg *config.Config, opts Options) (*Core, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine: config is required")
	}

	ms, err := sqlite.NewMemoryStore(cfg.Storage.DataPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	cache, err := lru.New[string, []float64](cfg.Embedder.CacheSize)
	if err != nil {
		ms.Close()
		return nil, fmt.Errorf("engine: create embedding cache: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = embedder.SystemClock{}
	}

	c := &Core{
		cfg:        cfg,
		store:      ms,
		search:     ms,
		graph:      ms,
		rel:        ms,
		emb:        ms,
		ms:         ms,
		embedder:   opts.Embedder,
		clock:      clock,
		ids:        opts.IDs,
		embedCache: cache,
		queue:      make(chan int64, cfg.Embedder.QueueCapacity),
		accessQueue: make(chan int64, 1000),
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	if c.embedder != nil {
		c.startEmbeddingWorkers(ctx, cfg.Embedder.WorkerCount)
	}
	c.startLifecycleSweep(ctx)
	c.startDecayLoop(ctx)

	return c, nil
}

// Close stops all background loops and releases the store's connection.
// Safe to call more than once.
func (c *Core) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.cancel()
	c.wg.Wait()
	return c.store.Close()
}

// now returns the injected clock's time, UTC.
func (c *Core) now() time.Time { return c.clock.Now() }
