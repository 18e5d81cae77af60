// Package storage provides composable storage interfaces for the Engram
// memory store. Small, focused interfaces following the Interface
// Segregation Principle allow the SQLite backend (the only one this module
// ships) to be swapped or faked independently in tests.
package storage

import (
	"context"

	"github.com/engramdb/engram/pkg/types"
)

// MemoryStore provides CRUD operations, versioning and pagination for
// memories (spec.md §4.2).
type MemoryStore interface {
	// Create inserts a new memory and returns its assigned ID.
	Create(ctx context.Context, memory *types.Memory) (int64, error)

	// Get retrieves a memory by ID. Returns ErrNotFound if absent or
	// soft-deleted (unless IncludeDeleted is set by the caller elsewhere).
	Get(ctx context.Context, id int64) (*types.Memory, error)

	// List retrieves memories with pagination and filtering.
	List(ctx context.Context, opts ListOptions) (*PaginatedResult[types.Memory], error)

	// Update modifies an existing memory, recording the prior content/tags/
	// metadata into memory_versions and bumping Version. Returns ErrNotFound
	// if the memory doesn't exist.
	Update(ctx context.Context, memory *types.Memory) error

	// Delete soft-deletes a memory (sets deleted=1, lifecycle_state unchanged).
	// Returns ErrNotFound if the memory doesn't exist.
	Delete(ctx context.Context, id int64) error

	// Purge hard-deletes a memory and all dependent rows (cross_references,
	// embeddings, etc. via ON DELETE CASCADE). Returns ErrNotFound if absent.
	Purge(ctx context.Context, id int64) error

	// Restore un-deletes a soft-deleted memory. Returns ErrNotFound if the
	// memory doesn't exist or was not soft-deleted.
	Restore(ctx context.Context, id int64) error

	// RevertToVersion restores a memory's content/tags/metadata from a prior
	// memory_versions row, recording the current state as a new version
	// first so the revert itself is undoable.
	RevertToVersion(ctx context.Context, id int64, version int) error

	// ListVersions returns the full version history, oldest first.
	ListVersions(ctx context.Context, id int64) ([]*types.MemoryVersion, error)

	// UpdateLifecycleState transitions a memory between active/stale/archived.
	// Returns ErrNotFound if the memory doesn't exist.
	UpdateLifecycleState(ctx context.Context, id int64, state string) error

	// IncrementAccessCount atomically increments access_count and updates
	// last_accessed_at. Returns ErrNotFound if the memory does not exist.
	IncrementAccessCount(ctx context.Context, id int64) error

	// UpdateScores writes salience_score and/or quality_score directly,
	// with no memory_versions snapshot and no Version bump: the periodic
	// salience-decay and quality-recompute jobs (spec.md §4.9/§4.10) are
	// not edits, so they must not produce the version history Update's
	// contract promises for actual content/tag/metadata changes. A nil
	// pointer leaves that column untouched. Returns ErrNotFound if the
	// memory does not exist.
	UpdateScores(ctx context.Context, id int64, salience, quality *float64) error

	// FindByContentHash looks up a memory by its exact content hash within a
	// scope, used for exact-duplicate detection at write time.
	FindByContentHash(ctx context.Context, workspace, scopeKind, scopeID, contentHash string) (*types.Memory, error)

	// Close releases any resources held by the store.
	Close() error
}

// SearchProvider provides lexical (BM25), vector and fuzzy search, fused via
// reciprocal rank fusion (spec.md §4.3, §4.4, §4.5, §4.6).
type SearchProvider interface {
	// LexicalSearch performs FTS5/BM25 full-text search.
	LexicalSearch(ctx context.Context, opts SearchOptions) ([]ScoredMemory, error)

	// VectorSearch performs cosine-similarity search over embeddings.
	VectorSearch(ctx context.Context, query []float64, opts SearchOptions) ([]ScoredMemory, error)

	// FuzzySearch performs edit-distance matching, used as a supplementary
	// channel (never the sole strategy — spec.md Open Question).
	FuzzySearch(ctx context.Context, opts SearchOptions) ([]ScoredMemory, error)

	// HybridSearch fuses lexical, vector and (when requested) fuzzy channels
	// via RRF; the multiplicative utility rerank is left to the caller.
	HybridSearch(ctx context.Context, text string, vector []float64, opts SearchOptions) ([]ScoredMemory, error)
}

// ScoredMemory pairs a retrieved memory with the score it earned in a
// particular search channel (pre- or post-fusion).
type ScoredMemory struct {
	Memory *types.Memory
	Score  float64
}

// GraphProvider provides bounded multi-hop traversal over cross-reference
// edges and entity co-occurrence (spec.md §4.7).
type GraphProvider interface {
	// Traverse performs bounded BFS from a starting memory.
	Traverse(ctx context.Context, startID int64, bounds GraphBounds) (*GraphResult, error)

	// FindPath finds the shortest path between two memories by forward BFS
	// from startID (not bidirectional), returning the memory IDs along the
	// path (inclusive).
	FindPath(ctx context.Context, startID, endID int64, bounds GraphBounds) ([]int64, error)

	// GetNeighbors retrieves immediate cross-reference neighbors of a memory.
	GetNeighbors(ctx context.Context, memoryID int64, opts ListOptions) (*PaginatedResult[types.Memory], error)
}

// RelationshipStore manages cross-reference edges and entities.
type RelationshipStore interface {
	// CreateCrossReference creates or strengthens an edge between two
	// memories. If an edge of the same type already exists, its score and
	// confidence are updated instead of inserting a duplicate row.
	CreateCrossReference(ctx context.Context, ref *types.CrossReference) (int64, error)

	// GetCrossReferences retrieves edges touching a memory (either direction).
	GetCrossReferences(ctx context.Context, memoryID int64, opts ListOptions) ([]*types.CrossReference, error)

	// DeleteCrossReference removes an edge.
	DeleteCrossReference(ctx context.Context, id int64) error

	// StoreEntity creates or updates an entity (upsert on normalized_name+type).
	StoreEntity(ctx context.Context, entity *types.Entity) (string, error)

	// GetEntity retrieves an entity by ID.
	GetEntity(ctx context.Context, id string) (*types.Entity, error)

	// LinkMemoryEntity associates a memory with an entity mention.
	LinkMemoryEntity(ctx context.Context, link *types.MemoryEntity) error

	// GetMemoryEntities returns the entities mentioned in a memory.
	GetMemoryEntities(ctx context.Context, memoryID int64) ([]*types.Entity, error)

	// GetCooccurringMemories returns other memories that mention at least one
	// of the same entities, used as the `include_entities` traversal
	// augmentation (spec.md §4.7).
	GetCooccurringMemories(ctx context.Context, memoryID int64, limit int) ([]int64, error)
}

// EmbeddingProvider manages vector embeddings and the async embedding queue
// (spec.md §4.4).
type EmbeddingProvider interface {
	// StoreEmbedding stores a vector embedding for a memory.
	StoreEmbedding(ctx context.Context, memoryID int64, embedding []float64, model string) error

	// GetEmbedding retrieves the embedding for a memory. Returns ErrNotFound
	// if no embedding has been computed yet.
	GetEmbedding(ctx context.Context, memoryID int64) ([]float64, error)

	// DeleteEmbedding removes an embedding.
	DeleteEmbedding(ctx context.Context, memoryID int64) error

	// Enqueue adds a memory to the embedding queue with status "pending".
	Enqueue(ctx context.Context, memoryID int64, contentHash string) error

	// DequeueBatch claims up to n pending (or due-for-retry) queue entries,
	// marking them "processing" so concurrent workers don't double-claim.
	DequeueBatch(ctx context.Context, n int) ([]EmbeddingQueueItem, error)

	// MarkDone removes a queue entry after a successful embed.
	MarkDone(ctx context.Context, memoryID int64) error

	// MarkFailed records a failure and increments retry_count for backoff.
	MarkFailed(ctx context.Context, memoryID int64, errMsg string) error
}

// EmbeddingQueueItem is one row claimed from the embedding_queue table.
type EmbeddingQueueItem struct {
	MemoryID    int64
	RetryCount  int
	ContentHash string
}
