package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/engramdb/engram/internal/storage"
)

// Ensure *MemoryStore implements storage.EmbeddingProvider at compile time.
var _ storage.EmbeddingProvider = (*MemoryStore)(nil)

// StoreEmbedding stores a vector embedding for a memory, replacing any prior
// embedding in place (spec.md §4.4: "the worker replaces the prior embedding
// in a transaction").
func (s *MemoryStore) StoreEmbedding(ctx context.Context, memoryID int64, embedding []float64, model string) error {
	if memoryID == 0 {
		return fmt.Errorf("%w: memory_id is required", storage.ErrInvalidInput)
	}
	if len(embedding) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}
	if model == "" {
		return fmt.Errorf("%w: model is required", storage.ErrInvalidInput)
	}

	blob := serializeEmbedding(embedding)
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin store embedding: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO embeddings (memory_id, vector, dimension, model, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET
			vector = excluded.vector,
			dimension = excluded.dimension,
			model = excluded.model,
			updated_at = excluded.updated_at
	`, memoryID, blob, len(embedding), model, now)
	if err != nil {
		return fmt.Errorf("sqlite: store embedding: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM embedding_queue WHERE memory_id = ?", memoryID); err != nil {
		return fmt.Errorf("sqlite: clear embedding queue entry: %w", err)
	}

	return tx.Commit()
}

// GetEmbedding retrieves the embedding for a memory.
func (s *MemoryStore) GetEmbedding(ctx context.Context, memoryID int64) ([]float64, error) {
	var blob []byte
	var dimension int
	err := s.db.QueryRowContext(ctx, "SELECT vector, dimension FROM embeddings WHERE memory_id = ?", memoryID).
		Scan(&blob, &dimension)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get embedding: %w", err)
	}
	return deserializeEmbedding(blob, dimension)
}

// DeleteEmbedding removes an embedding.
func (s *MemoryStore) DeleteEmbedding(ctx context.Context, memoryID int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM embeddings WHERE memory_id = ?", memoryID)
	if err != nil {
		return fmt.Errorf("sqlite: delete embedding: %w", err)
	}
	return requireAffected(result)
}

// Enqueue adds a memory to the embedding queue with status "pending". An
// existing entry for the same memory is reset to pending with the new
// content hash (content changed since the last enqueue).
func (s *MemoryStore) Enqueue(ctx context.Context, memoryID int64, contentHash string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_queue (memory_id, status, retry_count, content_hash, enqueued_at, updated_at)
		VALUES (?, 'pending', 0, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET
			status = 'pending',
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at
	`, memoryID, contentHash, now, now)
	if err != nil {
		return fmt.Errorf("sqlite: enqueue embedding: %w", err)
	}
	return nil
}

// DequeueBatch claims up to n pending (or previously-failed, not yet dead)
// queue entries by marking them "processing" in a single transaction, so
// concurrent workers never double-claim (spec.md §4.4/§5).
func (s *MemoryStore) DequeueBatch(ctx context.Context, n int) ([]storage.EmbeddingQueueItem, error) {
	if n <= 0 {
		n = 10
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin dequeue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT memory_id, retry_count, content_hash, status, updated_at FROM embedding_queue
		WHERE status IN ('pending', 'failed')
		ORDER BY enqueued_at ASC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("sqlite: dequeue scan: %w", err)
	}

	now := time.Now().UTC()
	var items []storage.EmbeddingQueueItem
	for rows.Next() {
		var item storage.EmbeddingQueueItem
		var status string
		var updatedAt time.Time
		if err := rows.Scan(&item.MemoryID, &item.RetryCount, &item.ContentHash, &status, &updatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan queue item: %w", err)
		}
		// Failed entries wait out an exponential backoff (2^retry_count
		// seconds, capped) before becoming claimable again (spec.md §4.4).
		if status == "failed" && now.Before(updatedAt.Add(retryBackoff(item.RetryCount))) {
			continue
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, item := range items {
		if _, err := tx.ExecContext(ctx,
			"UPDATE embedding_queue SET status = 'processing', updated_at = ? WHERE memory_id = ?",
			time.Now().UTC(), item.MemoryID); err != nil {
			return nil, fmt.Errorf("sqlite: claim queue item %d: %w", item.MemoryID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit dequeue: %w", err)
	}
	return items, nil
}

// retryBackoff returns the wait before a failed queue entry may be
// reclaimed: 2^retryCount seconds, capped at ~4 minutes.
func retryBackoff(retryCount int) time.Duration {
	if retryCount > 8 {
		retryCount = 8
	}
	return time.Duration(1<<uint(retryCount)) * time.Second
}

// MarkDone removes a queue entry after a successful embed.
func (s *MemoryStore) MarkDone(ctx context.Context, memoryID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM embedding_queue WHERE memory_id = ?", memoryID)
	if err != nil {
		return fmt.Errorf("sqlite: mark embedding done: %w", err)
	}
	return nil
}

// embeddingMaxRetries bounds how many times a failed embedding job is
// retried before it is marked dead (spec.md §4.4). This mirrors
// config.EmbedderConfig.MaxRetries's default; the worker may pass its own
// configured cap by calling MarkFailed and then checking retry_count itself,
// but the store enforces this floor regardless.
const embeddingMaxRetries = 5

// MarkFailed records a failure and increments retry_count for exponential
// backoff, marking the entry dead once the retry cap is exceeded.
func (s *MemoryStore) MarkFailed(ctx context.Context, memoryID int64, errMsg string) error {
	now := time.Now().UTC()
	var retryCount int
	err := s.db.QueryRowContext(ctx, `
		UPDATE embedding_queue SET
			retry_count = retry_count + 1,
			last_error = ?,
			status = CASE WHEN retry_count + 1 >= ? THEN 'dead' ELSE 'failed' END,
			updated_at = ?
		WHERE memory_id = ?
		RETURNING retry_count
	`, errMsg, embeddingMaxRetries, now, memoryID).Scan(&retryCount)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: mark embedding failed: %w", err)
	}
	return nil
}

// serializeEmbedding converts a float64 slice to a little-endian binary blob.
func serializeEmbedding(embedding []float64) []byte {
	buf := make([]byte, len(embedding)*8)
	for i, v := range embedding {
		putFloat64(buf[i*8:], v)
	}
	return buf
}

// deserializeEmbedding converts a binary blob back to a float64 slice.
func deserializeEmbedding(buf []byte, dimension int) ([]float64, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("sqlite: invalid embedding dimension %d", dimension)
	}
	expected := dimension * 8
	if len(buf) != expected {
		return nil, fmt.Errorf("sqlite: embedding buffer size mismatch: expected %d bytes, got %d", expected, len(buf))
	}
	out := make([]float64, dimension)
	for i := range out {
		out[i] = getFloat64(buf[i*8:])
	}
	return out, nil
}

func putFloat64(b []byte, v float64) {
	bits := math.Float64bits(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(bits >> (8 * i))
	}
}

func getFloat64(b []byte) float64 {
	var bits uint64
	for i := 0; i < 8; i++ {
		bits |= uint64(b[i]) << (8 * i)
	}
	return math.Float64frombits(bits)
}
