package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/engramdb/engram/internal/engerr"
	"github.com/engramdb/engram/internal/storage"
	"github.com/engramdb/engram/pkg/types"
)

// CreateParams is the input to Create (spec.md §4.2/§6).
type CreateParams struct {
	Content    string
	MemoryType string
	ScopeKind  string
	ScopeID    string
	Workspace  string
	Tier       string
	ExpiresAt  *time.Time
	Importance float64
	Tags       []string
	Metadata   map[string]interface{}
	Origin     string
	Pinned     bool
	SessionID  string

	// SeedConfidence, when Origin=seed and Tier/ExpiresAt are left zero,
	// drives the confidence-derived TTL of spec.md §9: >=0.85 permanent,
	// 0.60-0.84 90 days, <0.60 30 days. Ignored for non-seed origins or
	// when the caller sets Tier/ExpiresAt explicitly.
	SeedConfidence float64

	// DedupMode is one of allow/reject/merge/skip (types.DedupAllow etc).
	DedupMode string
	// DedupThreshold, when set with DedupMode != allow, additionally checks
	// semantic similarity against the best lexical/vector neighbor before
	// deciding; 0 disables the fallback (exact content_hash match only).
	DedupThreshold float64
}

// validateCreate collects every problem at once per spec.md §7 ("validation
// errors collect and report all problems, not just the first").
func (c *Core) validateCreate(p *CreateParams) error {
	var verr engerr.ValidationErrors
	verr.Operation = "create"

	if strings.TrimSpace(p.Content) == "" {
		verr.Add("content must not be empty")
	}
	if len(p.Content) > c.cfg.Storage.MaxContentBytes {
		verr.Add("content exceeds max_content_bytes")
	}
	if p.MemoryType != "" && !types.IsValidMemoryType(p.MemoryType) {
		verr.Add("invalid memory_type")
	}
	if p.ScopeKind != "" && p.ScopeKind != types.ScopeGlobal && p.ScopeKind != types.ScopeUser &&
		p.ScopeKind != types.ScopeSession && p.ScopeKind != types.ScopeAgent {
		verr.Add("invalid scope_kind")
	}
	if p.Tier != "" && p.Tier != types.TierPermanent && p.Tier != types.TierDaily {
		verr.Add("invalid tier")
	}
	if !types.IsValidWorkspace(types.NormalizeWorkspace(p.Workspace)) {
		verr.Add("invalid workspace")
	}
	if p.DedupMode != "" && p.DedupMode != types.DedupAllow && p.DedupMode != types.DedupReject &&
		p.DedupMode != types.DedupMerge && p.DedupMode != types.DedupSkip {
		verr.Add("invalid dedup_mode")
	}
	return verr.AsError()
}

// Create validates and inserts a new memory, handling dedup, tier/expiry
// defaulting, tag normalization, embedding enqueue, and the `created` event,
// per spec.md §4.2 step 1-5.
func (c *Core) Create(ctx context.Context, p CreateParams) (*types.Memory, error) {
	if err := c.validateCreate(&p); err != nil {
		return nil, err
	}

	workspace := types.NormalizeWorkspace(p.Workspace)

	m := &types.Memory{
		Content:    strings.TrimSpace(p.Content),
		MemoryType: p.MemoryType,
		Importance: p.Importance,
		ScopeKind:  p.ScopeKind,
		ScopeID:    p.ScopeID,
		Workspace:  workspace,
		Tier:       p.Tier,
		ExpiresAt:  p.ExpiresAt,
		Origin:     p.Origin,
		Pinned:     p.Pinned,
		SessionID:  p.SessionID,
		Tags:       normalizeTags(p.Tags),
		Metadata:   p.Metadata,
	}
	if m.Tier == "" && m.Origin == types.OriginSeed && p.SeedConfidence > 0 {
		m.Tier, m.ExpiresAt = seedTierFor(p.SeedConfidence, c.now())
	}
	if m.Tier == "" {
		m.Tier = types.TierPermanent
	}
	if m.Tier == types.TierDaily && m.ExpiresAt == nil {
		exp := c.now().Add(24 * time.Hour)
		m.ExpiresAt = &exp
	}

	if p.DedupMode != "" && p.DedupMode != types.DedupAllow {
		contentHash := contentHashOf(m.Content)
		scopeKind := m.ScopeKind
		if scopeKind == "" {
			scopeKind = types.ScopeGlobal // the store records an empty scope as global
		}
		existing, err := c.store.FindByContentHash(ctx, m.Workspace, scopeKind, m.ScopeID, contentHash)
		if err != nil && err != storage.ErrNotFound {
			return nil, engerr.Storage("create", "dedup lookup failed", err, true)
		}
		reason := "duplicate_content_hash"
		if existing == nil && p.DedupThreshold > 0 {
			// spec.md §4.2 step 3: "optionally with a semantic-similarity
			// fallback when a dedup_threshold is provided" — only consulted
			// when the exact content_hash lookup above found nothing.
			if cand, score := c.bestDedupCandidate(ctx, m); cand != nil && score >= p.DedupThreshold {
				existing, reason = cand, "duplicate_semantic_similarity"
			}
		}
		if existing != nil {
			switch p.DedupMode {
			case types.DedupReject:
				return nil, engerr.Conflict("create", reason)
			case types.DedupSkip:
				return existing, nil
			case types.DedupMerge:
				existing.Tags = mergeTags(existing.Tags, m.Tags)
				if existing.Metadata == nil {
					existing.Metadata = map[string]interface{}{}
				}
				for k, v := range m.Metadata {
					existing.Metadata[k] = v
				}
				if err := c.store.Update(ctx, existing); err != nil {
					return nil, translateStorageErr("create", err)
				}
				c.emitEvent(ctx, types.EventUpdated, &existing.ID, "", nil)
				return existing, nil
			}
		}
	}

	id, err := c.store.Create(ctx, m)
	if err != nil {
		return nil, translateStorageErr("create", err)
	}
	m.ID = id

	c.enqueueEmbedding(ctx, m.ID, m.ContentHash)
	c.emitEvent(ctx, types.EventCreated, &m.ID, "", nil)

	return m, nil
}

// BatchCreate creates several memories; a failure on one does not roll back
// the others (spec.md §6 treats batch_create as independent inserts).
func (c *Core) BatchCreate(ctx context.Context, items []CreateParams) ([]*types.Memory, []error) {
	out := make([]*types.Memory, 0, len(items))
	errs := make([]error, 0, len(items))
	for _, p := range items {
		m, err := c.Create(ctx, p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, m)
	}
	return out, errs
}

// Get retrieves a memory, batching the access-count/last-accessed touch
// through the salience pipeline's async buffer (spec.md §4.9) rather than
// writing synchronously on every read.
func (c *Core) Get(ctx context.Context, id int64) (*types.Memory, error) {
	m, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, translateStorageErr("get", err)
	}
	c.recordAccess(id)
	return m, nil
}

// UpdateParams carries the mutable fields of update; a nil pointer field
// leaves that column untouched.
type UpdateParams struct {
	ID         int64
	Content    *string
	MemoryType *string
	Importance *float64
	Tier       *string
	ExpiresAt  **time.Time
	Tags       *[]string
	Metadata   map[string]interface{}
	Pinned     *bool
}

// Update applies a partial update, snapshotting the prior state into
// memory_versions first (handled by the store), bumping version, and
// re-enqueueing embedding only when content changed (spec.md §4.2).
func (c *Core) Update(ctx context.Context, p UpdateParams) (*types.Memory, error) {
	m, err := c.store.Get(ctx, p.ID)
	if err != nil {
		return nil, translateStorageErr("update", err)
	}

	contentChanged := false
	if p.Content != nil && strings.TrimSpace(*p.Content) != m.Content {
		m.Content = strings.TrimSpace(*p.Content)
		contentChanged = true
	}
	if p.MemoryType != nil {
		if !types.IsValidMemoryType(*p.MemoryType) {
			return nil, engerr.InvalidInput("update", "invalid memory_type")
		}
		m.MemoryType = *p.MemoryType
	}
	if p.Importance != nil {
		m.Importance = *p.Importance
	}
	if p.Tier != nil {
		if *p.Tier != types.TierPermanent && *p.Tier != types.TierDaily {
			return nil, engerr.InvalidInput("update", "invalid tier")
		}
		m.Tier = *p.Tier
	}
	if p.ExpiresAt != nil {
		if m.Tier == types.TierPermanent && *p.ExpiresAt != nil {
			// Setting expires_at on a permanent memory is a no-op, not an error.
		} else if m.Tier == types.TierDaily && *p.ExpiresAt == nil {
			return nil, engerr.InvalidInput("update", "expires_at cannot be cleared on a daily memory")
		} else {
			m.ExpiresAt = *p.ExpiresAt
		}
	}
	if p.Tags != nil {
		m.Tags = normalizeTags(*p.Tags)
	}
	if p.Metadata != nil {
		m.Metadata = p.Metadata
	}
	if p.Pinned != nil {
		m.Pinned = *p.Pinned
	}

	if err := c.store.Update(ctx, m); err != nil {
		return nil, translateStorageErr("update", err)
	}

	if contentChanged {
		c.enqueueEmbedding(ctx, m.ID, m.ContentHash)
	}
	c.emitEvent(ctx, types.EventUpdated, &m.ID, "", nil)
	return m, nil
}

// Delete soft-deletes a memory and emits `deleted` (spec.md §4.2).
func (c *Core) Delete(ctx context.Context, id int64) error {
	if err := c.store.Delete(ctx, id); err != nil {
		return translateStorageErr("delete", err)
	}
	c.emitEvent(ctx, types.EventDeleted, &id, "", nil)
	return nil
}

// Purge hard-deletes a memory and its dependent rows; administrative only.
func (c *Core) Purge(ctx context.Context, id int64) error {
	if err := c.store.Purge(ctx, id); err != nil {
		return translateStorageErr("purge", err)
	}
	return nil
}

// Restore un-deletes a soft-deleted memory.
func (c *Core) Restore(ctx context.Context, id int64) (*types.Memory, error) {
	if err := c.store.Restore(ctx, id); err != nil {
		return nil, translateStorageErr("restore", err)
	}
	return c.store.Get(ctx, id)
}

// List retrieves memories with filtering/sorting/paging (spec.md §4.2).
func (c *Core) List(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.Memory], error) {
	res, err := c.store.List(ctx, opts)
	if err != nil {
		return nil, translateStorageErr("list", err)
	}
	return res, nil
}

// BatchDelete soft-deletes several memories independently.
func (c *Core) BatchDelete(ctx context.Context, ids []int64) []error {
	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		if err := c.Delete(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Versions returns the full version history, oldest first.
func (c *Core) Versions(ctx context.Context, id int64) ([]*types.MemoryVersion, error) {
	versions, err := c.store.ListVersions(ctx, id)
	if err != nil {
		return nil, translateStorageErr("versions", err)
	}
	return versions, nil
}

// GetVersion returns one specific version snapshot.
func (c *Core) GetVersion(ctx context.Context, id int64, version int) (*types.MemoryVersion, error) {
	versions, err := c.Versions(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		if v.Version == version {
			return v, nil
		}
	}
	return nil, engerr.NotFound("get_version", id)
}

// Revert restores content/tags/metadata from a prior version, recording the
// current state as a new version first so the revert is itself undoable.
func (c *Core) Revert(ctx context.Context, id int64, version int) (*types.Memory, error) {
	if err := c.store.RevertToVersion(ctx, id, version); err != nil {
		return nil, translateStorageErr("revert", err)
	}
	m, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, translateStorageErr("revert", err)
	}
	c.enqueueEmbedding(ctx, m.ID, m.ContentHash)
	c.emitEvent(ctx, types.EventUpdated, &m.ID, "", map[string]interface{}{"reverted_to": version})
	return m, nil
}

// listOptionsFor builds a minimal ListOptions for internal top-N queries
// that don't need the full filter expression surface.
func listOptionsFor(workspace, sortBy, sortOrder string, limit int) storage.ListOptions {
	opts := storage.ListOptions{Workspace: workspace, SortBy: sortBy, SortOrder: sortOrder, Limit: limit, Page: 1}
	opts.Normalize()
	return opts
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		n := types.NormalizeTag(t)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// seedTierFor derives tier and expiry from extraction confidence for a
// seeded memory (spec.md §9): high confidence never expires, mid
// confidence gets a 90-day window, low confidence 30 days.
func seedTierFor(confidence float64, now time.Time) (string, *time.Time) {
	switch {
	case confidence >= 0.85:
		return types.TierPermanent, nil
	case confidence >= 0.60:
		exp := now.Add(90 * 24 * time.Hour)
		return types.TierDaily, &exp
	default:
		exp := now.Add(30 * 24 * time.Hour)
		return types.TierDaily, &exp
	}
}

func mergeTags(a, b []string) []string {
	return normalizeTags(append(append([]string{}, a...), b...))
}

// bestDedupCandidate finds the closest existing memory in m's scope by
// semantic similarity, falling back to lexical similarity when no embedder
// is wired or nothing has been embedded yet, per spec.md §4.2 step 3's
// "semantic-similarity fallback when a dedup_threshold is provided". It
// never errors: a failed or empty lookup just means no fallback candidate.
func (c *Core) bestDedupCandidate(ctx context.Context, m *types.Memory) (*types.Memory, float64) {
	opts := storage.SearchOptions{
		Query: m.Content, Workspace: m.Workspace, ScopeKind: m.ScopeKind, ScopeID: m.ScopeID, Limit: 1,
	}
	opts.Normalize()

	if vec, _ := c.embedQuery(ctx, m.Content); len(vec) > 0 {
		if res, err := c.search.VectorSearch(ctx, vec, opts); err == nil && len(res) > 0 {
			return res[0].Memory, res[0].Score
		}
	}
	if res, err := c.search.LexicalSearch(ctx, opts); err == nil && len(res) > 0 {
		return res[0].Memory, res[0].Score
	}
	return nil, 0
}

// translateStorageErr maps the sqlite backend's sentinel errors (possibly
// wrapped via %w) to the engerr taxonomy so every engine method returns a
// typed error (spec.md §7).
func translateStorageErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return engerr.NotFoundf(op, "%v", err)
	case errors.Is(err, storage.ErrInvalidInput):
		return engerr.InvalidInput(op, err.Error())
	case errors.Is(err, storage.ErrConflict):
		return engerr.Conflict(op, err.Error())
	default:
		return engerr.Storage(op, "store operation failed", err, false)
	}
}
