package types

import "time"

// CrossReference is a directed, typed edge between two memories (spec.md
// §3/§4.7). Uniqueness is on (FromID, ToID, EdgeType).
type CrossReference struct {
	ID         int64   `json:"id"`
	FromID     int64   `json:"from_id"`
	ToID       int64   `json:"to_id"`
	EdgeType   string  `json:"edge_type"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Strength   float64 `json:"strength"`
	Source     string  `json:"source"` // auto, user
	Pinned     bool    `json:"pinned"`

	ValidFrom *time.Time `json:"valid_from,omitempty"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DecayedConfidence applies the auto-source edge confidence decay formula
// from spec.md §4.7: confidence × exp(−ln2 × age_days / half_life_days).
// User-sourced edges do not decay.
func (c *CrossReference) DecayedConfidence(now time.Time, halfLifeDays float64) float64 {
	if c.Source != EdgeSourceAuto {
		return c.Confidence
	}
	ageDays := now.Sub(c.CreatedAt).Hours() / 24.0
	if ageDays <= 0 || halfLifeDays <= 0 {
		return c.Confidence
	}
	return c.Confidence * decayFactor(ageDays, halfLifeDays)
}
