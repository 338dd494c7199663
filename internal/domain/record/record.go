// Package record provides the domain model for the institutional memory
// ledger: append-only decision records, derived performance statistics, and
// insight events.
package record

import (
	"errors"
	"time"

	"github.com/meridianhq/quorum/internal/domain/consensus"
	"github.com/meridianhq/quorum/internal/domain/decision"
)

// RetentionTier marks how much detail a record retains over time.
type RetentionTier string

const (
	// RetentionShort keeps full detail for immediate re-routing decisions.
	RetentionShort RetentionTier = "short"
	// RetentionMedium keeps the record for rolling statistical aggregates.
	RetentionMedium RetentionTier = "medium"
	// RetentionLong keeps only permanent summary patterns.
	RetentionLong RetentionTier = "long"
)

// Outcome is the terminal result recorded for a decision.
type Outcome string

const (
	OutcomeAutoResolved Outcome = "auto_resolved"
	OutcomeResolved     Outcome = "resolved"
	OutcomeEscalated    Outcome = "escalated"
	OutcomeCancelled    Outcome = "cancelled"
	// OutcomeOversightConfirmed records an explicit human confirmation of a
	// high-impact allocation grant.
	OutcomeOversightConfirmed Outcome = "oversight_confirmed"
)

// Feedback is optional human feedback attached after resolution.
type Feedback struct {
	Rating     float64   `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Validate checks feedback bounds.
func (f *Feedback) Validate() error {
	if f.Rating < 0 || f.Rating > 1 {
		return errors.New("rating must be between 0 and 1")
	}
	return nil
}

// MemoryRecord is one append-only entry in the institutional memory ledger.
// Created on resolution, never mutated afterwards (feedback is stored as a
// companion row, not an in-place update of the decision facts).
type MemoryRecord struct {
	ID         string             `json:"id"`
	DecisionID string             `json:"decision_id"`
	Tier       decision.Tier      `json:"tier"`
	PersonaIDs []string           `json:"persona_ids,omitempty"`
	Domains    []string           `json:"domains,omitempty"`
	Outcome    Outcome            `json:"outcome"`
	Strategy   consensus.Strategy `json:"strategy,omitempty"`
	Quality    float64            `json:"quality_score"`
	Score      float64            `json:"composite_score"`
	Summary    string             `json:"summary,omitempty"`
	Rationale  string             `json:"rationale,omitempty"`
	Feedback   *Feedback          `json:"feedback,omitempty"`
	Retention  RetentionTier      `json:"retention"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Validate checks that a MemoryRecord has all required fields before append.
func (r *MemoryRecord) Validate() error {
	if r.DecisionID == "" {
		return errors.New("decision_id is required")
	}
	if r.Outcome == "" {
		return errors.New("outcome is required")
	}
	if r.Quality < 0 || r.Quality > 1 {
		return errors.New("quality_score must be between 0 and 1")
	}
	return nil
}

// Success reports whether the record counts as a successful engagement for
// the personas involved.
func (r *MemoryRecord) Success() bool {
	switch r.Outcome {
	case OutcomeAutoResolved, OutcomeResolved, OutcomeOversightConfirmed:
		return true
	}
	return false
}

// DomainStats is the derived performance aggregate for one persona in one
// domain, read by the router and consensus engine.
type DomainStats struct {
	PersonaID                string    `json:"persona_id"`
	Domain                   string    `json:"domain"`
	SuccessRate              float64   `json:"success_rate"`
	SampleCount              int       `json:"sample_count"`
	RecommendationConfidence float64   `json:"recommendation_confidence"`
	LastSuccessAt            time.Time `json:"last_success_at,omitzero"`
}

// Insight is derived when a persona's rolling success rate for a domain
// crosses the configured delta from its previous snapshot. Informational
// only: the router consumes the latest aggregate, not the insight itself.
type Insight struct {
	ID           string    `json:"id"`
	PersonaID    string    `json:"persona_id"`
	Domain       string    `json:"domain"`
	PreviousRate float64   `json:"previous_rate"`
	CurrentRate  float64   `json:"current_rate"`
	Delta        float64   `json:"delta"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// EscalationStats summarizes classification activity for reporting.
type EscalationStats struct {
	TotalDecisions int                   `json:"total_decisions"`
	TierCounts     map[decision.Tier]int `json:"tier_counts"`
	AverageScore   float64               `json:"average_score"`
	EscalatedCount int                   `json:"escalated_count"`
	CancelledCount int                   `json:"cancelled_count"`
}
