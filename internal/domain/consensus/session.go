// Package consensus provides the domain model for multi-persona consensus
// sessions: input collection, resolution strategies, and session state.
package consensus

import (
	"errors"
	"strings"
	"time"

	"github.com/meridianhq/quorum/internal/domain/persona"
)

// Status is the consensus session state machine state.
type Status string

const (
	StatusCollecting Status = "collecting"
	StatusResolving  Status = "resolving"
	StatusResolved   Status = "resolved"
	StatusEscalated  Status = "escalated"
	StatusTimedOut   Status = "timed_out"
)

// Terminal reports whether the session has reached an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusResolved, StatusEscalated, StatusTimedOut:
		return true
	}
	return false
}

// Strategy identifies how conflicting persona inputs are reconciled.
type Strategy string

const (
	StrategyUnanimous           Strategy = "unanimous"
	StrategyWeighted            Strategy = "weighted"
	StrategyHierarchical        Strategy = "hierarchical_arbitration"
	StrategyEvidenceBased       Strategy = "evidence_based"
	StrategyStakeholderPriority Strategy = "stakeholder_priority"
)

// Evidence is a structured supporting artifact attached to a recommendation.
type Evidence struct {
	Kind     string  `json:"kind"`
	Source   string  `json:"source"`
	Strength float64 `json:"strength"`
	Detail   string  `json:"detail,omitempty"`
}

// Input is one persona's contribution to a session.
type Input struct {
	PersonaID      string     `json:"persona_id"`
	Recommendation string     `json:"recommendation"`
	Confidence     float64    `json:"confidence"`
	Evidence       []Evidence `json:"evidence,omitempty"`
	// Seq is the submission order within the session, used for tie-breaking.
	Seq         int       `json:"seq"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Session is the bounded process of collecting and reconciling multiple
// personas' recommendations into one outcome.
type Session struct {
	ID         string   `json:"id"`
	DecisionID string   `json:"decision_id"`
	PersonaIDs []string `json:"persona_ids"`
	// Mode is how the assigned personas are to be consulted, carried from
	// the router so the human-interaction layer runs the right protocol.
	Mode       persona.ConsultationMode `json:"mode"`
	Inputs     []Input                  `json:"inputs"`
	Strategy   Strategy                 `json:"strategy,omitempty"`
	Resolution string                   `json:"resolution,omitempty"`
	Quality    float64                  `json:"quality_score"`
	Status     Status                   `json:"status"`
	Rounds     int                      `json:"rounds"`
	CreatedAt  time.Time                `json:"created_at"`
	ResolvedAt time.Time                `json:"resolved_at,omitzero"`
}

// SubmitRequest is the input for a persona submitting a recommendation.
type SubmitRequest struct {
	PersonaID      string     `json:"persona_id"`
	Recommendation string     `json:"recommendation"`
	Confidence     float64    `json:"confidence"`
	Evidence       []Evidence `json:"evidence,omitempty"`
}

// Validate checks that a SubmitRequest has all required fields.
func (r *SubmitRequest) Validate() error {
	if r.PersonaID == "" {
		return errors.New("persona_id is required")
	}
	if r.Recommendation == "" {
		return errors.New("recommendation is required")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return errors.New("confidence must be between 0 and 1")
	}
	for _, ev := range r.Evidence {
		if ev.Strength < 0 || ev.Strength > 1 {
			return errors.New("evidence strength must be between 0 and 1")
		}
	}
	return nil
}

// Normalize returns the canonical form of a recommendation used as the
// equality proxy for agreement detection.
func Normalize(recommendation string) string {
	return strings.ToLower(strings.TrimSpace(recommendation))
}
