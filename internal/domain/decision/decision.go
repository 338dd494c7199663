// Package decision provides the domain model for decision requests and
// their escalation classification.
package decision

import (
	"errors"
	"slices"
	"time"
)

// RiskImpact categorizes the business risk of acting on a decision.
type RiskImpact string

const (
	RiskLow    RiskImpact = "low"
	RiskMedium RiskImpact = "medium"
	RiskHigh   RiskImpact = "high"
)

// ValidRisks lists all valid risk impact levels.
var ValidRisks = []RiskImpact{RiskLow, RiskMedium, RiskHigh}

// Tier is the escalation level assigned to a decision.
type Tier string

const (
	TierAgentOnly        Tier = "agent_only"
	TierJuniorSpecialist Tier = "junior_specialist"
	TierSeniorPartner    Tier = "senior_partner"
)

// Level returns the numeric escalation level of a tier. Higher means more
// escalated. Unknown tiers map to the highest level so a corrupted value
// never silently reduces oversight.
func (t Tier) Level() int {
	switch t {
	case TierAgentOnly:
		return 0
	case TierJuniorSpecialist:
		return 1
	default:
		return 2
	}
}

// Status tracks a decision through the pipeline.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInConsensus  Status = "in_consensus"
	StatusAutoResolved Status = "auto_resolved"
	StatusResolved     Status = "resolved"
	StatusEscalated    Status = "escalated"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether the status is an end state of the pipeline.
func (s Status) Terminal() bool {
	switch s {
	case StatusAutoResolved, StatusResolved, StatusEscalated, StatusCancelled:
		return true
	}
	return false
}

// Request is a structured decision request produced by the external
// agent-collaboration layer. Immutable once created.
type Request struct {
	ID                  string     `json:"id"`
	Summary             string     `json:"summary"`
	Confidence          float64    `json:"confidence"`
	RiskImpact          RiskImpact `json:"risk_impact"`
	DomainTags          []string   `json:"domain_tags,omitempty"`
	AgentConsensusLevel float64    `json:"agent_consensus_level"`
	// AgentConfidences carries the individual self-reported confidences of
	// the contributing agents when the collaborator provides them. Used only
	// for disagreement detection in the classification rationale.
	AgentConfidences []float64 `json:"agent_confidences,omitempty"`
	// StakeholderGroup identifies the primary stakeholder audience of the
	// decision (e.g. "engineering", "executive"). Optional.
	StakeholderGroup string    `json:"stakeholder_group,omitempty"`
	TeamID           string    `json:"team_id"`
	SubmittedAt      time.Time `json:"submitted_at"`
}

// Classification is the output of the tier classifier.
type Classification struct {
	Tier      Tier    `json:"tier"`
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// Decision is the pipeline's view of a request in flight, including its
// current tier and eventual outcome.
type Decision struct {
	ID          string    `json:"id"`
	Request     Request   `json:"request"`
	Tier        Tier      `json:"tier"`
	Rationale   string    `json:"rationale"`
	Status      Status    `json:"status"`
	Escalations int       `json:"escalations"`
	SessionID   string    `json:"session_id,omitempty"`
	Resolution  string    `json:"resolution,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ResolvedAt  time.Time `json:"resolved_at,omitzero"`
}

// Validate checks that a Request has all required fields. Requests failing
// validation are rejected at ingestion and never enter the pipeline.
func (r *Request) Validate() error {
	if r.Summary == "" {
		return errors.New("summary is required")
	}
	if r.TeamID == "" {
		return errors.New("team_id is required")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return errors.New("confidence must be between 0 and 1")
	}
	if r.AgentConsensusLevel < 0 || r.AgentConsensusLevel > 1 {
		return errors.New("agent_consensus_level must be between 0 and 1")
	}
	if !slices.Contains(ValidRisks, r.RiskImpact) {
		return errors.New("risk_impact must be low, medium, or high")
	}
	for _, tag := range r.DomainTags {
		if tag == "" {
			return errors.New("domain_tags must not contain empty tags")
		}
	}
	for _, c := range r.AgentConfidences {
		if c < 0 || c > 1 {
			return errors.New("agent_confidences must be between 0 and 1")
		}
	}
	return nil
}
