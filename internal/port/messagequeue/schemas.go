package messagequeue

import "github.com/meridianhq/quorum/internal/domain/decision"

// DecisionSubmittedPayload is the schema for decisions.submitted messages.
type DecisionSubmittedPayload struct {
	Request decision.Request `json:"request"`
}

// DecisionClassifiedPayload is the schema for decisions.classified messages.
type DecisionClassifiedPayload struct {
	DecisionID string  `json:"decision_id"`
	TeamID     string  `json:"team_id"`
	Tier       string  `json:"tier"`
	Score      float64 `json:"score"`
	Rationale  string  `json:"rationale"`
}

// DecisionResolvedPayload is the schema for decisions.resolved messages.
type DecisionResolvedPayload struct {
	DecisionID string  `json:"decision_id"`
	TeamID     string  `json:"team_id"`
	Status     string  `json:"status"`
	Tier       string  `json:"tier"`
	Resolution string  `json:"resolution,omitempty"`
	Quality    float64 `json:"quality_score,omitempty"`
}

// DecisionCancelledPayload is the schema for decisions.cancelled messages.
type DecisionCancelledPayload struct {
	DecisionID string `json:"decision_id"`
	Reason     string `json:"reason,omitempty"`
}

// ConsensusInputPayload is the schema for consensus.input messages.
type ConsensusInputPayload struct {
	SessionID      string  `json:"session_id"`
	PersonaID      string  `json:"persona_id"`
	Recommendation string  `json:"recommendation"`
	Confidence     float64 `json:"confidence"`
}

// ConsensusStatusPayload is the schema for consensus.status messages.
type ConsensusStatusPayload struct {
	SessionID  string  `json:"session_id"`
	DecisionID string  `json:"decision_id"`
	Status     string  `json:"status"`
	Mode       string  `json:"mode,omitempty"`
	Strategy   string  `json:"strategy,omitempty"`
	Quality    float64 `json:"quality_score,omitempty"`
}

// ClaimSubmittedPayload is the schema for claims.submitted messages.
type ClaimSubmittedPayload struct {
	ClaimID          string  `json:"claim_id"`
	TeamID           string  `json:"team_id"`
	ResourceType     string  `json:"resource_type"`
	Units            int     `json:"units"`
	BusinessImpact   float64 `json:"business_impact"`
	CapacityPressure float64 `json:"capacity_pressure"`
	ExpertiseMatch   float64 `json:"expertise_match"`
}

// ClaimDecidedPayload is the schema for claims.decided messages.
type ClaimDecidedPayload struct {
	ClaimID                string  `json:"claim_id"`
	TeamID                 string  `json:"team_id"`
	ResourceType           string  `json:"resource_type"`
	Status                 string  `json:"status"`
	Units                  int     `json:"units"`
	Priority               float64 `json:"priority"`
	RequiresHumanOversight bool    `json:"requires_human_oversight"`
}

// MemoryInsightPayload is the schema for memory.insight messages.
type MemoryInsightPayload struct {
	PersonaID    string  `json:"persona_id"`
	Domain       string  `json:"domain"`
	PreviousRate float64 `json:"previous_rate"`
	CurrentRate  float64 `json:"current_rate"`
	Delta        float64 `json:"delta"`
}
