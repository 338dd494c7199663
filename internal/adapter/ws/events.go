package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventDecisionClassified = "decision.classified"
	EventDecisionResolved   = "decision.resolved"
	EventConsensusStatus    = "consensus.status"
	EventAllocationDecision = "allocation.decision"
	EventMemoryInsight      = "memory.insight"
)

// DecisionClassifiedEvent is broadcast when a decision request is scored
// and assigned a tier.
type DecisionClassifiedEvent struct {
	DecisionID string  `json:"decision_id"`
	Tier       string  `json:"tier"`
	Score      float64 `json:"score"`
	Rationale  string  `json:"rationale"`
}

// DecisionResolvedEvent is broadcast when a decision reaches a terminal status.
type DecisionResolvedEvent struct {
	DecisionID  string `json:"decision_id"`
	Status      string `json:"status"`
	Resolution  string `json:"resolution,omitempty"`
	Escalations int    `json:"escalations"`
}

// ConsensusStatusEvent is broadcast when a consensus session changes state.
type ConsensusStatusEvent struct {
	SessionID  string `json:"session_id"`
	DecisionID string `json:"decision_id"`
	Status     string `json:"status"`
	Mode       string `json:"mode"`
	Strategy   string `json:"strategy"`
	Round      int    `json:"round"`
	Inputs     int    `json:"inputs"`
}

// AllocationDecisionEvent is broadcast when a resource claim is decided.
type AllocationDecisionEvent struct {
	ClaimID      string  `json:"claim_id"`
	ResourceType string  `json:"resource_type"`
	TeamID       string  `json:"team_id"`
	Status       string  `json:"status"`
	Units        int     `json:"units"`
	Priority     float64 `json:"priority"`
}

// MemoryInsightEvent is broadcast when a persona performance shift is detected.
type MemoryInsightEvent struct {
	PersonaID    string  `json:"persona_id"`
	Domain       string  `json:"domain"`
	PreviousRate float64 `json:"previous_rate"`
	CurrentRate  float64 `json:"current_rate"`
	Delta        float64 `json:"delta"`
}

// BroadcastEvent marshals a typed event and broadcasts it to all clients.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
