// Package allocation provides the domain model for arbitrating competing
// claims on shared expert capacity across teams.
package allocation

import (
	"errors"
	"time"
)

// ClaimStatus is the arbitration outcome for a single claim.
type ClaimStatus string

const (
	// StatusGranted means capacity was reserved for the claim.
	StatusGranted ClaimStatus = "granted"
	// StatusHeld means capacity was reserved but the grant is not finalized
	// until an explicit human confirmation is recorded.
	StatusHeld ClaimStatus = "held"
	// StatusDeferred means the claim could not be granted now and will be
	// re-evaluated when capacity is released. Not an error.
	StatusDeferred ClaimStatus = "deferred"
	// StatusPreempted means a previously granted, uncommitted claim was
	// revoked in favor of a higher-priority one.
	StatusPreempted ClaimStatus = "preempted"
	// StatusReleased means the claim's capacity was returned to the pool.
	StatusReleased ClaimStatus = "released"
)

// Weights configures the priority formula for ranking claims.
type Weights struct {
	BusinessImpact   float64 `yaml:"business_impact"`
	CapacityPressure float64 `yaml:"capacity_pressure"`
	ExpertiseMatch   float64 `yaml:"expertise_match"`
}

// Claim is a team's request for scarce persona or compute capacity.
type Claim struct {
	ID           string  `json:"id"`
	TeamID       string  `json:"team_id"`
	ResourceType string  `json:"resource_type"`
	Units        int     `json:"units"`
	// DecisionID links the claim to a pipeline decision when the reservation
	// was made on behalf of one. Empty for externally submitted claims.
	DecisionID string `json:"decision_id,omitempty"`

	BusinessImpact   float64 `json:"business_impact"`
	CapacityPressure float64 `json:"capacity_pressure"`
	ExpertiseMatch   float64 `json:"expertise_match"`

	SubmittedAt time.Time `json:"submitted_at"`
}

// Priority computes the claim's rank score under the given weights.
func (c *Claim) Priority(w Weights) float64 {
	return c.BusinessImpact*w.BusinessImpact +
		c.CapacityPressure*w.CapacityPressure +
		c.ExpertiseMatch*w.ExpertiseMatch
}

// Validate checks that a Claim has all required fields.
func (c *Claim) Validate() error {
	if c.TeamID == "" {
		return errors.New("team_id is required")
	}
	if c.ResourceType == "" {
		return errors.New("resource_type is required")
	}
	if c.Units < 1 {
		return errors.New("units must be >= 1")
	}
	for _, v := range []float64{c.BusinessImpact, c.CapacityPressure, c.ExpertiseMatch} {
		if v < 0 || v > 1 {
			return errors.New("priority factors must be between 0 and 1")
		}
	}
	return nil
}

// Decision is the allocator's outcome for one claim.
type Decision struct {
	ClaimID      string      `json:"claim_id"`
	ResourceType string      `json:"resource_type"`
	TeamID       string      `json:"team_id"`
	Status       ClaimStatus `json:"status"`
	Units        int         `json:"units"`
	Priority     float64     `json:"priority"`
	// RequiresHumanOversight marks grants whose business impact exceeds the
	// configured high-impact threshold.
	RequiresHumanOversight bool      `json:"requires_human_oversight"`
	Reason                 string    `json:"reason,omitempty"`
	DecidedAt              time.Time `json:"decided_at"`
}
