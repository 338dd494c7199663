package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/quorum/internal/domain"
	"github.com/meridianhq/quorum/internal/domain/allocation"
)

// CreateClaim persists a resource claim.
func (s *Store) CreateClaim(ctx context.Context, c *allocation.Claim) error {
	var decisionID any
	if c.DecisionID != "" {
		decisionID = c.DecisionID
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO resource_claims (id, team_id, resource_type, units, decision_id,
		    business_impact, capacity_pressure, expertise_match)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING submitted_at`,
		c.ID, c.TeamID, c.ResourceType, c.Units, decisionID,
		c.BusinessImpact, c.CapacityPressure, c.ExpertiseMatch)

	if err := row.Scan(&c.SubmittedAt); err != nil {
		return fmt.Errorf("create claim: %w", err)
	}
	return nil
}

// GetClaim returns a claim by ID.
func (s *Store) GetClaim(ctx context.Context, id string) (*allocation.Claim, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, team_id, resource_type, units, COALESCE(decision_id::text, ''),
		    business_impact, capacity_pressure, expertise_match, submitted_at
		 FROM resource_claims WHERE id = $1`, id)

	var c allocation.Claim
	if err := row.Scan(
		&c.ID, &c.TeamID, &c.ResourceType, &c.Units, &c.DecisionID,
		&c.BusinessImpact, &c.CapacityPressure, &c.ExpertiseMatch, &c.SubmittedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get claim %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get claim %s: %w", id, err)
	}
	return &c, nil
}

// RecordAllocation persists an allocation decision for a claim.
func (s *Store) RecordAllocation(ctx context.Context, d *allocation.Decision) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO allocations (claim_id, resource_type, team_id, status, units,
		    priority, requires_human_oversight, reason, decided_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ClaimID, d.ResourceType, d.TeamID, string(d.Status), d.Units,
		d.Priority, d.RequiresHumanOversight, d.Reason, d.DecidedAt)
	if err != nil {
		return fmt.Errorf("record allocation: %w", err)
	}
	return nil
}

// ListAllocationsByDecision returns allocation decisions tied to a pipeline
// decision, newest first.
func (s *Store) ListAllocationsByDecision(ctx context.Context, decisionID string) ([]allocation.Decision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT a.claim_id, a.resource_type, a.team_id, a.status, a.units,
		    a.priority, a.requires_human_oversight, a.reason, a.decided_at
		 FROM allocations a
		 JOIN resource_claims c ON c.id = a.claim_id
		 WHERE c.decision_id = $1
		 ORDER BY a.decided_at DESC`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	defer rows.Close()

	var result []allocation.Decision
	for rows.Next() {
		var d allocation.Decision
		var status string
		if err := rows.Scan(&d.ClaimID, &d.ResourceType, &d.TeamID, &status, &d.Units,
			&d.Priority, &d.RequiresHumanOversight, &d.Reason, &d.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		d.Status = allocation.ClaimStatus(status)
		result = append(result, d)
	}
	return result, rows.Err()
}
