package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/quorum/internal/domain"
	"github.com/meridianhq/quorum/internal/domain/decision"
)

// CreateDecision persists a new decision entering the pipeline.
func (s *Store) CreateDecision(ctx context.Context, d *decision.Decision) error {
	tags := d.Request.DomainTags
	if tags == nil {
		tags = []string{}
	}
	confidences := d.Request.AgentConfidences
	if confidences == nil {
		confidences = []float64{}
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO decisions (id, summary, confidence, risk_impact, domain_tags,
		    agent_consensus_level, agent_confidences, stakeholder_group, team_id,
		    submitted_at, tier, rationale, status, escalations)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING created_at`,
		d.ID, d.Request.Summary, d.Request.Confidence, string(d.Request.RiskImpact), tags,
		d.Request.AgentConsensusLevel, confidences, d.Request.StakeholderGroup, d.Request.TeamID,
		d.Request.SubmittedAt, string(d.Tier), d.Rationale, string(d.Status), d.Escalations)

	if err := row.Scan(&d.CreatedAt); err != nil {
		return fmt.Errorf("create decision: %w", err)
	}
	return nil
}

// GetDecision returns a decision by ID.
func (s *Store) GetDecision(ctx context.Context, id string) (*decision.Decision, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, summary, confidence, risk_impact, domain_tags, agent_consensus_level,
		    agent_confidences, stakeholder_group, team_id, submitted_at, tier, rationale,
		    status, escalations, session_id, resolution, created_at, resolved_at
		 FROM decisions WHERE id = $1`, id)

	d, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get decision %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get decision %s: %w", id, err)
	}
	return &d, nil
}

// UpdateDecision persists tier, status, session linkage, and resolution.
func (s *Store) UpdateDecision(ctx context.Context, d *decision.Decision) error {
	var sessionID, resolvedAt any
	if d.SessionID != "" {
		sessionID = d.SessionID
	}
	if !d.ResolvedAt.IsZero() {
		resolvedAt = d.ResolvedAt
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE decisions SET tier = $2, rationale = $3, status = $4, escalations = $5,
		    session_id = $6, resolution = $7, resolved_at = $8
		 WHERE id = $1`,
		d.ID, string(d.Tier), d.Rationale, string(d.Status), d.Escalations,
		sessionID, d.Resolution, resolvedAt)
	if err != nil {
		return fmt.Errorf("update decision %s: %w", d.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update decision %s: %w", d.ID, domain.ErrNotFound)
	}
	return nil
}

func scanDecision(row pgx.Row) (decision.Decision, error) {
	var d decision.Decision
	var risk, tier, status string
	var sessionID sql.NullString
	var resolvedAt sql.NullTime
	if err := row.Scan(
		&d.ID, &d.Request.Summary, &d.Request.Confidence, &risk, &d.Request.DomainTags,
		&d.Request.AgentConsensusLevel, &d.Request.AgentConfidences, &d.Request.StakeholderGroup,
		&d.Request.TeamID, &d.Request.SubmittedAt, &tier, &d.Rationale,
		&status, &d.Escalations, &sessionID, &d.Resolution, &d.CreatedAt, &resolvedAt,
	); err != nil {
		return decision.Decision{}, err
	}
	d.Request.ID = d.ID
	d.Request.RiskImpact = decision.RiskImpact(risk)
	d.Tier = decision.Tier(tier)
	d.Status = decision.Status(status)
	if sessionID.Valid {
		d.SessionID = sessionID.String
	}
	d.ResolvedAt = touchTime(resolvedAt)
	return d, nil
}

// touchTime is a helper for columns that may be NULL in older rows.
func touchTime(t sql.NullTime) time.Time {
	if t.Valid {
		return t.Time
	}
	return time.Time{}
}
