package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/quorum/internal/domain"
	"github.com/meridianhq/quorum/internal/domain/consensus"
	"github.com/meridianhq/quorum/internal/domain/persona"
)

// CreateSession persists a new consensus session.
func (s *Store) CreateSession(ctx context.Context, sess *consensus.Session) error {
	ids := sess.PersonaIDs
	if ids == nil {
		ids = []string{}
	}

	mode := sess.Mode
	if mode == "" {
		mode = persona.ModeParallel
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO consensus_sessions (id, decision_id, persona_ids, mode, strategy, status, rounds)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		sess.ID, sess.DecisionID, ids, string(mode), string(sess.Strategy), string(sess.Status), sess.Rounds)

	if err := row.Scan(&sess.CreatedAt); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns a consensus session with its inputs.
func (s *Store) GetSession(ctx context.Context, id string) (*consensus.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, decision_id, persona_ids, mode, strategy, resolution, quality, status,
		    rounds, created_at, resolved_at
		 FROM consensus_sessions WHERE id = $1`, id)

	var sess consensus.Session
	var mode, strategy, status string
	var resolvedAt sql.NullTime
	if err := row.Scan(
		&sess.ID, &sess.DecisionID, &sess.PersonaIDs, &mode, &strategy, &sess.Resolution,
		&sess.Quality, &status, &sess.Rounds, &sess.CreatedAt, &resolvedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get session %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	sess.Mode = persona.ConsultationMode(mode)
	sess.Strategy = consensus.Strategy(strategy)
	sess.Status = consensus.Status(status)
	sess.ResolvedAt = touchTime(resolvedAt)

	inputs, err := s.listSessionInputs(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Inputs = inputs
	return &sess, nil
}

// AppendSessionInput persists one persona input for a session.
func (s *Store) AppendSessionInput(ctx context.Context, sessionID string, in consensus.Input) error {
	evidence := json.RawMessage(`[]`)
	if in.Evidence != nil {
		b, err := json.Marshal(in.Evidence)
		if err != nil {
			return fmt.Errorf("marshal evidence: %w", err)
		}
		evidence = b
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_inputs (session_id, persona_id, recommendation, confidence, evidence, seq, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sessionID, in.PersonaID, in.Recommendation, in.Confidence, evidence, in.Seq, in.SubmittedAt)
	if err != nil {
		return fmt.Errorf("append session input: %w", err)
	}
	return nil
}

// UpdateSession persists session status, strategy, resolution, and quality.
func (s *Store) UpdateSession(ctx context.Context, sess *consensus.Session) error {
	var resolvedAt any
	if !sess.ResolvedAt.IsZero() {
		resolvedAt = sess.ResolvedAt
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE consensus_sessions SET strategy = $2, resolution = $3, quality = $4,
		    status = $5, rounds = $6, resolved_at = $7
		 WHERE id = $1`,
		sess.ID, string(sess.Strategy), sess.Resolution, sess.Quality,
		string(sess.Status), sess.Rounds, resolvedAt)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update session %s: %w", sess.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) listSessionInputs(ctx context.Context, sessionID string) ([]consensus.Input, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT persona_id, recommendation, confidence, evidence, seq, submitted_at
		 FROM session_inputs WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session inputs: %w", err)
	}
	defer rows.Close()

	var inputs []consensus.Input
	for rows.Next() {
		var in consensus.Input
		var evidence []byte
		if err := rows.Scan(&in.PersonaID, &in.Recommendation, &in.Confidence, &evidence, &in.Seq, &in.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan session input: %w", err)
		}
		if len(evidence) > 0 {
			_ = json.Unmarshal(evidence, &in.Evidence)
		}
		inputs = append(inputs, in)
	}
	return inputs, rows.Err()
}
