package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianhq/quorum/internal/domain"
	"github.com/meridianhq/quorum/internal/domain/consensus"
	"github.com/meridianhq/quorum/internal/domain/decision"
	"github.com/meridianhq/quorum/internal/domain/record"
)

// Ledger implements memorystore.Ledger using PostgreSQL (append-only).
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a new Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Append inserts a memory record. Duplicate record IDs are ignored so that
// at-least-once delivery from the replay buffer never double-counts.
func (l *Ledger) Append(ctx context.Context, rec *record.MemoryRecord) error {
	personaIDs := rec.PersonaIDs
	if personaIDs == nil {
		personaIDs = []string{}
	}
	domains := rec.Domains
	if domains == nil {
		domains = []string{}
	}

	_, err := l.pool.Exec(ctx,
		`INSERT INTO memory_records (id, decision_id, tier, persona_ids, domains,
		    outcome, strategy, quality, score, summary, rationale, retention, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.DecisionID, string(rec.Tier), personaIDs, domains,
		string(rec.Outcome), string(rec.Strategy), rec.Quality, rec.Score,
		rec.Summary, rec.Rationale, string(rec.Retention), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append memory record: %w", err)
	}
	return nil
}

// Query returns the rolling performance aggregate for a persona in a domain.
func (l *Ledger) Query(ctx context.Context, personaID, dom string) (*record.DomainStats, error) {
	row := l.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		    COUNT(*) FILTER (WHERE outcome IN ('auto_resolved', 'resolved', 'oversight_confirmed')),
		    COALESCE(AVG(quality), 0),
		    MAX(created_at) FILTER (WHERE outcome IN ('auto_resolved', 'resolved', 'oversight_confirmed'))
		 FROM memory_records
		 WHERE $1 = ANY(persona_ids) AND $2 = ANY(domains)`,
		personaID, dom)

	stats := record.DomainStats{PersonaID: personaID, Domain: dom}
	var successes int
	var lastSuccess sql.NullTime
	if err := row.Scan(&stats.SampleCount, &successes, &stats.RecommendationConfidence, &lastSuccess); err != nil {
		return nil, fmt.Errorf("query persona stats: %w", err)
	}
	if stats.SampleCount > 0 {
		stats.SuccessRate = float64(successes) / float64(stats.SampleCount)
	}
	stats.LastSuccessAt = touchTime(lastSuccess)
	return &stats, nil
}

// Recent returns the most recent full-detail records, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]record.MemoryRecord, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT r.id, r.decision_id, r.tier, r.persona_ids, r.domains, r.outcome,
		    r.strategy, r.quality, r.score, r.summary, r.rationale, r.retention, r.created_at,
		    f.rating, f.comment, f.recorded_at
		 FROM memory_records r
		 LEFT JOIN record_feedback f ON f.record_id = r.id
		 WHERE r.retention = 'short'
		 ORDER BY r.created_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent records: %w", err)
	}
	defer rows.Close()

	var result []record.MemoryRecord
	for rows.Next() {
		var rec record.MemoryRecord
		var tier, outcome, strategy, retention string
		var rating sql.NullFloat64
		var comment sql.NullString
		var recordedAt sql.NullTime
		if err := rows.Scan(
			&rec.ID, &rec.DecisionID, &tier, &rec.PersonaIDs, &rec.Domains, &outcome,
			&strategy, &rec.Quality, &rec.Score, &rec.Summary, &rec.Rationale, &retention, &rec.CreatedAt,
			&rating, &comment, &recordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		rec.Tier = decision.Tier(tier)
		rec.Outcome = record.Outcome(outcome)
		rec.Strategy = consensus.Strategy(strategy)
		rec.Retention = record.RetentionTier(retention)
		if rating.Valid {
			rec.Feedback = &record.Feedback{
				Rating:     rating.Float64,
				Comment:    comment.String,
				RecordedAt: recordedAt.Time,
			}
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// RecordFeedback attaches human feedback to an existing record. The record
// row itself is never mutated; feedback lives in a companion table.
func (l *Ledger) RecordFeedback(ctx context.Context, recordID string, fb record.Feedback) error {
	var exists bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM memory_records WHERE id = $1)`, recordID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("record feedback %s: %w", recordID, err)
	}
	if !exists {
		return fmt.Errorf("record feedback %s: %w", recordID, domain.ErrNotFound)
	}

	_, err = l.pool.Exec(ctx,
		`INSERT INTO record_feedback (record_id, rating, comment, recorded_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (record_id) DO UPDATE SET rating = $2, comment = $3, recorded_at = $4`,
		recordID, fb.Rating, fb.Comment, fb.RecordedAt)
	if err != nil {
		return fmt.Errorf("record feedback %s: %w", recordID, err)
	}
	return nil
}

// AppendInsight persists a derived insight event.
func (l *Ledger) AppendInsight(ctx context.Context, ins *record.Insight) error {
	row := l.pool.QueryRow(ctx,
		`INSERT INTO insights (id, persona_id, domain, previous_rate, current_rate, delta, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		ins.ID, ins.PersonaID, ins.Domain, ins.PreviousRate, ins.CurrentRate, ins.Delta, ins.Detail)
	if err := row.Scan(&ins.CreatedAt); err != nil {
		return fmt.Errorf("append insight: %w", err)
	}
	return nil
}

// ListInsights returns insights for a persona, newest first. Empty personaID
// returns insights across all personas.
func (l *Ledger) ListInsights(ctx context.Context, personaID string, limit int) ([]record.Insight, error) {
	var rows pgx.Rows
	var err error
	if personaID == "" {
		rows, err = l.pool.Query(ctx,
			`SELECT id, persona_id, domain, previous_rate, current_rate, delta, detail, created_at
			 FROM insights ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = l.pool.Query(ctx,
			`SELECT id, persona_id, domain, previous_rate, current_rate, delta, detail, created_at
			 FROM insights WHERE persona_id = $1 ORDER BY created_at DESC LIMIT $2`, personaID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()

	var result []record.Insight
	for rows.Next() {
		var ins record.Insight
		if err := rows.Scan(&ins.ID, &ins.PersonaID, &ins.Domain, &ins.PreviousRate,
			&ins.CurrentRate, &ins.Delta, &ins.Detail, &ins.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		result = append(result, ins)
	}
	return result, rows.Err()
}

// EscalationStats returns aggregate classification statistics.
func (l *Ledger) EscalationStats(ctx context.Context) (*record.EscalationStats, error) {
	stats := &record.EscalationStats{TierCounts: make(map[decision.Tier]int)}

	row := l.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		    COALESCE(AVG(score), 0),
		    COUNT(*) FILTER (WHERE outcome = 'escalated'),
		    COUNT(*) FILTER (WHERE outcome = 'cancelled')
		 FROM memory_records`)
	if err := row.Scan(&stats.TotalDecisions, &stats.AverageScore,
		&stats.EscalatedCount, &stats.CancelledCount); err != nil {
		return nil, fmt.Errorf("escalation stats: %w", err)
	}

	rows, err := l.pool.Query(ctx,
		`SELECT tier, COUNT(*) FROM memory_records GROUP BY tier`)
	if err != nil {
		return nil, fmt.Errorf("escalation stats by tier: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tier string
		var count int
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, fmt.Errorf("scan tier count: %w", err)
		}
		stats.TierCounts[decision.Tier(tier)] = count
	}
	return stats, rows.Err()
}

// Compact applies retention tiers. Short records older than shortCutoff are
// demoted to medium with rationale stripped; medium records older than
// mediumCutoff are demoted to long with only the summary kept. Records past
// longCutoff lose their feedback rows but are never hard-deleted.
func (l *Ledger) Compact(ctx context.Context, shortCutoff, mediumCutoff, longCutoff time.Time) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("compact begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE memory_records SET retention = 'medium', rationale = ''
		 WHERE retention = 'short' AND created_at < $1`, shortCutoff); err != nil {
		return fmt.Errorf("compact short tier: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE memory_records SET retention = 'long', rationale = ''
		 WHERE retention = 'medium' AND created_at < $1`, mediumCutoff); err != nil {
		return fmt.Errorf("compact medium tier: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM record_feedback f USING memory_records r
		 WHERE f.record_id = r.id AND r.created_at < $1`, longCutoff); err != nil {
		return fmt.Errorf("compact feedback: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("compact commit: %w", err)
	}
	return nil
}
