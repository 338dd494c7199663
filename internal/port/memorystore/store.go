// Package memorystore defines the port interface for the append-only
// institutional memory ledger and its derived aggregates.
package memorystore

import (
	"context"
	"time"

	"github.com/meridianhq/quorum/internal/domain/record"
)

// Ledger is the port interface for the institutional memory store.
// Append is at-least-once: callers retry and buffer on failure, and the
// implementation must tolerate duplicate record IDs without double-counting.
type Ledger interface {
	// Append persists a memory record. Records are never mutated after
	// append.
	Append(ctx context.Context, rec *record.MemoryRecord) error

	// Query returns the rolling performance aggregate for a persona in a
	// domain. Aggregates are eventually consistent; callers tolerate
	// slightly stale reads.
	Query(ctx context.Context, personaID, domain string) (*record.DomainStats, error)

	// Recent returns the most recent full-detail records, newest first.
	Recent(ctx context.Context, limit int) ([]record.MemoryRecord, error)

	// RecordFeedback attaches human feedback to an existing record.
	RecordFeedback(ctx context.Context, recordID string, fb record.Feedback) error

	// AppendInsight persists a derived insight event.
	AppendInsight(ctx context.Context, ins *record.Insight) error

	// ListInsights returns insights for a persona, newest first. Empty
	// personaID returns all.
	ListInsights(ctx context.Context, personaID string, limit int) ([]record.Insight, error)

	// EscalationStats returns aggregate classification statistics.
	EscalationStats(ctx context.Context) (*record.EscalationStats, error)

	// Compact applies retention tiers: records older than shortCutoff are
	// demoted to medium (detail stripped), older than mediumCutoff to long
	// (summary only). Nothing is hard-deleted before longCutoff.
	Compact(ctx context.Context, shortCutoff, mediumCutoff, longCutoff time.Time) error
}
