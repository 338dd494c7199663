package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	qotel "github.com/meridianhq/quorum/internal/adapter/otel"
	"github.com/meridianhq/quorum/internal/adapter/ws"
	"github.com/meridianhq/quorum/internal/config"
	"github.com/meridianhq/quorum/internal/domain/consensus"
	"github.com/meridianhq/quorum/internal/domain/decision"
	"github.com/meridianhq/quorum/internal/domain/record"
	"github.com/meridianhq/quorum/internal/port/broadcast"
	"github.com/meridianhq/quorum/internal/port/memorystore"
	"github.com/meridianhq/quorum/internal/port/messagequeue"
	"github.com/meridianhq/quorum/internal/resilience"
)

// MemoryService is the write path into the institutional memory ledger.
// Appends are at-least-once: immediate retries behind a circuit breaker,
// then a bounded replay buffer flushed in the background. Decision
// resolution is never blocked by ledger availability.
type MemoryService struct {
	ledger  memorystore.Ledger
	queue   messagequeue.Queue
	hub     broadcast.Broadcaster
	breaker *resilience.Breaker
	metrics *qotel.Metrics
	cfg     config.Memory

	buffer chan *record.MemoryRecord
}

// NewMemoryService creates a new MemoryService. metrics may be nil.
func NewMemoryService(ledger memorystore.Ledger, queue messagequeue.Queue, hub broadcast.Broadcaster, breaker *resilience.Breaker, metrics *qotel.Metrics, cfg config.Memory) *MemoryService {
	return &MemoryService{
		ledger:  ledger,
		queue:   queue,
		hub:     hub,
		breaker: breaker,
		metrics: metrics,
		cfg:     cfg,
		buffer:  make(chan *record.MemoryRecord, cfg.BufferSize),
	}
}

// Run starts the replay and retention loops. Blocks until ctx is cancelled.
func (s *MemoryService) Run(ctx context.Context) {
	replay := time.NewTicker(s.cfg.ReplayInterval)
	compact := time.NewTicker(s.cfg.CompactInterval)
	defer replay.Stop()
	defer compact.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-replay.C:
			s.flushBuffer(ctx)
		case <-compact.C:
			s.compact(ctx)
		}
	}
}

// RecordResolution derives and appends the memory record for a terminal
// decision, then checks for persona performance insights.
func (s *MemoryService) RecordResolution(ctx context.Context, d *decision.Decision, sess *consensus.Session, score float64) {
	rec := &record.MemoryRecord{
		ID:         uuid.NewString(),
		DecisionID: d.ID,
		Tier:       d.Tier,
		Domains:    d.Request.DomainTags,
		Outcome:    outcomeFor(d.Status),
		Score:      score,
		Summary:    d.Request.Summary,
		Rationale:  d.Rationale,
		Retention:  record.RetentionShort,
		CreatedAt:  time.Now().UTC(),
	}
	if sess != nil {
		rec.PersonaIDs = sess.PersonaIDs
		rec.Strategy = sess.Strategy
		rec.Quality = sess.Quality
	}
	s.Append(ctx, rec)
}

// RecordOversight appends the explicit human confirmation of a high-impact
// allocation grant.
func (s *MemoryService) RecordOversight(ctx context.Context, decisionID, claimID string) {
	s.Append(ctx, &record.MemoryRecord{
		ID:         uuid.NewString(),
		DecisionID: decisionID,
		Outcome:    record.OutcomeOversightConfirmed,
		Summary:    fmt.Sprintf("human oversight confirmed for claim %s", claimID),
		Retention:  record.RetentionShort,
		CreatedAt:  time.Now().UTC(),
	})
}

// Append writes a record with bounded immediate retries; on persistent
// failure the record lands in the replay buffer. Never returns an error:
// the caller's decision flow must not depend on ledger health.
func (s *MemoryService) Append(ctx context.Context, rec *record.MemoryRecord) {
	if err := rec.Validate(); err != nil {
		slog.Error("invalid memory record dropped", "decision_id", rec.DecisionID, "error", err)
		return
	}

	before := s.snapshotRates(ctx, rec)

	if err := s.tryAppend(ctx, rec); err != nil {
		slog.Warn("memory append failed, buffering for replay",
			"record_id", rec.ID, "decision_id", rec.DecisionID, "error", err)
		select {
		case s.buffer <- rec:
		default:
			slog.Error("memory replay buffer full, record dropped", "record_id", rec.ID)
		}
		return
	}

	s.deriveInsights(ctx, rec, before)
}

// Feedback attaches human feedback to an appended record.
func (s *MemoryService) Feedback(ctx context.Context, recordID string, fb record.Feedback) error {
	if err := fb.Validate(); err != nil {
		return fmt.Errorf("validate feedback: %w", err)
	}
	fb.RecordedAt = time.Now().UTC()
	return s.ledger.RecordFeedback(ctx, recordID, fb)
}

// Recent returns the newest full-detail records.
func (s *MemoryService) Recent(ctx context.Context, limit int) ([]record.MemoryRecord, error) {
	return s.ledger.Recent(ctx, limit)
}

// Stats returns the rolling aggregate for a persona in a domain.
func (s *MemoryService) Stats(ctx context.Context, personaID, domain string) (*record.DomainStats, error) {
	return s.ledger.Query(ctx, personaID, domain)
}

// EscalationStats returns pipeline-wide classification statistics.
func (s *MemoryService) EscalationStats(ctx context.Context) (*record.EscalationStats, error) {
	return s.ledger.EscalationStats(ctx)
}

// Insights returns derived insight events for a persona.
func (s *MemoryService) Insights(ctx context.Context, personaID string, limit int) ([]record.Insight, error) {
	return s.ledger.ListInsights(ctx, personaID, limit)
}

// tryAppend attempts the append with retries behind the circuit breaker.
func (s *MemoryService) tryAppend(ctx context.Context, rec *record.MemoryRecord) error {
	var err error
	for attempt := 0; attempt <= s.cfg.AppendRetries; attempt++ {
		if attempt > 0 {
			if s.metrics != nil {
				s.metrics.MemoryAppendRetries.Add(ctx, 1)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.RetryBackoff):
			}
		}
		err = s.breaker.Execute(func() error {
			return s.ledger.Append(ctx, rec)
		})
		if err == nil {
			return nil
		}
	}
	return err
}

// flushBuffer replays buffered records. Appends are idempotent on record ID
// so replay after a partial failure cannot double-count.
func (s *MemoryService) flushBuffer(ctx context.Context) {
	for {
		select {
		case rec := <-s.buffer:
			before := s.snapshotRates(ctx, rec)
			if err := s.tryAppend(ctx, rec); err != nil {
				// Still unhealthy: put it back and stop this pass.
				select {
				case s.buffer <- rec:
				default:
					slog.Error("memory replay buffer full, record dropped", "record_id", rec.ID)
				}
				return
			}
			slog.Info("buffered memory record replayed", "record_id", rec.ID)
			s.deriveInsights(ctx, rec, before)
		default:
			return
		}
	}
}

// snapshotRates captures current success rates for the record's persona and
// domain pairs before the append, for insight delta detection.
func (s *MemoryService) snapshotRates(ctx context.Context, rec *record.MemoryRecord) map[string]float64 {
	rates := make(map[string]float64)
	for _, pid := range rec.PersonaIDs {
		for _, dom := range rec.Domains {
			stats, err := s.ledger.Query(ctx, pid, dom)
			if err != nil || stats.SampleCount == 0 {
				// No established rate yet; nothing to shift from.
				continue
			}
			rates[pid+"/"+dom] = stats.SuccessRate
		}
	}
	return rates
}

// deriveInsights emits an Insight wherever a persona's rolling success rate
// moved by at least the configured delta. Informational only: the router
// reads the latest aggregate, not the insight stream.
func (s *MemoryService) deriveInsights(ctx context.Context, rec *record.MemoryRecord, before map[string]float64) {
	for _, pid := range rec.PersonaIDs {
		for _, dom := range rec.Domains {
			prev, ok := before[pid+"/"+dom]
			if !ok {
				continue
			}
			stats, err := s.ledger.Query(ctx, pid, dom)
			if err != nil {
				continue
			}
			delta := stats.SuccessRate - prev
			if math.Abs(delta) < s.cfg.InsightDelta {
				continue
			}

			ins := &record.Insight{
				ID:           uuid.NewString(),
				PersonaID:    pid,
				Domain:       dom,
				PreviousRate: prev,
				CurrentRate:  stats.SuccessRate,
				Delta:        delta,
				Detail:       fmt.Sprintf("success rate moved %.2f over %d samples", delta, stats.SampleCount),
			}
			if err := s.ledger.AppendInsight(ctx, ins); err != nil {
				slog.Error("append insight failed", "persona_id", pid, "domain", dom, "error", err)
				continue
			}
			s.publishInsight(ctx, ins)
		}
	}
}

func (s *MemoryService) publishInsight(ctx context.Context, ins *record.Insight) {
	s.hub.BroadcastEvent(ctx, ws.EventMemoryInsight, ws.MemoryInsightEvent{
		PersonaID:    ins.PersonaID,
		Domain:       ins.Domain,
		PreviousRate: ins.PreviousRate,
		CurrentRate:  ins.CurrentRate,
		Delta:        ins.Delta,
	})

	payload := messagequeue.MemoryInsightPayload{
		PersonaID:    ins.PersonaID,
		Domain:       ins.Domain,
		PreviousRate: ins.PreviousRate,
		CurrentRate:  ins.CurrentRate,
		Delta:        ins.Delta,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectMemoryInsight, data); err != nil {
		slog.Error("publish insight failed", "persona_id", ins.PersonaID, "error", err)
	}

	slog.Info("insight derived", "persona_id", ins.PersonaID, "domain", ins.Domain, "delta", ins.Delta)
}

// compact runs one retention pass over the ledger.
func (s *MemoryService) compact(ctx context.Context) {
	now := time.Now().UTC()
	err := s.ledger.Compact(ctx,
		now.Add(-s.cfg.ShortTermWindow),
		now.Add(-s.cfg.MediumTermWindow),
		now.Add(-s.cfg.LongTermWindow))
	if err != nil {
		slog.Error("memory compaction failed", "error", err)
	}
}

// outcomeFor maps a terminal decision status to its ledger outcome.
func outcomeFor(status decision.Status) record.Outcome {
	switch status {
	case decision.StatusAutoResolved:
		return record.OutcomeAutoResolved
	case decision.StatusResolved:
		return record.OutcomeResolved
	case decision.StatusCancelled:
		return record.OutcomeCancelled
	default:
		return record.OutcomeEscalated
	}
}
