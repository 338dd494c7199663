package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	qotel "github.com/meridianhq/quorum/internal/adapter/otel"
	"github.com/meridianhq/quorum/internal/adapter/ws"
	"github.com/meridianhq/quorum/internal/domain"
	"github.com/meridianhq/quorum/internal/domain/allocation"
	"github.com/meridianhq/quorum/internal/domain/decision"
	"github.com/meridianhq/quorum/internal/domain/persona"
	"github.com/meridianhq/quorum/internal/port/broadcast"
	"github.com/meridianhq/quorum/internal/port/database"
	"github.com/meridianhq/quorum/internal/port/messagequeue"
)

// maxEscalations bounds tier escalation so every decision terminates.
const maxEscalations = 2

// PipelineService drives a decision from ingestion to terminal state:
// classify, route, build consensus, arbitrate capacity, and record the
// outcome in institutional memory. Decisions are processed concurrently
// and independently.
type PipelineService struct {
	store      database.Store
	queue      messagequeue.Queue
	hub        broadcast.Broadcaster
	classifier *ClassifierService
	router     *RouterService
	consensus  *ConsensusService
	allocator  *AllocatorService
	memory     *MemoryService
	metrics    *qotel.Metrics
	reduced    float64 // consensus level used on forced reclassification

	mu        sync.Mutex
	claims    map[string]string // decision ID to active claim ID
	cancelled map[string]struct{}
}

// NewPipelineService creates a new PipelineService.
func NewPipelineService(
	store database.Store,
	queue messagequeue.Queue,
	hub broadcast.Broadcaster,
	classifier *ClassifierService,
	router *RouterService,
	consensusSvc *ConsensusService,
	allocator *AllocatorService,
	memory *MemoryService,
	metrics *qotel.Metrics,
	reducedConsensusLevel float64,
) *PipelineService {
	return &PipelineService{
		store:      store,
		queue:      queue,
		hub:        hub,
		classifier: classifier,
		router:     router,
		consensus:  consensusSvc,
		allocator:  allocator,
		memory:     memory,
		metrics:    metrics,
		reduced:    reducedConsensusLevel,
		claims:     make(map[string]string),
		cancelled:  make(map[string]struct{}),
	}
}

// Submit validates a request, classifies it, and starts its pipeline run.
// Agent-only decisions resolve immediately; everything else is routed to
// personas asynchronously.
func (s *PipelineService) Submit(ctx context.Context, req decision.Request) (*decision.Decision, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validate request: %w", err)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}

	cls := s.classifier.Classify(req)
	d := &decision.Decision{
		ID:        req.ID,
		Request:   req,
		Tier:      cls.Tier,
		Rationale: cls.Rationale,
		Status:    decision.StatusPending,
	}
	if err := s.store.CreateDecision(ctx, d); err != nil {
		return nil, err
	}

	s.publishClassified(ctx, d, cls.Score)
	if s.metrics != nil {
		s.metrics.DecisionsClassified.Add(ctx, 1)
	}
	slog.Info("decision classified", "decision_id", d.ID, "tier", d.Tier, "score", cls.Score)

	if d.Tier == decision.TierAgentOnly {
		d.Status = decision.StatusAutoResolved
		d.Resolution = "auto-resolved: agent consensus sufficient, no persona consultation"
		s.finalize(ctx, d, cls.Score)
		return d, nil
	}

	go s.advance(context.Background(), d, cls)
	return d, nil
}

// Get returns a decision by ID.
func (s *PipelineService) Get(ctx context.Context, id string) (*decision.Decision, error) {
	return s.store.GetDecision(ctx, id)
}

// Cancel terminates an in-flight decision, aborting its session and
// releasing any reserved capacity. Terminal decisions cannot be cancelled.
func (s *PipelineService) Cancel(ctx context.Context, id, reason string) (*decision.Decision, error) {
	d, err := s.store.GetDecision(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status.Terminal() {
		return nil, fmt.Errorf("cancel decision %s: already %s: %w", id, d.Status, domain.ErrConflict)
	}

	// Mark before aborting: the pipeline goroutine may be between routing
	// and session start, where there is no session to abort yet.
	s.mu.Lock()
	s.cancelled[id] = struct{}{}
	s.mu.Unlock()

	if d.SessionID != "" {
		s.consensus.Abort(ctx, d.SessionID)
	}

	d.Status = decision.StatusCancelled
	d.Resolution = reason
	s.finalize(ctx, d, 0)

	payload := messagequeue.DecisionCancelledPayload{DecisionID: d.ID, Reason: reason}
	if data, err := json.Marshal(payload); err == nil {
		if err := s.queue.Publish(ctx, messagequeue.SubjectDecisionCancelled, data); err != nil {
			slog.Error("publish cancellation failed", "decision_id", d.ID, "error", err)
		}
	}
	return d, nil
}

// advance runs one routing and consensus pass for a decision, escalating on
// failure until the decision terminates. Runs in its own goroutine.
func (s *PipelineService) advance(ctx context.Context, d *decision.Decision, cls decision.Classification) {
	ctx, span := qotel.StartDecisionSpan(ctx, d.ID, string(d.Tier), d.Request.TeamID)
	defer span.End()
	defer s.clearCancelled(d.ID)
	started := time.Now()

	for {
		assignment, err := s.router.Route(ctx, d.Request, d.Tier)
		if err != nil {
			if errors.Is(err, persona.ErrNoQualifiedPersona) && d.Tier != decision.TierSeniorPartner {
				slog.Warn("no qualified persona, escalating", "decision_id", d.ID, "tier", d.Tier)
				if !s.escalate(ctx, d, "no qualified persona for required domain") {
					break
				}
				continue
			}
			// Senior partner routing failed outright: terminate as
			// escalated so a human picks it up, never hang.
			d.Status = decision.StatusEscalated
			d.Resolution = "routing failed: " + err.Error()
			break
		}

		s.reserve(ctx, d, assignment)

		if s.wasCancelled(d.ID) {
			// Cancel landed while routing; it persisted the terminal
			// state, this goroutine only returns the capacity.
			s.releaseClaim(ctx, d.ID)
			return
		}

		sess, done, err := s.consensus.Start(ctx, d, assignment)
		if err != nil {
			slog.Error("start consensus failed", "decision_id", d.ID, "error", err)
			d.Status = decision.StatusEscalated
			d.Resolution = "consensus session could not be started"
			break
		}
		d.SessionID = sess.ID
		d.Status = decision.StatusInConsensus
		if err := s.store.UpdateDecision(ctx, d); err != nil {
			slog.Error("persist decision failed", "decision_id", d.ID, "error", err)
		}

		if s.wasCancelled(d.ID) {
			// Cancel raced the session start and could not see the
			// session ID; tear the session down and restore the terminal
			// status the in-consensus write may have clobbered.
			s.consensus.Abort(ctx, sess.ID)
			d.Status = decision.StatusCancelled
			if err := s.store.UpdateDecision(ctx, d); err != nil {
				slog.Error("persist cancellation failed", "decision_id", d.ID, "error", err)
			}
			s.releaseClaim(ctx, d.ID)
			return
		}

		outcome := <-done
		if outcome.Aborted {
			// Cancellation finalizes the decision on its own path.
			return
		}
		if outcome.Session.Status.Terminal() && !outcome.Escalated {
			d.Status = decision.StatusResolved
			d.Resolution = outcome.Session.Resolution
			s.finalizeWithSession(ctx, d, outcome, cls.Score, started)
			return
		}

		// Non-convergence or timeout forces reclassification with a
		// reduced consensus level so the decision lands at senior partner.
		reason := "consensus did not converge"
		if len(outcome.Session.Inputs) == 0 {
			reason = "collection window elapsed with no persona input"
		}
		if !s.escalate(ctx, d, reason) {
			break
		}
	}

	// Loop exits here only on terminal escalation.
	if s.metrics != nil {
		s.metrics.DecisionsEscalated.Add(ctx, 1)
	}
	s.finalize(ctx, d, cls.Score)
	if s.metrics != nil {
		s.metrics.DecisionDuration.Record(ctx, time.Since(started).Seconds())
	}
}

// escalate raises the decision's tier via reclassification. Returns false
// when the escalation budget is exhausted or the tier cannot rise further,
// which makes the decision terminal.
func (s *PipelineService) escalate(ctx context.Context, d *decision.Decision, reason string) bool {
	if d.Escalations >= maxEscalations || d.Tier == decision.TierSeniorPartner {
		d.Status = decision.StatusEscalated
		d.Resolution = reason + "; escalation budget exhausted, awaiting senior partner"
		return false
	}

	d.Escalations++
	cls := s.classifier.Reclassify(d.Request, s.reduced)
	if cls.Tier.Level() <= d.Tier.Level() {
		// Reclassification never lowers an escalating decision's tier.
		cls.Tier = decision.TierSeniorPartner
	}
	d.Tier = cls.Tier
	d.Rationale = cls.Rationale + "; escalated: " + reason
	d.SessionID = ""
	if err := s.store.UpdateDecision(ctx, d); err != nil {
		slog.Error("persist escalation failed", "decision_id", d.ID, "error", err)
	}

	s.publishClassified(ctx, d, cls.Score)
	slog.Info("decision escalated", "decision_id", d.ID, "tier", d.Tier, "escalations", d.Escalations, "reason", reason)
	return true
}

// reserve claims expert capacity for the consultation. A deferred claim
// does not block the decision; consultation proceeds and the claim is
// retried by the allocator when capacity frees up.
func (s *PipelineService) reserve(ctx context.Context, d *decision.Decision, assignment *persona.Assignment) {
	s.releaseClaim(ctx, d.ID)

	claim := &allocation.Claim{
		TeamID:           d.Request.TeamID,
		ResourceType:     string(d.Tier),
		Units:            len(assignment.Personas),
		DecisionID:       d.ID,
		BusinessImpact:   riskImpactScore(d.Request.RiskImpact),
		CapacityPressure: 1 - d.Request.AgentConsensusLevel,
		ExpertiseMatch:   d.Request.Confidence,
	}
	alloc, err := s.allocator.Submit(ctx, claim)
	if err != nil {
		slog.Warn("capacity reservation failed", "decision_id", d.ID, "error", err)
		return
	}
	if alloc.Status == allocation.StatusGranted || alloc.Status == allocation.StatusHeld {
		s.mu.Lock()
		s.claims[d.ID] = claim.ID
		s.mu.Unlock()
	}
	if s.metrics != nil {
		switch alloc.Status {
		case allocation.StatusGranted, allocation.StatusHeld:
			s.metrics.ClaimsGranted.Add(ctx, 1)
		case allocation.StatusDeferred:
			s.metrics.ClaimsDeferred.Add(ctx, 1)
		}
	}
}

// wasCancelled reports whether Cancel has claimed this decision. The marker
// closes the window where a cancel lands after routing but before the
// session ID is visible to it.
func (s *PipelineService) wasCancelled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancelled[id]
	return ok
}

func (s *PipelineService) clearCancelled(id string) {
	s.mu.Lock()
	delete(s.cancelled, id)
	s.mu.Unlock()
}

// releaseClaim frees the decision's reserved capacity, if any.
func (s *PipelineService) releaseClaim(ctx context.Context, decisionID string) {
	s.mu.Lock()
	claimID, ok := s.claims[decisionID]
	if ok {
		delete(s.claims, decisionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if _, err := s.allocator.Release(ctx, claimID); err != nil {
		slog.Error("release reservation failed", "decision_id", decisionID, "claim_id", claimID, "error", err)
	}
}

// finalizeWithSession completes a consensus-resolved decision.
func (s *PipelineService) finalizeWithSession(ctx context.Context, d *decision.Decision, outcome Outcome, score float64, started time.Time) {
	d.ResolvedAt = time.Now().UTC()
	if err := s.store.UpdateDecision(ctx, d); err != nil {
		slog.Error("persist resolution failed", "decision_id", d.ID, "error", err)
	}

	s.releaseClaim(ctx, d.ID)
	s.memory.RecordResolution(ctx, d, outcome.Session, score)
	s.publishResolved(ctx, d, outcome.Session.Quality)
	if s.metrics != nil {
		s.metrics.DecisionsResolved.Add(ctx, 1)
		s.metrics.ConsensusRounds.Add(ctx, int64(outcome.Session.Rounds))
		s.metrics.ConsensusScore.Record(ctx, outcome.Session.Quality)
		s.metrics.DecisionDuration.Record(ctx, time.Since(started).Seconds())
	}
	slog.Info("decision resolved", "decision_id", d.ID, "status", d.Status,
		"strategy", outcome.Session.Strategy, "quality", outcome.Session.Quality)
}

// finalize completes a decision with no session outcome (auto-resolved,
// cancelled, or terminally escalated).
func (s *PipelineService) finalize(ctx context.Context, d *decision.Decision, score float64) {
	d.ResolvedAt = time.Now().UTC()
	if err := s.store.UpdateDecision(ctx, d); err != nil {
		slog.Error("persist terminal decision failed", "decision_id", d.ID, "error", err)
	}

	s.releaseClaim(ctx, d.ID)
	s.memory.RecordResolution(ctx, d, nil, score)
	s.publishResolved(ctx, d, 0)
	if s.metrics != nil && d.Status == decision.StatusAutoResolved {
		s.metrics.DecisionsResolved.Add(ctx, 1)
	}
	slog.Info("decision terminal", "decision_id", d.ID, "status", d.Status, "escalations", d.Escalations)
}

func (s *PipelineService) publishClassified(ctx context.Context, d *decision.Decision, score float64) {
	s.hub.BroadcastEvent(ctx, ws.EventDecisionClassified, ws.DecisionClassifiedEvent{
		DecisionID: d.ID,
		Tier:       string(d.Tier),
		Score:      score,
		Rationale:  d.Rationale,
	})

	payload := messagequeue.DecisionClassifiedPayload{
		DecisionID: d.ID,
		TeamID:     d.Request.TeamID,
		Tier:       string(d.Tier),
		Score:      score,
		Rationale:  d.Rationale,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectDecisionClassified, data); err != nil {
		slog.Error("publish classification failed", "decision_id", d.ID, "error", err)
	}
}

func (s *PipelineService) publishResolved(ctx context.Context, d *decision.Decision, quality float64) {
	s.hub.BroadcastEvent(ctx, ws.EventDecisionResolved, ws.DecisionResolvedEvent{
		DecisionID:  d.ID,
		Status:      string(d.Status),
		Resolution:  d.Resolution,
		Escalations: d.Escalations,
	})

	payload := messagequeue.DecisionResolvedPayload{
		DecisionID: d.ID,
		TeamID:     d.Request.TeamID,
		Status:     string(d.Status),
		Tier:       string(d.Tier),
		Resolution: d.Resolution,
		Quality:    quality,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectDecisionResolved, data); err != nil {
		slog.Error("publish resolution failed", "decision_id", d.ID, "error", err)
	}
}

// riskImpactScore maps risk impact to the business-impact factor used when
// reserving expert capacity on a decision's behalf.
func riskImpactScore(risk decision.RiskImpact) float64 {
	switch risk {
	case decision.RiskLow:
		return 0.3
	case decision.RiskMedium:
		return 0.6
	default:
		return 0.9
	}
}
