package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	qotel "github.com/meridianhq/quorum/internal/adapter/otel"
	"github.com/meridianhq/quorum/internal/adapter/ws"
	"github.com/meridianhq/quorum/internal/config"
	"github.com/meridianhq/quorum/internal/domain"
	"github.com/meridianhq/quorum/internal/domain/allocation"
	"github.com/meridianhq/quorum/internal/port/broadcast"
	"github.com/meridianhq/quorum/internal/port/database"
	"github.com/meridianhq/quorum/internal/port/messagequeue"
)

// AllocatorService arbitrates competing claims on shared expert capacity.
// Each resource type is owned by a single goroutine; all capacity mutations
// for that type flow through its request channel, so the conservation
// invariant (granted units never exceed total capacity) holds without locks
// on the ledger itself.
type AllocatorService struct {
	store database.Store
	queue messagequeue.Queue
	hub   broadcast.Broadcaster
	cfg   config.Allocator

	mu    sync.Mutex
	pools map[string]*resourcePool
}

// poolRequest is one message to a pool's owning goroutine.
type poolRequest struct {
	kind    poolRequestKind
	claim   *allocation.Claim
	claimID string
	reply   chan poolReply
}

type poolRequestKind int

const (
	reqSubmit poolRequestKind = iota
	reqConfirm
	reqCommit
	reqRelease
	reqOversightExpired
	reqSnapshot
)

type poolReply struct {
	decision *allocation.Decision
	// reassessed carries decisions for deferred claims re-evaluated as a
	// side effect of the request (releases, preemptions).
	reassessed []allocation.Decision
	snapshot   PoolSnapshot
	err        error
}

// grant tracks an active reservation inside a pool.
type grant struct {
	claim     *allocation.Claim
	priority  float64
	units     int
	held      bool // awaiting human oversight confirmation
	committed bool // past the preemption checkpoint
	timer     *time.Timer
}

// resourcePool is the single-writer state for one resource type.
type resourcePool struct {
	resourceType string
	capacity     int
	granted      map[string]*grant   // keyed by claim ID
	deferred     []*allocation.Claim // waiting for capacity
	requests     chan poolRequest
}

// PoolSnapshot is a read-only view of a pool's ledger state.
type PoolSnapshot struct {
	ResourceType string `json:"resource_type"`
	Capacity     int    `json:"capacity"`
	GrantedUnits int    `json:"granted_units"`
	ActiveGrants int    `json:"active_grants"`
	HeldGrants   int    `json:"held_grants"`
	Deferred     int    `json:"deferred"`
}

// NewAllocatorService creates a new AllocatorService.
func NewAllocatorService(store database.Store, queue messagequeue.Queue, hub broadcast.Broadcaster, cfg config.Allocator) *AllocatorService {
	return &AllocatorService{
		store: store,
		queue: queue,
		hub:   hub,
		cfg:   cfg,
		pools: make(map[string]*resourcePool),
	}
}

// Submit validates and persists a claim, then asks the owning pool to
// arbitrate it. Deferred is a normal outcome, not an error.
func (s *AllocatorService) Submit(ctx context.Context, claim *allocation.Claim) (*allocation.Decision, error) {
	if err := claim.Validate(); err != nil {
		return nil, fmt.Errorf("validate claim: %w", err)
	}
	if claim.ID == "" {
		claim.ID = uuid.NewString()
	}

	ctx, span := qotel.StartClaimSpan(ctx, claim.ID, claim.ResourceType)
	defer span.End()

	if err := s.store.CreateClaim(ctx, claim); err != nil {
		return nil, err
	}
	s.publishSubmitted(ctx, claim)

	reply := s.send(claim.ResourceType, poolRequest{kind: reqSubmit, claim: claim})
	if reply.err != nil {
		return nil, reply.err
	}
	s.recordDecisions(ctx, reply)
	return reply.decision, nil
}

// Confirm records the human oversight confirmation for a held grant,
// finalizing it.
func (s *AllocatorService) Confirm(ctx context.Context, claimID string) (*allocation.Decision, error) {
	claim, err := s.store.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	reply := s.send(claim.ResourceType, poolRequest{kind: reqConfirm, claimID: claimID})
	if reply.err != nil {
		return nil, reply.err
	}
	s.recordDecisions(ctx, reply)
	return reply.decision, nil
}

// Commit marks a granted claim as past the preemption checkpoint. Committed
// grants can no longer be preempted by higher-priority claims.
func (s *AllocatorService) Commit(ctx context.Context, claimID string) error {
	claim, err := s.store.GetClaim(ctx, claimID)
	if err != nil {
		return err
	}
	reply := s.send(claim.ResourceType, poolRequest{kind: reqCommit, claimID: claimID})
	return reply.err
}

// Release returns a claim's capacity to the pool and re-evaluates deferred
// claims against the freed units.
func (s *AllocatorService) Release(ctx context.Context, claimID string) (*allocation.Decision, error) {
	claim, err := s.store.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	reply := s.send(claim.ResourceType, poolRequest{kind: reqRelease, claimID: claimID})
	if reply.err != nil {
		return nil, reply.err
	}
	s.recordDecisions(ctx, reply)
	return reply.decision, nil
}

// Snapshot returns the current ledger view for a resource type.
func (s *AllocatorService) Snapshot(resourceType string) PoolSnapshot {
	reply := s.send(resourceType, poolRequest{kind: reqSnapshot})
	return reply.snapshot
}

// send routes a request to the pool goroutine for a resource type, creating
// the pool on first use.
func (s *AllocatorService) send(resourceType string, req poolRequest) poolReply {
	s.mu.Lock()
	pool, ok := s.pools[resourceType]
	if !ok {
		capacity, okCap := s.cfg.Capacity[resourceType]
		if !okCap {
			capacity = s.cfg.DefaultCapacity
		}
		pool = &resourcePool{
			resourceType: resourceType,
			capacity:     capacity,
			granted:      make(map[string]*grant),
			requests:     make(chan poolRequest),
		}
		s.pools[resourceType] = pool
		go s.run(pool)
	}
	s.mu.Unlock()

	req.reply = make(chan poolReply, 1)
	pool.requests <- req
	return <-req.reply
}

// run is the owning goroutine for one resource pool.
func (s *AllocatorService) run(pool *resourcePool) {
	for req := range pool.requests {
		var reply poolReply
		switch req.kind {
		case reqSubmit:
			reply = s.arbitrate(pool, req.claim)
		case reqConfirm:
			reply = s.confirm(pool, req.claimID)
		case reqCommit:
			reply = s.commit(pool, req.claimID)
		case reqRelease:
			reply = s.release(pool, req.claimID)
		case reqOversightExpired:
			reply = s.oversightExpired(pool, req.claimID)
		case reqSnapshot:
			reply = poolReply{snapshot: s.snapshot(pool)}
		}
		req.reply <- reply
	}
}

// arbitrate decides one incoming claim against the pool's remaining
// capacity, preempting uncommitted lower-priority grants when necessary.
func (s *AllocatorService) arbitrate(pool *resourcePool, claim *allocation.Claim) poolReply {
	priority := claim.Priority(s.weights())
	var reassessed []allocation.Decision

	if pool.remaining() < claim.Units {
		freed := s.preempt(pool, claim.Units, priority, &reassessed)
		if !freed {
			pool.defer_(claim)
			return poolReply{
				decision:   s.decide(pool, claim, allocation.StatusDeferred, priority, "insufficient capacity; claim queued for retry"),
				reassessed: reassessed,
			}
		}
	}

	return poolReply{
		decision:   s.grantClaim(pool, claim, priority),
		reassessed: reassessed,
	}
}

// preempt frees capacity by revoking uncommitted grants strictly below the
// incoming priority, lowest first. Returns false if even full preemption
// cannot free enough units, in which case nothing is revoked.
func (s *AllocatorService) preempt(pool *resourcePool, needed int, priority float64, reassessed *[]allocation.Decision) bool {
	var victims []*grant
	for _, g := range pool.granted {
		if !g.committed && g.priority < priority {
			victims = append(victims, g)
		}
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].priority < victims[j].priority })

	available := pool.remaining()
	var chosen []*grant
	for _, v := range victims {
		if available >= needed {
			break
		}
		available += v.units
		chosen = append(chosen, v)
	}
	if available < needed {
		return false
	}

	for _, v := range chosen {
		v.stopTimer()
		delete(pool.granted, v.claim.ID)
		pool.defer_(v.claim)
		*reassessed = append(*reassessed, *s.decide(pool, v.claim, allocation.StatusPreempted, v.priority,
			"preempted by higher-priority claim; re-queued"))
	}
	return true
}

// grantClaim reserves units for a claim. High business impact grants are
// held pending human oversight with a confirmation timeout.
func (s *AllocatorService) grantClaim(pool *resourcePool, claim *allocation.Claim, priority float64) *allocation.Decision {
	g := &grant{claim: claim, priority: priority, units: claim.Units}
	pool.granted[claim.ID] = g

	if claim.BusinessImpact > s.cfg.HighImpactThreshold {
		g.held = true
		claimID := claim.ID
		g.timer = time.AfterFunc(s.cfg.OversightTimeout, func() {
			reply := s.send(pool.resourceType, poolRequest{kind: reqOversightExpired, claimID: claimID})
			s.recordDecisions(context.Background(), reply)
		})
		return s.decide(pool, claim, allocation.StatusHeld, priority,
			"business impact above oversight threshold; awaiting human confirmation")
	}
	return s.decide(pool, claim, allocation.StatusGranted, priority, "")
}

// confirm finalizes a held grant after human confirmation.
func (s *AllocatorService) confirm(pool *resourcePool, claimID string) poolReply {
	g, ok := pool.granted[claimID]
	if !ok {
		return poolReply{err: fmt.Errorf("confirm claim %s: %w", claimID, domain.ErrNotFound)}
	}
	if !g.held {
		return poolReply{err: fmt.Errorf("confirm claim %s: grant is not held: %w", claimID, domain.ErrConflict)}
	}
	g.stopTimer()
	g.held = false
	return poolReply{decision: s.decide(pool, g.claim, allocation.StatusGranted, g.priority, "human oversight confirmed")}
}

// commit marks a grant as past the preemption checkpoint.
func (s *AllocatorService) commit(pool *resourcePool, claimID string) poolReply {
	g, ok := pool.granted[claimID]
	if !ok {
		return poolReply{err: fmt.Errorf("commit claim %s: %w", claimID, domain.ErrNotFound)}
	}
	if g.held {
		return poolReply{err: fmt.Errorf("commit claim %s: held grant awaits confirmation: %w", claimID, domain.ErrConflict)}
	}
	g.committed = true
	return poolReply{}
}

// release frees a grant's units (or removes a deferred claim) and retries
// deferred claims against the new remaining capacity.
func (s *AllocatorService) release(pool *resourcePool, claimID string) poolReply {
	if g, ok := pool.granted[claimID]; ok {
		g.stopTimer()
		delete(pool.granted, claimID)
		decision := s.decide(pool, g.claim, allocation.StatusReleased, g.priority, "")
		return poolReply{decision: decision, reassessed: s.retryDeferred(pool)}
	}

	for i, c := range pool.deferred {
		if c.ID == claimID {
			pool.deferred = append(pool.deferred[:i], pool.deferred[i+1:]...)
			return poolReply{decision: s.decide(pool, c, allocation.StatusReleased, c.Priority(s.weights()), "deferred claim withdrawn")}
		}
	}
	return poolReply{err: fmt.Errorf("release claim %s: %w", claimID, domain.ErrNotFound)}
}

// oversightExpired defers a held grant whose confirmation window elapsed.
// The oversight timeout resolves to a deferred state, never a hang.
func (s *AllocatorService) oversightExpired(pool *resourcePool, claimID string) poolReply {
	g, ok := pool.granted[claimID]
	if !ok || !g.held {
		return poolReply{}
	}
	delete(pool.granted, claimID)
	decision := s.decide(pool, g.claim, allocation.StatusDeferred, g.priority,
		"human oversight confirmation window elapsed; claim re-queued")
	// Other waiters get first shot at the freed units; the expired claim
	// joins the queue behind them rather than immediately re-holding.
	reassessed := s.retryDeferred(pool)
	pool.defer_(g.claim)
	return poolReply{decision: decision, reassessed: reassessed}
}

// retryDeferred re-evaluates deferred claims in priority order against the
// pool's remaining capacity.
func (s *AllocatorService) retryDeferred(pool *resourcePool) []allocation.Decision {
	sort.SliceStable(pool.deferred, func(i, j int) bool {
		return pool.deferred[i].Priority(s.weights()) > pool.deferred[j].Priority(s.weights())
	})

	var decided []allocation.Decision
	var still []*allocation.Claim
	for _, c := range pool.deferred {
		if pool.remaining() >= c.Units {
			decided = append(decided, *s.grantClaim(pool, c, c.Priority(s.weights())))
		} else {
			still = append(still, c)
		}
	}
	pool.deferred = still
	return decided
}

func (s *AllocatorService) snapshot(pool *resourcePool) PoolSnapshot {
	snap := PoolSnapshot{
		ResourceType: pool.resourceType,
		Capacity:     pool.capacity,
		Deferred:     len(pool.deferred),
	}
	for _, g := range pool.granted {
		snap.GrantedUnits += g.units
		snap.ActiveGrants++
		if g.held {
			snap.HeldGrants++
		}
	}
	return snap
}

func (s *AllocatorService) weights() allocation.Weights {
	return allocation.Weights{
		BusinessImpact:   s.cfg.BusinessImpactWeight,
		CapacityPressure: s.cfg.CapacityPressureWeight,
		ExpertiseMatch:   s.cfg.ExpertiseMatchWeight,
	}
}

func (s *AllocatorService) decide(pool *resourcePool, claim *allocation.Claim, status allocation.ClaimStatus, priority float64, reason string) *allocation.Decision {
	return &allocation.Decision{
		ClaimID:                claim.ID,
		ResourceType:           pool.resourceType,
		TeamID:                 claim.TeamID,
		Status:                 status,
		Units:                  claim.Units,
		Priority:               priority,
		RequiresHumanOversight: claim.BusinessImpact > s.cfg.HighImpactThreshold,
		Reason:                 reason,
		DecidedAt:              time.Now().UTC(),
	}
}

// recordDecisions persists and publishes the primary decision plus any
// reassessed deferred/preempted outcomes.
func (s *AllocatorService) recordDecisions(ctx context.Context, reply poolReply) {
	if reply.decision != nil {
		s.record(ctx, reply.decision)
	}
	for i := range reply.reassessed {
		s.record(ctx, &reply.reassessed[i])
	}
}

func (s *AllocatorService) record(ctx context.Context, d *allocation.Decision) {
	if err := s.store.RecordAllocation(ctx, d); err != nil {
		slog.Error("record allocation failed", "claim_id", d.ClaimID, "error", err)
	}

	s.hub.BroadcastEvent(ctx, ws.EventAllocationDecision, ws.AllocationDecisionEvent{
		ClaimID:      d.ClaimID,
		ResourceType: d.ResourceType,
		TeamID:       d.TeamID,
		Status:       string(d.Status),
		Units:        d.Units,
		Priority:     d.Priority,
	})

	payload := messagequeue.ClaimDecidedPayload{
		ClaimID:                d.ClaimID,
		TeamID:                 d.TeamID,
		ResourceType:           d.ResourceType,
		Status:                 string(d.Status),
		Units:                  d.Units,
		Priority:               d.Priority,
		RequiresHumanOversight: d.RequiresHumanOversight,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectClaimDecided, data); err != nil {
		slog.Error("publish claim decision failed", "claim_id", d.ClaimID, "error", err)
	}

	slog.Info("allocation decided", "claim_id", d.ClaimID, "resource_type", d.ResourceType,
		"status", d.Status, "units", d.Units, "priority", d.Priority)
}

func (s *AllocatorService) publishSubmitted(ctx context.Context, c *allocation.Claim) {
	payload := messagequeue.ClaimSubmittedPayload{
		ClaimID:          c.ID,
		TeamID:           c.TeamID,
		ResourceType:     c.ResourceType,
		Units:            c.Units,
		BusinessImpact:   c.BusinessImpact,
		CapacityPressure: c.CapacityPressure,
		ExpertiseMatch:   c.ExpertiseMatch,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectClaimSubmitted, data); err != nil {
		slog.Error("publish claim submitted failed", "claim_id", c.ID, "error", err)
	}
}

// remaining is the pool's unreserved capacity. Held grants still consume
// units so a pending confirmation can never be double-booked.
func (p *resourcePool) remaining() int {
	used := 0
	for _, g := range p.granted {
		used += g.units
	}
	return p.capacity - used
}

// defer_ queues a claim for retry; retryDeferred serves waiters in
// priority order.
func (p *resourcePool) defer_(claim *allocation.Claim) {
	p.deferred = append(p.deferred, claim)
}

func (g *grant) stopTimer() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
