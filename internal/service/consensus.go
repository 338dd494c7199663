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
	"github.com/meridianhq/quorum/internal/domain/consensus"
	"github.com/meridianhq/quorum/internal/domain/decision"
	"github.com/meridianhq/quorum/internal/domain/persona"
	"github.com/meridianhq/quorum/internal/port/broadcast"
	"github.com/meridianhq/quorum/internal/port/database"
	"github.com/meridianhq/quorum/internal/port/messagequeue"
)

// Outcome is what a finished consensus session reports back to the pipeline.
type Outcome struct {
	Session   *consensus.Session
	Escalated bool
	// Aborted means the session was torn down externally; the pipeline must
	// not treat it as a resolution or an escalation trigger.
	Aborted bool
}

// liveSession is the in-flight state of one collecting session. Each session
// waits on its own channel; sessions never block each other.
type liveSession struct {
	personas map[string]persona.Persona
	inputs   []consensus.Input
	inputCh  chan consensus.Input
	abort    chan struct{}
	done     chan Outcome
}

// ConsensusService coordinates multi-persona input collection and conflict
// resolution. State machine per session:
// Collecting -> Resolving -> {Resolved | Escalated | TimedOut}.
type ConsensusService struct {
	store database.Store
	queue messagequeue.Queue
	hub   broadcast.Broadcaster
	cfg   config.Consensus

	mu   sync.Mutex
	live map[string]*liveSession
}

// NewConsensusService creates a new ConsensusService.
func NewConsensusService(store database.Store, queue messagequeue.Queue, hub broadcast.Broadcaster, cfg config.Consensus) *ConsensusService {
	return &ConsensusService{
		store: store,
		queue: queue,
		hub:   hub,
		cfg:   cfg,
		live:  make(map[string]*liveSession),
	}
}

// Start opens a consensus session for a decision and begins collecting
// persona inputs. The returned channel receives exactly one Outcome when
// the session reaches a terminal state.
func (s *ConsensusService) Start(ctx context.Context, d *decision.Decision, assignment *persona.Assignment) (*consensus.Session, <-chan Outcome, error) {
	ids := make([]string, len(assignment.Personas))
	personas := make(map[string]persona.Persona, len(assignment.Personas))
	for i, p := range assignment.Personas {
		ids[i] = p.ID
		personas[p.ID] = p
	}

	sess := &consensus.Session{
		ID:         uuid.NewString(),
		DecisionID: d.ID,
		PersonaIDs: ids,
		Mode:       assignment.Mode,
		Status:     consensus.StatusCollecting,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("start session: %w", err)
	}

	ls := &liveSession{
		personas: personas,
		inputCh:  make(chan consensus.Input, len(ids)),
		abort:    make(chan struct{}),
		done:     make(chan Outcome, 1),
	}
	s.mu.Lock()
	s.live[sess.ID] = ls
	s.mu.Unlock()

	go s.collect(sess, ls)

	s.broadcastStatus(ctx, sess)
	slog.Info("consensus session started", "session_id", sess.ID, "decision_id", d.ID,
		"personas", len(ids), "mode", assignment.Mode)
	return sess, ls.done, nil
}

// Submit records one persona's recommendation for a collecting session.
func (s *ConsensusService) Submit(ctx context.Context, sessionID string, req consensus.SubmitRequest) (*consensus.Input, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validate input: %w", err)
	}

	s.mu.Lock()
	ls, ok := s.live[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s not collecting: %w", sessionID, domain.ErrNotFound)
	}
	if _, assigned := ls.personas[req.PersonaID]; !assigned {
		s.mu.Unlock()
		return nil, fmt.Errorf("persona %s not assigned to session %s", req.PersonaID, sessionID)
	}
	for _, in := range ls.inputs {
		if in.PersonaID == req.PersonaID {
			s.mu.Unlock()
			return nil, fmt.Errorf("persona %s already submitted: %w", req.PersonaID, domain.ErrConflict)
		}
	}
	in := consensus.Input{
		PersonaID:      req.PersonaID,
		Recommendation: req.Recommendation,
		Confidence:     req.Confidence,
		Evidence:       req.Evidence,
		Seq:            len(ls.inputs),
		SubmittedAt:    time.Now().UTC(),
	}
	ls.inputs = append(ls.inputs, in)
	s.mu.Unlock()

	if err := s.store.AppendSessionInput(ctx, sessionID, in); err != nil {
		slog.Error("persist session input failed", "session_id", sessionID, "error", err)
	}
	s.publishInput(ctx, sessionID, in)

	ls.inputCh <- in
	return &in, nil
}

// GetSession returns a session's persisted state.
func (s *ConsensusService) GetSession(ctx context.Context, id string) (*consensus.Session, error) {
	return s.store.GetSession(ctx, id)
}

// Abort tears down a live session without resolution, used when the
// decision is cancelled mid-collection.
func (s *ConsensusService) Abort(ctx context.Context, sessionID string) {
	s.mu.Lock()
	ls, ok := s.live[sessionID]
	if ok {
		delete(s.live, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	close(ls.abort)

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		slog.Error("abort session load failed", "session_id", sessionID, "error", err)
		sess = &consensus.Session{ID: sessionID}
	}
	sess.Status = consensus.StatusTimedOut
	sess.ResolvedAt = time.Now().UTC()
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		slog.Error("abort session update failed", "session_id", sessionID, "error", err)
	}

	// Wake anyone waiting on the session so the pipeline goroutine exits.
	ls.done <- Outcome{Session: sess, Escalated: true, Aborted: true}
}

// collect waits for all assigned personas or the collection timeout, then
// resolves. Runs in its own goroutine per session.
func (s *ConsensusService) collect(sess *consensus.Session, ls *liveSession) {
	ctx := context.Background()
	timer := time.NewTimer(s.cfg.CollectTimeout)
	defer timer.Stop()

	received := 0
	for received < len(sess.PersonaIDs) {
		select {
		case <-ls.inputCh:
			received++
		case <-ls.abort:
			return
		case <-timer.C:
			s.finish(ctx, sess, ls, true)
			return
		}
	}
	s.finish(ctx, sess, ls, false)
}

// finish runs resolution and reports the terminal outcome.
func (s *ConsensusService) finish(ctx context.Context, sess *consensus.Session, ls *liveSession, timedOut bool) {
	s.mu.Lock()
	if _, ok := s.live[sess.ID]; !ok {
		s.mu.Unlock()
		return // aborted concurrently
	}
	delete(s.live, sess.ID)
	inputs := make([]consensus.Input, len(ls.inputs))
	copy(inputs, ls.inputs)
	s.mu.Unlock()

	ctx, span := qotel.StartSessionSpan(ctx, sess.ID, len(inputs))
	defer span.End()

	sess.Inputs = inputs
	sess.ResolvedAt = time.Now().UTC()

	switch {
	case len(inputs) == 0 && timedOut:
		// Zero responses: a timeout is never silently dropped.
		sess.Status = consensus.StatusTimedOut
		sess.Resolution = "no persona responded within the collection window"
	default:
		sess.Status = consensus.StatusResolving
		s.broadcastStatus(ctx, sess)
		s.resolve(sess, ls)
	}

	if err := s.store.UpdateSession(ctx, sess); err != nil {
		slog.Error("persist session outcome failed", "session_id", sess.ID, "error", err)
	}
	s.broadcastStatus(ctx, sess)

	qotel.RecordSessionOutcome(span, string(sess.Status), string(sess.Strategy), sess.Rounds, sess.Quality)

	escalated := sess.Status != consensus.StatusResolved
	slog.Info("consensus session finished", "session_id", sess.ID, "status", sess.Status,
		"strategy", sess.Strategy, "rounds", sess.Rounds, "quality", sess.Quality)
	ls.done <- Outcome{Session: sess, Escalated: escalated}
}

// resolve applies resolution strategies over a bounded number of rounds.
// Strategy choice and outcome are deterministic given the same input set:
// inputs are ordered by submission seq and every rule is a pure function of
// that ordered set.
func (s *ConsensusService) resolve(sess *consensus.Session, ls *liveSession) {
	inputs := sess.Inputs
	sort.SliceStable(inputs, func(i, j int) bool { return inputs[i].Seq < inputs[j].Seq })

	maxRounds := s.cfg.MaxRounds
	if maxRounds < 1 {
		maxRounds = 1
	}

	for round := 1; round <= maxRounds; round++ {
		sess.Rounds = round
		strategy, resolution, quality, converged := s.resolveRound(inputs, ls.personas, round)
		if converged {
			sess.Strategy = strategy
			sess.Resolution = resolution
			sess.Quality = clamp01(quality)
			sess.Status = consensus.StatusResolved
			return
		}
	}

	sess.Status = consensus.StatusEscalated
	sess.Resolution = "no strategy converged within resolution round limit"
}

// resolveRound tries strategies in precedence order for one round.
func (s *ConsensusService) resolveRound(inputs []consensus.Input, personas map[string]persona.Persona, round int) (consensus.Strategy, string, float64, bool) {
	// Hierarchical arbitration: a senior partner participant wins outright.
	if rec, conf, ok := arbitrate(inputs, personas); ok {
		return consensus.StrategyHierarchical, rec, conf, true
	}

	// Unanimous agreement.
	if rec, quality, ok := unanimous(inputs); ok {
		return consensus.StrategyUnanimous, rec, quality, true
	}

	// Evidence-based: strongest structured evidence wins.
	if rec, quality, ok := evidenceBased(inputs); ok {
		return consensus.StrategyEvidenceBased, rec, quality, true
	}

	// Weighted combination by confidence.
	rec, ratio, tied := weighted(inputs)
	if !tied && ratio >= s.cfg.AgreementThreshold {
		return consensus.StrategyWeighted, rec, ratio, true
	}

	// Exact ties fall through to stakeholder priority in the final round.
	if tied && round >= s.cfg.MaxRounds {
		if rec, quality, ok := s.stakeholderPriority(inputs, personas); ok {
			return consensus.StrategyStakeholderPriority, rec, quality, true
		}
	}

	return "", "", 0, false
}

// arbitrate implements hierarchical arbitration. With several senior
// partners present, the earliest submission wins.
func arbitrate(inputs []consensus.Input, personas map[string]persona.Persona) (string, float64, bool) {
	for _, in := range inputs {
		if personas[in.PersonaID].Kind == persona.KindSeniorPartner {
			return in.Recommendation, in.Confidence, true
		}
	}
	return "", 0, false
}

// unanimous checks full agreement; quality is the average confidence.
func unanimous(inputs []consensus.Input) (string, float64, bool) {
	norm := consensus.Normalize(inputs[0].Recommendation)
	var sum float64
	for _, in := range inputs {
		if consensus.Normalize(in.Recommendation) != norm {
			return "", 0, false
		}
		sum += in.Confidence
	}
	return inputs[0].Recommendation, sum / float64(len(inputs)), true
}

// evidenceBased picks the recommendation whose attached evidence is
// strongest. Applies only when at least one input carries evidence.
func evidenceBased(inputs []consensus.Input) (string, float64, bool) {
	best := -1
	bestStrength := 0.0
	for i, in := range inputs {
		var strength float64
		for _, ev := range in.Evidence {
			if ev.Strength > strength {
				strength = ev.Strength
			}
		}
		if strength > bestStrength {
			best, bestStrength = i, strength
		}
	}
	if best < 0 {
		return "", 0, false
	}
	return inputs[best].Recommendation, bestStrength, true
}

// weighted groups recommendations by normalized form and ranks groups by
// summed confidence. Returns the winning recommendation, its weight share,
// and whether the top groups are exactly tied.
func weighted(inputs []consensus.Input) (string, float64, bool) {
	type group struct {
		rec    string
		weight float64
		seq    int
	}
	groups := make(map[string]*group)
	var total float64
	for _, in := range inputs {
		norm := consensus.Normalize(in.Recommendation)
		total += in.Confidence
		if g, ok := groups[norm]; ok {
			g.weight += in.Confidence
		} else {
			groups[norm] = &group{rec: in.Recommendation, weight: in.Confidence, seq: in.Seq}
		}
	}

	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].weight != ordered[j].weight {
			return ordered[i].weight > ordered[j].weight
		}
		return ordered[i].seq < ordered[j].seq
	})

	if total == 0 {
		return ordered[0].rec, 0, len(ordered) > 1
	}
	tied := len(ordered) > 1 && ordered[0].weight == ordered[1].weight
	return ordered[0].rec, ordered[0].weight / total, tied
}

// stakeholderPriority breaks exact ties by the configured stakeholder
// importance ranking: the input from the persona aligned with the most
// important stakeholder group wins.
func (s *ConsensusService) stakeholderPriority(inputs []consensus.Input, personas map[string]persona.Persona) (string, float64, bool) {
	bestRank := len(s.cfg.StakeholderRanking)
	best := -1
	for i, in := range inputs {
		p := personas[in.PersonaID]
		for rank, group := range s.cfg.StakeholderRanking {
			if rank >= bestRank {
				break
			}
			if p.AlignedWith(group) {
				bestRank, best = rank, i
				break
			}
		}
	}
	if best < 0 {
		return "", 0, false
	}
	return inputs[best].Recommendation, inputs[best].Confidence, true
}

func (s *ConsensusService) broadcastStatus(ctx context.Context, sess *consensus.Session) {
	s.hub.BroadcastEvent(ctx, ws.EventConsensusStatus, ws.ConsensusStatusEvent{
		SessionID:  sess.ID,
		DecisionID: sess.DecisionID,
		Status:     string(sess.Status),
		Mode:       string(sess.Mode),
		Strategy:   string(sess.Strategy),
		Round:      sess.Rounds,
		Inputs:     len(sess.Inputs),
	})

	payload := messagequeue.ConsensusStatusPayload{
		SessionID:  sess.ID,
		DecisionID: sess.DecisionID,
		Status:     string(sess.Status),
		Mode:       string(sess.Mode),
		Strategy:   string(sess.Strategy),
		Quality:    sess.Quality,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectConsensusStatus, data); err != nil {
		slog.Error("publish consensus status failed", "session_id", sess.ID, "error", err)
	}
}

func (s *ConsensusService) publishInput(ctx context.Context, sessionID string, in consensus.Input) {
	payload := messagequeue.ConsensusInputPayload{
		SessionID:      sessionID,
		PersonaID:      in.PersonaID,
		Recommendation: in.Recommendation,
		Confidence:     in.Confidence,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectConsensusInput, data); err != nil {
		slog.Error("publish consensus input failed", "session_id", sessionID, "error", err)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
