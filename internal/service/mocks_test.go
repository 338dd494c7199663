package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/quorum/internal/domain"
	"github.com/meridianhq/quorum/internal/domain/allocation"
	"github.com/meridianhq/quorum/internal/domain/consensus"
	"github.com/meridianhq/quorum/internal/domain/decision"
	"github.com/meridianhq/quorum/internal/domain/persona"
	"github.com/meridianhq/quorum/internal/domain/record"
	"github.com/meridianhq/quorum/internal/port/broadcast"
	"github.com/meridianhq/quorum/internal/port/cache"
	"github.com/meridianhq/quorum/internal/port/database"
	"github.com/meridianhq/quorum/internal/port/memorystore"
	"github.com/meridianhq/quorum/internal/port/messagequeue"
)

// Ensure mock types implement their interfaces at compile time.
var (
	_ database.Store        = (*mockStore)(nil)
	_ memorystore.Ledger    = (*mockLedger)(nil)
	_ messagequeue.Queue    = (*mockQueue)(nil)
	_ broadcast.Broadcaster = (*mockBroadcaster)(nil)
	_ cache.Cache           = (*mockCache)(nil)
)

type mockBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (m *mockBroadcaster) BroadcastEvent(_ context.Context, eventType string, _ any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType)
}

func (m *mockBroadcaster) count(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e == eventType {
			n++
		}
	}
	return n
}

type mockQueue struct {
	mu        sync.Mutex
	published map[string]int
}

func (m *mockQueue) Publish(_ context.Context, subject string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.published == nil {
		m.published = make(map[string]int)
	}
	m.published[subject]++
	return nil
}

func (m *mockQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (m *mockQueue) Drain() error      { return nil }
func (m *mockQueue) Close() error      { return nil }
func (m *mockQueue) IsConnected() bool { return true }

func (m *mockQueue) count(subject string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published[subject]
}

type mockCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *mockCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mockCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = value
	return nil
}

func (m *mockCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// mockStore is an in-memory database.Store.
type mockStore struct {
	mu          sync.Mutex
	personas    map[string]persona.Persona
	decisions   map[string]decision.Decision
	sessions    map[string]consensus.Session
	inputs      map[string][]consensus.Input
	claims      map[string]allocation.Claim
	allocations []allocation.Decision

	// onListPersonas, when set, runs at the top of ListPersonas. Lets tests
	// hold the routing step at a chosen point.
	onListPersonas func()
}

func newMockStore() *mockStore {
	return &mockStore{
		personas:  make(map[string]persona.Persona),
		decisions: make(map[string]decision.Decision),
		sessions:  make(map[string]consensus.Session),
		inputs:    make(map[string][]consensus.Input),
		claims:    make(map[string]allocation.Claim),
	}
}

func (m *mockStore) addPersona(p persona.Persona) persona.Persona {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	m.personas[p.ID] = p
	return p
}

func (m *mockStore) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *mockStore) CreatePersona(_ context.Context, req persona.CreateRequest) (*persona.Persona, error) {
	p := persona.Persona{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Kind:         req.Kind,
		Affinities:   req.Affinities,
		Stakeholders: req.Stakeholders,
		Available:    req.Available,
		CreatedAt:    time.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.personas[p.ID] = p
	return &p, nil
}

func (m *mockStore) GetPersona(_ context.Context, id string) (*persona.Persona, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.personas[id]
	if !ok {
		return nil, fmt.Errorf("persona %s: %w", id, domain.ErrNotFound)
	}
	return &p, nil
}

func (m *mockStore) ListPersonas(_ context.Context) ([]persona.Persona, error) {
	if m.onListPersonas != nil {
		m.onListPersonas()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]persona.Persona, 0, len(m.personas))
	for _, p := range m.personas {
		out = append(out, p)
	}
	return out, nil
}

func (m *mockStore) SetPersonaAvailability(_ context.Context, id string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.personas[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.Available = available
	m.personas[id] = p
	return nil
}

func (m *mockStore) CreateDecision(_ context.Context, d *decision.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.CreatedAt = time.Now().UTC()
	m.decisions[d.ID] = *d
	return nil
}

func (m *mockStore) GetDecision(_ context.Context, id string) (*decision.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return nil, fmt.Errorf("decision %s: %w", id, domain.ErrNotFound)
	}
	return &d, nil
}

func (m *mockStore) UpdateDecision(_ context.Context, d *decision.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decisions[d.ID]; !ok {
		return domain.ErrNotFound
	}
	m.decisions[d.ID] = *d
	return nil
}

func (m *mockStore) CreateSession(_ context.Context, s *consensus.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.CreatedAt = time.Now().UTC()
	m.sessions[s.ID] = *s
	return nil
}

func (m *mockStore) GetSession(_ context.Context, id string) (*consensus.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	s.Inputs = append([]consensus.Input(nil), m.inputs[id]...)
	return &s, nil
}

func (m *mockStore) AppendSessionInput(_ context.Context, sessionID string, in consensus.Input) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs[sessionID] = append(m.inputs[sessionID], in)
	return nil
}

func (m *mockStore) UpdateSession(_ context.Context, s *consensus.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return domain.ErrNotFound
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *mockStore) CreateClaim(_ context.Context, c *allocation.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.SubmittedAt = time.Now().UTC()
	m.claims[c.ID] = *c
	return nil
}

func (m *mockStore) GetClaim(_ context.Context, id string) (*allocation.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, fmt.Errorf("claim %s: %w", id, domain.ErrNotFound)
	}
	return &c, nil
}

func (m *mockStore) RecordAllocation(_ context.Context, d *allocation.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocations = append(m.allocations, *d)
	return nil
}

func (m *mockStore) ListAllocationsByDecision(_ context.Context, decisionID string) ([]allocation.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []allocation.Decision
	for _, a := range m.allocations {
		if c, ok := m.claims[a.ClaimID]; ok && c.DecisionID == decisionID {
			out = append(out, a)
		}
	}
	return out, nil
}

// mockLedger is an in-memory memorystore.Ledger.
type mockLedger struct {
	mu        sync.Mutex
	records   map[string]record.MemoryRecord
	insights  []record.Insight
	feedback  map[string]record.Feedback
	appendErr error
	failures  int // fail this many appends, then succeed
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		records:  make(map[string]record.MemoryRecord),
		feedback: make(map[string]record.Feedback),
	}
}

func (m *mockLedger) Append(_ context.Context, rec *record.MemoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return fmt.Errorf("ledger unavailable")
	}
	if m.appendErr != nil {
		return m.appendErr
	}
	m.records[rec.ID] = *rec
	return nil
}

func (m *mockLedger) Query(_ context.Context, personaID, dom string) (*record.DomainStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := record.DomainStats{PersonaID: personaID, Domain: dom}
	for _, rec := range m.records {
		if !containsStr(rec.PersonaIDs, personaID) || !containsStr(rec.Domains, dom) {
			continue
		}
		stats.SampleCount++
		if rec.Success() {
			stats.SuccessRate++
			if rec.CreatedAt.After(stats.LastSuccessAt) {
				stats.LastSuccessAt = rec.CreatedAt
			}
		}
	}
	if stats.SampleCount > 0 {
		stats.SuccessRate /= float64(stats.SampleCount)
	}
	return &stats, nil
}

func (m *mockLedger) Recent(_ context.Context, limit int) ([]record.MemoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []record.MemoryRecord
	for _, rec := range m.records {
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *mockLedger) RecordFeedback(_ context.Context, recordID string, fb record.Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[recordID]; !ok {
		return domain.ErrNotFound
	}
	m.feedback[recordID] = fb
	return nil
}

func (m *mockLedger) AppendInsight(_ context.Context, ins *record.Insight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insights = append(m.insights, *ins)
	return nil
}

func (m *mockLedger) ListInsights(_ context.Context, personaID string, limit int) ([]record.Insight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []record.Insight
	for _, ins := range m.insights {
		if personaID == "" || ins.PersonaID == personaID {
			out = append(out, ins)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *mockLedger) EscalationStats(_ context.Context) (*record.EscalationStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := record.EscalationStats{TierCounts: make(map[decision.Tier]int)}
	for _, rec := range m.records {
		stats.TotalDecisions++
		stats.TierCounts[rec.Tier]++
		stats.AverageScore += rec.Score
		switch rec.Outcome {
		case record.OutcomeEscalated:
			stats.EscalatedCount++
		case record.OutcomeCancelled:
			stats.CancelledCount++
		}
	}
	if stats.TotalDecisions > 0 {
		stats.AverageScore /= float64(stats.TotalDecisions)
	}
	return &stats, nil
}

func (m *mockLedger) Compact(_ context.Context, _, _, _ time.Time) error { return nil }

func (m *mockLedger) recordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
