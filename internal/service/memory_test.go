package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/quorum/internal/config"
	"github.com/meridianhq/quorum/internal/domain"
	"github.com/meridianhq/quorum/internal/domain/consensus"
	"github.com/meridianhq/quorum/internal/domain/decision"
	"github.com/meridianhq/quorum/internal/domain/record"
	"github.com/meridianhq/quorum/internal/resilience"
)

func newMemoryTestEnv() (*MemoryService, *mockLedger, *mockBroadcaster) {
	cfg := config.Defaults().Memory
	cfg.RetryBackoff = time.Millisecond
	ledger := newMockLedger()
	hub := &mockBroadcaster{}
	// Breaker sized so transient test failures never trip it open.
	svc := NewMemoryService(ledger, &mockQueue{}, hub, resilience.NewBreaker(100, time.Second), nil, cfg)
	return svc, ledger, hub
}

func testRecord(personaID, dom string, outcome record.Outcome) *record.MemoryRecord {
	return &record.MemoryRecord{
		ID:         uuid.NewString(),
		DecisionID: uuid.NewString(),
		Tier:       decision.TierJuniorSpecialist,
		PersonaIDs: []string{personaID},
		Domains:    []string{dom},
		Outcome:    outcome,
		Retention:  record.RetentionShort,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestMemory_AppendSurvivesTransientFailures(t *testing.T) {
	svc, ledger, _ := newMemoryTestEnv()
	ledger.failures = 2

	svc.Append(context.Background(), testRecord("p1", "security", record.OutcomeResolved))

	if got := ledger.recordCount(); got != 1 {
		t.Fatalf("record count = %d, want append to succeed within retry budget", got)
	}
}

func TestMemory_AppendBuffersOnOutage(t *testing.T) {
	svc, ledger, _ := newMemoryTestEnv()
	ledger.appendErr = errors.New("connection refused")

	svc.Append(context.Background(), testRecord("p1", "security", record.OutcomeResolved))
	if got := ledger.recordCount(); got != 0 {
		t.Fatalf("record count = %d during outage, want 0", got)
	}

	// Ledger recovers; the replay pass delivers the buffered record.
	ledger.mu.Lock()
	ledger.appendErr = nil
	ledger.mu.Unlock()
	svc.flushBuffer(context.Background())

	if got := ledger.recordCount(); got != 1 {
		t.Fatalf("record count = %d after replay, want 1", got)
	}
}

func TestMemory_InvalidRecordDropped(t *testing.T) {
	svc, ledger, _ := newMemoryTestEnv()

	svc.Append(context.Background(), &record.MemoryRecord{ID: uuid.NewString()})

	if got := ledger.recordCount(); got != 0 {
		t.Fatalf("record count = %d, want invalid record dropped", got)
	}
}

func TestMemory_InsightOnSuccessRateShift(t *testing.T) {
	svc, ledger, hub := newMemoryTestEnv()

	// Established perfect track record, then a visible failure.
	svc.Append(context.Background(), testRecord("p1", "security", record.OutcomeResolved))
	svc.Append(context.Background(), testRecord("p1", "security", record.OutcomeEscalated))

	ledger.mu.Lock()
	insights := append([]record.Insight(nil), ledger.insights...)
	ledger.mu.Unlock()

	var found bool
	for _, ins := range insights {
		if ins.PersonaID == "p1" && ins.Domain == "security" && ins.Delta < 0 {
			found = true
		}
	}
	if !found {
		t.Fatal("success rate drop produced no insight")
	}
	if hub.count("memory.insight") == 0 {
		t.Error("insight not broadcast")
	}
}

func TestMemory_NoInsightOnStableRate(t *testing.T) {
	svc, ledger, _ := newMemoryTestEnv()

	for i := 0; i < 10; i++ {
		svc.Append(context.Background(), testRecord("p1", "security", record.OutcomeResolved))
	}

	ledger.mu.Lock()
	baseline := len(ledger.insights)
	ledger.mu.Unlock()

	svc.Append(context.Background(), testRecord("p1", "security", record.OutcomeResolved))

	ledger.mu.Lock()
	after := len(ledger.insights)
	ledger.mu.Unlock()
	if after != baseline {
		t.Fatalf("stable success rate emitted %d new insights", after-baseline)
	}
}

func TestMemory_RecordResolutionMapsOutcome(t *testing.T) {
	svc, ledger, _ := newMemoryTestEnv()

	d := &decision.Decision{
		ID:     uuid.NewString(),
		Tier:   decision.TierSeniorPartner,
		Status: decision.StatusResolved,
	}
	d.Request.Summary = "migrate billing"
	d.Request.DomainTags = []string{"business"}
	sess := &consensus.Session{
		PersonaIDs: []string{"p1", "p2"},
		Strategy:   consensus.StrategyHierarchical,
		Quality:    0.8,
	}

	svc.RecordResolution(context.Background(), d, sess, 0.55)

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if len(ledger.records) != 1 {
		t.Fatalf("record count = %d, want 1", len(ledger.records))
	}
	for _, rec := range ledger.records {
		if rec.Outcome != record.OutcomeResolved {
			t.Errorf("outcome = %s, want resolved", rec.Outcome)
		}
		if len(rec.PersonaIDs) != 2 || rec.Strategy != consensus.StrategyHierarchical {
			t.Errorf("session facts not carried onto record: %+v", rec)
		}
	}
}

func TestMemory_Feedback(t *testing.T) {
	svc, ledger, _ := newMemoryTestEnv()
	rec := testRecord("p1", "security", record.OutcomeResolved)
	svc.Append(context.Background(), rec)

	if err := svc.Feedback(context.Background(), rec.ID, record.Feedback{Rating: 1.5}); err == nil {
		t.Error("out-of-range rating accepted")
	}
	if err := svc.Feedback(context.Background(), "missing", record.Feedback{Rating: 0.8}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("feedback on unknown record: err = %v, want ErrNotFound", err)
	}
	if err := svc.Feedback(context.Background(), rec.ID, record.Feedback{Rating: 0.8, Comment: "good call"}); err != nil {
		t.Fatalf("Feedback: %v", err)
	}

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if fb, ok := ledger.feedback[rec.ID]; !ok || fb.RecordedAt.IsZero() {
		t.Error("feedback not stored with timestamp")
	}
}
