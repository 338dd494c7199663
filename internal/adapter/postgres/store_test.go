package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianhq/quorum/internal/adapter/postgres"
	"github.com/meridianhq/quorum/internal/domain"
	"github.com/meridianhq/quorum/internal/domain/allocation"
	"github.com/meridianhq/quorum/internal/domain/consensus"
	"github.com/meridianhq/quorum/internal/domain/decision"
	"github.com/meridianhq/quorum/internal/domain/persona"
)

// setupStore creates a pgxpool connection, runs all migrations, and returns a
// ready-to-use Store. The pool is closed via t.Cleanup.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()
	return postgres.NewStore(setupPool(t))
}

func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()

	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func createTestPersona(t *testing.T, s *postgres.Store) *persona.Persona {
	t.Helper()
	p, err := s.CreatePersona(context.Background(), persona.CreateRequest{
		Name: "Test Architect " + uuid.NewString()[:8],
		Kind: persona.KindSystemArchitect,
		Affinities: map[string]float64{
			"architecture": 0.9,
			"performance":  0.4,
		},
		Stakeholders: []string{"engineering"},
		Available:    true,
	})
	if err != nil {
		t.Fatalf("CreatePersona: %v", err)
	}
	return p
}

func createTestDecision(t *testing.T, s *postgres.Store) *decision.Decision {
	t.Helper()
	id := uuid.NewString()
	d := &decision.Decision{
		ID: id,
		Request: decision.Request{
			ID:                  id,
			Summary:             "migrate session store to redis",
			Confidence:          0.8,
			RiskImpact:          decision.RiskMedium,
			DomainTags:          []string{"architecture"},
			AgentConsensusLevel: 0.75,
			TeamID:              "team-alpha",
			SubmittedAt:         time.Now().UTC(),
		},
		Tier:   decision.TierJuniorSpecialist,
		Status: decision.StatusPending,
	}
	if err := s.CreateDecision(context.Background(), d); err != nil {
		t.Fatalf("CreateDecision: %v", err)
	}
	return d
}

func TestStore_PersonaLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	p := createTestPersona(t, s)
	if p.ID == "" {
		t.Fatal("expected persona ID to be assigned")
	}

	got, err := s.GetPersona(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPersona: %v", err)
	}
	if got.Kind != persona.KindSystemArchitect {
		t.Errorf("kind = %q, want %q", got.Kind, persona.KindSystemArchitect)
	}
	if got.Affinity("architecture") != 0.9 {
		t.Errorf("affinity = %v, want 0.9", got.Affinity("architecture"))
	}
	if !got.AlignedWith("engineering") {
		t.Error("expected persona aligned with engineering")
	}

	if err := s.SetPersonaAvailability(ctx, p.ID, false); err != nil {
		t.Fatalf("SetPersonaAvailability: %v", err)
	}
	got, err = s.GetPersona(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPersona after update: %v", err)
	}
	if got.Available {
		t.Error("expected persona to be unavailable")
	}
}

func TestStore_GetPersonaNotFound(t *testing.T) {
	s := setupStore(t)

	_, err := s.GetPersona(context.Background(), uuid.NewString())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_DecisionLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	d := createTestDecision(t, s)

	got, err := s.GetDecision(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if got.Request.Summary != d.Request.Summary {
		t.Errorf("summary = %q, want %q", got.Request.Summary, d.Request.Summary)
	}
	if got.Status != decision.StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}

	got.Status = decision.StatusResolved
	got.Resolution = "adopt redis with 30d TTL"
	got.ResolvedAt = time.Now().UTC()
	if err := s.UpdateDecision(ctx, got); err != nil {
		t.Fatalf("UpdateDecision: %v", err)
	}

	final, err := s.GetDecision(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDecision after update: %v", err)
	}
	if final.Status != decision.StatusResolved {
		t.Errorf("status = %q, want resolved", final.Status)
	}
	if final.ResolvedAt.IsZero() {
		t.Error("expected resolved_at to be set")
	}
}

func TestStore_SessionWithInputs(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	d := createTestDecision(t, s)
	p1 := createTestPersona(t, s)
	p2 := createTestPersona(t, s)

	sess := &consensus.Session{
		ID:         uuid.NewString(),
		DecisionID: d.ID,
		PersonaIDs: []string{p1.ID, p2.ID},
		Mode:       persona.ModeSequential,
		Status:     consensus.StatusCollecting,
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	inputs := []consensus.Input{
		{PersonaID: p1.ID, Recommendation: "adopt redis", Confidence: 0.85, Seq: 0, SubmittedAt: time.Now().UTC()},
		{PersonaID: p2.ID, Recommendation: "keep postgres", Confidence: 0.6, Seq: 1, SubmittedAt: time.Now().UTC(),
			Evidence: []consensus.Evidence{{Kind: "benchmark", Source: "load-test", Strength: 0.7}}},
	}
	for _, in := range inputs {
		if err := s.AppendSessionInput(ctx, sess.ID, in); err != nil {
			t.Fatalf("AppendSessionInput: %v", err)
		}
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Mode != persona.ModeSequential {
		t.Errorf("mode = %q, want sequential", got.Mode)
	}
	if len(got.Inputs) != 2 {
		t.Fatalf("inputs = %d, want 2", len(got.Inputs))
	}
	if got.Inputs[0].Seq != 0 || got.Inputs[1].Seq != 1 {
		t.Error("inputs not ordered by seq")
	}
	if len(got.Inputs[1].Evidence) != 1 {
		t.Errorf("evidence = %d, want 1", len(got.Inputs[1].Evidence))
	}

	got.Status = consensus.StatusResolved
	got.Strategy = consensus.StrategyWeighted
	got.Resolution = "adopt redis"
	got.Quality = 0.78
	got.Rounds = 1
	got.ResolvedAt = time.Now().UTC()
	if err := s.UpdateSession(ctx, got); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	final, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession after update: %v", err)
	}
	if final.Status != consensus.StatusResolved || final.Strategy != consensus.StrategyWeighted {
		t.Errorf("got status=%q strategy=%q", final.Status, final.Strategy)
	}
}

func TestStore_ClaimAndAllocations(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	d := createTestDecision(t, s)

	claim := &allocation.Claim{
		ID:               uuid.NewString(),
		TeamID:           "team-alpha",
		ResourceType:     "senior_partner",
		Units:            1,
		DecisionID:       d.ID,
		BusinessImpact:   0.9,
		CapacityPressure: 0.5,
		ExpertiseMatch:   0.7,
	}
	if err := s.CreateClaim(ctx, claim); err != nil {
		t.Fatalf("CreateClaim: %v", err)
	}

	got, err := s.GetClaim(ctx, claim.ID)
	if err != nil {
		t.Fatalf("GetClaim: %v", err)
	}
	if got.DecisionID != d.ID {
		t.Errorf("decision_id = %q, want %q", got.DecisionID, d.ID)
	}

	alloc := &allocation.Decision{
		ClaimID:                claim.ID,
		ResourceType:           claim.ResourceType,
		TeamID:                 claim.TeamID,
		Status:                 allocation.StatusHeld,
		Units:                  1,
		Priority:               0.74,
		RequiresHumanOversight: true,
		Reason:                 "business impact above oversight threshold",
		DecidedAt:              time.Now().UTC(),
	}
	if err := s.RecordAllocation(ctx, alloc); err != nil {
		t.Fatalf("RecordAllocation: %v", err)
	}

	allocs, err := s.ListAllocationsByDecision(ctx, d.ID)
	if err != nil {
		t.Fatalf("ListAllocationsByDecision: %v", err)
	}
	if len(allocs) != 1 {
		t.Fatalf("allocations = %d, want 1", len(allocs))
	}
	if allocs[0].Status != allocation.StatusHeld || !allocs[0].RequiresHumanOversight {
		t.Errorf("unexpected allocation: %+v", allocs[0])
	}
}
