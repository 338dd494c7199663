package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meridianhq/quorum/internal/config"
	"github.com/meridianhq/quorum/internal/domain/decision"
	"github.com/meridianhq/quorum/internal/domain/persona"
	"github.com/meridianhq/quorum/internal/domain/record"
)

func newRouterTestEnv() (*RouterService, *mockStore, *mockLedger) {
	store := newMockStore()
	ledger := newMockLedger()
	router := NewRouterService(store, ledger, &mockCache{}, config.Defaults().Router, time.Minute)
	return router, store, ledger
}

func TestRoute_SingleDomainSinglePersona(t *testing.T) {
	router, store, _ := newRouterTestEnv()
	architect := store.addPersona(persona.Persona{
		Name: "Architect", Kind: persona.KindSystemArchitect,
		Affinities: map[string]float64{"architecture": 0.9}, Available: true,
	})
	store.addPersona(persona.Persona{
		Name: "Analyst", Kind: persona.KindBusinessAnalyst,
		Affinities: map[string]float64{"business": 0.85}, Available: true,
	})

	req := decision.Request{DomainTags: []string{"architecture"}, TeamID: "t1"}
	got, err := router.Route(context.Background(), req, decision.TierJuniorSpecialist)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(got.Personas) != 1 {
		t.Fatalf("personas = %d, want 1", len(got.Personas))
	}
	if got.Personas[0].ID != architect.ID {
		t.Errorf("routed to %s, want architect", got.Personas[0].Name)
	}
	if got.Mode != persona.ModeParallel {
		t.Errorf("mode = %s, want parallel", got.Mode)
	}
}

func TestRoute_NoQualifiedPersona(t *testing.T) {
	router, store, _ := newRouterTestEnv()
	store.addPersona(persona.Persona{
		Name: "Analyst", Kind: persona.KindBusinessAnalyst,
		Affinities: map[string]float64{"security": 0.1}, Available: true,
	})

	req := decision.Request{DomainTags: []string{"security"}, TeamID: "t1"}
	_, err := router.Route(context.Background(), req, decision.TierJuniorSpecialist)
	if !errors.Is(err, persona.ErrNoQualifiedPersona) {
		t.Fatalf("expected ErrNoQualifiedPersona, got %v", err)
	}
}

func TestRoute_HistoryBreaksScoreGap(t *testing.T) {
	router, store, ledger := newRouterTestEnv()
	veteran := store.addPersona(persona.Persona{
		Name: "Veteran", Kind: persona.KindSecuritySpecialist,
		Affinities: map[string]float64{"security": 0.7}, Available: true,
	})
	store.addPersona(persona.Persona{
		Name: "Rookie", Kind: persona.KindSecuritySpecialist,
		Affinities: map[string]float64{"security": 0.7}, Available: true,
	})

	// Veteran has a perfect track record in the domain.
	ledger.records["r1"] = record.MemoryRecord{
		ID: "r1", PersonaIDs: []string{veteran.ID}, Domains: []string{"security"},
		Outcome: record.OutcomeResolved, CreatedAt: time.Now().UTC(),
	}

	req := decision.Request{DomainTags: []string{"security"}, TeamID: "t1"}
	got, err := router.Route(context.Background(), req, decision.TierJuniorSpecialist)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got.Personas[0].ID != veteran.ID {
		t.Errorf("routed to %s, want veteran with better history", got.Personas[0].Name)
	}
}

func TestRoute_NoHistoryIsNeutral(t *testing.T) {
	router, store, ledger := newRouterTestEnv()
	newcomer := store.addPersona(persona.Persona{
		Name: "Newcomer", Kind: persona.KindSystemArchitect,
		Affinities: map[string]float64{"architecture": 0.9}, Available: true,
	})
	struggling := store.addPersona(persona.Persona{
		Name: "Struggling", Kind: persona.KindSystemArchitect,
		Affinities: map[string]float64{"architecture": 0.7}, Available: true,
	})

	// Struggling resolved 2 of 5 engagements in the domain.
	for i, outcome := range []record.Outcome{
		record.OutcomeResolved, record.OutcomeEscalated, record.OutcomeResolved,
		record.OutcomeEscalated, record.OutcomeEscalated,
	} {
		id := string(rune('a' + i))
		ledger.records[id] = record.MemoryRecord{
			ID: id, PersonaIDs: []string{struggling.ID}, Domains: []string{"architecture"},
			Outcome: outcome, CreatedAt: time.Now().UTC(),
		}
	}

	req := decision.Request{DomainTags: []string{"architecture"}, TeamID: "t1"}
	got, err := router.Route(context.Background(), req, decision.TierJuniorSpecialist)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	// The newcomer has no track record; that must score neutral, not as a
	// string of failures, so the higher affinity carries the decision.
	if got.Personas[0].ID != newcomer.ID {
		t.Errorf("routed to %s, want newcomer with higher affinity", got.Personas[0].Name)
	}
}

func TestRoute_MultiDomainFullCover(t *testing.T) {
	router, store, _ := newRouterTestEnv()
	generalist := store.addPersona(persona.Persona{
		Name: "Generalist", Kind: persona.KindSystemArchitect,
		Affinities: map[string]float64{"architecture": 0.8, "business": 0.6}, Available: true,
	})
	store.addPersona(persona.Persona{
		Name: "BizOnly", Kind: persona.KindBusinessAnalyst,
		Affinities: map[string]float64{"business": 0.9}, Available: true,
	})

	req := decision.Request{DomainTags: []string{"architecture", "business"}, TeamID: "t1"}
	got, err := router.Route(context.Background(), req, decision.TierJuniorSpecialist)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(got.Personas) != 1 || got.Personas[0].ID != generalist.ID {
		t.Fatalf("expected single full-cover generalist, got %d personas", len(got.Personas))
	}
}

func TestRoute_MultiDomainSetCover(t *testing.T) {
	router, store, _ := newRouterTestEnv()
	store.addPersona(persona.Persona{
		Name: "Architect", Kind: persona.KindSystemArchitect,
		Affinities: map[string]float64{"architecture": 0.9, "business": 0.1}, Available: true,
	})
	store.addPersona(persona.Persona{
		Name: "Analyst", Kind: persona.KindBusinessAnalyst,
		Affinities: map[string]float64{"business": 0.9}, Available: true,
	})

	req := decision.Request{DomainTags: []string{"architecture", "business"}, TeamID: "t1"}
	got, err := router.Route(context.Background(), req, decision.TierJuniorSpecialist)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(got.Personas) != 2 {
		t.Fatalf("personas = %d, want 2 (disjoint cover)", len(got.Personas))
	}
	if got.Mode != persona.ModeParallel {
		t.Errorf("mode = %s, want parallel for independent domains", got.Mode)
	}
}

func TestRoute_OverlappingCoverIsSequential(t *testing.T) {
	router, store, _ := newRouterTestEnv()
	store.addPersona(persona.Persona{
		Name: "Bridge", Kind: persona.KindSystemArchitect,
		Affinities: map[string]float64{"architecture": 0.45, "performance": 0.45}, Available: true,
	})
	store.addPersona(persona.Persona{
		Name: "SecOnly", Kind: persona.KindSecuritySpecialist,
		Affinities: map[string]float64{"security": 0.9}, Available: true,
	})

	req := decision.Request{DomainTags: []string{"architecture", "performance", "security"}, TeamID: "t1"}
	got, err := router.Route(context.Background(), req, decision.TierJuniorSpecialist)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got.Mode != persona.ModeSequential {
		t.Errorf("mode = %s, want sequential when one persona spans two domains", got.Mode)
	}
}

func TestRoute_SeniorTierGetsSeniorPartner(t *testing.T) {
	router, store, _ := newRouterTestEnv()
	store.addPersona(persona.Persona{
		Name: "Architect", Kind: persona.KindSystemArchitect,
		Affinities: map[string]float64{"architecture": 0.9}, Available: true,
	})
	store.addPersona(persona.Persona{
		Name: "Analyst", Kind: persona.KindBusinessAnalyst,
		Affinities: map[string]float64{"business": 0.9, "architecture": 0.3}, Available: true,
	})
	partner := store.addPersona(persona.Persona{
		Name: "Partner", Kind: persona.KindSeniorPartner,
		Affinities: map[string]float64{"business": 0.6}, Available: true,
	})

	req := decision.Request{DomainTags: []string{"architecture"}, TeamID: "t1"}
	got, err := router.Route(context.Background(), req, decision.TierSeniorPartner)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(got.Personas) < 2 {
		t.Fatalf("personas = %d, want at least 2 for senior tier", len(got.Personas))
	}
	var hasPartner bool
	for _, p := range got.Personas {
		if p.ID == partner.ID {
			hasPartner = true
		}
	}
	if !hasPartner {
		t.Error("senior tier assignment missing senior partner persona")
	}
}

func TestRoute_UntaggedUsesBestAffinity(t *testing.T) {
	router, store, _ := newRouterTestEnv()
	expert := store.addPersona(persona.Persona{
		Name: "Expert", Kind: persona.KindPerformanceExpert,
		Affinities: map[string]float64{"performance": 0.95}, Available: true,
	})

	req := decision.Request{TeamID: "t1"}
	got, err := router.Route(context.Background(), req, decision.TierJuniorSpecialist)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got.Personas[0].ID != expert.ID {
		t.Errorf("routed to %s, want best-affinity expert", got.Personas[0].Name)
	}
}
