package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meridianhq/quorum/internal/config"
	"github.com/meridianhq/quorum/internal/domain"
	"github.com/meridianhq/quorum/internal/domain/allocation"
)

func newAllocatorTestEnv(cfg config.Allocator) (*AllocatorService, *mockStore) {
	store := newMockStore()
	return NewAllocatorService(store, &mockQueue{}, &mockBroadcaster{}, cfg), store
}

func specialistPoolConfig(capacity int) config.Allocator {
	cfg := config.Defaults().Allocator
	cfg.Capacity = map[string]int{"specialist": capacity}
	return cfg
}

func claimFor(team string, units int, impact, pressure, match float64) *allocation.Claim {
	return &allocation.Claim{
		TeamID:           team,
		ResourceType:     "specialist",
		Units:            units,
		BusinessImpact:   impact,
		CapacityPressure: pressure,
		ExpertiseMatch:   match,
	}
}

func TestAllocator_GrantAndDefer(t *testing.T) {
	svc, _ := newAllocatorTestEnv(specialistPoolConfig(1))

	high, err := svc.Submit(context.Background(), claimFor("team-a", 1, 0.7, 1.0, 1.0))
	if err != nil {
		t.Fatalf("Submit high: %v", err)
	}
	if high.Status != allocation.StatusGranted {
		t.Fatalf("high priority status = %s, want granted", high.Status)
	}

	low, err := svc.Submit(context.Background(), claimFor("team-b", 1, 0.4, 0.5, 0.5))
	if err != nil {
		t.Fatalf("Submit low: %v", err)
	}
	if low.Status != allocation.StatusDeferred {
		t.Fatalf("low priority status = %s, want deferred not rejected", low.Status)
	}

	snap := svc.Snapshot("specialist")
	if snap.GrantedUnits != 1 || snap.Deferred != 1 {
		t.Errorf("snapshot = %+v, want 1 granted unit and 1 deferred", snap)
	}
}

func TestAllocator_ReleaseRetriesDeferred(t *testing.T) {
	svc, _ := newAllocatorTestEnv(specialistPoolConfig(1))

	granted, _ := svc.Submit(context.Background(), claimFor("team-a", 1, 0.7, 1.0, 1.0))
	deferred, _ := svc.Submit(context.Background(), claimFor("team-b", 1, 0.4, 0.5, 0.5))

	if _, err := svc.Release(context.Background(), granted.ClaimID); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// The freed unit goes to the waiting claim.
	snap := svc.Snapshot("specialist")
	if snap.GrantedUnits != 1 || snap.ActiveGrants != 1 || snap.Deferred != 0 {
		t.Fatalf("snapshot after release = %+v, want deferred claim granted", snap)
	}
	if _, err := svc.Release(context.Background(), deferred.ClaimID); err != nil {
		t.Errorf("re-granted claim not releasable: %v", err)
	}
}

func TestAllocator_DeferredServedInPriorityOrder(t *testing.T) {
	svc, _ := newAllocatorTestEnv(specialistPoolConfig(1))

	granted, _ := svc.Submit(context.Background(), claimFor("team-a", 1, 0.7, 1.0, 1.0))
	svc.Submit(context.Background(), claimFor("team-low", 1, 0.1, 0.1, 0.1))
	svc.Submit(context.Background(), claimFor("team-mid", 1, 0.5, 0.6, 0.6))

	if _, err := svc.Release(context.Background(), granted.ClaimID); err != nil {
		t.Fatalf("Release: %v", err)
	}

	snap := svc.Snapshot("specialist")
	if snap.ActiveGrants != 1 || snap.Deferred != 1 {
		t.Fatalf("snapshot = %+v, want exactly one waiter promoted", snap)
	}
}

func TestAllocator_HighImpactHeldForOversight(t *testing.T) {
	svc, _ := newAllocatorTestEnv(specialistPoolConfig(2))

	held, err := svc.Submit(context.Background(), claimFor("team-a", 1, 0.9, 0.5, 0.5))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if held.Status != allocation.StatusHeld {
		t.Fatalf("status = %s, want held above impact threshold", held.Status)
	}
	if !held.RequiresHumanOversight {
		t.Error("held grant not flagged for human oversight")
	}

	// A held grant still consumes capacity and cannot be committed.
	snap := svc.Snapshot("specialist")
	if snap.GrantedUnits != 1 || snap.HeldGrants != 1 {
		t.Errorf("snapshot = %+v, want held grant consuming 1 unit", snap)
	}
	if err := svc.Commit(context.Background(), held.ClaimID); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("commit of held grant: err = %v, want ErrConflict", err)
	}

	confirmed, err := svc.Confirm(context.Background(), held.ClaimID)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if confirmed.Status != allocation.StatusGranted {
		t.Errorf("status after confirmation = %s, want granted", confirmed.Status)
	}
	if err := svc.Commit(context.Background(), held.ClaimID); err != nil {
		t.Errorf("commit after confirmation: %v", err)
	}
}

func TestAllocator_OversightTimeoutDefers(t *testing.T) {
	cfg := specialistPoolConfig(1)
	cfg.OversightTimeout = 20 * time.Millisecond
	svc, _ := newAllocatorTestEnv(cfg)

	held, err := svc.Submit(context.Background(), claimFor("team-a", 1, 0.9, 0.5, 0.5))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if held.Status != allocation.StatusHeld {
		t.Fatalf("status = %s, want held", held.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := svc.Snapshot("specialist")
		if snap.HeldGrants == 0 && snap.Deferred == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("held grant never deferred after oversight timeout: %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAllocator_PreemptsUncommittedLowerPriority(t *testing.T) {
	svc, _ := newAllocatorTestEnv(specialistPoolConfig(1))

	low, _ := svc.Submit(context.Background(), claimFor("team-low", 1, 0.2, 0.2, 0.2))
	if low.Status != allocation.StatusGranted {
		t.Fatalf("low status = %s, want granted", low.Status)
	}

	high, err := svc.Submit(context.Background(), claimFor("team-high", 1, 0.7, 1.0, 1.0))
	if err != nil {
		t.Fatalf("Submit high: %v", err)
	}
	if high.Status != allocation.StatusGranted {
		t.Fatalf("high status = %s, want granted via preemption", high.Status)
	}

	snap := svc.Snapshot("specialist")
	if snap.ActiveGrants != 1 || snap.Deferred != 1 {
		t.Errorf("snapshot = %+v, want preempted claim re-queued", snap)
	}
}

func TestAllocator_CommittedGrantsAreNotPreempted(t *testing.T) {
	svc, _ := newAllocatorTestEnv(specialistPoolConfig(1))

	low, _ := svc.Submit(context.Background(), claimFor("team-low", 1, 0.2, 0.2, 0.2))
	if err := svc.Commit(context.Background(), low.ClaimID); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	high, err := svc.Submit(context.Background(), claimFor("team-high", 1, 0.7, 1.0, 1.0))
	if err != nil {
		t.Fatalf("Submit high: %v", err)
	}
	if high.Status != allocation.StatusDeferred {
		t.Fatalf("high status = %s, want deferred past committed checkpoint", high.Status)
	}
}

func TestAllocator_ConservationUnderLoad(t *testing.T) {
	svc, _ := newAllocatorTestEnv(specialistPoolConfig(3))

	teams := []string{"a", "b", "c", "d", "e", "f"}
	for _, team := range teams {
		if _, err := svc.Submit(context.Background(), claimFor("team-"+team, 2, 0.5, 0.5, 0.5)); err != nil {
			t.Fatalf("Submit(%s): %v", team, err)
		}
		snap := svc.Snapshot("specialist")
		if snap.GrantedUnits > snap.Capacity {
			t.Fatalf("granted units %d exceed capacity %d", snap.GrantedUnits, snap.Capacity)
		}
	}
}

func TestAllocator_ValidationAndUnknownClaims(t *testing.T) {
	svc, _ := newAllocatorTestEnv(specialistPoolConfig(1))

	if _, err := svc.Submit(context.Background(), &allocation.Claim{TeamID: "t", ResourceType: "specialist"}); err == nil {
		t.Error("zero-unit claim accepted")
	}
	if _, err := svc.Release(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("release unknown claim: err = %v, want ErrNotFound", err)
	}
}

func TestAllocator_WithdrawDeferredClaim(t *testing.T) {
	svc, _ := newAllocatorTestEnv(specialistPoolConfig(1))

	svc.Submit(context.Background(), claimFor("team-a", 1, 0.7, 1.0, 1.0))
	deferred, _ := svc.Submit(context.Background(), claimFor("team-b", 1, 0.4, 0.5, 0.5))

	withdrawn, err := svc.Release(context.Background(), deferred.ClaimID)
	if err != nil {
		t.Fatalf("Release deferred: %v", err)
	}
	if withdrawn.Status != allocation.StatusReleased {
		t.Errorf("status = %s, want released", withdrawn.Status)
	}
	if snap := svc.Snapshot("specialist"); snap.Deferred != 0 {
		t.Errorf("deferred = %d, want queue emptied", snap.Deferred)
	}
}
