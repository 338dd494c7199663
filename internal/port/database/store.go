// Package database defines the port interface for the relational store.
package database

import (
	"context"

	"github.com/meridianhq/quorum/internal/domain/allocation"
	"github.com/meridianhq/quorum/internal/domain/consensus"
	"github.com/meridianhq/quorum/internal/domain/decision"
	"github.com/meridianhq/quorum/internal/domain/persona"
)

// Store is the port interface for persisting pipeline state: the persona
// catalog, decisions in flight, consensus sessions, and resource claims.
// The append-only institutional memory ledger has its own port.
type Store interface {
	// CreatePersona registers a persona in the catalog.
	CreatePersona(ctx context.Context, req persona.CreateRequest) (*persona.Persona, error)

	// GetPersona returns a persona by ID.
	GetPersona(ctx context.Context, id string) (*persona.Persona, error)

	// ListPersonas returns the full persona catalog.
	ListPersonas(ctx context.Context) ([]persona.Persona, error)

	// SetPersonaAvailability updates a persona's availability flag.
	SetPersonaAvailability(ctx context.Context, id string, available bool) error

	// CreateDecision persists a new decision entering the pipeline.
	CreateDecision(ctx context.Context, d *decision.Decision) error

	// GetDecision returns a decision by ID.
	GetDecision(ctx context.Context, id string) (*decision.Decision, error)

	// UpdateDecision persists tier, status, session linkage, and resolution.
	UpdateDecision(ctx context.Context, d *decision.Decision) error

	// CreateSession persists a new consensus session.
	CreateSession(ctx context.Context, s *consensus.Session) error

	// GetSession returns a consensus session with its inputs.
	GetSession(ctx context.Context, id string) (*consensus.Session, error)

	// AppendSessionInput persists one persona input for a session.
	AppendSessionInput(ctx context.Context, sessionID string, in consensus.Input) error

	// UpdateSession persists session status, strategy, resolution, and quality.
	UpdateSession(ctx context.Context, s *consensus.Session) error

	// CreateClaim persists a resource claim.
	CreateClaim(ctx context.Context, c *allocation.Claim) error

	// GetClaim returns a claim by ID.
	GetClaim(ctx context.Context, id string) (*allocation.Claim, error)

	// RecordAllocation persists an allocation decision for a claim.
	RecordAllocation(ctx context.Context, d *allocation.Decision) error

	// ListAllocationsByDecision returns allocation decisions tied to a
	// pipeline decision, newest first.
	ListAllocationsByDecision(ctx context.Context, decisionID string) ([]allocation.Decision, error)
}
