package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meridianhq/quorum/internal/domain/persona"
	"github.com/meridianhq/quorum/internal/port/database"
)

// PersonaService manages the expert persona catalog.
type PersonaService struct {
	store database.Store
}

// NewPersonaService creates a new PersonaService.
func NewPersonaService(store database.Store) *PersonaService {
	return &PersonaService{store: store}
}

// Create validates and registers a persona.
func (s *PersonaService) Create(ctx context.Context, req persona.CreateRequest) (*persona.Persona, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validate persona: %w", err)
	}
	p, err := s.store.CreatePersona(ctx, req)
	if err != nil {
		return nil, err
	}
	slog.Info("persona registered", "persona_id", p.ID, "kind", p.Kind, "name", p.Name)
	return p, nil
}

// Get returns a persona by ID.
func (s *PersonaService) Get(ctx context.Context, id string) (*persona.Persona, error) {
	return s.store.GetPersona(ctx, id)
}

// List returns the full catalog.
func (s *PersonaService) List(ctx context.Context) ([]persona.Persona, error) {
	return s.store.ListPersonas(ctx)
}

// SetAvailability flips a persona's availability.
func (s *PersonaService) SetAvailability(ctx context.Context, id string, available bool) error {
	if err := s.store.SetPersonaAvailability(ctx, id, available); err != nil {
		return err
	}
	slog.Info("persona availability changed", "persona_id", id, "available", available)
	return nil
}
