package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianhq/quorum/internal/domain"
	"github.com/meridianhq/quorum/internal/domain/persona"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Personas ---

// CreatePersona registers a persona in the catalog.
func (s *Store) CreatePersona(ctx context.Context, req persona.CreateRequest) (*persona.Persona, error) {
	affinities, err := json.Marshal(req.Affinities)
	if err != nil {
		return nil, fmt.Errorf("marshal affinities: %w", err)
	}
	stakeholders := req.Stakeholders
	if stakeholders == nil {
		stakeholders = []string{}
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO personas (name, kind, affinities, stakeholders, available)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, name, kind, affinities, stakeholders, available, created_at`,
		req.Name, string(req.Kind), affinities, stakeholders, req.Available)

	p, err := scanPersona(row)
	if err != nil {
		return nil, fmt.Errorf("create persona: %w", err)
	}
	return &p, nil
}

// GetPersona returns a persona by ID.
func (s *Store) GetPersona(ctx context.Context, id string) (*persona.Persona, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, kind, affinities, stakeholders, available, created_at
		 FROM personas WHERE id = $1`, id)

	p, err := scanPersona(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get persona %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get persona %s: %w", id, err)
	}
	return &p, nil
}

// ListPersonas returns the full persona catalog.
func (s *Store) ListPersonas(ctx context.Context) ([]persona.Persona, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, kind, affinities, stakeholders, available, created_at
		 FROM personas ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer rows.Close()

	var personas []persona.Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, err
		}
		personas = append(personas, p)
	}
	return personas, rows.Err()
}

// SetPersonaAvailability updates a persona's availability flag.
func (s *Store) SetPersonaAvailability(ctx context.Context, id string, available bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE personas SET available = $2 WHERE id = $1`, id, available)
	if err != nil {
		return fmt.Errorf("set persona availability %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set persona availability %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func scanPersona(row pgx.Row) (persona.Persona, error) {
	var p persona.Persona
	var kind string
	var affinities []byte
	if err := row.Scan(&p.ID, &p.Name, &kind, &affinities, &p.Stakeholders, &p.Available, &p.CreatedAt); err != nil {
		return persona.Persona{}, err
	}
	p.Kind = persona.Kind(kind)
	if len(affinities) > 0 {
		if err := json.Unmarshal(affinities, &p.Affinities); err != nil {
			return persona.Persona{}, fmt.Errorf("unmarshal affinities: %w", err)
		}
	}
	return p, nil
}
