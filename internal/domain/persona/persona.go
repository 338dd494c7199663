// Package persona provides the domain model for human expert personas with
// data-driven affinity tables. Persona selection is scoring over a fixed set
// of kinds, not runtime polymorphism.
package persona

import (
	"errors"
	"slices"
	"time"
)

// Kind identifies an expert persona role.
type Kind string

const (
	KindPythonGuru         Kind = "python_guru"
	KindSystemArchitect    Kind = "system_architect_expert"
	KindBusinessAnalyst    Kind = "business_analyst_expert"
	KindSecuritySpecialist Kind = "security_specialist"
	KindPerformanceExpert  Kind = "performance_expert"
	KindComplianceOfficer  Kind = "compliance_officer"
	KindSeniorPartner      Kind = "senior_partner"
)

// ValidKinds lists all persona kinds in the catalog.
var ValidKinds = []Kind{
	KindPythonGuru,
	KindSystemArchitect,
	KindBusinessAnalyst,
	KindSecuritySpecialist,
	KindPerformanceExpert,
	KindComplianceOfficer,
	KindSeniorPartner,
}

// ErrNoQualifiedPersona is returned by the router when no persona meets the
// minimum affinity floor for a required domain. It forces escalation to
// senior partner oversight.
var ErrNoQualifiedPersona = errors.New("no qualified persona for required domain")

// Persona is a human expert role with domain affinities and availability.
// Performance history is owned by the institutional memory store; the
// persona record only carries routing-relevant static data.
type Persona struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
	// Affinities maps domain tag to affinity score in [0,1].
	Affinities map[string]float64 `json:"affinities"`
	// Stakeholders lists stakeholder groups this persona is aligned with.
	Stakeholders []string  `json:"stakeholders,omitempty"`
	Available    bool      `json:"available"`
	CreatedAt    time.Time `json:"created_at"`
}

// Affinity returns the persona's affinity for a domain tag, zero if unset.
func (p *Persona) Affinity(domain string) float64 {
	return p.Affinities[domain]
}

// AlignedWith reports whether the persona serves the given stakeholder group.
func (p *Persona) AlignedWith(group string) bool {
	return group != "" && slices.Contains(p.Stakeholders, group)
}

// Snapshot is the rolling performance view of a persona in one domain,
// derived by the institutional memory store.
type Snapshot struct {
	SuccessRate              float64   `json:"success_rate"`
	SampleCount              int       `json:"sample_count"`
	RecommendationConfidence float64   `json:"recommendation_confidence"`
	LastSuccessAt            time.Time `json:"last_success_at,omitzero"`
}

// ConsultationMode controls how a multi-persona assignment is executed.
type ConsultationMode string

const (
	// ModeParallel runs personas concurrently; their domains are independent.
	ModeParallel ConsultationMode = "parallel"
	// ModeSequential resolves domains one persona at a time, each receiving
	// prior personas' outputs as context.
	ModeSequential ConsultationMode = "sequential"
)

// Assignment is the router's output: an ordered candidate list plus the
// consultation mode for multi-persona decisions.
type Assignment struct {
	Personas []Persona        `json:"personas"`
	Mode     ConsultationMode `json:"mode"`
}

// CreateRequest is the input for registering a persona in the catalog.
type CreateRequest struct {
	Name         string             `json:"name"`
	Kind         Kind               `json:"kind"`
	Affinities   map[string]float64 `json:"affinities"`
	Stakeholders []string           `json:"stakeholders,omitempty"`
	Available    bool               `json:"available"`
}

// Validate checks that a CreateRequest has all required fields.
func (r *CreateRequest) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	if !slices.Contains(ValidKinds, r.Kind) {
		return errors.New("invalid persona kind")
	}
	for domain, score := range r.Affinities {
		if domain == "" {
			return errors.New("affinity domain must not be empty")
		}
		if score < 0 || score > 1 {
			return errors.New("affinity scores must be between 0 and 1")
		}
	}
	return nil
}
