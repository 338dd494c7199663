package http

import (
	"net/http"

	"github.com/meridianhq/quorum/internal/adapter/ws"
	"github.com/meridianhq/quorum/internal/domain/allocation"
	"github.com/meridianhq/quorum/internal/domain/consensus"
	"github.com/meridianhq/quorum/internal/domain/decision"
	"github.com/meridianhq/quorum/internal/domain/persona"
	"github.com/meridianhq/quorum/internal/domain/record"
	"github.com/meridianhq/quorum/internal/port/database"
	"github.com/meridianhq/quorum/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Pipeline  *service.PipelineService
	Consensus *service.ConsensusService
	Allocator *service.AllocatorService
	Memory    *service.MemoryService
	Personas  *service.PersonaService
	Store     database.Store
	Hub       *ws.Hub
}

// ---------------------------------------------------------------------------
// Decisions
// ---------------------------------------------------------------------------

// SubmitDecision ingests a decision request into the pipeline.
func (h *Handlers) SubmitDecision(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[decision.Request](w, r)
	if !ok {
		return
	}
	d, err := h.Pipeline.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "decision not found")
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

// GetDecision returns a decision with its current pipeline state.
func (h *Handlers) GetDecision(w http.ResponseWriter, r *http.Request) {
	d, err := h.Pipeline.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "decision not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// CancelDecision terminates an in-flight decision.
func (h *Handlers) CancelDecision(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Reason string `json:"reason"`
	}](w, r)
	if !ok {
		return
	}
	if body.Reason == "" {
		body.Reason = "cancelled by operator"
	}
	d, err := h.Pipeline.Cancel(r.Context(), urlParam(r, "id"), body.Reason)
	if err != nil {
		writeDomainError(w, err, "decision not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ListDecisionAllocations returns capacity reservations made on a decision's
// behalf.
func (h *Handlers) ListDecisionAllocations(w http.ResponseWriter, r *http.Request) {
	allocs, err := h.Store.ListAllocationsByDecision(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "decision not found")
		return
	}
	if allocs == nil {
		allocs = []allocation.Decision{}
	}
	writeJSON(w, http.StatusOK, allocs)
}

// ---------------------------------------------------------------------------
// Consensus sessions
// ---------------------------------------------------------------------------

// GetSession returns a consensus session with its collected inputs.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Consensus.GetSession(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// SubmitSessionInput records one persona's recommendation for a collecting
// session.
func (h *Handlers) SubmitSessionInput(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[consensus.SubmitRequest](w, r)
	if !ok {
		return
	}
	in, err := h.Consensus.Submit(r.Context(), urlParam(r, "id"), req)
	if err != nil {
		writeDomainError(w, err, "session not found or no longer collecting")
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

// ---------------------------------------------------------------------------
// Resource claims
// ---------------------------------------------------------------------------

// SubmitClaim submits a capacity claim for arbitration.
func (h *Handlers) SubmitClaim(w http.ResponseWriter, r *http.Request) {
	claim, ok := readJSON[allocation.Claim](w, r)
	if !ok {
		return
	}
	d, err := h.Allocator.Submit(r.Context(), &claim)
	if err != nil {
		writeDomainError(w, err, "claim not found")
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// GetClaim returns a claim's submitted facts.
func (h *Handlers) GetClaim(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.GetClaim(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "claim not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ConfirmClaim records human oversight confirmation for a held grant and
// writes the confirmation into institutional memory.
func (h *Handlers) ConfirmClaim(w http.ResponseWriter, r *http.Request) {
	claimID := urlParam(r, "id")
	claim, err := h.Store.GetClaim(r.Context(), claimID)
	if err != nil {
		writeDomainError(w, err, "claim not found")
		return
	}
	d, err := h.Allocator.Confirm(r.Context(), claimID)
	if err != nil {
		writeDomainError(w, err, "claim not found")
		return
	}
	h.Memory.RecordOversight(r.Context(), claim.DecisionID, claimID)
	writeJSON(w, http.StatusOK, d)
}

// CommitClaim marks a grant as past the preemption checkpoint.
func (h *Handlers) CommitClaim(w http.ResponseWriter, r *http.Request) {
	if err := h.Allocator.Commit(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "claim not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReleaseClaim frees a claim's reserved capacity.
func (h *Handlers) ReleaseClaim(w http.ResponseWriter, r *http.Request) {
	d, err := h.Allocator.Release(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "claim not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GetPoolSnapshot returns the allocation ledger view for a resource type.
func (h *Handlers) GetPoolSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Allocator.Snapshot(urlParam(r, "resourceType")))
}

// ---------------------------------------------------------------------------
// Personas
// ---------------------------------------------------------------------------

// CreatePersona registers an expert persona in the catalog.
func (h *Handlers) CreatePersona(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[persona.CreateRequest](w, r)
	if !ok {
		return
	}
	p, err := h.Personas.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "persona not found")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListPersonas returns the persona catalog.
func (h *Handlers) ListPersonas(w http.ResponseWriter, r *http.Request) {
	personas, err := h.Personas.List(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if personas == nil {
		personas = []persona.Persona{}
	}
	writeJSON(w, http.StatusOK, personas)
}

// GetPersona returns a persona by ID.
func (h *Handlers) GetPersona(w http.ResponseWriter, r *http.Request) {
	p, err := h.Personas.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "persona not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SetPersonaAvailability flips a persona's availability flag.
func (h *Handlers) SetPersonaAvailability(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Available bool `json:"available"`
	}](w, r)
	if !ok {
		return
	}
	if err := h.Personas.SetAvailability(r.Context(), urlParam(r, "id"), body.Available); err != nil {
		writeDomainError(w, err, "persona not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPersonaStats returns a persona's rolling performance aggregate for a
// domain.
func (h *Handlers) GetPersonaStats(w http.ResponseWriter, r *http.Request) {
	dom := r.URL.Query().Get("domain")
	if dom == "" {
		writeError(w, http.StatusBadRequest, "domain query parameter is required")
		return
	}
	stats, err := h.Memory.Stats(r.Context(), urlParam(r, "id"), dom)
	if err != nil {
		writeDomainError(w, err, "persona not found")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListPersonaInsights returns derived performance insights for a persona.
func (h *Handlers) ListPersonaInsights(w http.ResponseWriter, r *http.Request) {
	insights, err := h.Memory.Insights(r.Context(), urlParam(r, "id"), queryLimit(r, 20, 200))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if insights == nil {
		insights = []record.Insight{}
	}
	writeJSON(w, http.StatusOK, insights)
}

// ---------------------------------------------------------------------------
// Institutional memory
// ---------------------------------------------------------------------------

// ListRecentRecords returns the newest full-detail memory records.
func (h *Handlers) ListRecentRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.Memory.Recent(r.Context(), queryLimit(r, 50, 500))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if records == nil {
		records = []record.MemoryRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// RecordFeedback attaches human feedback to a memory record.
func (h *Handlers) RecordFeedback(w http.ResponseWriter, r *http.Request) {
	fb, ok := readJSON[record.Feedback](w, r)
	if !ok {
		return
	}
	if err := h.Memory.Feedback(r.Context(), urlParam(r, "id"), fb); err != nil {
		writeDomainError(w, err, "record not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetEscalationStats returns pipeline-wide classification statistics.
func (h *Handlers) GetEscalationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Memory.EscalationStats(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
