package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Decisions
		r.Post("/decisions", h.SubmitDecision)
		r.Get("/decisions/{id}", h.GetDecision)
		r.Post("/decisions/{id}/cancel", h.CancelDecision)
		r.Get("/decisions/{id}/allocations", h.ListDecisionAllocations)

		// Consensus sessions
		r.Get("/sessions/{id}", h.GetSession)
		r.Post("/sessions/{id}/inputs", h.SubmitSessionInput)

		// Resource claims
		r.Post("/claims", h.SubmitClaim)
		r.Get("/claims/pools/{resourceType}", h.GetPoolSnapshot)
		r.Get("/claims/{id}", h.GetClaim)
		r.Post("/claims/{id}/confirm", h.ConfirmClaim)
		r.Post("/claims/{id}/commit", h.CommitClaim)
		r.Post("/claims/{id}/release", h.ReleaseClaim)

		// Personas
		r.Post("/personas", h.CreatePersona)
		r.Get("/personas", h.ListPersonas)
		r.Get("/personas/{id}", h.GetPersona)
		r.Put("/personas/{id}/availability", h.SetPersonaAvailability)
		r.Get("/personas/{id}/stats", h.GetPersonaStats)
		r.Get("/personas/{id}/insights", h.ListPersonaInsights)

		// Institutional memory
		r.Get("/memory/records", h.ListRecentRecords)
		r.Post("/memory/records/{id}/feedback", h.RecordFeedback)
		r.Get("/memory/escalations", h.GetEscalationStats)
	})

	// Live event stream
	r.Get("/ws", h.Hub.HandleWS)
}
