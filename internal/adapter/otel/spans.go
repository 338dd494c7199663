package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "quorum"

// StartDecisionSpan starts a span covering a decision's pipeline lifecycle.
func StartDecisionSpan(ctx context.Context, decisionID, tier, teamID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "decision",
		trace.WithAttributes(
			attribute.String("decision.id", decisionID),
			attribute.String("decision.tier", tier),
			attribute.String("team.id", teamID),
		),
	)
}

// StartSessionSpan starts a span covering a consensus session's resolution
// and persistence.
func StartSessionSpan(ctx context.Context, sessionID string, inputs int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "consensus.session",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("session.inputs", inputs),
		),
	)
}

// RecordSessionOutcome annotates a session span with the terminal result.
func RecordSessionOutcome(span trace.Span, status, strategy string, rounds int, quality float64) {
	span.SetAttributes(
		attribute.String("session.status", status),
		attribute.String("session.strategy", strategy),
		attribute.Int("session.rounds", rounds),
		attribute.Float64("session.quality", quality),
	)
}

// StartClaimSpan starts a span for a resource claim decision.
func StartClaimSpan(ctx context.Context, claimID, resourceType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "claim",
		trace.WithAttributes(
			attribute.String("claim.id", claimID),
			attribute.String("claim.resource_type", resourceType),
		),
	)
}
