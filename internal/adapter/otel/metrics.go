package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "quorum"

// Metrics holds all pipeline metric instruments.
type Metrics struct {
	DecisionsClassified metric.Int64Counter
	DecisionsResolved   metric.Int64Counter
	DecisionsEscalated  metric.Int64Counter
	ConsensusRounds     metric.Int64Counter
	ClaimsGranted       metric.Int64Counter
	ClaimsDeferred      metric.Int64Counter
	MemoryAppendRetries metric.Int64Counter
	DecisionDuration    metric.Float64Histogram
	ConsensusScore      metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.DecisionsClassified, err = meter.Int64Counter("quorum.decisions.classified",
		metric.WithDescription("Number of decision requests classified"))
	if err != nil {
		return nil, err
	}

	m.DecisionsResolved, err = meter.Int64Counter("quorum.decisions.resolved",
		metric.WithDescription("Number of decisions resolved"))
	if err != nil {
		return nil, err
	}

	m.DecisionsEscalated, err = meter.Int64Counter("quorum.decisions.escalated",
		metric.WithDescription("Number of decisions escalated to a higher tier"))
	if err != nil {
		return nil, err
	}

	m.ConsensusRounds, err = meter.Int64Counter("quorum.consensus.rounds",
		metric.WithDescription("Number of consensus resolution rounds run"))
	if err != nil {
		return nil, err
	}

	m.ClaimsGranted, err = meter.Int64Counter("quorum.claims.granted",
		metric.WithDescription("Number of resource claims granted"))
	if err != nil {
		return nil, err
	}

	m.ClaimsDeferred, err = meter.Int64Counter("quorum.claims.deferred",
		metric.WithDescription("Number of resource claims deferred"))
	if err != nil {
		return nil, err
	}

	m.MemoryAppendRetries, err = meter.Int64Counter("quorum.memory.append_retries",
		metric.WithDescription("Number of memory ledger append retries"))
	if err != nil {
		return nil, err
	}

	m.DecisionDuration, err = meter.Float64Histogram("quorum.decision.duration_seconds",
		metric.WithDescription("End-to-end decision duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.ConsensusScore, err = meter.Float64Histogram("quorum.consensus.score",
		metric.WithDescription("Winning recommendation score per resolved session"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
