// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for NATS subjects used by Quorum.
const (
	// Decision pipeline subjects.
	SubjectDecisionSubmitted  = "decisions.submitted"  // collaborator → core: new decision request
	SubjectDecisionClassified = "decisions.classified" // core → collaborators: tier assignment
	SubjectDecisionResolved   = "decisions.resolved"   // core → collaborators: terminal outcome
	SubjectDecisionCancelled  = "decisions.cancelled"  // collaborator → core: cancel an in-flight decision

	// Consensus subjects.
	SubjectConsensusInput  = "consensus.input"  // human-interaction layer → core: persona recommendation
	SubjectConsensusStatus = "consensus.status" // core → collaborators: session state changes

	// Allocation subjects.
	SubjectClaimSubmitted = "claims.submitted" // team registry → core: resource claim
	SubjectClaimDecided   = "claims.decided"   // core → team coordination: allocation decision

	// Memory subjects.
	SubjectMemoryInsight = "memory.insight" // core → dashboards: derived performance insight
)
