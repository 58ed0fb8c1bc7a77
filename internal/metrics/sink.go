package metrics

import "time"

// Sink records scheduler and delivery metrics.
// All methods are fire-and-forget: implementations must not block or propagate errors.
type Sink interface {
	// Scheduler metrics
	ReminderArmed()
	ReminderFired(lateness time.Duration)
	ReminderSkipped()
	ReminderCancelled(result string)
	ArmedJobsUpdate(count int)
	ChainTerminated(reason string)

	// Delivery metrics
	DeliveryOutcome(outcome string)

	// Reconciler metrics
	ReconcileCompleted(rearmed int, err error)
}

// Delivery outcomes.
const (
	OutcomeSent   = "sent"
	OutcomeFailed = "failed"
)

// Reasons a recurrence chain stops.
const (
	ChainEnded         = "ended"
	ChainCancelled     = "cancelled"
	ChainPersistFailed = "persist_failed"
)
