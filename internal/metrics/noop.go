package metrics

import "time"

// NoopSink is used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) ReminderArmed()                            {}
func (n *NoopSink) ReminderFired(lateness time.Duration)      {}
func (n *NoopSink) ReminderSkipped()                          {}
func (n *NoopSink) ReminderCancelled(result string)           {}
func (n *NoopSink) ArmedJobsUpdate(count int)                 {}
func (n *NoopSink) ChainTerminated(reason string)             {}
func (n *NoopSink) DeliveryOutcome(outcome string)            {}
func (n *NoopSink) ReconcileCompleted(rearmed int, err error) {}
