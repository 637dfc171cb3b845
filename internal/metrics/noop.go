package metrics

import "time"

// NoopSink discards everything. Used when metrics are disabled.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) CycleStarted()                                       {}
func (n *NoopSink) CycleCompleted(time.Duration, int, bool)             {}
func (n *NoopSink) PriceLookup(bool)                                    {}
func (n *NoopSink) AlertTriggered(string)                               {}
func (n *NoopSink) TransitionConflict()                                 {}
func (n *NoopSink) PublishFailed()                                      {}
func (n *NoopSink) GroupFailed()                                        {}
func (n *NoopSink) FeedRequest(string, string)                          {}
func (n *NoopSink) CacheLookup(bool)                                    {}
func (n *NoopSink) BreakerStateChanged(string, string)                  {}
func (n *NoopSink) DeliveryAttemptCompleted(int, string, time.Duration) {}
func (n *NoopSink) DeliveryOutcome(string)                              {}
func (n *NoopSink) EventsInFlightIncr()                                 {}
func (n *NoopSink) EventsInFlightDecr()                                 {}
func (n *NoopSink) NotificationLatencyObserve(time.Duration)            {}
func (n *NoopSink) BufferSizeUpdate(int)                                {}
func (n *NoopSink) BufferCapacitySet(int)                               {}
func (n *NoopSink) EmitError()                                          {}
func (n *NoopSink) UnnotifiedAlertsUpdate(int)                          {}
func (n *NoopSink) Republished()                                        {}
