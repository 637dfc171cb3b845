package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const namespace = "cryptowatch"

// PrometheusSink implements Sink on the Prometheus client. A collector
// that fails to register is logged and keeps working unexported.
type PrometheusSink struct {
	logger *zap.Logger

	cyclesTotal      prometheus.Counter
	cycleErrorsTotal prometheus.Counter
	cycleDuration    prometheus.Histogram
	triggeredTotal   *prometheus.CounterVec

	priceLookupsTotal *prometheus.CounterVec
	conflictsTotal    prometheus.Counter
	publishFailures   prometheus.Counter
	groupFailures     prometheus.Counter

	feedRequestsTotal *prometheus.CounterVec
	cacheLookupsTotal *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec

	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	webhookDuration       prometheus.Histogram
	eventsInFlight        prometheus.Gauge
	notifyLatency         prometheus.Histogram

	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	emitErrorsTotal  prometheus.Counter
	unnotifiedAlerts prometheus.Gauge
	republishedTotal prometheus.Counter
}

func NewPrometheusSink(reg prometheus.Registerer, logger *zap.Logger) *PrometheusSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PrometheusSink{logger: logger.Named("metrics")}
	s.initEngineMetrics(reg)
	s.initFeedMetrics(reg)
	s.initDeliveryMetrics(reg)
	return s
}

func (s *PrometheusSink) initEngineMetrics(reg prometheus.Registerer) {
	s.cyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "cycles_total",
		Help: "Evaluation cycles started.",
	})
	s.cycleErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "cycle_errors_total",
		Help: "Evaluation cycles that returned an error or panicked.",
	})
	s.cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "cycle_duration_seconds",
		Help:    "Wall time of one evaluation cycle.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
	s.triggeredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "evaluator", Name: "alerts_triggered_total",
		Help: "Alerts transitioned to triggered.",
	}, []string{"symbol"})
	s.priceLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "evaluator", Name: "price_lookups_total",
		Help: "Per-symbol price lookups by result.",
	}, []string{"result"})
	s.conflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "evaluator", Name: "transition_conflicts_total",
		Help: "Status updates lost to a concurrent transition.",
	})
	s.publishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "evaluator", Name: "publish_failures_total",
		Help: "Triggered events persisted but not published.",
	})
	s.groupFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "evaluator", Name: "group_failures_total",
		Help: "Symbol groups abandoned for the cycle.",
	})

	s.register(reg, s.cyclesTotal)
	s.register(reg, s.cycleErrorsTotal)
	s.register(reg, s.cycleDuration)
	s.register(reg, s.triggeredTotal)
	s.register(reg, s.priceLookupsTotal)
	s.register(reg, s.conflictsTotal)
	s.register(reg, s.publishFailures)
	s.register(reg, s.groupFailures)
}

func (s *PrometheusSink) initFeedMetrics(reg prometheus.Registerer) {
	s.feedRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pricefeed", Name: "requests_total",
		Help: "Upstream price requests by feed and outcome.",
	}, []string{"feed", "outcome"})
	s.cacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pricefeed", Name: "cache_lookups_total",
		Help: "Price cache lookups by result.",
	}, []string{"result"})
	s.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "pricefeed", Name: "breaker_state",
		Help: "Circuit breaker state per feed (0 closed, 1 half-open, 2 open).",
	}, []string{"feed"})

	s.register(reg, s.feedRequestsTotal)
	s.register(reg, s.cacheLookupsTotal)
	s.register(reg, s.breakerState)
}

func (s *PrometheusSink) initDeliveryMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "dispatcher", Name: "delivery_attempts_total",
		Help: "Webhook delivery attempts.",
	}, []string{"attempt", "status_class"})
	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "dispatcher", Name: "delivery_outcomes_total",
		Help: "Final delivery outcome per event.",
	}, []string{"outcome"})
	s.webhookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "dispatcher", Name: "webhook_duration_seconds",
		Help:    "Webhook request latency, backoff excluded.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "dispatcher", Name: "events_in_flight",
		Help: "Events currently being delivered.",
	})
	s.notifyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "dispatcher", Name: "notification_latency_seconds",
		Help:    "Time from trigger to successful delivery.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
	})
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "eventbus", Name: "buffer_size",
		Help: "Events waiting in the in-process bus.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "eventbus", Name: "buffer_capacity",
		Help: "Capacity of the in-process bus.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "eventbus", Name: "emit_errors_total",
		Help: "Publishes rejected because the buffer stayed full.",
	})
	s.unnotifiedAlerts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "reconciler", Name: "unnotified_alerts",
		Help: "Triggered alerts past the threshold without a delivery, at last scan.",
	})
	s.republishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "reconciler", Name: "republished_total",
		Help: "Events republished by the reconciler.",
	})

	s.register(reg, s.deliveryAttemptsTotal)
	s.register(reg, s.deliveryOutcomesTotal)
	s.register(reg, s.webhookDuration)
	s.register(reg, s.eventsInFlight)
	s.register(reg, s.notifyLatency)
	s.register(reg, s.bufferSize)
	s.register(reg, s.bufferCapacity)
	s.register(reg, s.emitErrorsTotal)
	s.register(reg, s.unnotifiedAlerts)
	s.register(reg, s.republishedTotal)
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("failed to register collector", zap.Error(err))
	}
}

func (s *PrometheusSink) CycleStarted() {
	s.cyclesTotal.Inc()
}

func (s *PrometheusSink) CycleCompleted(duration time.Duration, _ int, failed bool) {
	s.cycleDuration.Observe(duration.Seconds())
	if failed {
		s.cycleErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) PriceLookup(known bool) {
	s.priceLookupsTotal.WithLabelValues(knownLabel(known, "known", "unknown")).Inc()
}

func (s *PrometheusSink) AlertTriggered(symbol string) {
	s.triggeredTotal.WithLabelValues(symbol).Inc()
}

func (s *PrometheusSink) TransitionConflict() { s.conflictsTotal.Inc() }
func (s *PrometheusSink) PublishFailed()      { s.publishFailures.Inc() }
func (s *PrometheusSink) GroupFailed()        { s.groupFailures.Inc() }

func (s *PrometheusSink) FeedRequest(feed, outcome string) {
	s.feedRequestsTotal.WithLabelValues(feed, outcome).Inc()
}

func (s *PrometheusSink) CacheLookup(hit bool) {
	s.cacheLookupsTotal.WithLabelValues(knownLabel(hit, "hit", "miss")).Inc()
}

func (s *PrometheusSink) BreakerStateChanged(feed, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	s.breakerState.WithLabelValues(feed).Set(v)
}

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.webhookDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() { s.eventsInFlight.Inc() }
func (s *PrometheusSink) EventsInFlightDecr() { s.eventsInFlight.Dec() }

func (s *PrometheusSink) NotificationLatencyObserve(latency time.Duration) {
	s.notifyLatency.Observe(latency.Seconds())
}

func (s *PrometheusSink) BufferSizeUpdate(size int)      { s.bufferSize.Set(float64(size)) }
func (s *PrometheusSink) BufferCapacitySet(capacity int) { s.bufferCapacity.Set(float64(capacity)) }
func (s *PrometheusSink) EmitError()                     { s.emitErrorsTotal.Inc() }

func (s *PrometheusSink) UnnotifiedAlertsUpdate(count int) {
	s.unnotifiedAlerts.Set(float64(count))
}

func (s *PrometheusSink) Republished() { s.republishedTotal.Inc() }

func knownLabel(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
