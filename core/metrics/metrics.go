// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

/*
Package metrics exposes the service's Prometheus instrumentation.

Instruments register lazily on first use so importing the package never
panics on duplicate registration, and tests can point a Collector at their
own Registerer.
*/
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles the Prometheus instruments for all service subsystems.
type Collector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	decisions        *prometheus.CounterVec
	originRequests   *prometheus.CounterVec
	originDuration   prometheus.Histogram
	originUp         *prometheus.GaugeVec
	cacheEvents      *prometheus.CounterVec
	limiterDecisions *prometheus.CounterVec
	eventsPublished  prometheus.Counter
	eventsDropped    prometheus.Counter
}

// Default is the process-wide collector, registered against the default
// Prometheus registerer and therefore served by promhttp on /metrics.
var Default = New(nil, "")

// New creates a collector.
//
// Parameters:
//   - reg: Prometheus registerer interface (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Prometheus metrics namespace (defaults to "edgesplit" if empty)
func New(reg prometheus.Registerer, namespace string) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	if namespace == "" {
		namespace = "edgesplit"
	}

	return &Collector{reg: reg, namespace: namespace}
}

func (c *Collector) ensureRegistered() {
	c.once.Do(func() {
		c.decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "splitter",
			Name:      "decisions_total",
			Help:      "Total assignment decisions by variant and source (existing-cookie, random).",
		}, []string{"variant", "source"})

		c.originRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "origin",
			Name:      "requests_total",
			Help:      "Total origin fetches by assigned variant and response status code.",
		}, []string{"variant", "code"})

		c.originDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: c.namespace,
			Subsystem: "origin",
			Name:      "request_duration_seconds",
			Help:      "Latency of origin fetches in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		})

		c.originUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Subsystem: "origin",
			Name:      "up",
			Help:      "Whether the last probe of a variant entry path succeeded (1=up, 0=down).",
		}, []string{"variant"})

		c.cacheEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "origin",
			Name:      "cache_events_total",
			Help:      "Micro-cache activity by event (hit, miss, store, evict).",
		}, []string{"event"})

		c.limiterDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "limiter",
			Name:      "decisions_total",
			Help:      "Limiter outcomes by action (allow, throttle, block, pass).",
		}, []string{"action"})

		c.eventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Assignment events handed to the broker.",
		})

		c.eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Assignment events dropped because the publish buffer was full.",
		})

		c.reg.MustRegister(c.decisions)
		c.reg.MustRegister(c.originRequests)
		c.reg.MustRegister(c.originDuration)
		c.reg.MustRegister(c.originUp)
		c.reg.MustRegister(c.cacheEvents)
		c.reg.MustRegister(c.limiterDecisions)
		c.reg.MustRegister(c.eventsPublished)
		c.reg.MustRegister(c.eventsDropped)
	})
}

// CountDecision increments the decision counter for a variant and source.
func (c *Collector) CountDecision(variant, source string) {
	c.ensureRegistered()
	c.decisions.WithLabelValues(variant, source).Inc()
}

// CountOriginRequest increments origin fetch counts for a variant and status.
func (c *Collector) CountOriginRequest(variant string, statusCode int) {
	c.ensureRegistered()
	c.originRequests.WithLabelValues(variant, strconv.Itoa(statusCode)).Inc()
}

// ObserveOriginDuration observes one origin fetch latency.
func (c *Collector) ObserveOriginDuration(seconds float64) {
	c.ensureRegistered()
	c.originDuration.Observe(seconds)
}

// SetOriginUp records the probe result for a variant entry path.
func (c *Collector) SetOriginUp(variant string, up bool) {
	c.ensureRegistered()

	value := 0.0
	if up {
		value = 1.0
	}

	c.originUp.WithLabelValues(variant).Set(value)
}

// CountCacheEvent increments micro-cache activity for an event kind.
func (c *Collector) CountCacheEvent(event string) {
	c.ensureRegistered()
	c.cacheEvents.WithLabelValues(event).Inc()
}

// CountLimiterDecision increments limiter outcomes for an action.
func (c *Collector) CountLimiterDecision(action string) {
	c.ensureRegistered()
	c.limiterDecisions.WithLabelValues(action).Inc()
}

// CountEventPublished increments the published assignment event counter.
func (c *Collector) CountEventPublished() {
	c.ensureRegistered()
	c.eventsPublished.Inc()
}

// CountEventDropped increments the dropped assignment event counter.
func (c *Collector) CountEventDropped() {
	c.ensureRegistered()
	c.eventsDropped.Inc()
}
