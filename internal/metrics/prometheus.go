// Package metrics exposes tracking, polling and notification counters as
// Prometheus metrics on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trackbot/internal/notifier"
	"trackbot/internal/poller"
	"trackbot/internal/tracking"
)

const namespace = "trackbot"

// Collector implements the metric hooks of the tracker, the poller and the
// notifier.
type Collector struct {
	reg *prometheus.Registry

	tracked       prometheus.Gauge
	scheduled     prometheus.Gauge
	batchAmount   prometheus.Histogram
	batchDelay    prometheus.Histogram
	raceSkips     prometheus.Counter
	persistFails  *prometheus.CounterVec
	polls         *prometheus.CounterVec
	pollLatency   prometheus.Histogram
	notifications *prometheus.CounterVec
}

var (
	_ tracking.Metrics = (*Collector)(nil)
	_ poller.Metrics   = (*Collector)(nil)
	_ notifier.Metrics = (*Collector)(nil)
)

// New builds a Collector on a fresh registry that also carries the Go and
// process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		reg: reg,
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "records",
			Help:      "Tracked (entity, mode) records.",
		}),
		scheduled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "scheduled_keys",
			Help:      "Keys currently waiting in the schedule.",
		}),
		batchAmount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "batch_amount",
			Help:      "Keys dequeued per pop.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 50, 100},
		}),
		batchDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "batch_delay_seconds",
			Help:      "Wait before each pop.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~4m
		}),
		raceSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "race_skips_total",
			Help:      "Popped keys that were removed before their marker was read.",
		}),
		persistFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "persist_failures_total",
			Help:      "Store writes that failed, by operation.",
		}, []string{"op"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "polls_total",
			Help:      "Polled keys by outcome.",
		}, []string{"outcome"}),
		pollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "poll_duration_seconds",
			Help:      "Fetch and notify time per key.",
			Buckets:   prometheus.ExponentialBuckets(0.025, 2, 10), // 25ms .. ~13s
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "notifications_total",
			Help:      "Notifications by outcome (sent, failed, deduped, dropped).",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.tracked, c.scheduled, c.batchAmount, c.batchDelay, c.raceSkips,
		c.persistFails, c.polls, c.pollLatency, c.notifications,
	)
	return c
}

// Registry returns the private registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

func (c *Collector) ObserveBatch(_ int, b tracking.Batch) {
	c.batchAmount.Observe(float64(b.Amount))
	c.batchDelay.Observe(b.Delay.Seconds())
}

func (c *Collector) RaceSkipped() { c.raceSkips.Inc() }

func (c *Collector) PersistFailed(op string) { c.persistFails.WithLabelValues(op).Inc() }

func (c *Collector) SetSizes(tracked, scheduled int) {
	c.tracked.Set(float64(tracked))
	c.scheduled.Set(float64(scheduled))
}

func (c *Collector) PollResult(outcome string, took time.Duration) {
	c.polls.WithLabelValues(outcome).Inc()
	c.pollLatency.Observe(took.Seconds())
}

func (c *Collector) Notification(outcome string) {
	c.notifications.WithLabelValues(outcome).Inc()
}
