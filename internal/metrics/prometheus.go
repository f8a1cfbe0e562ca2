// internal/metrics/prometheus.go
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "solana_copybot"

type promCounter struct{ c prometheus.Counter }

func (p promCounter) Inc() { p.c.Inc() }

type promGauge struct{ g prometheus.Gauge }

func (p promGauge) Set(v float64) { p.g.Set(v) }

type promHistogram struct{ h prometheus.Observer }

func (p promHistogram) Observe(d time.Duration) { p.h.Observe(d.Seconds()) }

type promCounterVec struct{ v *prometheus.CounterVec }

func (p promCounterVec) With(label string) Counter {
	return promCounter{p.v.WithLabelValues(label)}
}

// Prometheus backs Metrics with a private prometheus registry.
type Prometheus struct {
	Metrics *Metrics

	registry          *prometheus.Registry
	feedMessages      prometheus.Counter
	feedReconnects    prometheus.Counter
	healthySlots      prometheus.Gauge
	poolUnhealthy     prometheus.Counter
	eventsNormalized  prometheus.Counter
	eventsDropped     *prometheus.CounterVec
	eventsDuplicate   prometheus.Counter
	decisions         *prometheus.CounterVec
	sellAttempts      prometheus.Counter
	sellCompleted     prometheus.Counter
	sellFailed        prometheus.Counter
	forceSells        prometheus.Counter
	submissionLatency prometheus.Histogram
	openPositions     prometheus.Gauge
	notifyDrops       prometheus.Counter
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: promNamespace, Name: name, Help: help})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: promNamespace, Name: name, Help: help})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:         prometheus.NewRegistry(),
		feedMessages:     counter("feed_messages_total", "Raw messages received from the feed pool."),
		feedReconnects:   counter("feed_reconnects_total", "Feed slot reconnect attempts."),
		healthySlots:     gauge("feed_healthy_slots", "Feed slots currently healthy."),
		poolUnhealthy:    counter("feed_pool_unhealthy_total", "Times every feed slot was degraded at once."),
		eventsNormalized: counter("events_normalized_total", "Trade events produced by the normalizer."),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "events_dropped_total",
			Help:      "Raw messages dropped during normalization.",
		}, []string{"reason"}),
		eventsDuplicate: counter("events_duplicate_total", "Trade events dropped as duplicates."),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "sell_decisions_total",
			Help:      "Sell decisions by trigger reason.",
		}, []string{"reason"}),
		sellAttempts:  counter("sell_attempts_total", "Sell submissions sent to adapters."),
		sellCompleted: counter("sell_completed_total", "Sell cycles that completed."),
		sellFailed:    counter("sell_failed_total", "Sell cycles that failed."),
		forceSells:    counter("force_sells_total", "Force-sell submissions."),
		submissionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Name:      "submission_duration_seconds",
			Help:      "Duration of sell submissions including acknowledgement.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		openPositions: gauge("open_positions", "Positions currently tracked."),
		notifyDrops:   counter("notifications_dropped_total", "Notifications dropped because the bus was full."),
	}

	p.registry.MustRegister(
		p.feedMessages, p.feedReconnects, p.healthySlots, p.poolUnhealthy,
		p.eventsNormalized, p.eventsDropped, p.eventsDuplicate, p.decisions,
		p.sellAttempts, p.sellCompleted, p.sellFailed, p.forceSells,
		p.submissionLatency, p.openPositions, p.notifyDrops,
	)

	p.Metrics = &Metrics{
		FeedMessages:       promCounter{p.feedMessages},
		FeedReconnects:     promCounter{p.feedReconnects},
		FeedHealthySlots:   promGauge{p.healthySlots},
		PoolUnhealthy:      promCounter{p.poolUnhealthy},
		EventsNormalized:   promCounter{p.eventsNormalized},
		EventsDropped:      promCounterVec{p.eventsDropped},
		EventsDuplicate:    promCounter{p.eventsDuplicate},
		Decisions:          promCounterVec{p.decisions},
		SellAttempts:       promCounter{p.sellAttempts},
		SellCompleted:      promCounter{p.sellCompleted},
		SellFailed:         promCounter{p.sellFailed},
		ForceSells:         promCounter{p.forceSells},
		SubmissionLatency:  promHistogram{p.submissionLatency},
		OpenPositions:      promGauge{p.openPositions},
		NotificationsDrops: promCounter{p.notifyDrops},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
