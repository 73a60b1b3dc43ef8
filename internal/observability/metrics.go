package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RoutingDecisions      *prometheus.CounterVec
	RoutingRulesLoaded    prometheus.Gauge
	TaskEvents            *prometheus.CounterVec
	OpenTasks             prometheus.Gauge
	Escalations           *prometheus.CounterVec
	Notifications         *prometheus.CounterVec
	TimerGuards           prometheus.Counter
	TaskCompletionLatency prometheus.Histogram

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		RoutingDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routing verdicts by engine, decision and matched rule.",
		}, []string{"engine", "decision", "rule"}),
		RoutingRulesLoaded: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routing_rules_loaded",
			Help:      "Number of rules in the active rule set.",
		}),
		TaskEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		OpenTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_tasks",
			Help:      "Number of non-terminal tasks owned by the controller.",
		}),
		Escalations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "SLA escalations by resulting level.",
		}, []string{"level"}),
		Notifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification dispatch outcomes by channel and result.",
		}, []string{"channel", "result"}),
		TimerGuards: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timer_guard_noops_total",
			Help:      "SLA timers that fired against a task no longer eligible for escalation.",
		}),
		TaskCompletionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_completion_latency_seconds",
			Help:      "Time from task creation to completion in seconds.",
			Buckets:   []float64{60, 300, 900, 3600, 4 * 3600, 12 * 3600, 24 * 3600, 72 * 3600},
		}),
		stages: newStageWindow(512),
	}
}

func (m *Metrics) ObserveRouting(engine, decision, rule string, latency time.Duration) {
	if m == nil {
		return
	}
	if rule == "" {
		rule = "none"
	}
	m.RoutingDecisions.WithLabelValues(engine, decision, rule).Inc()
	m.stages.Observe(StageRoute, latency)
}

func (m *Metrics) SetRulesLoaded(n int) {
	if m == nil {
		return
	}
	m.RoutingRulesLoaded.Set(float64(n))
}

func (m *Metrics) ObserveTaskEvent(event string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetOpenTasks(n int) {
	if m == nil {
		return
	}
	m.OpenTasks.Set(float64(n))
}

func (m *Metrics) ObserveEscalation(level string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(level).Inc()
	m.stages.Count("escalation_level_" + level)
}

func (m *Metrics) ObserveNotification(channel, result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) ObserveTimerGuard() {
	if m == nil {
		return
	}
	m.TimerGuards.Inc()
	m.stages.Count("timer_guard_noop")
}

func (m *Metrics) ObserveTaskCompletion(d time.Duration) {
	if m == nil {
		return
	}
	m.TaskCompletionLatency.Observe(d.Seconds())
	m.stages.Observe(StageCreateToComplete, d)
}

// ObserveStage records a lifecycle latency sample for the rolling snapshot.
func (m *Metrics) ObserveStage(stage Stage, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, d)
}

func (m *Metrics) StageSnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot(time.Now())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
