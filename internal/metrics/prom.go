package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "firebridge_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "bridge"},
		},
		[]string{"date", "sha", "version"},
	)

	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "firebridge_connections",
			Help: "Open channel connections",
		},
	)

	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firebridge_calls_total",
			Help: "Inbound method calls by outcome code",
		},
		[]string{"channel", "method", "code"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "firebridge_call_duration_seconds",
			Help:    "Inbound method call duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel", "method"},
	)

	inflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "firebridge_calls_inflight",
			Help: "Inbound method calls currently running",
		},
		[]string{"channel"},
	)

	listeners = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "firebridge_listeners",
			Help: "Live listener handles",
		},
		[]string{"kind"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firebridge_notifications_total",
			Help: "Outbound notifications",
		},
		[]string{"channel", "method"},
	)

	transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firebridge_transactions_total",
			Help: "Transactions by outcome",
		},
		[]string{"outcome"},
	)

	crashReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firebridge_crash_reports_total",
			Help: "Crash reports recorded",
		},
		[]string{"fatal"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, connections, calls, callDuration, inflight, listeners, notifications, transactions, crashReports)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

func ConnectionOpened() { connections.Inc() }

func ConnectionClosed() { connections.Dec() }

// RecordCall counts a finished call. code is "ok" on success.
func RecordCall(channel, method, code string, d time.Duration) {
	calls.WithLabelValues(channel, method, code).Inc()
	callDuration.WithLabelValues(channel, method).Observe(d.Seconds())
}

// AddInflight adjusts the running call gauge for a channel.
func AddInflight(channel string, delta float64) {
	inflight.WithLabelValues(channel).Add(delta)
}

// AddListeners adjusts the live listener gauge for a kind of subscription.
func AddListeners(kind string, delta float64) {
	listeners.WithLabelValues(kind).Add(delta)
}

func RecordNotification(channel, method string) {
	notifications.WithLabelValues(channel, method).Inc()
}

// RecordTransaction counts a finished transaction: committed, aborted, timeout or failed.
func RecordTransaction(outcome string) {
	transactions.WithLabelValues(outcome).Inc()
}

func RecordCrashReport(fatal bool) {
	v := "false"
	if fatal {
		v = "true"
	}
	crashReports.WithLabelValues(v).Inc()
}
