package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"replicated-log/internal/replog"
)

// namespace is the leading part of all published metrics.
const namespace = "replog"

const (
	logSubsystem         = "log"         // metrics of a physical log
	replicationSubsystem = "replication" // metrics of the leader to follower traffic
	transportSubsystem   = "transport"   // metrics of the RPC layer
)

// Metrics holds the prometheus collectors shared by every log of a process. Each log records through its own
// LogMetrics, which carries the log_id label.
type Metrics struct {
	Inserts               *prometheus.CounterVec
	CommitLatency         *prometheus.HistogramVec
	CommitIndex           *prometheus.GaugeVec
	PersistenceErrors     *prometheus.CounterVec
	LeadershipChanges     *prometheus.CounterVec
	AppendEntriesSent     *prometheus.CounterVec
	AppendEntriesResults  *prometheus.CounterVec
	AppendEntriesReceived *prometheus.CounterVec

	RPCDuration *prometheus.HistogramVec
	RPCRetries  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	logLabel := []string{"log_id"}
	return &Metrics{
		Inserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: logSubsystem,
			Name:      "inserts_total",
			Help:      "Number of entries inserted on the leader.",
		}, logLabel),
		CommitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: logSubsystem,
			Name:      "commit_latency_seconds",
			Help:      "Time from insert to commit of an entry on the leader.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, logLabel),
		CommitIndex: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: logSubsystem,
			Name:      "commit_index",
			Help:      "Highest committed index.",
		}, logLabel),
		PersistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: logSubsystem,
			Name:      "persistence_errors_total",
			Help:      "Number of failed storage operations.",
		}, []string{"log_id", "op"}),
		LeadershipChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: logSubsystem,
			Name:      "role_changes_total",
			Help:      "Number of role transitions, by the role taken.",
		}, []string{"log_id", "role"}),
		AppendEntriesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: replicationSubsystem,
			Name:      "append_entries_sent_total",
			Help:      "Number of AppendEntries requests sent by the leader.",
		}, []string{"log_id", "kind"}),
		AppendEntriesResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: replicationSubsystem,
			Name:      "append_entries_results_total",
			Help:      "Number of AppendEntries outcomes seen by the leader.",
		}, []string{"log_id", "outcome"}),
		AppendEntriesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: replicationSubsystem,
			Name:      "append_entries_received_total",
			Help:      "Number of AppendEntries requests handled by a follower.",
		}, []string{"log_id", "success"}),
		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: transportSubsystem,
			Name:      "rpc_duration_seconds",
			Help:      "Duration of single RPC attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "code"}),
		RPCRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: transportSubsystem,
			Name:      "rpc_retries_total",
			Help:      "Number of retried RPC attempts.",
		}, []string{"method"}),
	}
}

// PrometheusCollectors returns every collector of m.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Inserts,
		m.CommitLatency,
		m.CommitIndex,
		m.PersistenceErrors,
		m.LeadershipChanges,
		m.AppendEntriesSent,
		m.AppendEntriesResults,
		m.AppendEntriesReceived,
		m.RPCDuration,
		m.RPCRetries,
	}
}

// Register registers every collector of m with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	var errs error
	for _, c := range m.PrometheusCollectors() {
		errs = multierr.Append(errs, reg.Register(c))
	}
	return errs
}

// RecordRPC implements transport.MetricsCollector.
func (m *Metrics) RecordRPC(method string, code string, latency time.Duration) {
	m.RPCDuration.WithLabelValues(method, code).Observe(latency.Seconds())
}

func (m *Metrics) RecordRPCRetry(method string) {
	m.RPCRetries.WithLabelValues(method).Inc()
}

// ForLog returns the collector of one log.
func (m *Metrics) ForLog(id replog.LogID) *LogMetrics {
	label := strconv.FormatUint(uint64(id), 10)
	return &LogMetrics{
		m:             m,
		label:         label,
		inserts:       m.Inserts.WithLabelValues(label),
		commitLatency: m.CommitLatency.WithLabelValues(label),
		commitIndex:   m.CommitIndex.WithLabelValues(label),
	}
}

// LogMetrics implements replication.MetricsCollector for a single log.
type LogMetrics struct {
	m     *Metrics
	label string

	inserts       prometheus.Counter
	commitLatency prometheus.Observer
	commitIndex   prometheus.Gauge
}

func (l *LogMetrics) RecordInsert() {
	l.inserts.Inc()
}

func (l *LogMetrics) RecordCommitLatency(latency time.Duration) {
	l.commitLatency.Observe(latency.Seconds())
}

func (l *LogMetrics) RecordCommitIndex(index replog.LogIndex) {
	l.commitIndex.Set(float64(index))
}

func (l *LogMetrics) RecordAppendEntriesSent(heartbeat bool) {
	kind := "entries"
	if heartbeat {
		kind = "heartbeat"
	}
	l.m.AppendEntriesSent.WithLabelValues(l.label, kind).Inc()
}

func (l *LogMetrics) RecordAppendEntriesResult(outcome string) {
	l.m.AppendEntriesResults.WithLabelValues(l.label, outcome).Inc()
}

func (l *LogMetrics) RecordAppendEntriesReceived(success bool) {
	l.m.AppendEntriesReceived.WithLabelValues(l.label, strconv.FormatBool(success)).Inc()
}

func (l *LogMetrics) RecordPersistenceError(op string) {
	l.m.PersistenceErrors.WithLabelValues(l.label, op).Inc()
}

func (l *LogMetrics) RecordLeadershipChange(role string) {
	l.m.LeadershipChanges.WithLabelValues(l.label, role).Inc()
}
