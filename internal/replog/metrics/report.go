package metrics

import (
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"replicated-log/internal/replog"
)

// Recorder keeps raw measurements in memory to print a summary at the end of a run. It implements
// replication.MetricsCollector.
type Recorder struct {
	mu             sync.Mutex
	commitLatency  []time.Duration
	roleChanges    map[string]uint64
	persistErrors  map[string]uint64
	results        map[string]uint64
	startTime      time.Time
	inserts        atomic.Uint64
	commitIndex    atomic.Uint64
	entriesSent    atomic.Uint64
	heartbeatsSent atomic.Uint64
	received       atomic.Uint64
	rejected       atomic.Uint64
}

func NewRecorder() *Recorder {
	return &Recorder{
		commitLatency: make([]time.Duration, 0, 1024),
		roleChanges:   make(map[string]uint64),
		persistErrors: make(map[string]uint64),
		results:       make(map[string]uint64),
		startTime:     time.Now(),
	}
}

func (r *Recorder) RecordInsert() {
	r.inserts.Add(1)
}

func (r *Recorder) RecordCommitLatency(latency time.Duration) {
	r.mu.Lock()
	r.commitLatency = append(r.commitLatency, latency)
	r.mu.Unlock()
}

func (r *Recorder) RecordCommitIndex(index replog.LogIndex) {
	r.commitIndex.Store(uint64(index))
}

func (r *Recorder) RecordAppendEntriesSent(heartbeat bool) {
	if heartbeat {
		r.heartbeatsSent.Add(1)
		return
	}
	r.entriesSent.Add(1)
}

func (r *Recorder) RecordAppendEntriesResult(outcome string) {
	r.mu.Lock()
	r.results[outcome]++
	r.mu.Unlock()
}

func (r *Recorder) RecordAppendEntriesReceived(success bool) {
	r.received.Add(1)
	if !success {
		r.rejected.Add(1)
	}
}

func (r *Recorder) RecordPersistenceError(op string) {
	r.mu.Lock()
	r.persistErrors[op]++
	r.mu.Unlock()
}

func (r *Recorder) RecordLeadershipChange(role string) {
	r.mu.Lock()
	r.roleChanges[role]++
	r.mu.Unlock()
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// CommitLatencyStats computes the statistics of the recorded commit latencies.
func (r *Recorder) CommitLatencyStats() LatencyStats {
	r.mu.Lock()
	latencies := slices.Clone(r.commitLatency)
	r.mu.Unlock()
	return computeStats(latencies)
}

func computeStats(latencies []time.Duration) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}
	slices.Sort(latencies)

	ms := make([]float64, len(latencies))
	var sum float64
	for i, lat := range latencies {
		ms[i] = float64(lat.Microseconds()) / 1000.0
		sum += ms[i]
	}
	mean := sum / float64(len(ms))

	var variance float64
	for _, v := range ms {
		diff := v - mean
		variance += diff * diff
	}

	return LatencyStats{
		Count:  len(ms),
		Min:    ms[0],
		Max:    ms[len(ms)-1],
		Mean:   mean,
		P50:    percentile(ms, 50),
		P95:    percentile(ms, 95),
		P99:    percentile(ms, 99),
		StdDev: math.Sqrt(variance / float64(len(ms))),
	}
}

// percentile interpolates the pth percentile of sorted.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Report is a snapshot of everything a Recorder measured.
type Report struct {
	Duration          float64           `json:"duration_seconds"`
	Inserts           uint64            `json:"inserts"`
	CommitIndex       uint64            `json:"commit_index"`
	ThroughputPerSec  float64           `json:"commits_per_sec"`
	CommitLatency     LatencyStats      `json:"commit_latency"`
	EntriesSent       uint64            `json:"append_entries_sent"`
	HeartbeatsSent    uint64            `json:"heartbeats_sent"`
	Results           map[string]uint64 `json:"append_entries_results"`
	Received          uint64            `json:"append_entries_received"`
	Rejected          uint64            `json:"append_entries_rejected"`
	PersistenceErrors map[string]uint64 `json:"persistence_errors"`
	RoleChanges       map[string]uint64 `json:"role_changes"`
}

func (r *Recorder) Report() Report {
	elapsed := time.Since(r.startTime).Seconds()
	commit := r.commitIndex.Load()

	r.mu.Lock()
	results := maps.Clone(r.results)
	persistErrors := maps.Clone(r.persistErrors)
	roles := maps.Clone(r.roleChanges)
	r.mu.Unlock()

	var throughput float64
	if elapsed > 0 {
		throughput = float64(commit) / elapsed
	}

	return Report{
		Duration:          elapsed,
		Inserts:           r.inserts.Load(),
		CommitIndex:       commit,
		ThroughputPerSec:  throughput,
		CommitLatency:     r.CommitLatencyStats(),
		EntriesSent:       r.entriesSent.Load(),
		HeartbeatsSent:    r.heartbeatsSent.Load(),
		Results:           results,
		Received:          r.received.Load(),
		Rejected:          r.rejected.Load(),
		PersistenceErrors: persistErrors,
		RoleChanges:       roles,
	}
}

// Print writes the report in a human-readable format.
func (rep Report) Print(w io.Writer) {
	fmt.Fprintf(w, "duration:          %.2fs\n", rep.Duration)
	fmt.Fprintf(w, "inserts:           %d\n", rep.Inserts)
	fmt.Fprintf(w, "commit index:      %d (%.1f/s)\n", rep.CommitIndex, rep.ThroughputPerSec)
	fmt.Fprintf(w, "commit latency:    p50 %.2fms  p95 %.2fms  p99 %.2fms  max %.2fms\n",
		rep.CommitLatency.P50, rep.CommitLatency.P95, rep.CommitLatency.P99, rep.CommitLatency.Max)
	fmt.Fprintf(w, "requests sent:     %d entries, %d heartbeats\n", rep.EntriesSent, rep.HeartbeatsSent)
	fmt.Fprintf(w, "request outcomes:  %v\n", rep.Results)
	if rep.Received > 0 {
		fmt.Fprintf(w, "requests received: %d (%d rejected)\n", rep.Received, rep.Rejected)
	}
	if len(rep.PersistenceErrors) > 0 {
		fmt.Fprintf(w, "storage errors:    %v\n", rep.PersistenceErrors)
	}
}
