package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects counters and durations of the leader election. It implements election.MetricsCollector.
type Metrics struct {
	// RPC counters
	requestVoteCount      atomic.Uint64
	votesGrantedCount     atomic.Uint64
	heartbeatCount        atomic.Uint64
	heartbeatFailureCount atomic.Uint64

	// Leader election metrics
	electionCount    atomic.Uint64
	electionDuration []time.Duration
	electionMu       sync.Mutex

	// Transitions keyed by "From->To".
	roleChanges map[string]uint64
	roleMu      sync.Mutex

	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		electionDuration: make([]time.Duration, 0, 100),
		roleChanges:      make(map[string]uint64),
		startTime:        time.Now(),
	}
}

// RecordRequestVote counts one outbound RequestVote RPC.
func (m *Metrics) RecordRequestVote() {
	m.requestVoteCount.Add(1)
}

// RecordVoteGranted counts one granted vote received by a candidate.
func (m *Metrics) RecordVoteGranted() {
	m.votesGrantedCount.Add(1)
}

// RecordHeartbeat counts one outbound heartbeat.
func (m *Metrics) RecordHeartbeat() {
	m.heartbeatCount.Add(1)
}

// RecordHeartbeatFailure counts one heartbeat that did not reach its follower.
func (m *Metrics) RecordHeartbeatFailure() {
	m.heartbeatFailureCount.Add(1)
}

// RecordElection counts one candidacy.
func (m *Metrics) RecordElection() {
	m.electionCount.Add(1)
}

// RecordElectionWon records how long it took from the first candidacy to leadership.
func (m *Metrics) RecordElectionWon(duration time.Duration) {
	m.electionMu.Lock()
	m.electionDuration = append(m.electionDuration, duration)
	m.electionMu.Unlock()
}

// RecordRoleChange counts one role transition.
func (m *Metrics) RecordRoleChange(from, to string) {
	m.roleMu.Lock()
	m.roleChanges[from+"->"+to]++
	m.roleMu.Unlock()
}

// LatencyStats contains percentile statistics for durations
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

// GetElectionStats returns statistics about won elections
func (m *Metrics) GetElectionStats() LatencyStats {
	m.electionMu.Lock()
	durations := make([]time.Duration, len(m.electionDuration))
	copy(durations, m.electionDuration)
	m.electionMu.Unlock()

	return computeStats(durations)
}

func computeStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sort.Slice(durations, func(i, j int) bool {
		return durations[i] < durations[j]
	})

	durationsMs := make([]float64, len(durations))
	var sum float64
	for i, dur := range durations {
		ms := float64(dur.Microseconds()) / 1000.0
		durationsMs[i] = ms
		sum += ms
	}

	mean := sum / float64(len(durationsMs))

	var variance float64
	for _, dur := range durationsMs {
		diff := dur - mean
		variance += diff * diff
	}
	stddev := math.Sqrt(variance / float64(len(durationsMs)))

	return LatencyStats{
		Count:  len(durations),
		Min:    durationsMs[0],
		Max:    durationsMs[len(durationsMs)-1],
		Mean:   mean,
		P50:    percentile(durationsMs, 50),
		P95:    percentile(durationsMs, 95),
		P99:    percentile(durationsMs, 99),
		StdDev: stddev,
	}
}

// percentile calculates the nth percentile from sorted data
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
	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Report contains all collected metrics
type Report struct {
	NodeID      string    `json:"node_id"`
	ClusterSize int       `json:"cluster_size"`
	Uptime      float64   `json:"uptime_seconds"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`

	// Network metrics
	RequestVoteCount      uint64 `json:"request_vote_count"`
	VotesGrantedCount     uint64 `json:"votes_granted_count"`
	HeartbeatCount        uint64 `json:"heartbeat_count"`
	HeartbeatFailureCount uint64 `json:"heartbeat_failure_count"`

	// Leader election metrics
	ElectionCount uint64            `json:"election_count"`
	ElectionStats LatencyStats      `json:"election_stats"`
	RoleChanges   map[string]uint64 `json:"role_changes"`
}

// GetReport snapshots every metric.
func (m *Metrics) GetReport(nodeID string, clusterSize int) Report {
	endTime := time.Now()

	m.roleMu.Lock()
	roleChanges := make(map[string]uint64, len(m.roleChanges))
	for k, v := range m.roleChanges {
		roleChanges[k] = v
	}
	m.roleMu.Unlock()

	return Report{
		NodeID:                nodeID,
		ClusterSize:           clusterSize,
		Uptime:                endTime.Sub(m.startTime).Seconds(),
		StartTime:             m.startTime,
		EndTime:               endTime,
		RequestVoteCount:      m.requestVoteCount.Load(),
		VotesGrantedCount:     m.votesGrantedCount.Load(),
		HeartbeatCount:        m.heartbeatCount.Load(),
		HeartbeatFailureCount: m.heartbeatFailureCount.Load(),
		ElectionCount:         m.electionCount.Load(),
		ElectionStats:         m.GetElectionStats(),
		RoleChanges:           roleChanges,
	}
}

// HeartbeatSuccessRate is the share of heartbeats that reached their follower, 1 when none were sent.
func (r *Report) HeartbeatSuccessRate() float64 {
	if r.HeartbeatCount == 0 {
		return 1
	}
	return float64(r.HeartbeatCount-r.HeartbeatFailureCount) / float64(r.HeartbeatCount)
}

// PrintReport writes the report in a human-readable format
func (r *Report) PrintReport(w io.Writer) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "LEADER ELECTION REPORT (%s)\n", r.NodeID)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "  Cluster Size: %d nodes\n", r.ClusterSize)
	fmt.Fprintf(w, "  Uptime: %.2f seconds\n", r.Uptime)

	fmt.Fprintf(w, "\nRPC Counts:\n")
	fmt.Fprintf(w, "  RequestVote: %d (granted: %d)\n", r.RequestVoteCount, r.VotesGrantedCount)
	fmt.Fprintf(w, "  Heartbeats: %d (failed: %d, success rate: %.1f%%)\n",
		r.HeartbeatCount, r.HeartbeatFailureCount, 100*r.HeartbeatSuccessRate())

	fmt.Fprintf(w, "\nLeader Elections:\n")
	fmt.Fprintf(w, "  Candidacies: %d\n", r.ElectionCount)
	if r.ElectionStats.Count > 0 {
		fmt.Fprintf(w, "  Won: %d\n", r.ElectionStats.Count)
		fmt.Fprintf(w, "  Avg Duration: %.3f ms\n", r.ElectionStats.Mean)
		fmt.Fprintf(w, "  P50 Duration: %.3f ms\n", r.ElectionStats.P50)
		fmt.Fprintf(w, "  P95 Duration: %.3f ms\n", r.ElectionStats.P95)
	}

	if len(r.RoleChanges) > 0 {
		fmt.Fprintf(w, "\nRole Changes:\n")
		keys := make([]string, 0, len(r.RoleChanges))
		for k := range r.RoleChanges {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %d\n", k, r.RoleChanges[k])
		}
	}
	fmt.Fprintln(w, rule)
}

// SaveJSON writes the report to filename as indented JSON.
func (r *Report) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", filename, err)
	}
	return nil
}
