package mocks

import (
	"sync"
	"time"
)

// MockMetricsCollector is a mock implementation of election.MetricsCollector for testing
type MockMetricsCollector struct {
	mu                    sync.RWMutex
	RequestVoteCount      int
	VotesGrantedCount     int
	HeartbeatCount        int
	HeartbeatFailureCount int
	ElectionCount         int
	ElectionDurations     []time.Duration
	RoleChanges           []string
}

// NewMockMetricsCollector creates a new mock metrics collector
func NewMockMetricsCollector() *MockMetricsCollector {
	return &MockMetricsCollector{
		ElectionDurations: make([]time.Duration, 0),
		RoleChanges:       make([]string, 0),
	}
}

func (m *MockMetricsCollector) RecordRequestVote() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestVoteCount++
}

func (m *MockMetricsCollector) RecordVoteGranted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.VotesGrantedCount++
}

func (m *MockMetricsCollector) RecordHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeartbeatCount++
}

func (m *MockMetricsCollector) RecordHeartbeatFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeartbeatFailureCount++
}

func (m *MockMetricsCollector) RecordElection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ElectionCount++
}

func (m *MockMetricsCollector) RecordElectionWon(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ElectionDurations = append(m.ElectionDurations, duration)
}

// RecordRoleChange stores transitions as "From->To".
func (m *MockMetricsCollector) RecordRoleChange(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RoleChanges = append(m.RoleChanges, from+"->"+to)
}

// Snapshot returns a copy safe to inspect while the collector is still in use.
func (m *MockMetricsCollector) Snapshot() MockMetricsCollector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MockMetricsCollector{
		RequestVoteCount:      m.RequestVoteCount,
		VotesGrantedCount:     m.VotesGrantedCount,
		HeartbeatCount:        m.HeartbeatCount,
		HeartbeatFailureCount: m.HeartbeatFailureCount,
		ElectionCount:         m.ElectionCount,
		ElectionDurations:     append([]time.Duration(nil), m.ElectionDurations...),
		RoleChanges:           append([]string(nil), m.RoleChanges...),
	}
}
