package monitor

import "time"

// Snapshot is the serialisable state of every tracked tool, used by
// pluggable metric stores.
type Snapshot struct {
	TakenAt time.Time      `json:"taken_at"`
	Tools   []ToolSnapshot `json:"tools"`
}

type ToolSnapshot struct {
	ToolID               string           `json:"tool_id"`
	Status               string           `json:"status"`
	ConsecutiveFailures  int              `json:"consecutive_failures"`
	ConsecutiveSuccesses int              `json:"consecutive_successes"`
	LastCheckedAt        time.Time        `json:"last_checked_at"`
	Samples              []SampleSnapshot `json:"samples"`
	Invocations          uint64           `json:"invocations"`
	Failures             uint64           `json:"failures"`
	Canceled             uint64           `json:"canceled"`
}

// SampleSnapshot is one window entry, oldest first within ToolSnapshot.
type SampleSnapshot struct {
	Success bool          `json:"ok"`
	Latency time.Duration `json:"latency"`
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{TakenAt: m.now(), Tools: make([]ToolSnapshot, 0, len(m.tools))}
	for id, st := range m.tools {
		st.mu.Lock()
		ts := ToolSnapshot{
			ToolID:               id,
			Status:               st.status.String(),
			ConsecutiveFailures:  st.consecFail,
			ConsecutiveSuccesses: st.consecSucc,
			LastCheckedAt:        st.lastChecked,
			Invocations:          st.invocations,
			Failures:             st.failures,
			Canceled:             st.canceled,
		}
		for _, x := range st.samples() {
			ts.Samples = append(ts.Samples, SampleSnapshot{Success: x.success, Latency: x.latency})
		}
		st.mu.Unlock()
		snap.Tools = append(snap.Tools, ts)
	}
	return snap
}

// Restore loads state for tools that are currently tracked and returns how
// many were applied. Entries for unknown tools are skipped: the monitor only
// observes tools the registry knows about.
func (m *Monitor) Restore(snap Snapshot) int {
	policy := m.Policy()
	applied := 0
	for _, ts := range snap.Tools {
		st := m.stats(ts.ToolID)
		if st == nil {
			continue
		}
		status, ok := ParseStatus(ts.Status)
		if !ok {
			m.logger.Warn().Str("tool", ts.ToolID).Str("status", ts.Status).Msg("snapshot has unknown status, skipping")
			continue
		}

		st.mu.Lock()
		st.reset(policy.WindowSize)
		samples := ts.Samples
		if len(samples) > policy.WindowSize {
			samples = samples[len(samples)-policy.WindowSize:]
		}
		for _, x := range samples {
			st.push(sample{success: x.Success, latency: x.Latency})
		}
		st.status = status
		st.consecFail = ts.ConsecutiveFailures
		st.consecSucc = ts.ConsecutiveSuccesses
		st.lastChecked = ts.LastCheckedAt
		st.invocations = ts.Invocations
		st.failures = ts.Failures
		st.canceled = ts.Canceled
		st.mu.Unlock()
		applied++
	}
	return applied
}
