// Package monitor tracks per-tool invocation outcomes and derives health and
// ranking signals from them.
//
// Each tool keeps a ring buffer of its last Policy.WindowSize outcomes. The
// success rate and average latency are computed over that window only, which
// keeps results deterministic for a given sequence of outcomes. Health status
// changes follow a hysteresis rule:
//
//   - a failure makes the tool Unavailable once Policy.UnavailableAfter
//     consecutive failures have been seen; otherwise a Healthy tool with a
//     window success rate below Policy.DegradedBelow becomes Degraded;
//   - a success brings a non-Healthy tool back to Healthy once
//     Policy.RecoverAfter consecutive successes have been seen;
//   - a successful explicit probe restores Healthy immediately.
//
// Canceled outcomes are counted but never enter the window or the counters.
package monitor

import (
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/opentalon/orchestra/internal/registry"
	"github.com/opentalon/orchestra/internal/toolcall"
)

const scoreEpsilon = 1e-9

// StatusHook is notified after a tool changes status.
type StatusHook func(toolID string, from, to Status)

type Option func(*Monitor)

func WithPolicy(p Policy) Option {
	return func(m *Monitor) { m.policy.Store(&p) }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) { m.logger = l.With().Str("component", "monitor").Logger() }
}

func WithStatusHook(h StatusHook) Option {
	return func(m *Monitor) { m.hooks = append(m.hooks, h) }
}

type Monitor struct {
	// mu guards the tools map only; each toolStats has its own lock so
	// unrelated tools never contend.
	mu     sync.RWMutex
	tools  map[string]*toolStats
	policy atomic.Pointer[Policy]
	now    func() time.Time
	logger zerolog.Logger
	hooks  []StatusHook
}

func New(opts ...Option) *Monitor {
	m := &Monitor{
		tools:  make(map[string]*toolStats),
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	p := DefaultPolicy()
	m.policy.Store(&p)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Policy() Policy {
	return *m.policy.Load()
}

// SetPolicy swaps the hysteresis policy. Windows are resized lazily on the
// next outcome for each tool.
func (m *Monitor) SetPolicy(p Policy) {
	m.policy.Store(&p)
}

// AddStatusHook subscribes h to status changes.
func (m *Monitor) AddStatusHook(h StatusHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// ToolRegistered seeds a Healthy entry with no history. An entry left from
// an earlier registration of the same id is replaced.
func (m *Monitor) ToolRegistered(meta registry.ToolMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.tools[meta.ID]; ok && st.seq == meta.Seq {
		return
	}
	m.tools[meta.ID] = &toolStats{
		seq:          meta.Seq,
		capabilities: slices.Clone(meta.Capabilities),
		window:       make([]sample, m.Policy().WindowSize),
		status:       Healthy,
		lastChecked:  m.now(),
	}
}

func (m *Monitor) ToolUnregistered(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tools, id)
}

func (m *Monitor) stats(id string) *toolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tools[id]
}

// RecordOutcome folds one invocation outcome into the tool's window and
// re-evaluates its status. Outcomes for untracked tools are dropped.
func (m *Monitor) RecordOutcome(o Outcome) {
	st := m.stats(o.ToolID)
	if st == nil {
		m.logger.Debug().Str("tool", o.ToolID).Msg("outcome for untracked tool dropped")
		return
	}
	at := o.At
	if at.IsZero() {
		at = m.now()
	}
	policy := m.Policy()

	st.mu.Lock()
	st.invocations++
	st.lastChecked = at
	if o.Kind == toolcall.KindCanceled {
		st.canceled++
		st.mu.Unlock()
		return
	}
	if !o.Success {
		st.failures++
	}
	st.resize(policy.WindowSize)
	st.push(sample{success: o.Success, latency: o.Latency})
	from := st.status
	if o.Success {
		st.consecFail = 0
		st.consecSucc++
	} else {
		st.consecSucc = 0
		st.consecFail++
	}
	st.evaluate(o.Success, policy)
	to := st.status
	st.mu.Unlock()

	m.notify(o.ToolID, from, to)
}

// RecordProbe applies the result of an explicit health probe. A nil error
// restores the tool to Healthy.
func (m *Monitor) RecordProbe(id string, probeErr error) {
	st := m.stats(id)
	if st == nil {
		return
	}
	policy := m.Policy()

	st.mu.Lock()
	from := st.status
	st.lastChecked = m.now()
	if probeErr == nil {
		st.consecFail = 0
		st.status = Healthy
	} else {
		st.consecSucc = 0
		st.consecFail++
		st.evaluate(false, policy)
	}
	to := st.status
	st.mu.Unlock()

	m.notify(id, from, to)
}

func (m *Monitor) notify(id string, from, to Status) {
	if from == to {
		return
	}
	m.logger.Info().Str("tool", id).Str("from", from.String()).Str("to", to.String()).Msg("tool health changed")
	m.mu.RLock()
	hooks := slices.Clone(m.hooks)
	m.mu.RUnlock()
	for _, h := range hooks {
		h(id, from, to)
	}
}

// Health returns the current health of a tool.
func (m *Monitor) Health(id string) (ToolHealth, bool) {
	st := m.stats(id)
	if st == nil {
		return ToolHealth{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.health(id), true
}

// Rank orders candidate tools by weighted score. Unknown ids are ignored.
// Unavailable tools are left out while any other candidate exists; when only
// Unavailable tools remain they are returned with DegradedSelection set.
func (m *Monitor) Rank(ids []string, c Criteria) []Ranked {
	type candidate struct {
		Ranked
		seq uint64
	}

	seen := make(map[string]bool, len(ids))
	var available, unavailable []candidate
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		st := m.stats(id)
		if st == nil {
			continue
		}
		st.mu.Lock()
		h := st.health(id)
		match := matchFraction(st.capabilities, c.Capabilities)
		seq := st.seq
		st.mu.Unlock()

		score := c.Weights.Performance*h.SuccessRate +
			c.Weights.Health*h.Status.Factor() +
			c.Weights.Capability*match
		cand := candidate{
			Ranked: Ranked{
				ToolID:         id,
				Score:          score,
				Status:         h.Status,
				SuccessRate:    h.SuccessRate,
				AverageLatency: h.AverageLatency,
			},
			seq: seq,
		}
		if h.Status == Unavailable {
			unavailable = append(unavailable, cand)
		} else {
			available = append(available, cand)
		}
	}

	order := func(cs []candidate) {
		sort.SliceStable(cs, func(i, j int) bool {
			a, b := cs[i], cs[j]
			if d := a.Score - b.Score; d > scoreEpsilon || d < -scoreEpsilon {
				return a.Score > b.Score
			}
			if a.AverageLatency != b.AverageLatency {
				return a.AverageLatency < b.AverageLatency
			}
			return a.seq < b.seq
		})
	}

	pick := available
	degraded := false
	if len(available) == 0 {
		pick = unavailable
		degraded = true
	}
	order(pick)

	out := make([]Ranked, len(pick))
	for i, cand := range pick {
		out[i] = cand.Ranked
		out[i].DegradedSelection = degraded
	}
	return out
}

func matchFraction(have, want []string) float64 {
	if len(want) == 0 {
		return 1.0
	}
	n := 0
	for _, w := range want {
		if slices.Contains(have, w) {
			n++
		}
	}
	return float64(n) / float64(len(want))
}

// Report snapshots every tracked tool in registration order.
func (m *Monitor) Report() PerformanceReport {
	m.mu.RLock()
	type row struct {
		ToolReport
		seq uint64
	}
	rows := make([]row, 0, len(m.tools))
	for id, st := range m.tools {
		st.mu.Lock()
		h := st.health(id)
		rows = append(rows, row{
			ToolReport: ToolReport{
				ToolID:         id,
				Status:         h.Status.String(),
				SuccessRate:    h.SuccessRate,
				AverageLatency: h.AverageLatency,
				Samples:        h.Samples,
				Invocations:    st.invocations,
				Failures:       st.failures,
				Canceled:       st.canceled,
				LastCheckedAt:  st.lastChecked,
			},
			seq: st.seq,
		})
		st.mu.Unlock()
	}
	m.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	report := PerformanceReport{GeneratedAt: m.now(), Tools: make([]ToolReport, len(rows))}
	for i, r := range rows {
		report.Tools[i] = r.ToolReport
	}
	return report
}
