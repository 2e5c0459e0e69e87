package monitor

import (
	"sync"
	"time"
)

type sample struct {
	success bool
	latency time.Duration
}

// toolStats is the per-tool aggregate. All fields are guarded by mu.
type toolStats struct {
	mu           sync.Mutex
	seq          uint64
	capabilities []string

	window     []sample
	next       int
	count      int
	successes  int
	latencySum time.Duration

	consecFail int
	consecSucc int
	status     Status

	lastChecked time.Time
	invocations uint64
	failures    uint64
	canceled    uint64
}

func (s *toolStats) push(x sample) {
	if len(s.window) == 0 {
		return
	}
	if s.count == len(s.window) {
		old := s.window[s.next]
		if old.success {
			s.successes--
		}
		s.latencySum -= old.latency
	} else {
		s.count++
	}
	s.window[s.next] = x
	s.next = (s.next + 1) % len(s.window)
	if x.success {
		s.successes++
	}
	s.latencySum += x.latency
}

// samples returns the window contents oldest first.
func (s *toolStats) samples() []sample {
	out := make([]sample, 0, s.count)
	if s.count == 0 {
		return out
	}
	start := (s.next - s.count + len(s.window)) % len(s.window)
	for i := 0; i < s.count; i++ {
		out = append(out, s.window[(start+i)%len(s.window)])
	}
	return out
}

func (s *toolStats) reset(size int) {
	if size < 1 {
		size = 1
	}
	s.window = make([]sample, size)
	s.next, s.count, s.successes, s.latencySum = 0, 0, 0, 0
}

// resize keeps the most recent samples that fit in the new size.
func (s *toolStats) resize(size int) {
	if size < 1 {
		size = 1
	}
	if len(s.window) == size {
		return
	}
	keep := s.samples()
	if len(keep) > size {
		keep = keep[len(keep)-size:]
	}
	s.reset(size)
	for _, x := range keep {
		s.push(x)
	}
}

func (s *toolStats) successRate() float64 {
	if s.count == 0 {
		return 1.0
	}
	return float64(s.successes) / float64(s.count)
}

func (s *toolStats) averageLatency() time.Duration {
	if s.count == 0 {
		return 0
	}
	return s.latencySum / time.Duration(s.count)
}

// belowThreshold reports whether the window is large enough to judge and
// its success rate is under the degraded threshold.
func (s *toolStats) belowThreshold(p Policy) bool {
	return s.count >= p.MinSamples && s.successRate() < p.DegradedBelow
}

// evaluate applies the hysteresis rules after an outcome. Healthy and
// Degraded are separated by the window rate on both edges, so a single
// outcome cannot flip a tool back and forth around the threshold.
func (s *toolStats) evaluate(success bool, p Policy) {
	if success {
		if s.status == Healthy || s.consecSucc < p.RecoverAfter {
			return
		}
		if !s.belowThreshold(p) {
			s.status = Healthy
		} else if s.status == Unavailable {
			s.status = Degraded
		}
		return
	}
	if s.consecFail >= p.UnavailableAfter {
		s.status = Unavailable
		return
	}
	if s.status == Healthy && s.belowThreshold(p) {
		s.status = Degraded
	}
}

func (s *toolStats) health(id string) ToolHealth {
	return ToolHealth{
		ToolID:               id,
		Status:               s.status,
		LastCheckedAt:        s.lastChecked,
		SuccessRate:          s.successRate(),
		AverageLatency:       s.averageLatency(),
		Samples:              s.count,
		ConsecutiveFailures:  s.consecFail,
		ConsecutiveSuccesses: s.consecSucc,
	}
}
