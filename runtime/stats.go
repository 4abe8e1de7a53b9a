package runtime

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sbl8/tapeworks/backend"
)

// ExecutionStats tracks runtime performance metrics.
type ExecutionStats struct {
	Runs           int64
	Leaves         map[backend.Kind]int64
	Fallbacks      int64
	TotalLatency   time.Duration
	AverageLatency time.Duration
}

// statsCounters are updated concurrently by parallel chunks.
type statsCounters struct {
	runs      *xsync.Counter
	fallbacks *xsync.Counter
	nanos     *xsync.Counter
	leaves    []*xsync.Counter // indexed by backend.Kind
}

func newStatsCounters() *statsCounters {
	s := &statsCounters{
		runs:      xsync.NewCounter(),
		fallbacks: xsync.NewCounter(),
		nanos:     xsync.NewCounter(),
	}
	for range backend.Kinds() {
		s.leaves = append(s.leaves, xsync.NewCounter())
	}
	return s
}

func (s *statsCounters) leaf(k backend.Kind, fallback bool) {
	s.leaves[k].Inc()
	if fallback {
		s.fallbacks.Inc()
	}
}

func (s *statsCounters) run(d time.Duration) {
	s.runs.Inc()
	s.nanos.Add(int64(d))
}

func (s *statsCounters) snapshot() ExecutionStats {
	st := ExecutionStats{
		Runs:         s.runs.Value(),
		Fallbacks:    s.fallbacks.Value(),
		TotalLatency: time.Duration(s.nanos.Value()),
		Leaves:       make(map[backend.Kind]int64),
	}
	for k, c := range s.leaves {
		if v := c.Value(); v > 0 {
			st.Leaves[backend.Kind(k)] = v
		}
	}
	if st.Runs > 0 {
		st.AverageLatency = st.TotalLatency / time.Duration(st.Runs)
	}
	return st
}

func (s *statsCounters) reset() {
	s.runs.Reset()
	s.fallbacks.Reset()
	s.nanos.Reset()
	for _, c := range s.leaves {
		c.Reset()
	}
}
