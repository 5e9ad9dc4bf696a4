package offline0

import (
	"math"
	"sync/atomic"
)

type statsCollector struct {
	cache    atomic.Uint64
	network  atomic.Uint64
	fallback atomic.Uint64
	offline  atomic.Uint64
	bypass   atomic.Uint64
	rejected atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	writes         atomic.Uint64
	writeFailures  atomic.Uint64
	writesDropped  atomic.Uint64
	deleteFailures atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe counts one interception by outcome. Responses served from the
// cache or the network also feed the size statistics.
func (s *statsCollector) Observe(outcome string, respBytes int) {
	switch outcome {
	case OutcomeCache:
		s.cache.Add(1)
	case OutcomeNetwork:
		s.network.Add(1)
	case OutcomeFallback:
		s.fallback.Add(1)
	case OutcomeOffline:
		s.offline.Add(1)
	case OutcomeBypass:
		s.bypass.Add(1)
		return
	case OutcomeRejected:
		s.rejected.Add(1)
		return
	}
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

// StatsSnapshot is a point-in-time copy of an agent's counters.
type StatsSnapshot struct {
	Cache    uint64 `json:"cache"`
	Network  uint64 `json:"network"`
	Fallback uint64 `json:"fallback"`
	Offline  uint64 `json:"offline"`
	Bypass   uint64 `json:"bypass"`
	Rejected uint64 `json:"rejected"`

	TotalRespBytes uint64 `json:"totalRespBytes"`
	MinRespBytes   uint64 `json:"minRespBytes"`
	MaxRespBytes   uint64 `json:"maxRespBytes"`
	AvgRespBytes   uint64 `json:"avgRespBytes"`

	Writes         uint64 `json:"writes"`
	WriteFailures  uint64 `json:"writeFailures"`
	WritesDropped  uint64 `json:"writesDropped"`
	DeleteFailures uint64 `json:"deleteFailures"`
}

func (s *statsCollector) Snapshot() StatsSnapshot {
	out := StatsSnapshot{
		Cache:          s.cache.Load(),
		Network:        s.network.Load(),
		Fallback:       s.fallback.Load(),
		Offline:        s.offline.Load(),
		Bypass:         s.bypass.Load(),
		Rejected:       s.rejected.Load(),
		Writes:         s.writes.Load(),
		WriteFailures:  s.writeFailures.Load(),
		WritesDropped:  s.writesDropped.Load(),
		DeleteFailures: s.deleteFailures.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = s.minRespBytes.Load()
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}
