package offline0

import "testing"

func TestStatsSnapshot(t *testing.T) {
	s := newStatsCollector()
	if got := s.Snapshot(); got.MinRespBytes != 0 || got.AvgRespBytes != 0 {
		t.Fatalf("empty snapshot = %+v", got)
	}
	s.Observe(OutcomeCache, 100)
	s.Observe(OutcomeNetwork, 300)
	s.Observe(OutcomeBypass, 5000)
	s.Observe(OutcomeRejected, 0)

	got := s.Snapshot()
	if got.Cache != 1 || got.Network != 1 || got.Bypass != 1 || got.Rejected != 1 {
		t.Fatalf("counts = %+v", got)
	}
	if got.MinRespBytes != 100 || got.MaxRespBytes != 300 || got.AvgRespBytes != 200 || got.TotalRespBytes != 400 {
		t.Fatalf("sizes = %+v", got)
	}
}
