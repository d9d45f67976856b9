package observability

import (
	"testing"
	"time"
)

func TestTurnStageWindowSnapshot(t *testing.T) {
	w := newTurnStageWindow(8)
	w.Observe(StageGenerate, 500)
	w.Observe(StageGenerate, 700)
	w.Observe(StageGenerate, 900)
	w.ObserveIndicator("retrieval_degraded")
	w.ObserveIndicator("retrieval_degraded")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageGenerate {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageGenerate)
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 2500 {
		t.Fatalf("TargetP95MS = %.2f, want 2500", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 {
		t.Fatalf("len(Indicators) = %d, want 1", len(snap.Indicators))
	}
	if snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators[0].Count = %d, want %d", snap.Indicators[0].Count, 2)
	}
}

func TestTurnStageWindowWrapsAround(t *testing.T) {
	w := newTurnStageWindow(2)
	w.Observe(StageRetrieve, 10)
	w.Observe(StageRetrieve, 20)
	w.Observe(StageRetrieve, 30)

	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 25 {
		t.Fatalf("AvgMS = %.2f, want 25", s.AvgMS)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveProviderAttempt("a", "ok", time.Second)
	m.ObserveTurnStage(StageRespondTotal, time.Second)
	m.SessionStarted()
	if snap := m.SnapshotTurnStages(); len(snap.Stages) != 0 {
		t.Fatalf("nil metrics snapshot should be empty")
	}
}

func TestMetricsInstancesDoNotCollide(t *testing.T) {
	a := NewMetrics("atom_test")
	b := NewMetrics("atom_test")
	a.ObserveTurnStage(StageRespondTotal, 40*time.Millisecond)
	b.ObserveProviderAttempt("echo", "ok", time.Millisecond)
	if got := len(a.SnapshotTurnStages().Stages); got != 1 {
		t.Fatalf("stages = %d, want 1", got)
	}
	if got := len(b.SnapshotTurnStages().Stages); got != 0 {
		t.Fatalf("stages = %d, want 0", got)
	}
}
