package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestTurnLatencySnapshot(t *testing.T) {
	w := NewTurnLatency(8)
	w.Observe(StageFirstAudio, 500*time.Millisecond)
	w.Observe(StageFirstAudio, 700*time.Millisecond)
	w.Observe(StageFirstAudio, 900*time.Millisecond)
	w.ObserveIndicator("interrupted")
	w.ObserveIndicator("interrupted")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
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
	if s.TargetP95MS != 1400 {
		t.Fatalf("TargetP95MS = %.2f, want 1400", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want interrupted x2", snap.Indicators)
	}
}

func TestTurnLatencyWrapsWindow(t *testing.T) {
	w := NewTurnLatency(2)
	for _, ms := range []int{100, 200, 300} {
		w.Observe(StageTurnTotal, time.Duration(ms)*time.Millisecond)
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 2 || s.AvgMS != 250 {
		t.Fatalf("stats = %+v, want 2 samples avg 250", s)
	}
}

func TestNilMetricsAndLatencyAreNoops(t *testing.T) {
	var m *Metrics
	m.Message("in", "pong")
	m.DroppedSend("audio")
	m.SetOpen(true)
	m.LifecycleEvent("session_expired")

	var w *TurnLatency
	w.Observe(StageFirstText, time.Second)
	if len(w.Snapshot().Stages) != 0 {
		t.Fatalf("nil window returned stages")
	}
}

func TestMetricsHandlerServesCounters(t *testing.T) {
	m := NewMetrics("sarathi_test")
	m.Message("out", "text")
	m.DroppedSend("audio")
	m.LifecycleEvent("mic_gate_released")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"sarathi_test_messages_total", "sarathi_test_dropped_sends_total", `sarathi_test_lifecycle_events_total{event="mic_gate_released"} 1`} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
