package observability

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Turn latency stages, each measured from the moment the user finished
// speaking or sent text.
const (
	StageFirstText  = "user_to_first_text"
	StageFirstAudio = "user_to_first_audio"
	StageTurnTotal  = "user_to_turn_complete"
)

// stageTargets are the p95 budgets shown next to each stage.
var stageTargets = map[string]float64{
	StageFirstText:  900,
	StageFirstAudio: 1400,
	StageTurnTotal:  6000,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// TurnLatency keeps the most recent latencies per stage and counts named
// indicators such as barge-ins. A nil *TurnLatency ignores every call.
type TurnLatency struct {
	mu         sync.Mutex
	size       int
	samples    map[string][]float64
	indicators map[string]int
}

func NewTurnLatency(size int) *TurnLatency {
	if size <= 0 {
		size = 128
	}
	return &TurnLatency{
		size:       size,
		samples:    make(map[string][]float64),
		indicators: make(map[string]int),
	}
}

// Observe records d for stage, dropping the oldest sample once the window
// is full.
func (w *TurnLatency) Observe(stage string, d time.Duration) {
	if w == nil || stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := append(w.samples[stage], d.Seconds()*1000)
	if len(s) > w.size {
		s = s[len(s)-w.size:]
	}
	w.samples[stage] = s
}

func (w *TurnLatency) ObserveIndicator(name string) {
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *TurnLatency) Snapshot() LatencySnapshot {
	snap := LatencySnapshot{GeneratedAt: time.Now().UTC()}
	if w == nil {
		return snap
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	snap.WindowSize = w.size

	for _, stage := range sortedKeys(w.samples) {
		if s := w.samples[stage]; len(s) > 0 {
			snap.Stages = append(snap.Stages, summarize(stage, s))
		}
	}
	for _, name := range sortedKeys(w.indicators) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

func summarize(stage string, window []float64) StageStats {
	sorted := slices.Clone(window)
	slices.Sort(sorted)
	var total float64
	for _, v := range sorted {
		total += v
	}
	return StageStats{
		Stage:       stage,
		Samples:     len(sorted),
		LastMS:      roundMS(window[len(window)-1]),
		AvgMS:       roundMS(total / float64(len(sorted))),
		P50MS:       roundMS(percentile(sorted, 0.50)),
		P95MS:       roundMS(percentile(sorted, 0.95)),
		TargetP95MS: stageTargets[stage],
	}
}

// percentile interpolates linearly between the two nearest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	pos := p * float64(len(sorted)-1)
	i := int(pos)
	if i+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[i] + (sorted[i+1]-sorted[i])*(pos-float64(i))
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
