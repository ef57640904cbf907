package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Lifecycle stage names.
const (
	StageConnect     = "connect"
	StageResolve     = "resolve"
	StageEngineStart = "engine_start"
	StageGreeting    = "greeting"
	StageSession     = "session_total"
)

// stageTargets holds the p95 budget in milliseconds for stages that have one.
var stageTargets = map[string]float64{
	StageConnect:     2000,
	StageResolve:     2500,
	StageEngineStart: 1500,
	StageGreeting:    1500,
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

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// stageWindow tracks the most recent observations of each lifecycle stage
// plus plain counters for named indicators.
type stageWindow struct {
	mu         sync.Mutex
	limit      int
	series     map[string]*stageSeries
	indicators map[string]int
}

// stageSeries is one stage's samples in arrival order with a running sum.
type stageSeries struct {
	samples []float64
	sum     float64
}

func newStageWindow(limit int) *stageWindow {
	if limit <= 0 {
		limit = 256
	}
	return &stageWindow{
		limit:      limit,
		series:     make(map[string]*stageSeries),
		indicators: make(map[string]int),
	}
}

// Observe records one duration in milliseconds. Negative values are dropped.
func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.series[stage]
	if s == nil {
		s = &stageSeries{samples: make([]float64, 0, w.limit)}
		w.series[stage] = s
	}
	s.push(ms, w.limit)
}

func (w *stageWindow) ObserveIndicator(name string) {
	if name = strings.TrimSpace(name); name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.limit,
		Stages:      make([]StageStats, 0, len(w.series)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.series)) {
		if st, ok := w.series[stage].stats(stage); ok {
			snap.Stages = append(snap.Stages, st)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

// push appends ms and evicts the oldest sample once limit is exceeded.
func (s *stageSeries) push(ms float64, limit int) {
	if len(s.samples) == limit {
		s.sum -= s.samples[0]
		s.samples = append(s.samples[:0], s.samples[1:]...)
	}
	s.samples = append(s.samples, ms)
	s.sum += ms
}

func (s *stageSeries) stats(stage string) (StageStats, bool) {
	n := len(s.samples)
	if n == 0 {
		return StageStats{}, false
	}
	ordered := slices.Sorted(slices.Values(s.samples))
	return StageStats{
		Stage:       stage,
		Samples:     n,
		LastMS:      hundredths(s.samples[n-1]),
		AvgMS:       hundredths(s.sum / float64(n)),
		P50MS:       hundredths(nearestRank(ordered, 0.50)),
		P95MS:       hundredths(nearestRank(ordered, 0.95)),
		TargetP95MS: stageTargets[stage],
	}, true
}

// nearestRank returns the smallest sample with at least p of the ordered
// samples at or below it.
func nearestRank(ordered []float64, p float64) float64 {
	rank := int(math.Ceil(p * float64(len(ordered))))
	rank = max(1, min(rank, len(ordered)))
	return ordered[rank-1]
}

func hundredths(v float64) float64 {
	return math.Round(v*100) / 100
}
