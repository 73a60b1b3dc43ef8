package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stage names one measured step of a request or task.
type Stage string

const (
	StageRoute            Stage = "route"
	StageEnrich           Stage = "enrich"
	StageCreateToAssign   Stage = "create_to_assign"
	StageAssignToComplete Stage = "assign_to_complete"
	StageCreateToComplete Stage = "create_to_complete"
)

// stageTargets are the p95 objectives reported next to each stage.
var stageTargets = map[Stage]time.Duration{
	StageRoute:            5 * time.Millisecond,
	StageEnrich:           2 * time.Second,
	StageCreateToAssign:   15 * time.Minute,
	StageAssignToComplete: 24 * time.Hour,
	StageCreateToComplete: 24 * time.Hour,
}

type StageStats struct {
	Stage       Stage   `json:"stage"`
	Samples     int     `json:"samples"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  int     `json:"over_target"`
}

type StageSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageStats   `json:"stages"`
	Indicators  map[string]int `json:"indicators,omitempty"`
}

// stageWindow keeps the most recent samples per stage. Samples over the
// stage target are counted for the life of the process.
type stageWindow struct {
	mu         sync.Mutex
	size       int
	samples    map[Stage][]time.Duration
	overTarget map[Stage]int
	indicators map[string]int
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:       size,
		samples:    make(map[Stage][]time.Duration),
		overTarget: make(map[Stage]int),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage Stage, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	s := append(w.samples[stage], d)
	if len(s) > w.size {
		s = s[len(s)-w.size:]
	}
	w.samples[stage] = s
	if target, ok := stageTargets[stage]; ok && d > target {
		w.overTarget[stage]++
	}
}

func (w *stageWindow) Count(indicator string) {
	if indicator == "" {
		return
	}
	w.mu.Lock()
	w.indicators[indicator]++
	w.mu.Unlock()
}

func (w *stageWindow) Snapshot(now time.Time) StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: now.UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.samples)),
	}
	for stage, s := range w.samples {
		sorted := append([]time.Duration(nil), s...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		snap.Stages = append(snap.Stages, StageStats{
			Stage:       stage,
			Samples:     len(sorted),
			P50MS:       millis(nearestRank(sorted, 0.50)),
			P95MS:       millis(nearestRank(sorted, 0.95)),
			MaxMS:       millis(sorted[len(sorted)-1]),
			TargetP95MS: millis(stageTargets[stage]),
			OverTarget:  w.overTarget[stage],
		})
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	if len(w.indicators) > 0 {
		snap.Indicators = make(map[string]int, len(w.indicators))
		for k, v := range w.indicators {
			snap.Indicators[k] = v
		}
	}
	return snap
}

func nearestRank(sorted []time.Duration, q float64) time.Duration {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}
