package importer

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Stage names a pipeline step whose time is tracked.
type Stage string

const (
	StageRead       Stage = "read"
	StageMap        Stage = "map"
	StageResolve    Stage = "resolve"
	StageSink       Stage = "sink"
	StageCheckpoint Stage = "checkpoint"
)

var stages = []Stage{StageRead, StageMap, StageResolve, StageSink, StageCheckpoint}

// Timings accumulates per-stage durations for a run.
type Timings struct {
	mu     sync.Mutex
	totals map[Stage]time.Duration
	counts map[Stage]int64
}

// NewTimings creates an empty Timings.
func NewTimings() *Timings {
	return &Timings{
		totals: make(map[Stage]time.Duration),
		counts: make(map[Stage]int64),
	}
}

// Observe records one operation of stage.
func (t *Timings) Observe(stage Stage, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals[stage] += d
	t.counts[stage]++
}

// since is a helper for defer-free call sites: t.since(StageMap, start).
func (t *Timings) since(stage Stage, start time.Time) {
	t.Observe(stage, time.Since(start))
}

// StageTiming is the total and count of one stage.
type StageTiming struct {
	Total time.Duration `json:"total"`
	Count int64         `json:"count"`
}

// TimingsSummary maps stage names to their totals.
type TimingsSummary map[Stage]StageTiming

// Summary returns a snapshot.
func (t *Timings) Summary() TimingsSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(TimingsSummary, len(t.totals))
	for s, d := range t.totals {
		out[s] = StageTiming{Total: d, Count: t.counts[s]}
	}
	return out
}

// String returns a formatted summary of all timings.
func (t *Timings) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var parts []string
	for _, s := range stages {
		n := t.counts[s]
		if n == 0 {
			continue
		}
		avg := t.totals[s] / time.Duration(n)
		parts = append(parts, fmt.Sprintf("%s: total=%v count=%d avg=%v", s, t.totals[s], n, avg))
	}
	if len(parts) == 0 {
		return "No timings recorded"
	}
	return strings.Join(parts, "; ")
}
