// Package backpressure computes the worker fleet's current load level from
// pending-write depth, active run count, flush latency, and memory
// pressure, and derives the batch flusher's recommended batch size and
// flush interval from that level.
package backpressure

import (
	"runtime"
	"sync"
	"time"
)

// Level is the fleet's current load posture, worst-metric-wins.
type Level string

// The four load levels, in ascending severity.
const (
	LevelNormal   Level = "normal"
	LevelElevated Level = "elevated"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

var priority = map[Level]int{
	LevelNormal:   1,
	LevelElevated: 2,
	LevelHigh:     3,
	LevelCritical: 4,
}

// Thresholds configure the step function for each monitored metric.
type Thresholds struct {
	PendingWritesElevated int
	PendingWritesHigh     int
	PendingWritesCritical int

	ActiveRunsElevated int
	ActiveRunsHigh     int
	ActiveRunsCritical int

	FlushLatencyElevated time.Duration
	FlushLatencyHigh     time.Duration
	FlushLatencyCritical time.Duration

	MemoryPercentElevated float64
	MemoryPercentHigh     float64
	MemoryPercentCritical float64
}

// DefaultThresholds mirrors the coordination core's documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PendingWritesElevated: 50,
		PendingWritesHigh:     80,
		PendingWritesCritical: 95,

		ActiveRunsElevated: 300,
		ActiveRunsHigh:     500,
		ActiveRunsCritical: 800,

		FlushLatencyElevated: 500 * time.Millisecond,
		FlushLatencyHigh:     2 * time.Second,
		FlushLatencyCritical: 5 * time.Second,

		MemoryPercentElevated: 60.0,
		MemoryPercentHigh:     75.0,
		MemoryPercentCritical: 90.0,
	}
}

// Actions are the flusher-facing recommendations derived from the current
// level.
type Actions struct {
	ShouldAcceptWork         bool
	ShouldShedLoad           bool
	RecommendedBatchSize     int
	RecommendedFlushInterval time.Duration
}

func actionsFor(level Level) Actions {
	a := Actions{
		ShouldAcceptWork: level != LevelCritical,
		ShouldShedLoad:   level == LevelHigh || level == LevelCritical,
	}
	switch level {
	case LevelNormal:
		a.RecommendedBatchSize, a.RecommendedFlushInterval = 100, 5*time.Second
	case LevelElevated:
		a.RecommendedBatchSize, a.RecommendedFlushInterval = 75, 3*time.Second
	case LevelHigh:
		a.RecommendedBatchSize, a.RecommendedFlushInterval = 50, 2*time.Second
	default:
		a.RecommendedBatchSize, a.RecommendedFlushInterval = 25, time.Second
	}
	return a
}

// State is a full snapshot of the controller's last metrics update.
type State struct {
	Level           Level
	PendingWrites   int
	ActiveRuns      int
	FlushLatency    time.Duration
	MemoryPercent   float64
	Actions         Actions
}

// LevelChangeFunc is notified, best-effort, whenever the computed level
// changes.
type LevelChangeFunc func(old, new Level)

// Controller tracks the fleet's current load metrics and derives Level and
// Actions from them.
type Controller struct {
	thresholds Thresholds

	mu            sync.Mutex
	level         Level
	pendingWrites int
	activeRuns    int
	flushLatency  time.Duration
	memoryPercent float64
	callbacks     []LevelChangeFunc
}

// New constructs a Controller starting at LevelNormal.
func New(thresholds Thresholds) *Controller {
	return &Controller{thresholds: thresholds, level: LevelNormal}
}

// OnLevelChange registers a callback invoked after every level transition.
func (c *Controller) OnLevelChange(fn LevelChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

// Level returns the controller's current load level.
func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// UpdateMetrics records the latest measurements, recomputes the load
// level, fires level-change callbacks if it changed, and returns the
// resulting State. A negative memoryPercent samples the process's heap
// allocation as a fraction of memory obtained from the OS (runtime.MemStats
// HeapAlloc/Sys) as a cheap default.
func (c *Controller) UpdateMetrics(pendingWrites, activeRuns int, flushLatency time.Duration, memoryPercent float64) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pendingWrites = pendingWrites
	c.activeRuns = activeRuns
	c.flushLatency = flushLatency
	if memoryPercent >= 0 {
		c.memoryPercent = memoryPercent
	} else {
		c.memoryPercent = sampleMemoryPercent()
	}

	newLevel := c.calculateLevel()
	if newLevel != c.level {
		old := c.level
		c.level = newLevel
		for _, cb := range c.callbacks {
			cb(old, newLevel)
		}
	}

	return c.stateLocked()
}

func (c *Controller) calculateLevel() Level {
	levels := make([]Level, 0, 4)

	levels = append(levels, stepLevel(c.pendingWrites, c.thresholds.PendingWritesElevated, c.thresholds.PendingWritesHigh, c.thresholds.PendingWritesCritical))
	levels = append(levels, stepLevel(c.activeRuns, c.thresholds.ActiveRunsElevated, c.thresholds.ActiveRunsHigh, c.thresholds.ActiveRunsCritical))
	levels = append(levels, stepLevelDuration(c.flushLatency, c.thresholds.FlushLatencyElevated, c.thresholds.FlushLatencyHigh, c.thresholds.FlushLatencyCritical))
	levels = append(levels, stepLevelFloat(c.memoryPercent, c.thresholds.MemoryPercentElevated, c.thresholds.MemoryPercentHigh, c.thresholds.MemoryPercentCritical))

	worst := LevelNormal
	for _, l := range levels {
		if priority[l] > priority[worst] {
			worst = l
		}
	}
	return worst
}

func stepLevel(value, elevated, high, critical int) Level {
	switch {
	case value >= critical:
		return LevelCritical
	case value >= high:
		return LevelHigh
	case value >= elevated:
		return LevelElevated
	default:
		return LevelNormal
	}
}

func stepLevelDuration(value, elevated, high, critical time.Duration) Level {
	switch {
	case value >= critical:
		return LevelCritical
	case value >= high:
		return LevelHigh
	case value >= elevated:
		return LevelElevated
	default:
		return LevelNormal
	}
}

func stepLevelFloat(value, elevated, high, critical float64) Level {
	switch {
	case value >= critical:
		return LevelCritical
	case value >= high:
		return LevelHigh
	case value >= elevated:
		return LevelElevated
	default:
		return LevelNormal
	}
}

func (c *Controller) stateLocked() State {
	return State{
		Level:         c.level,
		PendingWrites: c.pendingWrites,
		ActiveRuns:    c.activeRuns,
		FlushLatency:  c.flushLatency,
		MemoryPercent: c.memoryPercent,
		Actions:       actionsFor(c.level),
	}
}

// State returns the controller's last computed snapshot without taking
// new measurements.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func sampleMemoryPercent() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.Sys == 0 {
		return 0
	}
	return float64(m.HeapAlloc) / float64(m.Sys) * 100
}
