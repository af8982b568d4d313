package prep

import (
	"math"
	"strings"
	"sync"
)

const (
	basePrepSeconds = 0.5
	baseLLMSeconds  = 3.0
	maxHistory      = 100
)

// modelMultipliers scales the base LLM time estimate per model family.
var modelMultipliers = map[string]float64{
	"claude-3-5-sonnet": 1.0,
	"claude-3-opus":     1.5,
	"claude-3-haiku":    0.6,
	"gpt-4o":            1.0,
	"gpt-4o-mini":       0.7,
	"gpt-4-turbo":       1.3,
	"o1":                2.0,
	"o1-mini":           1.5,
	"o3-mini":           1.8,
	"gemini-2.0-flash":  0.8,
	"gemini-1.5-pro":    1.2,
}

// Breakdown itemizes an Estimate's components.
type Breakdown struct {
	PrepSeconds float64
	LLMSeconds  float64
	ToolSeconds float64
}

// Total sums the breakdown's components.
func (b Breakdown) Total() float64 { return b.PrepSeconds + b.LLMSeconds + b.ToolSeconds }

// HeuristicEstimator predicts run duration from model, message/tool count,
// and continuation status, and rates its confidence from a rolling history
// of observed durations per model, tracked separately for fresh runs vs.
// auto-continue turns.
type HeuristicEstimator struct {
	mu      sync.Mutex
	history map[string][]float64
}

// NewHeuristicEstimator returns an Estimator with empty history.
func NewHeuristicEstimator() *HeuristicEstimator {
	return &HeuristicEstimator{history: make(map[string][]float64)}
}

// Estimate implements Estimator.
func (h *HeuristicEstimator) Estimate(modelName string, messageCount, toolCount int, isContinuation bool) Estimate {
	var b Breakdown
	if isContinuation {
		b.PrepSeconds = 0.1
	} else {
		b.PrepSeconds = basePrepSeconds
	}

	key := normalizeModelName(modelName)
	b.LLMSeconds = baseLLMSeconds * modelMultipliers[key]
	if messageCount > 100 {
		b.LLMSeconds *= 1.5
	} else if messageCount > 50 {
		b.LLMSeconds *= 1.2
	}

	if toolCount > 0 {
		b.ToolSeconds = 1.5 * 0.3
	}

	confidence := h.confidence(key, isContinuation)
	return Estimate{EstimatedSeconds: b.Total(), Confidence: confidence}
}

// RecordActual feeds an observed run duration back into the history used by
// Estimate's confidence calculation.
func (h *HeuristicEstimator) RecordActual(modelName string, actualSeconds float64, wasContinuation bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := h.historyKey(normalizeModelName(modelName), wasContinuation)
	hist := append(h.history[key], actualSeconds)
	if len(hist) > maxHistory {
		hist = hist[len(hist)-maxHistory:]
	}
	h.history[key] = hist
}

func (h *HeuristicEstimator) confidence(modelKey string, isContinuation bool) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	hist := h.history[h.historyKey(modelKey, isContinuation)]
	switch {
	case len(hist) < 5:
		return "low"
	case len(hist) < 20:
		return "medium"
	}

	avg := mean(hist)
	var variance float64
	for _, v := range hist {
		variance += (v - avg) * (v - avg)
	}
	variance /= float64(len(hist))
	stddev := math.Sqrt(variance)
	cv := 1.0
	if avg > 0 {
		cv = stddev / avg
	}

	switch {
	case cv < 0.2:
		return "high"
	case cv < 0.4:
		return "medium"
	default:
		return "low"
	}
}

func (h *HeuristicEstimator) historyKey(modelKey string, continuation bool) string {
	suffix := "new"
	if continuation {
		suffix = "cont"
	}
	return modelKey + ":" + suffix
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func normalizeModelName(modelName string) string {
	name := strings.ToLower(modelName)
	for key := range modelMultipliers {
		if strings.Contains(name, key) {
			return key
		}
	}
	switch {
	case strings.Contains(name, "claude"):
		return "claude-3-5-sonnet"
	case strings.Contains(name, "gpt-4"):
		return "gpt-4o"
	case strings.Contains(name, "gemini"):
		return "gemini-2.0-flash"
	default:
		return "gpt-4o"
	}
}
