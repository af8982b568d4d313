package backpressure_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"goa.design/agentcore/internal/backpressure"
)

func TestUpdateMetrics_NormalWhenBelowAllThresholds(t *testing.T) {
	t.Parallel()

	c := backpressure.New(backpressure.DefaultThresholds())
	state := c.UpdateMetrics(1, 1, time.Millisecond, 1.0)
	assert.Equal(t, backpressure.LevelNormal, state.Level)
	assert.True(t, state.Actions.ShouldAcceptWork)
	assert.False(t, state.Actions.ShouldShedLoad)
}

func TestUpdateMetrics_WorstMetricWins(t *testing.T) {
	t.Parallel()

	c := backpressure.New(backpressure.DefaultThresholds())
	// Pending writes at "elevated", active runs at "critical": overall critical.
	state := c.UpdateMetrics(51, 900, time.Millisecond, 1.0)
	assert.Equal(t, backpressure.LevelCritical, state.Level)
	assert.False(t, state.Actions.ShouldAcceptWork)
	assert.True(t, state.Actions.ShouldShedLoad)
	assert.Equal(t, 25, state.Actions.RecommendedBatchSize)
}

func TestUpdateMetrics_FiresLevelChangeCallback(t *testing.T) {
	t.Parallel()

	c := backpressure.New(backpressure.DefaultThresholds())
	var transitions [][2]backpressure.Level
	c.OnLevelChange(func(old, new backpressure.Level) {
		transitions = append(transitions, [2]backpressure.Level{old, new})
	})

	c.UpdateMetrics(1, 1, time.Millisecond, 1.0)
	assert.Empty(t, transitions)

	c.UpdateMetrics(96, 1, time.Millisecond, 1.0)
	assert.Equal(t, [][2]backpressure.Level{{backpressure.LevelNormal, backpressure.LevelCritical}}, transitions)
}

func TestUpdateMetrics_NegativeMemoryPercentSamplesProcess(t *testing.T) {
	t.Parallel()

	c := backpressure.New(backpressure.DefaultThresholds())
	state := c.UpdateMetrics(1, 1, time.Millisecond, -1)
	assert.GreaterOrEqual(t, state.MemoryPercent, 0.0)
}
