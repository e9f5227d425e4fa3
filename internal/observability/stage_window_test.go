package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := NewStageWindow(8)
	w.Observe(StageExport, 500*time.Millisecond)
	w.Observe(StageExport, 700*time.Millisecond)
	w.Observe(StageExport, 900*time.Millisecond)
	w.ObserveOutcome("generate:completed")
	w.ObserveOutcome("generate:completed")

	snap := w.Snapshot()
	assert.Equal(t, 8, snap.WindowSize)
	require.Len(t, snap.Stages, 1)
	s := snap.Stages[0]
	assert.Equal(t, StageExport, s.Stage)
	assert.Equal(t, 3, s.Samples)
	assert.Equal(t, 900.0, s.LastMS)
	assert.Equal(t, 700.0, s.P50MS)
	assert.Greater(t, s.P95MS, 700.0)
	assert.LessOrEqual(t, s.P95MS, 900.0)
	assert.Equal(t, 2000.0, s.TargetP95MS)
	require.Len(t, snap.Outcomes, 1)
	assert.Equal(t, Outcome{Name: "generate:completed", Count: 2}, snap.Outcomes[0])
}

func TestStageWindowWrapsRing(t *testing.T) {
	w := NewStageWindow(2)
	w.Observe(StageSynthesis, time.Second)
	w.Observe(StageSynthesis, 2*time.Second)
	w.Observe(StageSynthesis, 3*time.Second)

	s := w.Snapshot().Stages[0]
	assert.Equal(t, 2, s.Samples)
	assert.Equal(t, 2500.0, s.AvgMS)
	assert.Equal(t, 3000.0, s.LastMS)

	w.Reset()
	assert.Empty(t, w.Snapshot().Stages)
}

func TestStageWindowIgnoresInvalid(t *testing.T) {
	var nilWindow *StageWindow
	nilWindow.Observe(StageExport, time.Second)
	nilWindow.ObserveOutcome("x")
	assert.Empty(t, nilWindow.Snapshot().Stages)

	w := NewStageWindow(0)
	w.Observe("", time.Second)
	w.Observe(StageExport, -time.Second)
	w.ObserveOutcome("  ")
	snap := w.Snapshot()
	assert.Equal(t, 256, snap.WindowSize)
	assert.Empty(t, snap.Stages)
	assert.Empty(t, snap.Outcomes)
}
