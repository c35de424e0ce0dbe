package engine

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presencewatch/internal/model"
)

func batchOf(rssi ...int) []model.BeaconSample {
	out := make([]model.BeaconSample, len(rssi))
	for i, v := range rssi {
		out[i] = sampleAt(int64(i)*1000, v)
	}
	return out
}

func TestComputeVariability(t *testing.T) {
	tests := []struct {
		name string
		rssi []int
		want float64
	}{
		{name: "constant", rssi: []int{-60, -60, -60}, want: 0},
		{name: "two values", rssi: []int{-60, -70}, want: 5},
		{name: "single", rssi: []int{-42}, want: 0},
		{name: "population not sample", rssi: []int{-50, -60, -70}, want: math.Sqrt(200.0 / 3.0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeVariability(batchOf(tt.rssi...))
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestComputeVariabilityEmpty(t *testing.T) {
	_, err := ComputeVariability(nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestClassifyActivity(t *testing.T) {
	tests := []struct {
		score float64
		want  model.ActivityLevel
	}{
		{score: -1, want: LevelAway},
		{score: -0.5, want: LevelAway},
		{score: math.NaN(), want: LevelAway},
		{score: 0, want: LevelResting},
		{score: 3.2, want: LevelResting},
		{score: 4, want: LevelResting},
		{score: 4.0001, want: LevelLight},
		{score: 4.9, want: LevelLight},
		{score: 7, want: LevelLight},
		{score: 7.1, want: LevelActive},
		{score: 10, want: LevelActive},
		{score: 10.1, want: LevelVeryActive},
		{score: 42, want: LevelVeryActive},
	}
	for _, tt := range tests {
		got := ClassifyActivity(tt.score)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ClassifyActivity(%v) mismatch (-want +got):\n%s", tt.score, diff)
		}
	}
}

func TestActivityLevelsOrderAndCopy(t *testing.T) {
	levels := ActivityLevels()
	keys := make([]string, len(levels))
	for i, l := range levels {
		keys[i] = l.Key
	}
	assert.Equal(t, []string{"away", "resting", "light_activity", "active", "very_active"}, keys)
	levels[0].Color = "black"
	assert.Equal(t, "gray", ActivityLevels()[0].Color)
}
