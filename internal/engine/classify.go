package engine

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/stat"

	"presencewatch/internal/model"
)

var ErrEmptyBatch = errors.New("variability of an empty batch is undefined")

var (
	LevelAway         = model.ActivityLevel{Key: "away", Label: "away", Color: "gray"}
	LevelResting      = model.ActivityLevel{Key: "resting", Label: "resting", Color: "blue"}
	LevelLight        = model.ActivityLevel{Key: "light_activity", Label: "light activity", Color: "green"}
	LevelActive       = model.ActivityLevel{Key: "active", Label: "active", Color: "magenta"}
	LevelVeryActive   = model.ActivityLevel{Key: "very_active", Label: "very active", Color: "red"}
	activityLevelList = []model.ActivityLevel{LevelAway, LevelResting, LevelLight, LevelActive, LevelVeryActive}
)

// ActivityLevels lists the buckets from lowest to highest.
func ActivityLevels() []model.ActivityLevel {
	out := make([]model.ActivityLevel, len(activityLevelList))
	copy(out, activityLevelList)
	return out
}

// ComputeVariability returns the population standard deviation (divide by
// N) of the RSSI values in samples.
func ComputeVariability(samples []model.BeaconSample) (float64, error) {
	if len(samples) == 0 {
		return 0, ErrEmptyBatch
	}
	return stat.PopStdDev(rssiValues(samples), nil), nil
}

func meanRSSI(samples []model.BeaconSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	return stat.Mean(rssiValues(samples), nil)
}

func rssiValues(samples []model.BeaconSample) []float64 {
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = float64(s.RSSI)
	}
	return values
}

// ClassifyActivity buckets a variability score by its ceiling. Ranges are
// inclusive: [0,4] resting, [5,7] light, [8,10] active, above 10 very active.
func ClassifyActivity(score float64) model.ActivityLevel {
	if score < 0 || math.IsNaN(score) {
		return LevelAway
	}
	switch c := math.Ceil(score); {
	case c <= 4:
		return LevelResting
	case c <= 7:
		return LevelLight
	case c <= 10:
		return LevelActive
	default:
		return LevelVeryActive
	}
}
