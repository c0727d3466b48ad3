package stability

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/humidor-monitor/internal/sensor"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func series(temps, hums []float64) []sensor.Reading {
	out := make([]sensor.Reading, len(temps))
	for i := range temps {
		out[i] = sensor.NewReading("h1", t0.Add(time.Duration(i)*time.Minute), temps[i], hums[i])
	}
	return out
}

func TestAnalyzeDegenerateWindows(t *testing.T) {
	empty := Analyze(nil, 10)
	assert.Equal(t, 0, empty.Samples)
	assert.Equal(t, 1.0, empty.Temperature.Stability)
	assert.Equal(t, 1.0, empty.Humidity.Stability)

	single := Analyze(series([]float64{70}, []float64{65}), 10)
	assert.Equal(t, 1, single.Samples)
	assert.Equal(t, 1.0, single.Temperature.Stability)
	assert.Equal(t, 0.0, single.Humidity.Variance)
	assert.Equal(t, 70.0, single.Temperature.Min)
	assert.Equal(t, 70.0, single.Temperature.Max)
}

func TestAnalyzeStatistics(t *testing.T) {
	rep := Analyze(series(
		[]float64{68, 70, 72},
		[]float64{64, 66, 68},
	), 0)

	assert.Equal(t, "h1", rep.SensorID)
	assert.InDelta(t, 70.0, rep.Temperature.Average, 1e-9)
	assert.InDelta(t, 8.0/3.0, rep.Temperature.Variance, 1e-9)
	assert.InDelta(t, 1-(8.0/3.0)/TemperatureScale, rep.Temperature.Stability, 1e-9)
	assert.InDelta(t, 1-(8.0/3.0)/HumidityScale, rep.Humidity.Stability, 1e-9)
	assert.Equal(t, 68.0, rep.Temperature.Min)
	assert.Equal(t, 72.0, rep.Temperature.Max)
	assert.Equal(t, t0, rep.From)
	assert.Equal(t, t0.Add(2*time.Minute), rep.To)
}

func TestAnalyzeSortsBeforeTrimming(t *testing.T) {
	readings := series([]float64{60, 70, 70}, []float64{65, 65, 65})
	// Completion order differs from timestamp order.
	shuffled := []sensor.Reading{readings[2], readings[0], readings[1]}

	rep := Analyze(shuffled, 2)

	require.Equal(t, 2, rep.Samples)
	assert.Equal(t, 70.0, rep.Temperature.Min, "the oldest sample is dropped")
	assert.Equal(t, 1.0, rep.Temperature.Stability)
}

func TestScoreClamped(t *testing.T) {
	assert.Equal(t, 0.0, Score(100, HumidityScale))
	assert.Equal(t, 1.0, Score(0, HumidityScale))
	assert.Equal(t, 0.5, Score(5, HumidityScale))
	assert.Equal(t, 0.0, Score(1, 0))
}

func TestStabilityAlwaysWithinUnitInterval(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		n := rng.Intn(50)
		temps := make([]float64, n)
		hums := make([]float64, n)
		for j := 0; j < n; j++ {
			temps[j] = 40 + rng.Float64()*60
			hums[j] = rng.Float64() * 100
		}
		rep := Analyze(series(temps, hums), rng.Intn(60))
		assert.GreaterOrEqual(t, rep.Temperature.Stability, 0.0)
		assert.LessOrEqual(t, rep.Temperature.Stability, 1.0)
		assert.GreaterOrEqual(t, rep.Humidity.Stability, 0.0)
		assert.LessOrEqual(t, rep.Humidity.Stability, 1.0)
	}
}
