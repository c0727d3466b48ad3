package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/humidor-monitor/internal/sensor"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func reading(id string, minute int, temp float64) sensor.Reading {
	return sensor.NewReading(id, base.Add(time.Duration(minute)*time.Minute), temp, 65)
}

func TestInsertKeepsAscendingOrder(t *testing.T) {
	s := NewMemoryStore(0, 0)

	s.Insert(reading("a", 5, 70))
	s.Insert(reading("a", 1, 68))
	s.Insert(reading("a", 3, 69))

	w := s.Window("a")
	require.Len(t, w, 3)
	assert.Equal(t, 68.0, w[0].Temperature)
	assert.Equal(t, 69.0, w[1].Temperature)
	assert.Equal(t, 70.0, w[2].Temperature)
}

func TestInsertKeepsDuplicateTimestamps(t *testing.T) {
	s := NewMemoryStore(0, 0)

	s.Insert(reading("a", 1, 68))
	s.Insert(reading("a", 1, 69))

	w := s.Window("a")
	require.Len(t, w, 2)
	assert.Equal(t, 68.0, w[0].Temperature, "arrival order is kept for equal timestamps")
	assert.Equal(t, 69.0, w[1].Temperature)
}

func TestCeilingDropsOldest(t *testing.T) {
	s := NewMemoryStore(3, 0)
	for i := 0; i < 5; i++ {
		s.Insert(reading("a", i, float64(60+i)))
	}

	w := s.Window("a")
	require.Len(t, w, 3)
	assert.Equal(t, 62.0, w[0].Temperature)
	assert.Equal(t, 64.0, w[2].Temperature)
}

func TestReplaceSortsAndTrims(t *testing.T) {
	s := NewMemoryStore(2, 0)
	s.Insert(reading("a", 0, 50))

	s.Replace("a", []sensor.Reading{
		reading("a", 9, 72),
		reading("a", 7, 70),
		reading("a", 8, 71),
	})

	w := s.Window("a")
	require.Len(t, w, 2)
	assert.Equal(t, 71.0, w[0].Temperature)
	assert.Equal(t, 72.0, w[1].Temperature)
}

func TestMaxAgeRelativeToNewest(t *testing.T) {
	s := NewMemoryStore(0, 10*time.Minute)
	s.Insert(reading("a", 0, 60))
	s.Insert(reading("a", 5, 61))
	s.Insert(reading("a", 15, 62))

	w := s.Window("a")
	require.Len(t, w, 2)
	assert.Equal(t, 61.0, w[0].Temperature)
}

func TestGetRangeAndDelete(t *testing.T) {
	s := NewMemoryStore(0, 0)
	for i := 0; i < 5; i++ {
		s.Insert(reading("a", i, float64(60+i)))
	}

	got := s.GetRange("a", base.Add(time.Minute), base.Add(3*time.Minute))
	require.Len(t, got, 3)
	assert.Equal(t, 61.0, got[0].Temperature)

	s.Delete("a")
	assert.Nil(t, s.Window("a"))
}

func TestWindowReturnsCopy(t *testing.T) {
	s := NewMemoryStore(0, 0)
	s.Insert(reading("a", 0, 60))

	w := s.Window("a")
	w[0].Temperature = 99

	assert.Equal(t, 60.0, s.Window("a")[0].Temperature)
}
