package store

import (
	"sort"
	"sync"
	"time"

	"github.com/i474232898/humidor-monitor/internal/sensor"
)

// window holds a time-ordered list of readings for one sensor.
type window struct {
	readings []sensor.Reading
}

// MemoryStore is a concurrency-safe in-memory working window per sensor.
// Windows are kept ascending by timestamp; equal timestamps keep insertion order.
type MemoryStore struct {
	mu sync.RWMutex

	// key: sensor id
	data map[string]*window

	// retention configuration
	maxSamples int           // sample-count ceiling per sensor
	maxAge     time.Duration // optional max age relative to the newest sample
}

// NewMemoryStore creates a new MemoryStore with optional limits.
// If maxSamples is <= 0, it is treated as unlimited.
func NewMemoryStore(maxSamples int, maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		data:       make(map[string]*window),
		maxSamples: maxSamples,
		maxAge:     maxAge,
	}
}

// Replace swaps the window of a sensor for the given readings.
func (s *MemoryStore) Replace(sensorID string, readings []sensor.Reading) {
	sorted := make([]sensor.Reading, len(readings))
	copy(sorted, readings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	w := &window{readings: sorted}
	s.data[sensorID] = w
	s.enforceRetention(w)
}

// Insert adds one reading at its timestamp position and enforces retention.
func (s *MemoryStore) Insert(r sensor.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.data[r.SensorID]
	if !ok {
		w = &window{}
		s.data[r.SensorID] = w
	}

	// First index strictly after r, so duplicates stay in arrival order.
	i := sort.Search(len(w.readings), func(i int) bool {
		return w.readings[i].Timestamp.After(r.Timestamp)
	})
	w.readings = append(w.readings, sensor.Reading{})
	copy(w.readings[i+1:], w.readings[i:])
	w.readings[i] = r

	s.enforceRetention(w)
}

// Window returns a copy of the readings held for a sensor.
func (s *MemoryStore) Window(sensorID string) []sensor.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.data[sensorID]
	if !ok || len(w.readings) == 0 {
		return nil
	}
	out := make([]sensor.Reading, len(w.readings))
	copy(out, w.readings)
	return out
}

// GetRange returns the readings of a sensor between from and to (inclusive).
func (s *MemoryStore) GetRange(sensorID string, from, to time.Time) []sensor.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.data[sensorID]
	if !ok {
		return nil
	}

	var result []sensor.Reading
	for _, r := range w.readings {
		if !r.Timestamp.Before(from) && !r.Timestamp.After(to) {
			result = append(result, r)
		}
	}
	return result
}

// Delete drops the window of a sensor.
func (s *MemoryStore) Delete(sensorID string) {
	s.mu.Lock()
	delete(s.data, sensorID)
	s.mu.Unlock()
}

func (s *MemoryStore) enforceRetention(w *window) {
	// Enforce retention by count, dropping the oldest.
	if s.maxSamples > 0 && len(w.readings) > s.maxSamples {
		over := len(w.readings) - s.maxSamples
		w.readings = append([]sensor.Reading(nil), w.readings[over:]...)
	}

	// Enforce retention by age relative to the newest sample.
	if s.maxAge > 0 && len(w.readings) > 0 {
		cutoff := w.readings[len(w.readings)-1].Timestamp.Add(-s.maxAge)
		i := 0
		for ; i < len(w.readings); i++ {
			if !w.readings[i].Timestamp.Before(cutoff) {
				break
			}
		}
		if i > 0 {
			w.readings = w.readings[i:]
		}
	}
}
