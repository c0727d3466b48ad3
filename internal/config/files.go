package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/i474232898/humidor-monitor/internal/alert"
	"github.com/i474232898/humidor-monitor/internal/sensor"
)

// SensorConfig is one entry of the sensors file.
type SensorConfig struct {
	sensor.Descriptor `yaml:",inline"`

	// VendorID is the sensor id on the cloud account; defaults to ID.
	VendorID string `yaml:"vendorId"`
	// Device is the accessory name on the bridge; defaults to ID.
	Device string `yaml:"device"`
}

type sensorsFile struct {
	Sensors []SensorConfig `yaml:"sensors"`
}

// LoadSensors reads sensor descriptors from a YAML file:
//
//	sensors:
//	  - id: cabinet
//	    displayName: Cabinet humidor
//	    kind: local_accessory
//	    device: humidor_cabinet
//	  - id: travel
//	    kind: cloud_account
//	    vendorId: "16412.1234"
func LoadSensors(path string) ([]SensorConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sensors file: %w", err)
	}
	var f sensorsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse sensors file %s: %w", path, err)
	}
	for i, s := range f.Sensors {
		if err := validate.Struct(s); err != nil {
			return nil, fmt.Errorf("sensor %d in %s: %w", i, path, err)
		}
	}
	if err := checkSensors(f.Sensors); err != nil {
		return nil, err
	}
	return f.Sensors, nil
}

func checkSensors(sensors []SensorConfig) error {
	seen := make(map[string]bool, len(sensors))
	for _, s := range sensors {
		if seen[s.ID] {
			return fmt.Errorf("duplicate sensor id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// LoadThresholds reads a YAML thresholds file. Keys missing from the file
// keep the values of base.
func LoadThresholds(path string, base alert.Thresholds) (alert.Thresholds, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return alert.Thresholds{}, fmt.Errorf("read thresholds file: %w", err)
	}
	t := base
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return alert.Thresholds{}, fmt.Errorf("parse thresholds file %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return alert.Thresholds{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// WatchThresholds reloads the thresholds file into store whenever it changes,
// until ctx is cancelled. Invalid files are logged and ignored.
func WatchThresholds(ctx context.Context, path string, store *alert.ThresholdStore, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors replace files instead of writing in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	logger = logger.With("component", "thresholds-watcher", "file", path)
	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()

		// Editors emit bursts of events for a single save.
		const settle = 100 * time.Millisecond
		var reload <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				reload = time.After(settle)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("thresholds watcher error", "error", err)
			case <-reload:
				reload = nil
				t, err := LoadThresholds(path, store.Snapshot())
				if err != nil {
					if errors.Is(err, os.ErrNotExist) {
						continue
					}
					logger.Warn("ignoring invalid thresholds file", "error", err)
					continue
				}
				if err := store.Update(t); err != nil {
					logger.Warn("ignoring invalid thresholds", "error", err)
					continue
				}
				logger.Info("thresholds reloaded",
					"temperature_low", t.TemperatureLow,
					"temperature_high", t.TemperatureHigh,
					"humidity_low", t.HumidityLow,
					"humidity_high", t.HumidityHigh)
			}
		}
	}()
	return nil
}
