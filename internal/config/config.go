package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/i474232898/humidor-monitor/internal/alert"
	"github.com/i474232898/humidor-monitor/internal/sensor"
)

var validate = validator.New()

// Refresh modes.
const (
	ModeForeground = "foreground"
	ModeBackground = "background"
	ModeBoth       = "both"
)

// CloudConfig is the vendor cloud account.
type CloudConfig struct {
	APIURL             string        `validate:"omitempty,url"`
	Email              string        `validate:"omitempty,email"`
	MinRequestInterval time.Duration `validate:"gte=0"`
	Password           string
}

// MQTTConfig is the accessory bridge broker.
type MQTTConfig struct {
	Broker      string
	ClientID    string `validate:"required"`
	Username    string
	Password    string
	TopicPrefix string `validate:"required"`
	// Freshness is how long a pushed accessory value is served without a pull.
	Freshness time.Duration `validate:"gt=0"`
	// NotifyTopic receives notifications as JSON; empty disables MQTT delivery.
	NotifyTopic string
}

type AppConfig struct {
	Port     string `validate:"required,numeric"`
	LogLevel string `validate:"oneof=debug info warn warning error"`
	LogFile  string

	RefreshMode string `validate:"oneof=foreground background both"`
	// ForegroundInterval is the period of the foreground refresh loop.
	ForegroundInterval time.Duration `validate:"gte=1s"`
	// BackgroundInterval is the delay between background opportunities while healthy.
	BackgroundInterval time.Duration `validate:"gte=1s"`
	BackoffThreshold   int           `validate:"gte=1"`
	// BackoffMax is the host ceiling on background delays.
	BackoffMax time.Duration `validate:"gtefield=BackgroundInterval"`
	TaskBudget time.Duration `validate:"gte=1s"`

	FetchTimeout time.Duration `validate:"gte=10ms"`
	FetchRetries int           `validate:"gte=0,lte=10"`
	HistoryRange string        `validate:"oneof=hour day week"`
	// StoreMaxAge trims windows by age relative to their newest sample (0 = off).
	StoreMaxAge time.Duration `validate:"gte=0"`

	Thresholds     alert.Thresholds
	ThresholdsFile string
	SensorsFile    string

	Cloud CloudConfig
	MQTT  MQTTConfig

	Sensors []SensorConfig `validate:"dive"`
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded", "reason", err)
	}

	cfg := &AppConfig{
		Port:     getenvDefault("PORT", "8080"),
		LogLevel: getenvDefault("LOG_LEVEL", "info"),
		LogFile:  os.Getenv("LOG_FILE"),

		RefreshMode:      getenvDefault("REFRESH_MODE", ModeBoth),
		BackoffThreshold: getenvInt("BACKOFF_THRESHOLD", 3),
		FetchRetries:     getenvInt("FETCH_RETRIES", 2),
		HistoryRange:     getenvDefault("HISTORY_RANGE", string(sensor.RangeDay)),

		ThresholdsFile: os.Getenv("THRESHOLDS_FILE"),
		SensorsFile:    os.Getenv("SENSORS_FILE"),

		Cloud: CloudConfig{
			APIURL:   getenvDefault("CLOUD_API_URL", "https://api.sensorpush.com/api/v1"),
			Email:    os.Getenv("CLOUD_EMAIL"),
			Password: os.Getenv("CLOUD_PASSWORD"),
		},
		MQTT: MQTTConfig{
			Broker:      os.Getenv("MQTT_BROKER"),
			ClientID:    getenvDefault("MQTT_CLIENT_ID", "humidor-monitor"),
			Username:    os.Getenv("MQTT_USERNAME"),
			Password:    os.Getenv("MQTT_PASSWORD"),
			TopicPrefix: getenvDefault("ACCESSORY_TOPIC_PREFIX", "zigbee2mqtt"),
			NotifyTopic: os.Getenv("NOTIFY_TOPIC"),
		},
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"FOREGROUND_INTERVAL", "60s", &cfg.ForegroundInterval},
		{"BACKGROUND_INTERVAL", "15m", &cfg.BackgroundInterval},
		{"BACKOFF_MAX", "4h", &cfg.BackoffMax},
		{"TASK_BUDGET", "30s", &cfg.TaskBudget},
		{"FETCH_TIMEOUT", "5s", &cfg.FetchTimeout},
		{"STORE_MAX_AGE", "0s", &cfg.StoreMaxAge},
		{"CLOUD_MIN_REQUEST_INTERVAL", "100ms", &cfg.Cloud.MinRequestInterval},
		{"ACCESSORY_FRESHNESS", "5m", &cfg.MQTT.Freshness},
	}
	for _, d := range durations {
		v, err := getenvDuration(d.key, d.def)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	thresholds, err := loadEnvThresholds()
	if err != nil {
		return nil, err
	}
	cfg.Thresholds = thresholds
	if cfg.ThresholdsFile != "" {
		cfg.Thresholds, err = LoadThresholds(cfg.ThresholdsFile, cfg.Thresholds)
		if err != nil {
			return nil, err
		}
	}

	if cfg.SensorsFile != "" {
		cfg.Sensors, err = LoadSensors(cfg.SensorsFile)
		if err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and that every configured sensor kind has
// its integration configured.
func (c *AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if err := checkSensors(c.Sensors); err != nil {
		return err
	}
	for _, s := range c.Sensors {
		switch s.Kind {
		case sensor.KindCloudAccount:
			if c.Cloud.APIURL == "" {
				return fmt.Errorf("sensor %s needs CLOUD_API_URL", s.ID)
			}
		case sensor.KindLocalAccessory:
			if c.MQTT.Broker == "" {
				return fmt.Errorf("sensor %s needs MQTT_BROKER", s.ID)
			}
		}
	}
	return nil
}

// HasKind reports whether any configured sensor uses the given integration.
func (c *AppConfig) HasKind(kind sensor.SourceKind) bool {
	for _, s := range c.Sensors {
		if s.Kind == kind {
			return true
		}
	}
	return false
}

func loadEnvThresholds() (alert.Thresholds, error) {
	t := alert.DefaultThresholds
	fields := []struct {
		key string
		dst *float64
	}{
		{"THRESHOLD_TEMPERATURE_LOW", &t.TemperatureLow},
		{"THRESHOLD_TEMPERATURE_HIGH", &t.TemperatureHigh},
		{"THRESHOLD_HUMIDITY_LOW", &t.HumidityLow},
		{"THRESHOLD_HUMIDITY_HIGH", &t.HumidityHigh},
	}
	for _, f := range fields {
		v := os.Getenv(f.key)
		if v == "" {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return alert.Thresholds{}, fmt.Errorf("invalid %s: %w", f.key, err)
		}
		*f.dst = n
	}
	return t, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
