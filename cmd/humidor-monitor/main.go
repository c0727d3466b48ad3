package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/i474232898/humidor-monitor/internal/alert"
	httpapi "github.com/i474232898/humidor-monitor/internal/api/http"
	"github.com/i474232898/humidor-monitor/internal/config"
	"github.com/i474232898/humidor-monitor/internal/logging"
	"github.com/i474232898/humidor-monitor/internal/monitor"
	"github.com/i474232898/humidor-monitor/internal/notify"
	"github.com/i474232898/humidor-monitor/internal/scheduler"
	"github.com/i474232898/humidor-monitor/internal/sensor"
	"github.com/i474232898/humidor-monitor/internal/sensor/sources"
	"github.com/i474232898/humidor-monitor/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("humidor monitor stopped", "error", err)
		os.Exit(1)
	}
}

// run wires the monitor and blocks until a termination signal. Deferred
// cleanup runs on both startup failure and shutdown.
func run() error {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logs, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer logs.Close()
	log := logs.Logger
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	thresholds, err := alert.NewThresholdStore(cfg.Thresholds)
	if err != nil {
		return fmt.Errorf("invalid thresholds: %w", err)
	}
	if cfg.ThresholdsFile != "" {
		if err := config.WatchThresholds(ctx, cfg.ThresholdsFile, thresholds, log); err != nil {
			log.Warn("threshold hot reload disabled", "error", err)
		}
	}

	dispatchers := notify.Multi{notify.NewLogDispatcher(log)}

	// Accessory bridge, shared by accessory sensors and MQTT notifications.
	var bridge *sources.Bridge
	if cfg.MQTT.Broker != "" && (cfg.HasKind(sensor.KindLocalAccessory) || cfg.MQTT.NotifyTopic != "") {
		bridge, err = sources.ConnectBridge(ctx, sources.BridgeConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Prefix:   cfg.MQTT.TopicPrefix,
		}, log)
		if err != nil {
			return fmt.Errorf("connect accessory bridge: %w", err)
		}
		defer bridge.Close()

		if cfg.MQTT.NotifyTopic != "" {
			dispatchers = append(dispatchers, notify.NewMQTTDispatcher(bridge, cfg.MQTT.NotifyTopic))
		}
	}

	var cloud *sources.CloudClient
	if cfg.HasKind(sensor.KindCloudAccount) {
		cloud = sources.NewCloudClient(sources.CloudConfig{
			BaseURL:            cfg.Cloud.APIURL,
			Email:              cfg.Cloud.Email,
			Password:           cfg.Cloud.Password,
			MinRequestInterval: cfg.Cloud.MinRequestInterval,
		}, log)
		if err := cloud.Login(ctx); err != nil {
			log.Warn("cloud login failed, cloud sensors will report auth errors", "error", err)
		}
	}

	historyRange, err := sensor.ParseTimeRange(cfg.HistoryRange)
	if err != nil {
		return fmt.Errorf("invalid history range: %w", err)
	}

	// In-memory working windows bounded by the history ceiling.
	memStore := store.NewMemoryStore(historyRange.Ceiling(), cfg.StoreMaxAge)
	registry := sensor.NewRegistry(memStore, sensor.RegistryOptions{
		FetchTimeout: cfg.FetchTimeout,
		Retries:      uint64(cfg.FetchRetries),
		History:      historyRange,
	}, log)

	for _, sc := range cfg.Sensors {
		var src sensor.Source
		switch sc.Kind {
		case sensor.KindLocalAccessory:
			acc := sources.NewAccessorySource(sc.Descriptor, sc.Device, bridge.Prefix(), bridge, cfg.MQTT.Freshness)
			if err := bridge.Attach(acc); err != nil {
				log.Warn("failed to subscribe accessory", "sensor", sc.ID, "error", err)
			}
			src = acc
		case sensor.KindCloudAccount:
			src = sources.NewCloudSource(sc.Descriptor, sc.VendorID, cloud)
		}
		if err := registry.Add(src); err != nil {
			return fmt.Errorf("register sensor %s: %w", sc.ID, err)
		}
	}
	log.Info("sensors registered", "count", len(cfg.Sensors))

	evaluator := alert.NewEvaluator(thresholds, alert.NewLog(), dispatchers, log)
	service := monitor.NewService(registry, evaluator, monitor.Options{
		DropMissing: true,
		OnAuthRequired: func(ctx context.Context, ids []string) {
			if cloud == nil {
				return
			}
			log.Warn("cloud session expired, logging in again", "sensors", ids)
			if err := cloud.Login(ctx); err != nil {
				log.Error("cloud login failed", "error", err)
			}
		},
	}, log)

	sched := scheduler.New(service, scheduler.Options{
		ForegroundInterval: cfg.ForegroundInterval,
		Backoff: scheduler.BackoffPolicy{
			BaseInterval: cfg.BackgroundInterval,
			Threshold:    cfg.BackoffThreshold,
			MaxDelay:     cfg.BackoffMax,
		},
		Dispatcher: dispatchers,
		OnStateChange: func(st scheduler.SyncState) {
			monitor.SetConsecutiveFailures(st.ConsecutiveFailures)
		},
	}, log)

	defer sched.Stop()
	if cfg.RefreshMode == config.ModeForeground || cfg.RefreshMode == config.ModeBoth {
		if err := sched.StartForeground(ctx); err != nil {
			return fmt.Errorf("start foreground refresh: %w", err)
		}
	}
	if cfg.RefreshMode == config.ModeBackground || cfg.RefreshMode == config.ModeBoth {
		if err := sched.StartBackground(ctx, scheduler.NewGocronHost(cfg.TaskBudget, log)); err != nil {
			return fmt.Errorf("start background refresh: %w", err)
		}
	}

	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               "humidor-monitor",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	// Basic health endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "humidor-monitor",
		})
	})

	// API routes.
	httpapi.RegisterRoutes(app, service, sched)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Warn("fiber server stopped", "error", err)
		}
	}()
	log.Info("humidor monitor started", "port", cfg.Port, "refresh_mode", cfg.RefreshMode)

	// Wait for termination signal
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn("error during shutdown", "error", err)
	}
	return nil
}
