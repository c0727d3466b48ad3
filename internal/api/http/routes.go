package httpapi

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/humidor-monitor/internal/alert"
	"github.com/i474232898/humidor-monitor/internal/monitor"
	"github.com/i474232898/humidor-monitor/internal/scheduler"
	"github.com/i474232898/humidor-monitor/internal/sensor"
	"github.com/i474232898/humidor-monitor/internal/stability"
)

var validate = validator.New()

// Refresher is the scheduler surface used by the HTTP API.
type Refresher interface {
	State() scheduler.SyncState
	RunOnce(ctx context.Context) (scheduler.SyncState, error)
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, service *monitor.Service, refresher Refresher) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/api/v1")

	v1.Get("/sensors", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"sensors": service.Statuses()})
	})

	v1.Get("/sensors/:id", func(c *fiber.Ctx) error {
		var q windowQuery
		q.ID = c.Params("id")
		q.Range = c.Query("range", string(service.Registry().HistoryRange()))
		if err := validate.Struct(q); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		tr, err := sensor.ParseTimeRange(q.Range)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		status, ok := service.Status(q.ID)
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown sensor")
		}

		readings := service.Registry().WindowFor(q.ID, tr)
		return c.JSON(fiber.Map{
			"sensor":    status,
			"range":     tr,
			"readings":  readings,
			"stability": stability.Analyze(readings, tr.Ceiling()),
		})
	})

	v1.Get("/aggregate", func(c *fiber.Ctx) error {
		return c.JSON(service.Registry().Averages())
	})

	v1.Get("/alerts", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"alerts": service.Evaluator().Log().Snapshot()})
	})

	v1.Get("/sync", func(c *fiber.Ctx) error {
		return c.JSON(refresher.State())
	})

	v1.Get("/thresholds", func(c *fiber.Ctx) error {
		return c.JSON(service.Evaluator().Thresholds().Snapshot())
	})

	v1.Put("/thresholds", func(c *fiber.Ctx) error {
		var t alert.Thresholds
		if err := c.BodyParser(&t); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid thresholds body")
		}
		if err := service.Evaluator().Thresholds().Update(t); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return c.JSON(service.Evaluator().Thresholds().Snapshot())
	})

	v1.Post("/refresh", func(c *fiber.Ctx) error {
		state, err := refresher.RunOnce(c.UserContext())
		if err != nil {
			if errors.Is(err, scheduler.ErrCycleInProgress) {
				return fiber.NewError(fiber.StatusConflict, err.Error())
			}
			return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
		}
		return c.JSON(state)
	})
}

// windowQuery holds the parameters of the sensor detail endpoint.
type windowQuery struct {
	ID    string `validate:"required"`
	Range string `validate:"required,oneof=hour day week"`
}
