package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"

	"github.com/dhstx/productpage-sub002/internal/pkg/metrics"
)

// OpsRouter serves health, Prometheus metrics and the fiber monitor.
type OpsRouter struct {
	monitorEnabled bool
}

func (h OpsRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", metrics.Handler())
	if h.monitorEnabled {
		app.Get("/monitor", monitor.New(monitor.Config{Title: "Billing Core Monitor"}))
	}
}

func NewOpsRouter(monitorEnabled bool) *OpsRouter {
	return &OpsRouter{monitorEnabled: monitorEnabled}
}
