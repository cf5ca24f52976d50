package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/dhstx/productpage-sub002/app/controllers"
)

// Router installs one group of routes.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies carries the controllers and shared middleware state.
type Dependencies struct {
	Webhooks *controllers.WebhookController
	Usage    *controllers.UsageController
	Admin    *controllers.AdminController
	AdminKey string
	// LimiterStorage backs the API rate limiter; nil keeps counters in memory.
	LimiterStorage fiber.Storage
	// MonitorEnabled mounts fiber's monitor page at /monitor.
	MonitorEnabled bool
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// Operational routes first so /metrics is never rate limited.
	setup(app,
		NewOpsRouter(deps.MonitorEnabled),
		NewWebhookRouter(deps.Webhooks),
		NewApiRouter(deps.Usage, deps.LimiterStorage),
		NewAdminRouter(deps.Admin, deps.AdminKey),
	)
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
