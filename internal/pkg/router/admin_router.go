package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/dhstx/productpage-sub002/app/controllers"
	"github.com/dhstx/productpage-sub002/internal/pkg/middleware"
)

type AdminRouter struct {
	admin    *controllers.AdminController
	adminKey string
}

func (h AdminRouter) InstallRouter(app *fiber.App) {
	admin := app.Group("/admin", middleware.AdminKeyAuthMiddleware(h.adminKey))

	dlq := admin.Group("/webhooks/dlq")
	dlq.Get("/", h.admin.HandleListDeadLetters)
	dlq.Post("/retry", h.admin.HandleRetryDeadLetters)
	dlq.Delete("/:id", h.admin.HandleDiscardDeadLetter)

	mgn := admin.Group("/margin")
	mgn.Post("/run", h.admin.HandleRunMargin)
	mgn.Post("/evaluate", h.admin.HandleEvaluateScope)
	mgn.Get("/snapshots", h.admin.HandleListSnapshots)
	mgn.Get("/policies/:scopeType/:scopeID?", h.admin.HandleRoutingPolicy)

	ledger := admin.Group("/ledger/:accountID")
	ledger.Post("/reset", h.admin.HandleResetLedger)
	ledger.Post("/allocate", h.admin.HandleAllocateLedger)

	admin.Get("/jobs/stats", h.admin.HandleJobStats)
}

func NewAdminRouter(admin *controllers.AdminController, adminKey string) *AdminRouter {
	return &AdminRouter{admin: admin, adminKey: adminKey}
}
