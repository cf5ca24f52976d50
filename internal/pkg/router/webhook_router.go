package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/dhstx/productpage-sub002/app/controllers"
)

type WebhookRouter struct {
	webhooks *controllers.WebhookController
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	app.Post("/webhooks/:source", h.webhooks.HandleWebhook)
	app.All("/webhooks/:source", h.webhooks.HandleMethodNotAllowed)
}

func NewWebhookRouter(webhooks *controllers.WebhookController) *WebhookRouter {
	return &WebhookRouter{webhooks: webhooks}
}
