package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/dhstx/productpage-sub002/app/controllers"
	"github.com/dhstx/productpage-sub002/internal/pkg/env"
)

type ApiRouter struct {
	usage   *controllers.UsageController
	storage fiber.Storage
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:          env.GetInt("API_RATE_LIMIT", 120),
		Expiration:   time.Minute,
		KeyGenerator: controllers.ClientKey,
		Storage:      h.storage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "too many requests",
			})
		},
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	v1.Get("/ping", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ping": "pong"})
	})

	usage := v1.Group("/usage/:accountID")
	usage.Get("/", h.usage.HandleGetUsage)
	usage.Post("/check", h.usage.HandleCheck)
	usage.Post("/consume", h.usage.HandleConsume)

	v1.Post("/anonymous/questions", h.usage.HandleAnonymousQuestion)
}

func NewApiRouter(usage *controllers.UsageController, storage fiber.Storage) *ApiRouter {
	return &ApiRouter{usage: usage, storage: storage}
}
