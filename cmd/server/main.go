package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/dhstx/productpage-sub002/app/controllers"
	"github.com/dhstx/productpage-sub002/internal/pkg/billing"
	"github.com/dhstx/productpage-sub002/internal/pkg/bootstrap"
	"github.com/dhstx/productpage-sub002/internal/pkg/cache"
	"github.com/dhstx/productpage-sub002/internal/pkg/database"
	"github.com/dhstx/productpage-sub002/internal/pkg/env"
	"github.com/dhstx/productpage-sub002/internal/pkg/jobqueue"
	"github.com/dhstx/productpage-sub002/internal/pkg/router"
	"github.com/dhstx/productpage-sub002/internal/pkg/session"
)

func main() {
	app, jobs := NewApplication()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			log.Fatalf("[Server] Listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("[Server] Shutting down...")
	jobs.Stop()
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		log.Errorf("[Server] Shutdown failed: %v", err)
	}
}

func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	svcs, err := bootstrap.NewServices(database.GetDB(), cache.GetClient())
	if err != nil {
		log.Fatalf("[Server] Could not wire services: %v", err)
	}

	jobCfg := jobqueue.ConfigFromEnv()
	jobs := jobqueue.GetManager()
	svcs.RegisterJobs(jobs, jobCfg)
	jobs.Start()

	storage := session.NewRedisStorage()
	session.NewSessionStoreWithStorage(storage)

	webhookSecret := env.GetEnv("STRIPE_WEBHOOK_SECRET", "")
	if webhookSecret == "" {
		log.Warn("[Server] STRIPE_WEBHOOK_SECRET is not set, all Stripe deliveries will be rejected")
	}
	verifiers := map[string]controllers.SignatureVerifier{
		billing.SourceStripe: controllers.StripeVerifier(webhookSecret, time.Now),
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20, // 1 MiB, webhook payloads are small
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "./public/docs/v1/openapi.yml",
		Path:     "v1",
	}))

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Webhooks:       controllers.NewWebhookController(svcs.Webhooks, verifiers),
		Usage:          controllers.NewUsageController(svcs.Ledger, svcs.Anonymous, session.AnonymousID),
		Admin:          controllers.NewAdminController(svcs.Webhooks, svcs.Monitor, svcs.Ledger, svcs.Tiers, jobs, jobCfg.MarginWindow),
		AdminKey:       env.GetEnv("ADMIN_API_KEY", ""),
		LimiterStorage: storage,
		MonitorEnabled: env.GetBool("APP_MONITOR", env.IsDev()),
	})

	log.Infof("[Server] Application ready (env %s)", env.GetEnv("APP_ENV", "prod"))
	return app, jobs
}
