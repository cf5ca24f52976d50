// Package bootstrap assembles the billing services from configuration. The
// HTTP server and the operator CLI share it.
package bootstrap

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/dhstx/productpage-sub002/internal/pkg/alert"
	"github.com/dhstx/productpage-sub002/internal/pkg/billing"
	"github.com/dhstx/productpage-sub002/internal/pkg/entitlements"
	"github.com/dhstx/productpage-sub002/internal/pkg/env"
	"github.com/dhstx/productpage-sub002/internal/pkg/jobqueue"
	"github.com/dhstx/productpage-sub002/internal/pkg/ledger"
	"github.com/dhstx/productpage-sub002/internal/pkg/margin"
	"github.com/dhstx/productpage-sub002/internal/pkg/webhook"
)

const (
	BackendRedis    = "redis"
	BackendDatabase = "database"
	BackendMemory   = "memory"
)

// Services holds the wired domain services.
type Services struct {
	Tiers     entitlements.Table
	Alerts    alert.Dispatcher
	Ledger    *ledger.Service
	Anonymous *ledger.AnonymousCounter
	Webhooks  *webhook.Processor
	Monitor   *margin.Monitor
}

// LoadTiers returns the built-in tier table, overlaid with TIER_CONFIG_FILE
// when it is set.
func LoadTiers() (entitlements.Table, error) {
	path := strings.TrimSpace(env.GetEnv("TIER_CONFIG_FILE", ""))
	if path == "" {
		return entitlements.DefaultTable(), nil
	}
	tiers, err := entitlements.LoadTable(path)
	if err != nil {
		return nil, err
	}
	log.Infof("[Bootstrap] Loaded tier table from %s", path)
	return tiers, nil
}

// NewLedgerStore picks the ledger store named by backend.
func NewLedgerStore(backend string, db *gorm.DB, client redis.UniversalClient) (ledger.Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendRedis, "":
		if client == nil {
			return nil, fmt.Errorf("ledger backend %q needs a redis client", BackendRedis)
		}
		return ledger.NewRedisStore(client), nil
	case BackendDatabase:
		if db == nil {
			return nil, fmt.Errorf("ledger backend %q needs a database", BackendDatabase)
		}
		return ledger.NewGormStore(db), nil
	case BackendMemory:
		log.Warn("[Bootstrap] Using the in-memory ledger store, balances are lost on restart")
		return ledger.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", backend)
	}
}

// NewServices wires the ledger, the webhook processor with the Stripe
// handlers, and the margin monitor on top of db and client.
func NewServices(db *gorm.DB, client redis.UniversalClient) (*Services, error) {
	tiers, err := LoadTiers()
	if err != nil {
		return nil, err
	}

	backend := env.GetEnv("LEDGER_BACKEND", BackendRedis)
	store, err := NewLedgerStore(backend, db, client)
	if err != nil {
		return nil, err
	}
	anonStore, err := NewLedgerStore(backend, db, client)
	if err != nil {
		return nil, err
	}

	alerts := alert.NewFromEnv()
	source := margin.NewGormSource(db)
	cycle := time.Duration(env.GetInt("LEDGER_CYCLE_DAYS", 30)) * 24 * time.Hour

	svc := ledger.NewService(store, tiers,
		ledger.WithPeriod(cycle),
		ledger.WithPolicyStore(ledger.NewGormPolicyStore(db)),
		ledger.WithUsageSink(source),
	)

	registry := webhook.NewRegistry()
	billing.NewStripeHandlers(billing.NewServiceFromDB(db, tiers), svc).Register(registry)

	opts := append(webhook.OptionsFromEnv(), webhook.WithAlerts(alerts))
	processor := webhook.NewProcessor(registry, webhook.NewGormEventLog(db), webhook.NewGormDeadLetterQueue(db), opts...)

	monitorOpts := append(margin.OptionsFromEnv(), margin.WithAlerts(alerts), margin.WithPolicies(svc))
	monitor := margin.NewMonitor(source, margin.NewGormSnapshotStore(db), monitorOpts...)

	log.Infof("[Bootstrap] Services ready (ledger backend %s, cycle %s, %d webhook handlers)", backend, cycle, len(registry.Keys()))
	return &Services{
		Tiers:     tiers,
		Alerts:    alerts,
		Ledger:    svc,
		Anonymous: ledger.NewAnonymousCounter(anonStore, tiers),
		Webhooks:  processor,
		Monitor:   monitor,
	}, nil
}

// RegisterJobs installs the background job processors on the manager's queue.
func (s *Services) RegisterJobs(m *jobqueue.Manager, cfg jobqueue.Config) {
	q := m.GetQueue()
	q.RegisterProcessor(jobqueue.JobTypeMarginPass, jobqueue.MarginPassProcessor(s.Monitor, cfg.MarginWindow))
	q.RegisterProcessor(jobqueue.JobTypeDLQSweep, jobqueue.DLQSweepProcessor(s.Webhooks, cfg.DLQSweepLimit))
	q.RegisterProcessor(jobqueue.JobTypeLedgerReset, jobqueue.LedgerResetProcessor(s.Ledger))
}
