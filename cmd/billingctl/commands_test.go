package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/dhstx/productpage-sub002/app/models"
	"github.com/dhstx/productpage-sub002/internal/pkg/bootstrap"
	"github.com/dhstx/productpage-sub002/internal/pkg/entitlements"
	"github.com/dhstx/productpage-sub002/internal/pkg/jobqueue"
	"github.com/dhstx/productpage-sub002/internal/pkg/ledger"
	"github.com/dhstx/productpage-sub002/internal/pkg/margin"
	"github.com/dhstx/productpage-sub002/internal/pkg/webhook"
)

type memoryServices struct {
	*bootstrap.Services
	dlq *webhook.MemoryDeadLetterQueue
}

func useMemoryServices(t *testing.T) memoryServices {
	t.Helper()
	dlq := webhook.NewMemoryDeadLetterQueue()
	registry := webhook.NewRegistry()
	registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev webhook.Event) (any, error) {
		return "ok", nil
	})
	svc := ledger.NewService(ledger.NewMemoryStore(), nil, ledger.WithPolicyStore(ledger.NewMemoryPolicyStore()))
	svcs := &bootstrap.Services{
		Tiers:  entitlements.DefaultTable(),
		Ledger: svc,
		Webhooks: webhook.NewProcessor(registry, webhook.NewMemoryEventLog(), dlq,
			webhook.WithSleep(func(ctx context.Context, d time.Duration) error { return nil })),
		Monitor: margin.NewMonitor(margin.NewMemorySource(), margin.NewMemorySnapshotStore(), margin.WithPolicies(svc)),
	}

	oldLoad, oldManager := loadServices, jobManager
	loadServices = func() (*bootstrap.Services, error) { return svcs, nil }
	t.Cleanup(func() { loadServices, jobManager = oldLoad, oldManager })
	return memoryServices{Services: svcs, dlq: dlq}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestLedgerCommands(t *testing.T) {
	svcs := useMemoryServices(t)
	_, err := svcs.Ledger.Consume(context.Background(), "acct_1", models.UsagePoolCore, 12)
	require.NoError(t, err)

	out, err := execute(t, "ledger", "show", "acct_1")
	require.NoError(t, err)
	var shown models.UsageLedger
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.EqualValues(t, 12, shown.CoreUsed)

	out, err = execute(t, "ledger", "reset", "acct_1")
	require.NoError(t, err)
	var reset models.UsageLedger
	require.NoError(t, json.Unmarshal([]byte(out), &reset))
	assert.EqualValues(t, 0, reset.CoreUsed)
	assert.True(t, reset.CycleStart.After(shown.CycleStart))

	_, err = execute(t, "ledger", "show")
	assert.Error(t, err)
}

func TestDLQRetryCommand(t *testing.T) {
	svcs := useMemoryServices(t)
	_, err := svcs.dlq.Add(context.Background(), &models.DeadLetterEntry{
		Source: "stripe", WebhookID: "evt_1", EventType: "invoice.paid",
		Payload: datatypes.JSON(`{"id":"evt_1","type":"invoice.paid"}`), FailedAt: time.Now(),
	})
	require.NoError(t, err)

	out, err := execute(t, "dlq", "retry", "--limit", "10", "--async=false")
	require.NoError(t, err)
	var results []webhook.RetryResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)

	_, err = execute(t, "dlq", "retry", "--limit", "0")
	assert.Error(t, err)
}

func TestDLQRetryAsync(t *testing.T) {
	useMemoryServices(t)
	mr := miniredis.RunT(t)
	m := jobqueue.NewManager(jobqueue.NewQueueWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 1), jobqueue.Config{})
	jobManager = func() *jobqueue.Manager { return m }

	out, err := execute(t, "dlq", "retry", "--limit", "5", "--async")
	require.NoError(t, err)
	var job jobqueue.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, jobqueue.JobTypeDLQSweep, job.Type)

	size, err := m.GetQueue().GetQueueSize(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)
}

func TestMarginRunCommand(t *testing.T) {
	useMemoryServices(t)

	out, err := execute(t, "margin", "run", "--async=false",
		"--start", "2026-03-01T00:00:00Z", "--end", "2026-03-02T00:00:00Z")
	require.NoError(t, err)
	var res margin.PassResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), res.PeriodStart)
	// Only the platform scope is evaluated when no tier has usage.
	assert.Len(t, res.Evaluations, 1)

	_, err = execute(t, "margin", "run", "--start", "2026-03-01T00:00:00Z", "--end", "")
	assert.Error(t, err)
}

func TestParseWindow(t *testing.T) {
	_, _, explicit, err := parseWindow("", "")
	require.NoError(t, err)
	assert.False(t, explicit)

	_, _, _, err = parseWindow("yesterday", "2026-03-02T00:00:00Z")
	assert.Error(t, err)

	start, end, explicit, err := parseWindow("2026-03-01T02:00:00+02:00", "2026-03-02T00:00:00Z")
	require.NoError(t, err)
	assert.True(t, explicit)
	assert.Equal(t, time.UTC, start.Location())
	assert.Equal(t, 22*time.Hour, end.Sub(start))
}

func TestLoadServicesError(t *testing.T) {
	useMemoryServices(t)
	loadServices = func() (*bootstrap.Services, error) { return nil, errors.New("db down") }

	_, err := execute(t, "ledger", "show", "acct_1")
	assert.EqualError(t, err, "db down")
}
