package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/dhstx/productpage-sub002/internal/pkg/ledger"
	"github.com/dhstx/productpage-sub002/internal/pkg/margin"
	"github.com/dhstx/productpage-sub002/internal/pkg/webhook"
)

const testSecret = "whsec_test"

type testEnv struct {
	app       *fiber.App
	registry  *webhook.Registry
	processor *webhook.Processor
	dlq       *webhook.MemoryDeadLetterQueue
	ledger    *ledger.Service
	source    *margin.MemorySource
	monitor   *margin.Monitor
	now       time.Time
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		registry: webhook.NewRegistry(),
		dlq:      webhook.NewMemoryDeadLetterQueue(),
		source:   margin.NewMemorySource(),
		now:      time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC),
	}
	clock := func() time.Time { return e.now }
	e.processor = webhook.NewProcessor(e.registry, webhook.NewMemoryEventLog(), e.dlq,
		webhook.WithSleep(noSleep), webhook.WithNow(clock))
	e.ledger = ledger.NewService(ledger.NewMemoryStore(), nil,
		ledger.WithPolicyStore(ledger.NewMemoryPolicyStore()),
		ledger.WithUsageSink(e.source),
		ledger.WithClock(ledger.ClockFunc(clock)))
	e.monitor = margin.NewMonitor(e.source, margin.NewMemorySnapshotStore(),
		margin.WithNow(clock), margin.WithPolicies(e.ledger))

	e.app = fiber.New()
	return e
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case []byte:
			reader = bytes.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp, out
}
