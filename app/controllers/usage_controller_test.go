package controllers

import (
	"errors"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhstx/productpage-sub002/internal/pkg/ledger"
)

func newUsageApp(t *testing.T, sessionID string, sessionErr error) *testEnv {
	t.Helper()
	e := newTestEnv(t)
	anon := ledger.NewAnonymousCounter(ledger.NewMemoryStore(), nil,
		ledger.WithClock(ledger.ClockFunc(func() time.Time { return e.now })))
	uc := NewUsageController(e.ledger, anon, func(c *fiber.Ctx) (string, error) {
		return sessionID, sessionErr
	})
	e.app.Get("/usage/:accountID", uc.HandleGetUsage)
	e.app.Post("/usage/:accountID/check", uc.HandleCheck)
	e.app.Post("/usage/:accountID/consume", uc.HandleConsume)
	e.app.Post("/anonymous/questions", uc.HandleAnonymousQuestion)
	return e
}

func TestUsageController_GetCreatesFreemiumLedger(t *testing.T) {
	e := newUsageApp(t, "sess", nil)

	resp, body := doJSON(t, e.app, "GET", "/usage/acct_1", nil, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "acct_1", body["account_id"])
	assert.Equal(t, "freemium", body["tier"])
	assert.EqualValues(t, 100, body["core_allocated"])
	assert.EqualValues(t, 0, body["core_used"])
}

func TestUsageController_CheckAndConsume(t *testing.T) {
	e := newUsageApp(t, "sess", nil)

	resp, body := doJSON(t, e.app, "POST", "/usage/acct_1/check", map[string]interface{}{"pool": "core", "units": 40}, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["allowed"])
	assert.EqualValues(t, 100, body["available"])

	resp, body = doJSON(t, e.app, "POST", "/usage/acct_1/consume", map[string]interface{}{"pool": "core", "units": 40}, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 40, body["consumed"])
	assert.EqualValues(t, 60, body["remaining"])

	resp, body = doJSON(t, e.app, "POST", "/usage/acct_1/consume", map[string]interface{}{"pool": "core", "units": 61}, nil)
	require.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "upgrade_required", body["error"])
	assert.Equal(t, "core", body["pool"])
	assert.EqualValues(t, 61, body["requested"])
	assert.EqualValues(t, 60, body["available"])

	// A rejected draw leaves the counters untouched.
	_, body = doJSON(t, e.app, "GET", "/usage/acct_1", nil, nil)
	assert.EqualValues(t, 40, body["core_used"])
}

func TestUsageController_AdvancedPoolNotInTier(t *testing.T) {
	e := newUsageApp(t, "sess", nil)

	resp, body := doJSON(t, e.app, "POST", "/usage/acct_1/check", map[string]interface{}{"pool": "advanced", "units": 1}, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, ledger.ReasonNotInTier, body["reason"])
}

func TestUsageController_MeteredConsumeFeedsCostSource(t *testing.T) {
	e := newUsageApp(t, "sess", nil)

	resp, _ := doJSON(t, e.app, "POST", "/usage/acct_1/consume",
		[]byte(`{"pool":"core","units":5,"cost_usd":"0.25","model":"small-1"}`), nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	usage, err := e.source.Usage(t.Context(), "user", "acct_1", e.now.Add(-1), e.now.Add(1))
	require.NoError(t, err)
	assert.EqualValues(t, 5, usage.CorePT)
	assert.Equal(t, "0.25", usage.COGS.String())

	resp, body := doJSON(t, e.app, "POST", "/usage/acct_1/consume",
		[]byte(`{"pool":"core","units":5,"cost_usd":"-1"}`), nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", body["error"])
}

func TestUsageController_Validation(t *testing.T) {
	e := newUsageApp(t, "sess", nil)

	tests := []struct {
		name string
		path string
		body interface{}
	}{
		{name: "unknown pool", path: "/usage/acct_1/check", body: map[string]interface{}{"pool": "gold", "units": 1}},
		{name: "zero units", path: "/usage/acct_1/consume", body: map[string]interface{}{"pool": "core", "units": 0}},
		{name: "negative units", path: "/usage/acct_1/consume", body: map[string]interface{}{"pool": "core", "units": -3}},
		{name: "invalid json", path: "/usage/acct_1/check", body: []byte(`{"pool":`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doJSON(t, e.app, "POST", tt.path, tt.body, nil)
			assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestUsageController_AnonymousQuestion(t *testing.T) {
	e := newUsageApp(t, "sess_abc", nil)

	resp, body := doJSON(t, e.app, "POST", "/anonymous/questions", nil, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["allowed"])
	assert.EqualValues(t, 0, body["remaining"])

	resp, body = doJSON(t, e.app, "POST", "/anonymous/questions", nil, nil)
	require.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "upgrade_required", body["error"])
	assert.NotEmpty(t, body["reset_at"])

	// The window is lazily reset once it has elapsed.
	e.now = e.now.Add(ledger.AnonymousWindow + 1)
	resp, _ = doJSON(t, e.app, "POST", "/anonymous/questions", nil, nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestUsageController_AnonymousSessionFailure(t *testing.T) {
	e := newUsageApp(t, "", errors.New("redis down"))

	resp, body := doJSON(t, e.app, "POST", "/anonymous/questions", nil, nil)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "session_unavailable", body["error"])
}
