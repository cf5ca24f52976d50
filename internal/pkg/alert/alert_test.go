package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	alerts []Alert
	err    error
}

func (r *recordingDispatcher) Dispatch(ctx context.Context, a Alert) error {
	r.alerts = append(r.alerts, a)
	return r.err
}

func TestSlackDispatcher_PostsBlocks(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := New(CategoryMargin, SeverityCritical, "platform", "Pricing Alert: PLATFORM in RED", "Margin: 35.0%, Advanced: 20.0%")
	a.Fields = []Field{{Label: "Scope", Value: "platform"}}
	a.Recommendations = []string{"Review top users by advanced consumption"}
	a.DashboardURL = "https://example.test/admin/margin-monitoring"

	err := NewSlackDispatcher(srv.URL).Dispatch(context.Background(), a)
	require.NoError(t, err)

	require.NotNil(t, received)
	assert.Contains(t, received["text"], "Pricing Alert")
	blocks, ok := received["blocks"].([]any)
	require.True(t, ok)
	assert.Len(t, blocks, 5)

	last := blocks[len(blocks)-1].(map[string]any)
	assert.Equal(t, "actions", last["type"])
}

func TestSlackDispatcher_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewSlackDispatcher(srv.URL).Dispatch(context.Background(), New(CategoryMargin, SeverityWarning, "tier", "t", "s"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestSend_SwallowsErrors(t *testing.T) {
	failing := &recordingDispatcher{err: errors.New("channel down")}

	ok := Send(context.Background(), failing, New(CategoryWebhookDeadLetter, SeverityCritical, "stripe", "t", "s"))

	assert.False(t, ok)
	assert.Len(t, failing.alerts, 1)
	assert.False(t, Send(context.Background(), nil, Alert{}))
}

func TestFanout(t *testing.T) {
	a := &recordingDispatcher{}
	b := &recordingDispatcher{err: errors.New("boom")}
	c := &recordingDispatcher{}

	err := Fanout(a, b, c).Dispatch(context.Background(), New(CategoryMargin, SeverityWarning, "platform", "t", "s"))

	require.Error(t, err)
	assert.Len(t, a.alerts, 1)
	assert.Len(t, b.alerts, 1)
	assert.Len(t, c.alerts, 1, "a failing dispatcher must not stop the others")
}

func TestDashboardLink(t *testing.T) {
	t.Setenv("APP_URL", "https://billing.example.test/")
	assert.Equal(t, "https://billing.example.test/admin/margin-monitoring", DashboardLink("/admin/margin-monitoring"))
}
