package webhook

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := func(ctx context.Context, ev Event) (any, error) { return nil, nil }

	r.Register("stripe", "invoice.paid", noop)
	r.Register("stripe", "customer.subscription.created", noop)
	r.Register("internal", "ledger.reset", noop)

	h, err := r.Lookup("stripe", "invoice.paid")
	require.NoError(t, err)
	assert.NotNil(t, h)

	_, err = r.Lookup("stripe", "charge.refunded")
	assert.ErrorIs(t, err, ErrNoHandler)
	assert.Contains(t, err.Error(), "stripe/charge.refunded")

	assert.Equal(t, []Key{
		{Source: "internal", Type: "ledger.reset"},
		{Source: "stripe", Type: "customer.subscription.created"},
		{Source: "stripe", Type: "invoice.paid"},
	}, r.Keys())

	assert.Panics(t, func() { r.Register("stripe", "invoice.paid", noop) })
	assert.Panics(t, func() { r.Register("stripe", "invoice.voided", nil) })
}

func TestErrorClasses(t *testing.T) {
	base := assert.AnError

	assert.True(t, IsTerminal(Terminal(base)))
	assert.ErrorIs(t, Terminal(base), base)
	assert.False(t, IsTerminal(Retryable(base)))
	assert.False(t, IsTerminal(base), "unclassified errors are retryable")
	assert.Nil(t, Terminal(nil))
	assert.Nil(t, Retryable(nil))
	assert.True(t, IsTerminal(Terminalf("missing %s", "user_id")))
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent("Stripe", []byte(`{"id":"evt_1","type":"invoice.paid","data":{"object":{}}}`))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, "stripe", ev.Source)
	assert.Equal(t, "invoice.paid", ev.Type)

	ev, err = ParseEvent("stripe", []byte(`{"type":"invoice.paid"}`))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ev.ID, "hash:"))

	_, err = ParseEvent("stripe", []byte(`{"id":"evt_2"}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	_, err = ParseEvent("stripe", []byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}
