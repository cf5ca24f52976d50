package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedEvent is returned by ParseEvent for bodies without a type.
var ErrMalformedEvent = errors.New("malformed webhook event")

// Event is a verified, parsed provider event.
type Event struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Identity returns the provider event id, or a content hash of the payload
// when the provider did not assign one.
func Identity(id string, payload []byte) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	sum := sha256.Sum256(payload)
	return "hash:" + hex.EncodeToString(sum[:])
}

// ParseEvent reads the "id" and "type" fields shared by provider envelopes
// (Stripe among them). The raw body is kept as the payload.
func ParseEvent(source string, payload []byte) (Event, error) {
	var envelope struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(envelope.Type) == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return Event{
		ID:      Identity(envelope.ID, payload),
		Source:  strings.ToLower(strings.TrimSpace(source)),
		Type:    strings.TrimSpace(envelope.Type),
		Payload: json.RawMessage(payload),
	}, nil
}

type Outcome string

const (
	OutcomeProcessed    Outcome = "processed"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeInFlight     Outcome = "in_flight"
	OutcomeFailed       Outcome = "failed"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeUnhandled    Outcome = "unhandled"
)

// Result reports what happened to one event.
type Result struct {
	EventID  string          `json:"event_id"`
	Source   string          `json:"source"`
	Type     string          `json:"type"`
	Outcome  Outcome         `json:"outcome"`
	Attempts int             `json:"attempts"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Success reports whether the event's side effects are known to be applied.
func (r Result) Success() bool {
	return r.Outcome == OutcomeProcessed || r.Outcome == OutcomeDuplicate
}

// RetryResult is the outcome of retrying one dead-letter entry.
type RetryResult struct {
	EntryID uint    `json:"entry_id"`
	EventID string  `json:"event_id"`
	Success bool    `json:"success"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}
