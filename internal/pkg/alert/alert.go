package alert

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/dhstx/productpage-sub002/internal/pkg/env"
	"github.com/dhstx/productpage-sub002/internal/pkg/metrics"
)

type Category string

const (
	CategoryWebhookDeadLetter Category = "webhook_dead_letter"
	CategoryMargin            Category = "margin"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Field is a labelled value rendered next to the alert summary.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Alert is the structured notification sent to operators.
type Alert struct {
	ID              string    `json:"id"`
	Category        Category  `json:"category"`
	Severity        Severity  `json:"severity"`
	Scope           string    `json:"scope"`
	Title           string    `json:"title"`
	Summary         string    `json:"summary"`
	Fields          []Field   `json:"fields,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	DashboardURL    string    `json:"dashboard_url,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Dispatcher delivers alerts to an external channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, a Alert) error
}

// New fills identity and timestamp defaults.
func New(category Category, severity Severity, scope, title, summary string) Alert {
	return Alert{
		ID:        uuid.New().String(),
		Category:  category,
		Severity:  severity,
		Scope:     scope,
		Title:     title,
		Summary:   summary,
		CreatedAt: time.Now().UTC(),
	}
}

// Send dispatches an alert and only logs failures. Alert delivery never fails
// the operation that raised the alert.
func Send(ctx context.Context, d Dispatcher, a Alert) bool {
	if d == nil {
		return false
	}
	if err := d.Dispatch(ctx, a); err != nil {
		log.Errorf("[Alert] Failed to dispatch %s alert for %s: %v", a.Category, a.Scope, err)
		metrics.AlertsTotal.WithLabelValues(string(a.Category), "failed").Inc()
		return false
	}
	metrics.AlertsTotal.WithLabelValues(string(a.Category), "sent").Inc()
	return true
}

// DashboardLink joins APP_URL with a dashboard path.
func DashboardLink(path string) string {
	base := strings.TrimRight(env.GetEnv("APP_URL", ""), "/")
	if base == "" {
		return path
	}
	return base + path
}

// NewFromEnv returns a Slack dispatcher when SLACK_WEBHOOK_URL is set and a
// log dispatcher otherwise.
func NewFromEnv() Dispatcher {
	url := strings.TrimSpace(env.GetEnv("SLACK_WEBHOOK_URL", ""))
	if url == "" {
		log.Warn("[Alert] SLACK_WEBHOOK_URL not configured, alerts are only logged")
		return NewLogDispatcher()
	}
	return Fanout(NewLogDispatcher(), NewSlackDispatcher(url))
}

// LogDispatcher writes alerts to the application log.
type LogDispatcher struct{}

func NewLogDispatcher() *LogDispatcher {
	return &LogDispatcher{}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, a Alert) error {
	log.Warnf("[Alert] %s/%s %s: %s (%s)", a.Category, a.Severity, a.Scope, a.Summary, a.DashboardURL)
	return nil
}

type fanout []Dispatcher

// Fanout delivers to every dispatcher and joins their errors.
func Fanout(dispatchers ...Dispatcher) Dispatcher {
	return fanout(dispatchers)
}

func (f fanout) Dispatch(ctx context.Context, a Alert) error {
	var errs []error
	for _, d := range f {
		if err := d.Dispatch(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
