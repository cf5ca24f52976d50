package margin

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dhstx/productpage-sub002/app/models"
)

const (
	GreenMarginThreshold  = 0.65
	YellowMarginThreshold = 0.50

	// DefaultPremiumTarget is the share of advanced usage the pricing assumes.
	DefaultPremiumTarget = 0.25
	BurnYellowRatio      = 0.90
	BurnRedRatio         = 1.10

	daysPerMonth = 30
)

var statusLabels = map[string]string{
	models.MarginStatusGreen:  "Healthy",
	models.MarginStatusYellow: "Warning",
	models.MarginStatusRed:    "Critical",
}

// ClassifyMargin maps a gross margin onto the traffic light.
func ClassifyMargin(margin float64) string {
	switch {
	case margin >= GreenMarginThreshold:
		return models.MarginStatusGreen
	case margin >= YellowMarginThreshold:
		return models.MarginStatusYellow
	default:
		return models.MarginStatusRed
	}
}

// ClassifyBurn compares the advanced usage share against the target share.
// A burn of exactly 90% of target is still green.
func ClassifyBurn(actual, target float64) string {
	if target <= 0 {
		if actual > 0 {
			return models.MarginStatusRed
		}
		return models.MarginStatusGreen
	}
	ratio := actual / target
	switch {
	case ratio <= BurnYellowRatio:
		return models.MarginStatusGreen
	case ratio < BurnRedRatio:
		return models.MarginStatusYellow
	default:
		return models.MarginStatusRed
	}
}

func severity(status string) int {
	switch status {
	case models.MarginStatusRed:
		return 2
	case models.MarginStatusYellow:
		return 1
	default:
		return 0
	}
}

// Worse returns the more severe of two statuses.
func Worse(a, b string) string {
	if severity(b) > severity(a) {
		return b
	}
	return a
}

// StatusLabel returns the human label of a status.
func StatusLabel(status string) string {
	if l, ok := statusLabels[status]; ok {
		return l
	}
	return status
}

// GrossMargin is (revenue - cogs) / revenue, and 0 without revenue.
func GrossMargin(revenue, cogs decimal.Decimal) float64 {
	if !revenue.IsPositive() {
		return 0
	}
	return revenue.Sub(cogs).Div(revenue).InexactFloat64()
}

// PremiumRatio is the advanced share of all consumed units.
func PremiumRatio(advanced, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(advanced) / float64(total)
}

// Prorate converts a monthly price into the revenue earned over periodDays,
// using a 30 day month.
func Prorate(periodDays decimal.Decimal, monthlyPrice decimal.Decimal) decimal.Decimal {
	if !periodDays.IsPositive() {
		return decimal.Zero
	}
	return monthlyPrice.Div(decimal.NewFromInt(daysPerMonth)).Mul(periodDays)
}

// PeriodDays returns the window length in (fractional) days.
func PeriodDays(start, end time.Time) decimal.Decimal {
	if !end.After(start) {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(end.Sub(start) / time.Second)).Div(decimal.NewFromInt(86400))
}

// StatusReason renders the short explanation stored on a snapshot.
func StatusReason(grossMargin, premiumRatio float64) string {
	return fmt.Sprintf("Margin: %.1f%%, Advanced: %.1f%%", grossMargin*100, premiumRatio*100)
}

// ScheduledWindow returns the hour-aligned trailing 24h window for a run at
// now. Runs within the same hour share the window.
func ScheduledWindow(now time.Time, length time.Duration) (time.Time, time.Time) {
	if length <= 0 {
		length = 24 * time.Hour
	}
	end := now.UTC().Truncate(time.Hour)
	return end.Add(-length), end
}
