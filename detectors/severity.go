package detectors

import (
	"math"
	"time"

	"github.com/mmdatafocus/exceptions_backend/models"
	"github.com/shopspring/decimal"
)

var (
	orphanCriticalAbove = decimal.NewFromInt(200_000_000)
	orphanHighAbove     = decimal.NewFromInt(50_000_000)
)

const (
	overdueCriticalAfterDays = 30
	overdueHighAfterDays     = 7

	partialMatchStuckAfter = 7 * 24 * time.Hour
)

// SeverityForOrphanAmount buckets an unreconciled bank amount. Sign is ignored.
func SeverityForOrphanAmount(amount decimal.Decimal) models.Severity {
	abs := amount.Abs()
	switch {
	case abs.GreaterThan(orphanCriticalAbove):
		return models.SeverityCritical
	case abs.GreaterThan(orphanHighAbove):
		return models.SeverityHigh
	default:
		return models.SeverityMedium
	}
}

func SeverityForDaysOverdue(days int) models.Severity {
	switch {
	case days > overdueCriticalAfterDays:
		return models.SeverityCritical
	case days > overdueHighAfterDays:
		return models.SeverityHigh
	default:
		return models.SeverityMedium
	}
}

// DaysOverdue is whole days elapsed since due. Not yet due is 0.
func DaysOverdue(due, now time.Time) int {
	return wholeDays(due, now)
}

// AgingDays is floor((now - detectedAt) / 24h), never negative.
func AgingDays(detectedAt, now time.Time) int {
	return wholeDays(detectedAt, now)
}

func wholeDays(from, to time.Time) int {
	d := to.Sub(from)
	if d <= 0 {
		return 0
	}
	return int(math.Floor(d.Hours() / 24))
}
