package detectors

import (
	"testing"
	"time"

	"github.com/mmdatafocus/exceptions_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSeverityForOrphanAmount(t *testing.T) {
	cases := []struct {
		amount string
		want   models.Severity
	}{
		{"0", models.SeverityMedium},
		{"50000000", models.SeverityMedium},
		{"50000000.01", models.SeverityHigh},
		{"200000000", models.SeverityHigh},
		{"250000000", models.SeverityCritical},
		{"-250000000", models.SeverityCritical},
		{"-60000000", models.SeverityHigh},
	}
	for _, tc := range cases {
		t.Run(tc.amount, func(t *testing.T) {
			assert.Equal(t, tc.want, SeverityForOrphanAmount(decimal.RequireFromString(tc.amount)))
		})
	}
}

func TestSeverityForDaysOverdue(t *testing.T) {
	assert.Equal(t, models.SeverityMedium, SeverityForDaysOverdue(0))
	assert.Equal(t, models.SeverityMedium, SeverityForDaysOverdue(7))
	assert.Equal(t, models.SeverityHigh, SeverityForDaysOverdue(8))
	assert.Equal(t, models.SeverityHigh, SeverityForDaysOverdue(30))
	assert.Equal(t, models.SeverityCritical, SeverityForDaysOverdue(31))
}

func TestSeverityIsMonotonicInDaysOverdue(t *testing.T) {
	prev := SeverityForDaysOverdue(0)
	for d := 1; d <= 120; d++ {
		cur := SeverityForDaysOverdue(d)
		assert.GreaterOrEqual(t, cur.Rank(), prev.Rank(), "day %d", d)
		prev = cur
	}
}

func TestWholeDays(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, DaysOverdue(base, base))
	assert.Equal(t, 0, DaysOverdue(base, base.Add(23*time.Hour)))
	assert.Equal(t, 1, DaysOverdue(base, base.Add(24*time.Hour)))
	assert.Equal(t, 10, DaysOverdue(base, base.Add(10*24*time.Hour+time.Minute)))
	assert.Equal(t, 0, AgingDays(base, base.Add(-48*time.Hour)))
}
