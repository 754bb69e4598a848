package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/exceptions_backend/models"
	"github.com/mmdatafocus/exceptions_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestExceptionService_LifecycleActions(t *testing.T) {
	f := newFixture(t, nil)
	f.orphan(1, 1_000)
	f.run(t)
	id := f.repo.All(tenantA)[0].ID
	ctx := utils.SetUserIdInContext(context.Background(), "user-9")

	triaged, err := f.service.Triage(ctx, tenantA, id, strPtr("alice"), strPtr("checking with bank"))
	require.NoError(t, err)
	assert.Equal(t, models.ExceptionStatusTriaged, triaged.Status)
	assert.Equal(t, "alice", utils.DereferencePtr(triaged.AssignedTo))
	assert.Contains(t, utils.DereferencePtr(triaged.TriageNotes), "checking with bank")

	_, err = f.service.Snooze(ctx, tenantA, id, f.clock.Now().Add(time.Hour), nil)
	assert.ErrorIs(t, err, utils.ErrInvalidTransition, "triaged cannot be snoozed")

	resolved, err := f.service.Resolve(ctx, tenantA, id, strPtr("duplicate import"))
	require.NoError(t, err)
	assert.Equal(t, models.ExceptionStatusResolved, resolved.Status)
	assert.Equal(t, "user-9", utils.DereferencePtr(resolved.ResolvedBy))
	assert.Equal(t, "duplicate import", utils.DereferencePtr(resolved.ResolvedReason))
	assert.Contains(t, utils.DereferencePtr(resolved.TriageNotes), "checking with bank")
	assert.Contains(t, utils.DereferencePtr(resolved.TriageNotes), "duplicate import")

	_, err = f.service.Resolve(ctx, tenantA, id, nil)
	assert.ErrorIs(t, err, utils.ErrInvalidTransition)
	_, err = f.service.Triage(ctx, tenantA, id, nil, nil)
	assert.ErrorIs(t, err, utils.ErrInvalidTransition)

	assert.Equal(t, []string{EventExceptionCreated, EventExceptionTriaged, EventExceptionResolved}, f.events.types())
}

func TestExceptionService_UnknownId(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.service.Resolve(context.Background(), tenantA, 404, nil)
	assert.ErrorIs(t, err, utils.ErrorRecordNotFound)
	_, err = f.service.Explain(context.Background(), tenantA, 404)
	assert.ErrorIs(t, err, utils.ErrorRecordNotFound)
}

func TestExceptionService_OtherTenantCannotSeeRow(t *testing.T) {
	f := newFixture(t, nil)
	f.orphan(1, 1_000)
	f.run(t)
	id := f.repo.All(tenantA)[0].ID

	_, err := f.service.Triage(context.Background(), "tenant-b", id, nil, nil)
	assert.ErrorIs(t, err, utils.ErrorRecordNotFound)
}

func TestExceptionService_SnoozeMustBeInFuture(t *testing.T) {
	f := newFixture(t, nil)
	f.orphan(1, 1_000)
	f.run(t)
	id := f.repo.All(tenantA)[0].ID

	_, err := f.service.Snooze(context.Background(), tenantA, id, f.clock.Now(), nil)
	assert.ErrorIs(t, err, utils.ErrInvalidInput)

	until := f.clock.Now().Add(24 * time.Hour)
	snoozed, err := f.service.Snooze(context.Background(), tenantA, id, until, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ExceptionStatusSnoozed, snoozed.Status)
	require.NotNil(t, snoozed.SnoozedUntil)
	assert.Equal(t, until, *snoozed.SnoozedUntil)
}

func TestExceptionService_ListSortOrders(t *testing.T) {
	f := newFixture(t, nil)
	f.orphan(1, 300)
	f.run(t)
	f.clock.Advance(time.Hour)
	f.orphan(2, 900)
	f.run(t)
	f.clock.Advance(time.Hour)
	f.orphan(3, 100)
	f.run(t)

	refs := func(rows []*models.Exception) []string {
		out := make([]string, 0, len(rows))
		for _, r := range rows {
			out = append(out, r.RefId)
		}
		return out
	}

	byImpact, err := f.service.List(context.Background(), tenantA, models.ListFilter{Status: models.ExceptionStatusOpen, Sort: models.SortByImpact})
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "1", "3"}, refs(byImpact))

	byAging, err := f.service.List(context.Background(), tenantA, models.ListFilter{Status: models.ExceptionStatusOpen, Sort: models.SortByAging})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, refs(byAging))

	byRecency, err := f.service.List(context.Background(), tenantA, models.ListFilter{Sort: models.SortByRecency, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "2"}, refs(byRecency))
}

func TestExceptionService_Stats(t *testing.T) {
	f := newFixture(t, nil)
	f.orphan(1, 300)
	f.orphan(2, 60_000_000)
	f.run(t)
	id := f.repo.All(tenantA)[0].ID
	_, err := f.service.Resolve(context.Background(), tenantA, id, nil)
	require.NoError(t, err)

	stats, err := f.service.Stats(context.Background(), tenantA)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.OpenCount)
	assert.Equal(t, int64(1), stats.ByStatus[models.ExceptionStatusOpen])
	assert.Equal(t, int64(1), stats.ByStatus[models.ExceptionStatusResolved])
	assert.Equal(t, int64(1), stats.BySeverity[models.SeverityHigh])
	assert.True(t, stats.TotalOpenImpact.Equal(decimal.NewFromInt(60_000_000)))
}

func TestExceptionService_Explain(t *testing.T) {
	f := newFixture(t, nil)
	f.orphan(1, 1_000)
	f.run(t)
	id := f.repo.All(tenantA)[0].ID
	f.clock.Advance(3*24*time.Hour + 5*time.Hour)

	ex, err := f.service.Explain(context.Background(), tenantA, id)
	require.NoError(t, err)
	assert.Equal(t, 3, ex.AgingDays)
	assert.Equal(t, SuggestedActions(models.ExceptionTypeOrphanBankTxn), ex.SuggestedActions)
	assert.NotEmpty(t, ex.SuggestedActions)
	ref, ok := ex.Reference.(*BankTransactionReference)
	require.True(t, ok)
	assert.Equal(t, 1, ref.Transaction.ID)
	assert.Empty(t, ref.Links)
}
