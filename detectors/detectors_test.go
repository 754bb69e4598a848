package detectors

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/mmdatafocus/exceptions_backend/models"
	"github.com/mmdatafocus/exceptions_backend/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenant = "tenant-a"

var now = time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)

func ptrTime(t time.Time) *time.Time { return &t }

func TestOrphanBankTxnDetector(t *testing.T) {
	ctx := context.Background()
	ledger := testutil.NewMemoryLedger()
	ledger.PutBankTransaction(models.BankTransaction{ID: 1, TenantId: tenant, Amount: decimal.NewFromInt(-250_000_000), Currency: "MMK", TransactionDate: now.AddDate(0, 0, -3)})
	ledger.PutBankTransaction(models.BankTransaction{ID: 2, TenantId: tenant, Amount: decimal.NewFromInt(1_000), Currency: "MMK", TransactionDate: now})
	ledger.PutBankTransaction(models.BankTransaction{ID: 3, TenantId: "tenant-b", Amount: decimal.NewFromInt(5), Currency: "MMK"})
	ledger.AddLink(models.ReconciliationLink{TenantId: tenant, BankTransactionId: 2})

	d := OrphanBankTxnDetector{}
	got, err := d.Candidates(ctx, ledger, tenant, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].RefId)
	assert.Equal(t, models.RefTypeBankTransaction, got[0].RefType)
	assert.Equal(t, models.SeverityCritical, got[0].Severity)
	assert.True(t, got[0].ImpactAmount.Equal(decimal.NewFromInt(250_000_000)))

	c, err := d.Evaluate(ctx, ledger, tenant, "1", now)
	require.NoError(t, err)
	assert.NotNil(t, c)

	ledger.AddLink(models.ReconciliationLink{TenantId: tenant, BankTransactionId: 1})
	c, err = d.Evaluate(ctx, ledger, tenant, "1", now)
	require.NoError(t, err)
	assert.Nil(t, c)

	ledger.VoidLinks(tenant, 1, now)
	c, err = d.Evaluate(ctx, ledger, tenant, "1", now)
	require.NoError(t, err)
	assert.NotNil(t, c, "voided links do not count")

	c, err = d.Evaluate(ctx, ledger, tenant, "999", now)
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = d.Evaluate(ctx, ledger, tenant, "abc", now)
	assert.Error(t, err)
}

func TestOrphanBankTxnDetector_EmptyLedger(t *testing.T) {
	got, err := OrphanBankTxnDetector{}.Candidates(context.Background(), testutil.NewMemoryLedger(), tenant, now)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestArOverdueDetector(t *testing.T) {
	ctx := context.Background()
	ledger := testutil.NewMemoryLedger()
	ledger.PutInvoice(models.Invoice{ID: 10, TenantId: tenant, InvoiceNumber: "INV-10", DueDate: now.AddDate(0, 0, -10), TotalAmount: decimal.NewFromInt(500), PaidAmountSettled: decimal.NewFromInt(200), SettledStatus: models.InvoiceSettledStatusPartial, Currency: "MMK"})
	ledger.PutInvoice(models.Invoice{ID: 11, TenantId: tenant, DueDate: now.AddDate(0, 0, -40), TotalAmount: decimal.NewFromInt(100), PaidAmountSettled: decimal.NewFromInt(100), SettledStatus: models.InvoiceSettledStatusPaid})
	ledger.PutInvoice(models.Invoice{ID: 12, TenantId: tenant, DueDate: now.AddDate(0, 0, 5), TotalAmount: decimal.NewFromInt(100), SettledStatus: models.InvoiceSettledStatusUnpaid})

	d := ArOverdueDetector{}
	got, err := d.Candidates(ctx, ledger, tenant, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "10", got[0].RefId)
	assert.Equal(t, models.SeverityHigh, got[0].Severity)
	assert.True(t, got[0].ImpactAmount.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, 10, got[0].Payload["days_overdue"])

	later := now.AddDate(0, 0, 21)
	c, err := d.Evaluate(ctx, ledger, tenant, "10", later)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, models.SeverityCritical, c.Severity)

	ledger.PutInvoice(models.Invoice{ID: 10, TenantId: tenant, DueDate: now.AddDate(0, 0, -10), TotalAmount: decimal.NewFromInt(500), PaidAmountSettled: decimal.NewFromInt(500), SettledStatus: models.InvoiceSettledStatusPaid})
	c, err = d.Evaluate(ctx, ledger, tenant, "10", now)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestPartialMatchStuckDetector(t *testing.T) {
	ctx := context.Background()
	ledger := testutil.NewMemoryLedger()
	ledger.PutBankTransaction(models.BankTransaction{ID: 5, TenantId: tenant, Amount: decimal.NewFromInt(1_000), MatchedAmount: decimal.NewFromInt(400), MatchStatus: models.BankMatchStatusPartiallyMatched, MatchStatusChangedAt: ptrTime(now.AddDate(0, 0, -8))})
	ledger.PutBankTransaction(models.BankTransaction{ID: 6, TenantId: tenant, Amount: decimal.NewFromInt(1_000), MatchStatus: models.BankMatchStatusPartiallyMatched, MatchStatusChangedAt: ptrTime(now.AddDate(0, 0, -7))})
	ledger.PutBankTransaction(models.BankTransaction{ID: 7, TenantId: tenant, Amount: decimal.NewFromInt(1_000), MatchStatus: models.BankMatchStatusPartiallyMatched, UpdatedAt: now.AddDate(0, 0, -30)})
	ledger.AddLink(models.ReconciliationLink{TenantId: tenant, BankTransactionId: 5})
	ledger.AddLink(models.ReconciliationLink{TenantId: tenant, BankTransactionId: 6})
	ledger.AddLink(models.ReconciliationLink{TenantId: tenant, BankTransactionId: 7})

	d := PartialMatchStuckDetector{}
	got, err := d.Candidates(ctx, ledger, tenant, now)
	require.NoError(t, err)
	refs := make([]string, 0, len(got))
	for _, c := range got {
		refs = append(refs, c.RefId)
		assert.Equal(t, models.SeverityHigh, c.Severity)
	}
	assert.Equal(t, []string{"5", "7"}, refs, "exactly 7 days is not stuck yet")
	assert.True(t, got[0].ImpactAmount.Equal(decimal.NewFromInt(600)))

	ledger.PutBankTransaction(models.BankTransaction{ID: 5, TenantId: tenant, Amount: decimal.NewFromInt(1_000), MatchedAmount: decimal.NewFromInt(1_000), MatchStatus: models.BankMatchStatusMatched, MatchStatusChangedAt: ptrTime(now)})
	c, err := d.Evaluate(ctx, ledger, tenant, "5", now)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestCandidatesPropagateLedgerErrors(t *testing.T) {
	ledger := testutil.NewMemoryLedger()
	ledger.Fail = errors.New("connection refused")
	for _, d := range Default().All() {
		_, err := d.Candidates(context.Background(), ledger, tenant, now)
		assert.Error(t, err, d.Type())
	}
}

func TestRegistry(t *testing.T) {
	r := Default()
	types := make([]models.ExceptionType, 0, 3)
	for _, d := range r.All() {
		types = append(types, d.Type())
	}
	assert.Equal(t, []models.ExceptionType{
		models.ExceptionTypeOrphanBankTxn,
		models.ExceptionTypeArOverdue,
		models.ExceptionTypePartialMatchStuck,
	}, types)

	require.Error(t, r.Register(OrphanBankTxnDetector{}))

	ledger := testutil.NewMemoryLedger()
	ledger.PutBankTransaction(models.BankTransaction{ID: 1, TenantId: tenant, Amount: decimal.NewFromInt(10)})
	pred, ok := r.Predicate(models.ExceptionTypeOrphanBankTxn)
	require.True(t, ok)
	holds, err := pred(context.Background(), ledger, &models.Exception{TenantId: tenant, RefId: strconv.Itoa(1)}, now)
	require.NoError(t, err)
	assert.True(t, holds)

	_, ok = r.Predicate("UNKNOWN")
	assert.False(t, ok)
}
