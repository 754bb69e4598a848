package models

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mmdatafocus/exceptions_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockLedger(t *testing.T) (*GormLedger, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return NewGormLedger(db), mock
}

var bankTransactionColumns = []string{"id", "tenant_id", "amount", "currency", "match_status", "matched_amount"}

func TestGormLedgerOrphanBankTransactions(t *testing.T) {
	ledger, mock := newMockLedger(t)
	mock.ExpectQuery("SELECT \\* FROM `bank_transactions` WHERE tenant_id = \\? AND .*NOT EXISTS \\(.*SELECT 1 FROM reconciliation_links rl.*" +
		"rl\\.tenant_id = bank_transactions\\.tenant_id.*rl\\.bank_transaction_id = bank_transactions\\.id.*rl\\.status <> \\?.*ORDER BY id ASC").
		WithArgs("tenant-a", "voided").
		WillReturnRows(sqlmock.NewRows(bankTransactionColumns).
			AddRow(3, "tenant-a", "1000.0000", "MMK", "unmatched", "0").
			AddRow(8, "tenant-a", "-250.5000", "MMK", "unmatched", "0"))

	rows, err := ledger.OrphanBankTransactions(context.Background(), "tenant-a")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 3, rows[0].ID)
	assert.Equal(t, "-250.5", rows[1].Amount.String())
	assert.Equal(t, BankMatchStatusUnmatched, rows[1].MatchStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormLedgerOrphanBankTransactionsEmpty(t *testing.T) {
	ledger, mock := newMockLedger(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `bank_transactions`")).
		WithArgs("tenant-a", "voided").
		WillReturnRows(sqlmock.NewRows(bankTransactionColumns))

	rows, err := ledger.OrphanBankTransactions(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormLedgerOverdueInvoices(t *testing.T) {
	ledger, mock := newMockLedger(t)
	asOf := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT \\* FROM `invoices` WHERE tenant_id = \\? AND due_date < \\? AND settled_status <> \\? " +
		"AND total_amount - paid_amount_settled > 0 ORDER BY id ASC").
		WithArgs("tenant-a", asOf, "paid").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "invoice_number", "due_date", "total_amount", "paid_amount_settled", "settled_status"}).
			AddRow(42, "tenant-a", "INV-42", asOf.AddDate(0, 0, -10), "900.0000", "100.0000", "partial"))

	rows, err := ledger.OverdueInvoices(context.Background(), "tenant-a", asOf)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "INV-42", rows[0].InvoiceNumber)
	assert.Equal(t, "800", rows[0].Outstanding().String())
	assert.Equal(t, InvoiceSettledStatusPartial, rows[0].SettledStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormLedgerOverdueInvoicesEmpty(t *testing.T) {
	ledger, mock := newMockLedger(t)
	asOf := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `invoices`")).
		WithArgs("tenant-a", asOf, "paid").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rows, err := ledger.OverdueInvoices(context.Background(), "tenant-a", asOf)
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormLedgerStalePartialMatches(t *testing.T) {
	ledger, mock := newMockLedger(t)
	before := time.Date(2024, 5, 25, 8, 0, 0, 0, time.UTC)
	changed := before.Add(-48 * time.Hour)
	mock.ExpectQuery("SELECT \\* FROM `bank_transactions` WHERE tenant_id = \\? AND match_status = \\? " +
		"AND COALESCE\\(match_status_changed_at, updated_at\\) < \\? ORDER BY id ASC").
		WithArgs("tenant-a", "partially_matched", before).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "amount", "matched_amount", "match_status", "match_status_changed_at", "updated_at"}).
			AddRow(5, "tenant-a", "1000.0000", "400.0000", "partially_matched", changed, before).
			AddRow(6, "tenant-a", "300.0000", "100.0000", "partially_matched", nil, changed))

	rows, err := ledger.StalePartialMatches(context.Background(), "tenant-a", before)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, changed, rows[0].MatchStateSince())
	assert.Nil(t, rows[1].MatchStatusChangedAt)
	assert.Equal(t, changed, rows[1].MatchStateSince())
	assert.Equal(t, "600", rows[0].UnmatchedAmount().String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormLedgerStalePartialMatchesEmpty(t *testing.T) {
	ledger, mock := newMockLedger(t)
	before := time.Date(2024, 5, 25, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(match_status_changed_at, updated_at) < ?")).
		WithArgs("tenant-a", "partially_matched", before).
		WillReturnRows(sqlmock.NewRows(bankTransactionColumns))

	rows, err := ledger.StalePartialMatches(context.Background(), "tenant-a", before)
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormLedgerHasActiveLink(t *testing.T) {
	ledger, mock := newMockLedger(t)
	query := "SELECT count(*) FROM `reconciliation_links` WHERE tenant_id = ? AND bank_transaction_id = ? AND status <> ?"
	mock.ExpectQuery(regexp.QuoteMeta(query)).
		WithArgs("tenant-a", 7, "voided").
		WillReturnRows(sqlmock.NewRows([]string{"count(*)"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(query)).
		WithArgs("tenant-a", 8, "voided").
		WillReturnRows(sqlmock.NewRows([]string{"count(*)"}).AddRow(0))

	linked, err := ledger.HasActiveLink(context.Background(), "tenant-a", 7)
	require.NoError(t, err)
	assert.True(t, linked)
	linked, err = ledger.HasActiveLink(context.Background(), "tenant-a", 8)
	require.NoError(t, err)
	assert.False(t, linked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormLedgerBankTransactionByIDNotFound(t *testing.T) {
	ledger, mock := newMockLedger(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `bank_transactions` WHERE tenant_id = ? AND id = ?")).
		WillReturnRows(sqlmock.NewRows(bankTransactionColumns))

	_, err := ledger.BankTransactionByID(context.Background(), "tenant-a", 99)
	assert.ErrorIs(t, err, utils.ErrorRecordNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormLedgerStoreFailureIsUnavailable(t *testing.T) {
	ledger, mock := newMockLedger(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `bank_transactions`")).
		WillReturnError(errors.New("dial tcp 10.0.0.5:3306: connect: connection refused"))

	rows, err := ledger.OrphanBankTransactions(context.Background(), "tenant-a")
	assert.Nil(t, rows)
	assert.ErrorIs(t, err, utils.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}
