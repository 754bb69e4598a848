package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/exceptions_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Ledger tables are owned by the books service. This package only reads them.

type BankMatchStatus string

const (
	BankMatchStatusUnmatched        BankMatchStatus = "unmatched"
	BankMatchStatusPartiallyMatched BankMatchStatus = "partially_matched"
	BankMatchStatusMatched          BankMatchStatus = "matched"
)

type InvoiceSettledStatus string

const (
	InvoiceSettledStatusUnpaid  InvoiceSettledStatus = "unpaid"
	InvoiceSettledStatusPartial InvoiceSettledStatus = "partial"
	InvoiceSettledStatusPaid    InvoiceSettledStatus = "paid"
)

type ReconciliationLinkStatus string

const (
	ReconciliationLinkStatusActive ReconciliationLinkStatus = "active"
	ReconciliationLinkStatusVoided ReconciliationLinkStatus = "voided"
)

type BankTransaction struct {
	ID                   int             `gorm:"primary_key" json:"id"`
	TenantId             string          `gorm:"size:64;index;not null" json:"tenant_id"`
	TransactionDate      time.Time       `gorm:"not null" json:"transaction_date"`
	Amount               decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Currency             string          `gorm:"size:10" json:"currency"`
	Description          string          `gorm:"type:text;default:null" json:"description"`
	ReferenceNumber      string          `gorm:"size:255;default:null" json:"reference_number"`
	MatchStatus          BankMatchStatus `gorm:"size:30;index" json:"match_status"`
	MatchedAmount        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"matched_amount"`
	MatchStatusChangedAt *time.Time      `json:"match_status_changed_at"`
	CreatedAt            time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// MatchStateSince is when the current match status began; rows written before
// the column existed fall back to updated_at.
func (bt BankTransaction) MatchStateSince() time.Time {
	if bt.MatchStatusChangedAt != nil {
		return *bt.MatchStatusChangedAt
	}
	return bt.UpdatedAt
}

func (bt BankTransaction) UnmatchedAmount() decimal.Decimal {
	return bt.Amount.Abs().Sub(bt.MatchedAmount)
}

type Invoice struct {
	ID                int                  `gorm:"primary_key" json:"id"`
	TenantId          string               `gorm:"size:64;index;not null" json:"tenant_id"`
	InvoiceNumber     string               `gorm:"size:255" json:"invoice_number"`
	CustomerName      string               `gorm:"size:255" json:"customer_name"`
	IssueDate         time.Time            `json:"issue_date"`
	DueDate           time.Time            `gorm:"index" json:"due_date"`
	TotalAmount       decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	PaidAmountSettled decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"paid_amount_settled"`
	SettledStatus     InvoiceSettledStatus `gorm:"size:20;index" json:"settled_status"`
	Currency          string               `gorm:"size:10" json:"currency"`
	CreatedAt         time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

func (inv Invoice) Outstanding() decimal.Decimal {
	return inv.TotalAmount.Sub(inv.PaidAmountSettled)
}

type ReconciliationLink struct {
	ID                int                      `gorm:"primary_key" json:"id"`
	TenantId          string                   `gorm:"size:64;index;not null" json:"tenant_id"`
	BankTransactionId int                      `gorm:"index;not null" json:"bank_transaction_id"`
	InvoiceId         *int                     `gorm:"index" json:"invoice_id"`
	Amount            decimal.Decimal          `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Status            ReconciliationLinkStatus `gorm:"size:20;index" json:"status"`
	VoidedAt          *time.Time               `json:"voided_at"`
	CreatedAt         time.Time                `gorm:"autoCreateTime" json:"created_at"`
}

// GormLedger reads the ledger tables. Every query carries tenant_id explicitly.
type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

const activeLinkExists = `EXISTS (
	SELECT 1 FROM reconciliation_links rl
	WHERE rl.tenant_id = bank_transactions.tenant_id
	  AND rl.bank_transaction_id = bank_transactions.id
	  AND rl.status <> ?
)`

func (l *GormLedger) OrphanBankTransactions(ctx context.Context, tenantId string) ([]BankTransaction, error) {
	rows := []BankTransaction{}
	err := l.db.WithContext(ctx).
		Where("tenant_id = ?", tenantId).
		Where("NOT "+activeLinkExists, ReconciliationLinkStatusVoided).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, mapStoreError(err)
	}
	return rows, nil
}

func (l *GormLedger) OverdueInvoices(ctx context.Context, tenantId string, asOf time.Time) ([]Invoice, error) {
	rows := []Invoice{}
	err := l.db.WithContext(ctx).
		Where("tenant_id = ?", tenantId).
		Where("due_date < ?", asOf).
		Where("settled_status <> ?", InvoiceSettledStatusPaid).
		Where("total_amount - paid_amount_settled > 0").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, mapStoreError(err)
	}
	return rows, nil
}

func (l *GormLedger) StalePartialMatches(ctx context.Context, tenantId string, changedBefore time.Time) ([]BankTransaction, error) {
	rows := []BankTransaction{}
	err := l.db.WithContext(ctx).
		Where("tenant_id = ?", tenantId).
		Where("match_status = ?", BankMatchStatusPartiallyMatched).
		Where("COALESCE(match_status_changed_at, updated_at) < ?", changedBefore).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, mapStoreError(err)
	}
	return rows, nil
}

func (l *GormLedger) BankTransactionByID(ctx context.Context, tenantId string, id int) (*BankTransaction, error) {
	var row BankTransaction
	if err := l.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantId, id).Take(&row).Error; err != nil {
		return nil, mapStoreError(err)
	}
	return &row, nil
}

func (l *GormLedger) InvoiceByID(ctx context.Context, tenantId string, id int) (*Invoice, error) {
	var row Invoice
	if err := l.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantId, id).Take(&row).Error; err != nil {
		return nil, mapStoreError(err)
	}
	return &row, nil
}

func (l *GormLedger) LinksForBankTransaction(ctx context.Context, tenantId string, bankTransactionId int) ([]ReconciliationLink, error) {
	rows := []ReconciliationLink{}
	err := l.db.WithContext(ctx).
		Where("tenant_id = ? AND bank_transaction_id = ?", tenantId, bankTransactionId).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, mapStoreError(err)
	}
	return rows, nil
}

func (l *GormLedger) HasActiveLink(ctx context.Context, tenantId string, bankTransactionId int) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&ReconciliationLink{}).
		Where("tenant_id = ? AND bank_transaction_id = ? AND status <> ?", tenantId, bankTransactionId, ReconciliationLinkStatusVoided).
		Count(&count).Error
	if err != nil {
		return false, mapStoreError(err)
	}
	return count > 0, nil
}

// mapStoreError folds driver errors into the utils error taxonomy.
func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return utils.ErrorRecordNotFound
	case isDuplicateKeyErr(err):
		return utils.ErrDuplicateKey
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return errors.Join(utils.ErrStoreUnavailable, err)
}
