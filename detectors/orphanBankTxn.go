package detectors

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mmdatafocus/exceptions_backend/models"
	"github.com/mmdatafocus/exceptions_backend/utils"
)

// OrphanBankTxnDetector flags bank transactions without an active reconciliation link.
type OrphanBankTxnDetector struct{}

func (OrphanBankTxnDetector) Type() models.ExceptionType {
	return models.ExceptionTypeOrphanBankTxn
}

func (d OrphanBankTxnDetector) Candidates(ctx context.Context, ledger Ledger, tenantId string, now time.Time) ([]Candidate, error) {
	rows, err := ledger.OrphanBankTransactions(ctx, tenantId)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(rows))
	for _, bt := range rows {
		out = append(out, d.candidate(bt, now))
	}
	return out, nil
}

func (d OrphanBankTxnDetector) Evaluate(ctx context.Context, ledger Ledger, tenantId string, refId string, now time.Time) (*Candidate, error) {
	id, err := strconv.Atoi(refId)
	if err != nil {
		return nil, fmt.Errorf("bank transaction ref %q: %w", refId, err)
	}
	bt, err := ledger.BankTransactionByID(ctx, tenantId, id)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	linked, err := ledger.HasActiveLink(ctx, tenantId, id)
	if err != nil {
		return nil, err
	}
	if linked {
		return nil, nil
	}
	c := d.candidate(*bt, now)
	return &c, nil
}

func (OrphanBankTxnDetector) candidate(bt models.BankTransaction, now time.Time) Candidate {
	impact := bt.Amount.Abs()
	return Candidate{
		RefType:      models.RefTypeBankTransaction,
		RefId:        strconv.Itoa(bt.ID),
		ImpactAmount: impact,
		Currency:     bt.Currency,
		Severity:     SeverityForOrphanAmount(bt.Amount),
		Title:        fmt.Sprintf("Unreconciled bank transaction %s", displayRef(bt.ReferenceNumber, bt.ID)),
		Description:  fmt.Sprintf("Bank transaction of %s %s on %s has no active reconciliation link.", impact.StringFixed(2), bt.Currency, bt.TransactionDate.Format("2006-01-02")),
		Evidence: map[string]any{
			"bank_transaction_id": bt.ID,
			"transaction_date":    bt.TransactionDate.Format(time.RFC3339),
			"amount":              bt.Amount.String(),
			"reference_number":    bt.ReferenceNumber,
			"description":         bt.Description,
		},
		Payload: map[string]any{
			"abs_amount":   impact.String(),
			"age_days":     wholeDays(bt.TransactionDate, now),
			"match_status": string(bt.MatchStatus),
		},
	}
}

func displayRef(reference string, id int) string {
	if reference != "" {
		return reference
	}
	return "#" + strconv.Itoa(id)
}
