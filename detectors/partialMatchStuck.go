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

// PartialMatchStuckDetector flags bank transactions left partially matched for more than 7 days.
type PartialMatchStuckDetector struct{}

func (PartialMatchStuckDetector) Type() models.ExceptionType {
	return models.ExceptionTypePartialMatchStuck
}

func (d PartialMatchStuckDetector) Candidates(ctx context.Context, ledger Ledger, tenantId string, now time.Time) ([]Candidate, error) {
	rows, err := ledger.StalePartialMatches(ctx, tenantId, now.Add(-partialMatchStuckAfter))
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(rows))
	for _, bt := range rows {
		if !isStuck(bt, now) {
			continue
		}
		out = append(out, d.candidate(bt, now))
	}
	return out, nil
}

func (d PartialMatchStuckDetector) Evaluate(ctx context.Context, ledger Ledger, tenantId string, refId string, now time.Time) (*Candidate, error) {
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
	if !isStuck(*bt, now) {
		return nil, nil
	}
	c := d.candidate(*bt, now)
	return &c, nil
}

func isStuck(bt models.BankTransaction, now time.Time) bool {
	return bt.MatchStatus == models.BankMatchStatusPartiallyMatched &&
		now.Sub(bt.MatchStateSince()) > partialMatchStuckAfter
}

func (PartialMatchStuckDetector) candidate(bt models.BankTransaction, now time.Time) Candidate {
	remainder := bt.UnmatchedAmount()
	since := bt.MatchStateSince()
	return Candidate{
		RefType:      models.RefTypeBankTransaction,
		RefId:        strconv.Itoa(bt.ID),
		ImpactAmount: remainder,
		Currency:     bt.Currency,
		Severity:     models.SeverityHigh,
		Title:        fmt.Sprintf("Partial match stuck on %s", displayRef(bt.ReferenceNumber, bt.ID)),
		Description:  fmt.Sprintf("Bank transaction has been partially matched since %s with %s %s unmatched.", since.Format("2006-01-02"), remainder.StringFixed(2), bt.Currency),
		Evidence: map[string]any{
			"bank_transaction_id":     bt.ID,
			"amount":                  bt.Amount.String(),
			"matched_amount":          bt.MatchedAmount.String(),
			"match_status_changed_at": since.Format(time.RFC3339),
			"reference_number":        bt.ReferenceNumber,
		},
		Payload: map[string]any{
			"unmatched_amount": remainder.String(),
			"stuck_days":       wholeDays(since, now),
		},
	}
}
