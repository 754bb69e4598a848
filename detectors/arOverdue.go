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

// ArOverdueDetector flags invoices past due with a positive outstanding balance.
type ArOverdueDetector struct{}

func (ArOverdueDetector) Type() models.ExceptionType {
	return models.ExceptionTypeArOverdue
}

func (d ArOverdueDetector) Candidates(ctx context.Context, ledger Ledger, tenantId string, now time.Time) ([]Candidate, error) {
	rows, err := ledger.OverdueInvoices(ctx, tenantId, now)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(rows))
	for _, inv := range rows {
		// Same rule as the store query.
		if !isOverdue(inv, now) {
			continue
		}
		out = append(out, d.candidate(inv, now))
	}
	return out, nil
}

func (d ArOverdueDetector) Evaluate(ctx context.Context, ledger Ledger, tenantId string, refId string, now time.Time) (*Candidate, error) {
	id, err := strconv.Atoi(refId)
	if err != nil {
		return nil, fmt.Errorf("invoice ref %q: %w", refId, err)
	}
	inv, err := ledger.InvoiceByID(ctx, tenantId, id)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !isOverdue(*inv, now) {
		return nil, nil
	}
	c := d.candidate(*inv, now)
	return &c, nil
}

func isOverdue(inv models.Invoice, now time.Time) bool {
	return inv.DueDate.Before(now) &&
		inv.SettledStatus != models.InvoiceSettledStatusPaid &&
		inv.Outstanding().IsPositive()
}

func (ArOverdueDetector) candidate(inv models.Invoice, now time.Time) Candidate {
	outstanding := inv.Outstanding()
	days := DaysOverdue(inv.DueDate, now)
	return Candidate{
		RefType:      models.RefTypeInvoice,
		RefId:        strconv.Itoa(inv.ID),
		ImpactAmount: outstanding,
		Currency:     inv.Currency,
		Severity:     SeverityForDaysOverdue(days),
		Title:        fmt.Sprintf("Invoice %s overdue", displayRef(inv.InvoiceNumber, inv.ID)),
		Description:  fmt.Sprintf("%s owes %s %s, due %s (%d days overdue).", inv.CustomerName, outstanding.StringFixed(2), inv.Currency, inv.DueDate.Format("2006-01-02"), days),
		Evidence: map[string]any{
			"invoice_id":          inv.ID,
			"invoice_number":      inv.InvoiceNumber,
			"customer_name":       inv.CustomerName,
			"due_date":            inv.DueDate.Format(time.RFC3339),
			"total_amount":        inv.TotalAmount.String(),
			"paid_amount_settled": inv.PaidAmountSettled.String(),
			"settled_status":      string(inv.SettledStatus),
		},
		Payload: map[string]any{
			"outstanding":  outstanding.String(),
			"days_overdue": days,
		},
	}
}
