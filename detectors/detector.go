// Package detectors holds the rules that turn ledger state into exception candidates.
//
// A detector never writes. The detection workflow reconciles what detectors report
// against the exception repository.
package detectors

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/exceptions_backend/models"
	"github.com/shopspring/decimal"
)

// Ledger is the read-only view of the books tables detectors need.
// models.GormLedger implements it.
type Ledger interface {
	OrphanBankTransactions(ctx context.Context, tenantId string) ([]models.BankTransaction, error)
	OverdueInvoices(ctx context.Context, tenantId string, asOf time.Time) ([]models.Invoice, error)
	StalePartialMatches(ctx context.Context, tenantId string, changedBefore time.Time) ([]models.BankTransaction, error)
	BankTransactionByID(ctx context.Context, tenantId string, id int) (*models.BankTransaction, error)
	InvoiceByID(ctx context.Context, tenantId string, id int) (*models.Invoice, error)
	HasActiveLink(ctx context.Context, tenantId string, bankTransactionId int) (bool, error)
	LinksForBankTransaction(ctx context.Context, tenantId string, bankTransactionId int) ([]models.ReconciliationLink, error)
}

// Candidate is one violation found in the ledger.
type Candidate struct {
	RefType      models.RefType
	RefId        string
	ImpactAmount decimal.Decimal
	Currency     string
	Severity     models.Severity
	Title        string
	Description  string
	Evidence     map[string]any
	Payload      map[string]any
}

type Detector interface {
	Type() models.ExceptionType
	// Candidates lists current violations ordered by ledger id. No rows is an empty slice, not an error.
	Candidates(ctx context.Context, ledger Ledger, tenantId string, now time.Time) ([]Candidate, error)
	// Evaluate re-checks one reference. A nil candidate means the condition no longer holds.
	Evaluate(ctx context.Context, ledger Ledger, tenantId string, refId string, now time.Time) (*Candidate, error)
}

// Predicate reports whether an active exception's condition still holds.
type Predicate func(ctx context.Context, ledger Ledger, e *models.Exception, now time.Time) (bool, error)

// Registry maps exception types to detectors. Order is registration order.
type Registry struct {
	order  []Detector
	byType map[models.ExceptionType]Detector
}

func NewRegistry(ds ...Detector) (*Registry, error) {
	r := &Registry{byType: map[models.ExceptionType]Detector{}}
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Default registers the built-in detectors.
func Default() *Registry {
	r, _ := NewRegistry(
		OrphanBankTxnDetector{},
		ArOverdueDetector{},
		PartialMatchStuckDetector{},
	)
	return r
}

func (r *Registry) Register(d Detector) error {
	if d == nil {
		return fmt.Errorf("nil detector")
	}
	if _, exists := r.byType[d.Type()]; exists {
		return fmt.Errorf("detector for %s already registered", d.Type())
	}
	r.byType[d.Type()] = d
	r.order = append(r.order, d)
	return nil
}

func (r *Registry) All() []Detector {
	out := make([]Detector, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Get(t models.ExceptionType) (Detector, bool) {
	d, ok := r.byType[t]
	return d, ok
}

// Predicate returns the still-valid check for t.
func (r *Registry) Predicate(t models.ExceptionType) (Predicate, bool) {
	d, ok := r.byType[t]
	if !ok {
		return nil, false
	}
	return func(ctx context.Context, ledger Ledger, e *models.Exception, now time.Time) (bool, error) {
		c, err := d.Evaluate(ctx, ledger, e.TenantId, e.RefId, now)
		if err != nil {
			return false, err
		}
		return c != nil, nil
	}, true
}
