// Package testutil holds in-memory stand-ins for the MySQL-backed stores.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmdatafocus/exceptions_backend/models"
	"github.com/mmdatafocus/exceptions_backend/utils"
)

// MemoryLedger mirrors models.GormLedger over plain slices.
type MemoryLedger struct {
	mu    sync.RWMutex
	bank  map[int]models.BankTransaction
	inv   map[int]models.Invoice
	links []models.ReconciliationLink

	// Fail, when set, is returned by every list query.
	Fail error
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		bank: map[int]models.BankTransaction{},
		inv:  map[int]models.Invoice{},
	}
}

func (l *MemoryLedger) PutBankTransaction(bt models.BankTransaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bank[bt.ID] = bt
}

func (l *MemoryLedger) PutInvoice(inv models.Invoice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inv[inv.ID] = inv
}

func (l *MemoryLedger) AddLink(link models.ReconciliationLink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if link.ID == 0 {
		link.ID = len(l.links) + 1
	}
	if link.Status == "" {
		link.Status = models.ReconciliationLinkStatusActive
	}
	l.links = append(l.links, link)
}

// VoidLinks voids every link on a bank transaction.
func (l *MemoryLedger) VoidLinks(tenantId string, bankTransactionId int, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.links {
		if l.links[i].TenantId == tenantId && l.links[i].BankTransactionId == bankTransactionId {
			l.links[i].Status = models.ReconciliationLinkStatusVoided
			l.links[i].VoidedAt = &at
		}
	}
}

func (l *MemoryLedger) hasActiveLinkLocked(tenantId string, id int) bool {
	for _, link := range l.links {
		if link.TenantId == tenantId && link.BankTransactionId == id && link.Status != models.ReconciliationLinkStatusVoided {
			return true
		}
	}
	return false
}

func (l *MemoryLedger) bankRows(tenantId string, keep func(models.BankTransaction) bool) []models.BankTransaction {
	var out []models.BankTransaction
	for _, bt := range l.bank {
		if bt.TenantId == tenantId && keep(bt) {
			out = append(out, bt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *MemoryLedger) OrphanBankTransactions(ctx context.Context, tenantId string) ([]models.BankTransaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.Fail != nil {
		return nil, l.Fail
	}
	return l.bankRows(tenantId, func(bt models.BankTransaction) bool {
		return !l.hasActiveLinkLocked(tenantId, bt.ID)
	}), nil
}

func (l *MemoryLedger) OverdueInvoices(ctx context.Context, tenantId string, asOf time.Time) ([]models.Invoice, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.Fail != nil {
		return nil, l.Fail
	}
	var out []models.Invoice
	for _, inv := range l.inv {
		if inv.TenantId != tenantId {
			continue
		}
		if inv.DueDate.Before(asOf) && inv.SettledStatus != models.InvoiceSettledStatusPaid && inv.Outstanding().IsPositive() {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *MemoryLedger) StalePartialMatches(ctx context.Context, tenantId string, changedBefore time.Time) ([]models.BankTransaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.Fail != nil {
		return nil, l.Fail
	}
	return l.bankRows(tenantId, func(bt models.BankTransaction) bool {
		return bt.MatchStatus == models.BankMatchStatusPartiallyMatched && bt.MatchStateSince().Before(changedBefore)
	}), nil
}

func (l *MemoryLedger) BankTransactionByID(ctx context.Context, tenantId string, id int) (*models.BankTransaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	bt, ok := l.bank[id]
	if !ok || bt.TenantId != tenantId {
		return nil, utils.ErrorRecordNotFound
	}
	return &bt, nil
}

func (l *MemoryLedger) InvoiceByID(ctx context.Context, tenantId string, id int) (*models.Invoice, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	inv, ok := l.inv[id]
	if !ok || inv.TenantId != tenantId {
		return nil, utils.ErrorRecordNotFound
	}
	return &inv, nil
}

func (l *MemoryLedger) LinksForBankTransaction(ctx context.Context, tenantId string, bankTransactionId int) ([]models.ReconciliationLink, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []models.ReconciliationLink
	for _, link := range l.links {
		if link.TenantId == tenantId && link.BankTransactionId == bankTransactionId {
			out = append(out, link)
		}
	}
	return out, nil
}

func (l *MemoryLedger) HasActiveLink(ctx context.Context, tenantId string, bankTransactionId int) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hasActiveLinkLocked(tenantId, bankTransactionId), nil
}
