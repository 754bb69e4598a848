package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmdatafocus/exceptions_backend/models"
	"github.com/mmdatafocus/exceptions_backend/utils"
	"github.com/shopspring/decimal"
)

// MemoryExceptionRepository implements models.ExceptionRepository.
// The open-key map plays the part of the unique index.
type MemoryExceptionRepository struct {
	mu     sync.Mutex
	nextID int
	rows   map[int]*models.Exception
	open   map[string]int

	// InsertHook runs inside Insert before the uniqueness check, with the lock released.
	InsertHook func(e *models.Exception)
	// TouchHook runs at the start of TouchLastSeen, with the lock released.
	TouchHook func(id int)
}

var _ models.ExceptionRepository = (*MemoryExceptionRepository)(nil)

func NewMemoryExceptionRepository() *MemoryExceptionRepository {
	return &MemoryExceptionRepository{
		rows: map[int]*models.Exception{},
		open: map[string]int{},
	}
}

func clone(e *models.Exception) *models.Exception {
	c := *e
	return &c
}

func (r *MemoryExceptionRepository) FindOpenByNaturalKey(ctx context.Context, tenantId string, exceptionType models.ExceptionType, refId string) (*models.Exception, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.open[models.OpenKeyFor(tenantId, exceptionType, refId)]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return clone(r.rows[id]), nil
}

func (r *MemoryExceptionRepository) FindByID(ctx context.Context, tenantId string, id int) (*models.Exception, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok || e.TenantId != tenantId {
		return nil, utils.ErrorRecordNotFound
	}
	return clone(e), nil
}

func (r *MemoryExceptionRepository) ListActive(ctx context.Context, tenantId string, exceptionType models.ExceptionType) ([]*models.Exception, error) {
	return r.filter(tenantId, func(e *models.Exception) bool {
		return e.ExceptionType == exceptionType && e.IsActive()
	}), nil
}

func (r *MemoryExceptionRepository) Insert(ctx context.Context, e *models.Exception) (int, error) {
	if e == nil || !e.Severity.IsValid() {
		return 0, fmt.Errorf("%w: invalid exception", utils.ErrInvalidInput)
	}
	if e.Status == "" {
		e.Status = models.ExceptionStatusOpen
	}
	if e.Status != models.ExceptionStatusOpen {
		return 0, utils.ErrInvalidTransition
	}
	if r.InsertHook != nil {
		r.InsertHook(e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := models.OpenKeyFor(e.TenantId, e.ExceptionType, e.RefId)
	if _, exists := r.open[key]; exists {
		return 0, utils.ErrDuplicateKey
	}
	r.nextID++
	e.ID = r.nextID
	e.OpenKey = &key
	if e.LastSeenAt.Before(e.DetectedAt) {
		e.LastSeenAt = e.DetectedAt
	}
	e.CreatedAt = e.DetectedAt
	e.UpdatedAt = e.DetectedAt
	r.rows[e.ID] = clone(e)
	r.open[key] = e.ID
	return e.ID, nil
}

func (r *MemoryExceptionRepository) TouchLastSeen(ctx context.Context, id int, at time.Time, s models.Sighting) error {
	if r.TouchHook != nil {
		r.TouchHook(id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok || !e.IsActive() || at.Before(e.DetectedAt) {
		return fmt.Errorf("exception %d: %w", id, utils.ErrNotActive)
	}
	e.LastSeenAt = at
	if s.Severity.IsValid() {
		e.Severity = s.Severity
		e.ImpactAmount = s.ImpactAmount
	}
	if len(s.Payload) > 0 {
		e.Payload = s.Payload
	}
	e.UpdatedAt = at
	return nil
}

func (r *MemoryExceptionRepository) Transition(ctx context.Context, tenantId string, id int, to models.ExceptionStatus, fields models.TransitionFields) (*models.Exception, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok || e.TenantId != tenantId {
		return nil, utils.ErrorRecordNotFound
	}
	next := clone(e)
	if err := models.ApplyTransition(next, to, fields); err != nil {
		return nil, err
	}
	if to == models.ExceptionStatusResolved && e.OpenKey != nil {
		delete(r.open, *e.OpenKey)
	}
	r.rows[id] = next
	return clone(next), nil
}

func (r *MemoryExceptionRepository) List(ctx context.Context, tenantId string, filter models.ListFilter) ([]*models.Exception, error) {
	rows := r.filter(tenantId, func(e *models.Exception) bool {
		return (filter.Status == "" || e.Status == filter.Status) &&
			(filter.Type == "" || e.ExceptionType == filter.Type) &&
			(filter.Severity == "" || e.Severity == filter.Severity)
	})
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		switch filter.Sort {
		case models.SortByAging:
			if !a.DetectedAt.Equal(b.DetectedAt) {
				return a.DetectedAt.Before(b.DetectedAt)
			}
			return a.ID < b.ID
		case models.SortByRecency:
			if !a.DetectedAt.Equal(b.DetectedAt) {
				return a.DetectedAt.After(b.DetectedAt)
			}
			return a.ID > b.ID
		default:
			if !a.ImpactAmount.Equal(b.ImpactAmount) {
				return a.ImpactAmount.GreaterThan(b.ImpactAmount)
			}
			return a.ID < b.ID
		}
	})
	if limit := filter.EffectiveLimit(); len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (r *MemoryExceptionRepository) Stats(ctx context.Context, tenantId string) (*models.ExceptionStats, error) {
	stats := &models.ExceptionStats{
		TenantId:        tenantId,
		ByStatus:        map[models.ExceptionStatus]int64{},
		BySeverity:      map[models.Severity]int64{},
		ByType:          map[models.ExceptionType]int64{},
		TotalOpenImpact: decimal.Zero,
	}
	for _, e := range r.filter(tenantId, func(*models.Exception) bool { return true }) {
		stats.ByStatus[e.Status]++
		if !e.IsActive() {
			continue
		}
		stats.OpenCount++
		stats.BySeverity[e.Severity]++
		stats.ByType[e.ExceptionType]++
		stats.TotalOpenImpact = stats.TotalOpenImpact.Add(e.ImpactAmount)
	}
	return stats, nil
}

func (r *MemoryExceptionRepository) ActiveCountsByType(ctx context.Context, tenantId string) (map[models.ExceptionType]int64, error) {
	out := map[models.ExceptionType]int64{}
	for _, e := range r.filter(tenantId, func(e *models.Exception) bool { return e.IsActive() }) {
		out[e.ExceptionType]++
	}
	return out, nil
}

func (r *MemoryExceptionRepository) ListExpiredSnoozes(ctx context.Context, tenantId string, now time.Time) ([]*models.Exception, error) {
	return r.filter(tenantId, func(e *models.Exception) bool {
		return e.Status == models.ExceptionStatusSnoozed && e.SnoozedUntil != nil && !e.SnoozedUntil.After(now)
	}), nil
}

// All returns every row of a tenant ordered by id, resolved ones included.
func (r *MemoryExceptionRepository) All(tenantId string) []*models.Exception {
	return r.filter(tenantId, func(*models.Exception) bool { return true })
}

func (r *MemoryExceptionRepository) filter(tenantId string, keep func(*models.Exception) bool) []*models.Exception {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Exception
	for _, e := range r.rows {
		if e.TenantId == tenantId && keep(e) {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
