package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/exceptions_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ExceptionRepository is the durable store for exceptions.
// Insert must be atomic insert-if-absent on the natural key of active rows.
type ExceptionRepository interface {
	FindOpenByNaturalKey(ctx context.Context, tenantId string, exceptionType ExceptionType, refId string) (*Exception, error)
	FindByID(ctx context.Context, tenantId string, id int) (*Exception, error)
	ListActive(ctx context.Context, tenantId string, exceptionType ExceptionType) ([]*Exception, error)
	Insert(ctx context.Context, e *Exception) (int, error)
	// TouchLastSeen reports ErrNotActive when the row was resolved or detected after at.
	TouchLastSeen(ctx context.Context, id int, at time.Time, s Sighting) error
	Transition(ctx context.Context, tenantId string, id int, to ExceptionStatus, fields TransitionFields) (*Exception, error)
	List(ctx context.Context, tenantId string, filter ListFilter) ([]*Exception, error)
	Stats(ctx context.Context, tenantId string) (*ExceptionStats, error)
	ActiveCountsByType(ctx context.Context, tenantId string) (map[ExceptionType]int64, error)
	ListExpiredSnoozes(ctx context.Context, tenantId string, now time.Time) ([]*Exception, error)
}

func isDuplicateKeyErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

type GormExceptionRepository struct {
	db *gorm.DB
}

func NewGormExceptionRepository(db *gorm.DB) *GormExceptionRepository {
	return &GormExceptionRepository{db: db}
}

func (r *GormExceptionRepository) FindOpenByNaturalKey(ctx context.Context, tenantId string, exceptionType ExceptionType, refId string) (*Exception, error) {
	var e Exception
	err := r.db.WithContext(ctx).
		Where("open_key = ?", OpenKeyFor(tenantId, exceptionType, refId)).
		Take(&e).Error
	if err != nil {
		return nil, mapStoreError(err)
	}
	return &e, nil
}

func (r *GormExceptionRepository) FindByID(ctx context.Context, tenantId string, id int) (*Exception, error) {
	var e Exception
	if err := r.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantId, id).Take(&e).Error; err != nil {
		return nil, mapStoreError(err)
	}
	return &e, nil
}

func (r *GormExceptionRepository) ListActive(ctx context.Context, tenantId string, exceptionType ExceptionType) ([]*Exception, error) {
	var rows []*Exception
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND exception_type = ? AND status <> ?", tenantId, exceptionType, ExceptionStatusResolved).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, mapStoreError(err)
	}
	return rows, nil
}

// Insert writes a new open row. A concurrent or earlier active row for the same
// natural key surfaces as utils.ErrDuplicateKey.
func (r *GormExceptionRepository) Insert(ctx context.Context, e *Exception) (int, error) {
	if e == nil {
		return 0, fmt.Errorf("%w: nil exception", utils.ErrInvalidInput)
	}
	if !e.Severity.IsValid() {
		return 0, fmt.Errorf("%w: severity %q", utils.ErrInvalidInput, e.Severity)
	}
	if e.Status == "" {
		e.Status = ExceptionStatusOpen
	}
	if e.Status != ExceptionStatusOpen {
		return 0, fmt.Errorf("%w: new exceptions start open, got %s", utils.ErrInvalidTransition, e.Status)
	}
	if e.LastSeenAt.Before(e.DetectedAt) {
		e.LastSeenAt = e.DetectedAt
	}
	key := OpenKeyFor(e.TenantId, e.ExceptionType, e.RefId)
	e.OpenKey = &key

	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		return 0, mapStoreError(err)
	}
	return e.ID, nil
}

func (r *GormExceptionRepository) TouchLastSeen(ctx context.Context, id int, at time.Time, s Sighting) error {
	updates := map[string]interface{}{
		"last_seen_at": at,
	}
	if s.Severity.IsValid() {
		updates["severity"] = s.Severity
		updates["impact_amount"] = s.ImpactAmount
	}
	if len(s.Payload) > 0 {
		updates["payload"] = s.Payload
	}
	result := r.db.WithContext(ctx).
		Model(&Exception{}).
		Where("id = ? AND status <> ? AND detected_at <= ?", id, ExceptionStatusResolved, at).
		Updates(updates)
	if result.Error != nil {
		return mapStoreError(result.Error)
	}
	// last_seen_at and updated_at always change, so zero rows means no active match.
	if result.RowsAffected == 0 {
		return fmt.Errorf("exception %d: %w", id, utils.ErrNotActive)
	}
	return nil
}

// Transition validates the edge against the current row, then applies it with a
// compare-and-set on the status it read. Losing a race reports ErrInvalidTransition.
func (r *GormExceptionRepository) Transition(ctx context.Context, tenantId string, id int, to ExceptionStatus, fields TransitionFields) (*Exception, error) {
	current, err := r.FindByID(ctx, tenantId, id)
	if err != nil {
		return nil, err
	}
	updates, err := transitionUpdates(current, to, fields)
	if err != nil {
		return nil, err
	}

	res := r.db.WithContext(ctx).
		Model(&Exception{}).
		Where("tenant_id = ? AND id = ? AND status = ?", tenantId, id, current.Status).
		Updates(updates)
	if res.Error != nil {
		return nil, mapStoreError(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: exception %d changed concurrently", utils.ErrInvalidTransition, id)
	}
	return r.FindByID(ctx, tenantId, id)
}

// transitionUpdates is shared by every repository implementation so the
// column rules for each edge live in one place.
func transitionUpdates(current *Exception, to ExceptionStatus, fields TransitionFields) (map[string]interface{}, error) {
	if !CanTransition(current.Status, to, fields.Actor) {
		return nil, fmt.Errorf("%w: %s -> %s", utils.ErrInvalidTransition, current.Status, to)
	}
	at := fields.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	updates := map[string]interface{}{"status": to}
	if fields.Notes != nil && *fields.Notes != "" {
		updates["triage_notes"] = utils.AppendNote(current.TriageNotes, at, *fields.Notes)
	}

	switch to {
	case ExceptionStatusTriaged:
		if fields.AssignedTo != nil {
			updates["assigned_to"] = fields.AssignedTo
		}
	case ExceptionStatusSnoozed:
		if fields.SnoozedUntil == nil {
			return nil, fmt.Errorf("%w: snoozed_until is required", utils.ErrInvalidInput)
		}
		updates["snoozed_until"] = fields.SnoozedUntil
	case ExceptionStatusOpen:
		updates["snoozed_until"] = nil
	case ExceptionStatusResolved:
		updates["resolved_at"] = at
		updates["resolved_by"] = fields.ResolvedBy
		updates["resolved_reason"] = fields.Reason
		updates["open_key"] = nil
	}
	return updates, nil
}

// ApplyTransition mirrors transitionUpdates on an in-memory row.
func ApplyTransition(e *Exception, to ExceptionStatus, fields TransitionFields) error {
	updates, err := transitionUpdates(e, to, fields)
	if err != nil {
		return err
	}
	e.Status = to
	if v, ok := updates["triage_notes"].(*string); ok {
		e.TriageNotes = v
	}
	if v, ok := updates["assigned_to"].(*string); ok {
		e.AssignedTo = v
	}
	switch to {
	case ExceptionStatusSnoozed:
		e.SnoozedUntil = fields.SnoozedUntil
	case ExceptionStatusOpen:
		e.SnoozedUntil = nil
	case ExceptionStatusResolved:
		at := updates["resolved_at"].(time.Time)
		e.ResolvedAt = &at
		e.ResolvedBy = fields.ResolvedBy
		e.ResolvedReason = fields.Reason
		e.OpenKey = nil
	}
	return nil
}

func (r *GormExceptionRepository) List(ctx context.Context, tenantId string, filter ListFilter) ([]*Exception, error) {
	q := r.db.WithContext(ctx).Where("tenant_id = ?", tenantId)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		q = q.Where("exception_type = ?", filter.Type)
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	switch filter.Sort {
	case SortByAging:
		q = q.Order("detected_at ASC").Order("id ASC")
	case SortByRecency:
		q = q.Order("detected_at DESC").Order("id DESC")
	default:
		q = q.Order("impact_amount DESC").Order("id ASC")
	}

	var rows []*Exception
	if err := q.Limit(filter.EffectiveLimit()).Find(&rows).Error; err != nil {
		return nil, mapStoreError(err)
	}
	return rows, nil
}

type statsBucket struct {
	Bucket string
	Total  int64
}

func (r *GormExceptionRepository) countBy(ctx context.Context, tenantId string, column string, activeOnly bool) ([]statsBucket, error) {
	q := r.db.WithContext(ctx).
		Model(&Exception{}).
		Select(column+" AS bucket, COUNT(*) AS total").
		Where("tenant_id = ?", tenantId)
	if activeOnly {
		q = q.Where("status <> ?", ExceptionStatusResolved)
	}
	var rows []statsBucket
	if err := q.Group(column).Scan(&rows).Error; err != nil {
		return nil, mapStoreError(err)
	}
	return rows, nil
}

// Stats counts every row by status; severity, type and impact cover active rows only.
func (r *GormExceptionRepository) Stats(ctx context.Context, tenantId string) (*ExceptionStats, error) {
	stats := &ExceptionStats{
		TenantId:   tenantId,
		ByStatus:   map[ExceptionStatus]int64{},
		BySeverity: map[Severity]int64{},
		ByType:     map[ExceptionType]int64{},
	}

	byStatus, err := r.countBy(ctx, tenantId, "status", false)
	if err != nil {
		return nil, err
	}
	for _, b := range byStatus {
		stats.ByStatus[ExceptionStatus(b.Bucket)] = b.Total
		if ExceptionStatus(b.Bucket) != ExceptionStatusResolved {
			stats.OpenCount += b.Total
		}
	}

	bySeverity, err := r.countBy(ctx, tenantId, "severity", true)
	if err != nil {
		return nil, err
	}
	for _, b := range bySeverity {
		stats.BySeverity[Severity(b.Bucket)] = b.Total
	}

	byType, err := r.countBy(ctx, tenantId, "exception_type", true)
	if err != nil {
		return nil, err
	}
	for _, b := range byType {
		stats.ByType[ExceptionType(b.Bucket)] = b.Total
	}

	var impact struct {
		Total decimal.NullDecimal
	}
	err = r.db.WithContext(ctx).
		Model(&Exception{}).
		Select("SUM(impact_amount) AS total").
		Where("tenant_id = ? AND status <> ?", tenantId, ExceptionStatusResolved).
		Scan(&impact).Error
	if err != nil {
		return nil, mapStoreError(err)
	}
	stats.TotalOpenImpact = decimal.Zero
	if impact.Total.Valid {
		stats.TotalOpenImpact = impact.Total.Decimal
	}
	return stats, nil
}

func (r *GormExceptionRepository) ActiveCountsByType(ctx context.Context, tenantId string) (map[ExceptionType]int64, error) {
	rows, err := r.countBy(ctx, tenantId, "exception_type", true)
	if err != nil {
		return nil, err
	}
	out := make(map[ExceptionType]int64, len(rows))
	for _, b := range rows {
		out[ExceptionType(b.Bucket)] = b.Total
	}
	return out, nil
}

func (r *GormExceptionRepository) ListExpiredSnoozes(ctx context.Context, tenantId string, now time.Time) ([]*Exception, error) {
	var rows []*Exception
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ? AND snoozed_until IS NOT NULL AND snoozed_until <= ?", tenantId, ExceptionStatusSnoozed, now).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, mapStoreError(err)
	}
	return rows, nil
}
