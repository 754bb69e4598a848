package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type ExceptionType string

const (
	ExceptionTypeOrphanBankTxn     ExceptionType = "ORPHAN_BANK_TXN"
	ExceptionTypeArOverdue         ExceptionType = "AR_OVERDUE"
	ExceptionTypePartialMatchStuck ExceptionType = "PARTIAL_MATCH_STUCK"
)

type RefType string

const (
	RefTypeBankTransaction RefType = "bank_transaction"
	RefTypeInvoice         RefType = "invoice"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank orders severities; 0 means the value is not a known level.
func (s Severity) Rank() int {
	return severityRank[s]
}

func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if !s.IsValid() {
		return "", fmt.Errorf("unknown severity %q", raw)
	}
	return s, nil
}

type ExceptionStatus string

const (
	ExceptionStatusOpen     ExceptionStatus = "open"
	ExceptionStatusTriaged  ExceptionStatus = "triaged"
	ExceptionStatusSnoozed  ExceptionStatus = "snoozed"
	ExceptionStatusResolved ExceptionStatus = "resolved"
)

func ParseExceptionStatus(raw string) (ExceptionStatus, error) {
	s := ExceptionStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case ExceptionStatusOpen, ExceptionStatusTriaged, ExceptionStatusSnoozed, ExceptionStatusResolved:
		return s, nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

// Exception is one detected problem on one ledger entity.
// open_key is set while the row is not resolved and cleared on resolve; its unique
// index is what keeps a single active row per (tenant, type, ref).
type Exception struct {
	ID             int             `gorm:"primary_key" json:"id"`
	TenantId       string          `gorm:"size:64;not null;index:idx_exceptions_tenant_status" json:"tenant_id"`
	ExceptionType  ExceptionType   `gorm:"size:50;not null;index" json:"exception_type"`
	RefType        RefType         `gorm:"size:50;not null" json:"ref_type"`
	RefId          string          `gorm:"size:64;not null;index" json:"ref_id"`
	Severity       Severity        `gorm:"size:20;not null;index" json:"severity"`
	ImpactAmount   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"impact_amount"`
	Currency       string          `gorm:"size:10" json:"currency"`
	Title          string          `gorm:"size:255" json:"title"`
	Description    string          `gorm:"type:text" json:"description"`
	Evidence       datatypes.JSON  `gorm:"type:json" json:"evidence"`
	Payload        datatypes.JSON  `gorm:"type:json" json:"payload"`
	Status         ExceptionStatus `gorm:"size:20;not null;index:idx_exceptions_tenant_status" json:"status"`
	DetectedAt     time.Time       `gorm:"not null" json:"detected_at"`
	LastSeenAt     time.Time       `gorm:"not null" json:"last_seen_at"`
	AssignedTo     *string         `gorm:"size:255" json:"assigned_to"`
	TriageNotes    *string         `gorm:"type:text" json:"triage_notes"`
	SnoozedUntil   *time.Time      `json:"snoozed_until"`
	ResolvedAt     *time.Time      `json:"resolved_at"`
	ResolvedBy     *string         `gorm:"size:255" json:"resolved_by"`
	ResolvedReason *string         `gorm:"type:text" json:"resolved_reason"`
	OpenKey        *string         `gorm:"size:255;uniqueIndex:uniq_exceptions_open_key" json:"-"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func OpenKeyFor(tenantId string, exceptionType ExceptionType, refId string) string {
	return tenantId + "|" + string(exceptionType) + "|" + refId
}

func (e Exception) IsActive() bool {
	return e.Status != ExceptionStatusResolved
}

// Sighting is what a detection pass refreshes on an already active row.
type Sighting struct {
	Severity     Severity
	ImpactAmount decimal.Decimal
	Payload      datatypes.JSON
}

// TransitionFields carries the columns a status change may set.
// Nil pointers leave the column untouched.
type TransitionFields struct {
	Actor        Actor
	At           time.Time
	AssignedTo   *string
	Notes        *string
	SnoozedUntil *time.Time
	ResolvedBy   *string
	Reason       *string
}

type SortOrder string

const (
	SortByImpact  SortOrder = "impact"
	SortByAging   SortOrder = "aging"
	SortByRecency SortOrder = "recency"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ListFilter narrows List. An empty Status means every status.
type ListFilter struct {
	Status   ExceptionStatus
	Type     ExceptionType
	Severity Severity
	Sort     SortOrder
	Limit    int
}

func (f ListFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		return MaxListLimit
	}
	return f.Limit
}

type ExceptionStats struct {
	TenantId        string                    `json:"tenant_id"`
	ByStatus        map[ExceptionStatus]int64 `json:"by_status"`
	BySeverity      map[Severity]int64        `json:"by_severity"`
	ByType          map[ExceptionType]int64   `json:"by_type"`
	OpenCount       int64                     `json:"open_count"`
	TotalOpenImpact decimal.Decimal           `json:"total_open_impact"`
}
