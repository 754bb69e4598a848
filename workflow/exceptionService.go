package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/exceptions_backend/config"
	"github.com/mmdatafocus/exceptions_backend/detectors"
	"github.com/mmdatafocus/exceptions_backend/models"
	"github.com/mmdatafocus/exceptions_backend/utils"
	"github.com/sirupsen/logrus"
)

var suggestedActions = map[models.ExceptionType][]string{
	models.ExceptionTypeOrphanBankTxn: {
		"Match the bank transaction to an invoice, bill or payment",
		"Record it as a deposit or expense if no source document exists",
		"Check the bank import for a duplicated line",
	},
	models.ExceptionTypeArOverdue: {
		"Send a payment reminder to the customer",
		"Apply any payment already received against the invoice",
		"Write off the balance if it is not collectible",
	},
	models.ExceptionTypePartialMatchStuck: {
		"Match the remaining amount to another document",
		"Record bank charges or exchange differences for the residual",
		"Undo the partial match if it was applied to the wrong document",
	},
}

// SuggestedActions is the fixed next-step list for an exception type.
func SuggestedActions(t models.ExceptionType) []string {
	actions := suggestedActions[t]
	out := make([]string, len(actions))
	copy(out, actions)
	return out
}

// BankTransactionReference is the ledger side of a bank transaction exception.
type BankTransactionReference struct {
	Transaction *models.BankTransaction     `json:"transaction"`
	Links       []models.ReconciliationLink `json:"links"`
}

type Explanation struct {
	Exception        *models.Exception `json:"exception"`
	Reference        any               `json:"reference"`
	AgingDays        int               `json:"aging_days"`
	SuggestedActions []string          `json:"suggested_actions"`
}

// ExceptionService is the read side plus the human lifecycle actions.
type ExceptionService struct {
	Repo      models.ExceptionRepository
	Ledger    detectors.Ledger
	Logger    *logrus.Logger
	Events    EventPublisher
	Now       func() time.Time
	StatsTTL  time.Duration
	CacheStat bool
}

func NewExceptionService(repo models.ExceptionRepository, ledger detectors.Ledger, logger *logrus.Logger) *ExceptionService {
	return &ExceptionService{
		Repo:      repo,
		Ledger:    ledger,
		Logger:    logger,
		StatsTTL:  statsCacheTTL,
		CacheStat: true,
	}
}

func (s *ExceptionService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *ExceptionService) logger() *logrus.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return config.GetLogger()
}

func (s *ExceptionService) List(ctx context.Context, tenantId string, filter models.ListFilter) ([]*models.Exception, error) {
	if tenantId == "" {
		return nil, utils.ErrNoTenant
	}
	return s.Repo.List(ctx, tenantId, filter)
}

// Stats is served from Redis for up to StatsTTL; every write path invalidates it.
func (s *ExceptionService) Stats(ctx context.Context, tenantId string) (*models.ExceptionStats, error) {
	if tenantId == "" {
		return nil, utils.ErrNoTenant
	}
	key := statsCacheKey(tenantId)
	if s.CacheStat {
		var cached models.ExceptionStats
		found, err := config.GetRedisObject(ctx, key, &cached)
		if err != nil {
			config.LogError(s.logger(), "exceptionService.go", "Stats", "GetRedisObject", tenantId, err)
		} else if found {
			return &cached, nil
		}
	}

	stats, err := s.Repo.Stats(ctx, tenantId)
	if err != nil {
		return nil, err
	}
	if s.CacheStat {
		if err := config.SetRedisObject(ctx, key, stats, s.StatsTTL); err != nil {
			config.LogError(s.logger(), "exceptionService.go", "Stats", "SetRedisObject", tenantId, err)
		}
	}
	return stats, nil
}

func (s *ExceptionService) Explain(ctx context.Context, tenantId string, id int) (*Explanation, error) {
	if tenantId == "" {
		return nil, utils.ErrNoTenant
	}
	e, err := s.Repo.FindByID(ctx, tenantId, id)
	if err != nil {
		return nil, err
	}
	ref, err := s.reference(ctx, e)
	if err != nil {
		return nil, err
	}
	return &Explanation{
		Exception:        e,
		Reference:        ref,
		AgingDays:        detectors.AgingDays(e.DetectedAt, s.now()),
		SuggestedActions: SuggestedActions(e.ExceptionType),
	}, nil
}

// reference loads the ledger row an exception points at. A row deleted from the
// ledger since detection yields a nil reference, not an error.
func (s *ExceptionService) reference(ctx context.Context, e *models.Exception) (any, error) {
	if s.Ledger == nil {
		return nil, nil
	}
	refId, err := strconv.Atoi(e.RefId)
	if err != nil {
		return nil, nil
	}
	switch e.RefType {
	case models.RefTypeBankTransaction:
		bt, err := s.Ledger.BankTransactionByID(ctx, e.TenantId, refId)
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		links, err := s.Ledger.LinksForBankTransaction(ctx, e.TenantId, refId)
		if err != nil {
			return nil, err
		}
		if links == nil {
			links = []models.ReconciliationLink{}
		}
		return &BankTransactionReference{Transaction: bt, Links: links}, nil
	case models.RefTypeInvoice:
		inv, err := s.Ledger.InvoiceByID(ctx, e.TenantId, refId)
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return inv, nil
	}
	return nil, nil
}

// actorName is who a human action is recorded against.
func actorName(ctx context.Context) string {
	if userId, ok := utils.GetUserIdFromContext(ctx); ok {
		return userId
	}
	if utils.GetIsServiceFromContext(ctx) {
		return "service"
	}
	return "unknown"
}

func (s *ExceptionService) Triage(ctx context.Context, tenantId string, id int, assignedTo *string, notes *string) (*models.Exception, error) {
	return s.transition(ctx, tenantId, id, models.ExceptionStatusTriaged, EventExceptionTriaged, models.TransitionFields{
		AssignedTo: trimmed(assignedTo),
		Notes:      trimmed(notes),
	})
}

// Snooze hides an exception until a future instant.
func (s *ExceptionService) Snooze(ctx context.Context, tenantId string, id int, until time.Time, notes *string) (*models.Exception, error) {
	if !until.After(s.now()) {
		return nil, fmt.Errorf("%w: snoozed_until must be in the future", utils.ErrInvalidInput)
	}
	until = until.UTC()
	return s.transition(ctx, tenantId, id, models.ExceptionStatusSnoozed, EventExceptionSnoozed, models.TransitionFields{
		SnoozedUntil: &until,
		Notes:        trimmed(notes),
	})
}

func (s *ExceptionService) Resolve(ctx context.Context, tenantId string, id int, reason *string) (*models.Exception, error) {
	by := actorName(ctx)
	reason = trimmed(reason)
	return s.transition(ctx, tenantId, id, models.ExceptionStatusResolved, EventExceptionResolved, models.TransitionFields{
		ResolvedBy: &by,
		Reason:     reason,
		Notes:      reason,
	})
}

func (s *ExceptionService) transition(ctx context.Context, tenantId string, id int, to models.ExceptionStatus, eventType string, fields models.TransitionFields) (*models.Exception, error) {
	if tenantId == "" {
		return nil, utils.ErrNoTenant
	}
	fields.Actor = models.ActorHuman
	fields.At = s.now()
	updated, err := s.Repo.Transition(ctx, tenantId, id, to, fields)
	if err != nil {
		return nil, err
	}
	invalidateStats(ctx, tenantId)
	metricsSingleton().transitionsTotal.WithLabelValues(string(to), string(models.ActorHuman)).Inc()
	s.logger().WithFields(logrus.Fields{
		"field":        "ExceptionService",
		"tenant_id":    tenantId,
		"exception_id": id,
		"status":       to,
		"actor":        actorName(ctx),
	}).Info("exception transitioned")
	publishEvent(ctx, s.Events, s.logger(), newExceptionEvent(ctx, eventType, updated, models.ActorHuman, fields.At))
	return updated, nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	return utils.NilIfEmpty(strings.TrimSpace(*s))
}
