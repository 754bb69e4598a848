package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/exceptions_backend/config"
	"github.com/mmdatafocus/exceptions_backend/models"
	"github.com/mmdatafocus/exceptions_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	EventExceptionCreated      = "exception.created"
	EventExceptionTriaged      = "exception.triaged"
	EventExceptionSnoozed      = "exception.snoozed"
	EventExceptionReopened     = "exception.reopened"
	EventExceptionResolved     = "exception.resolved"
	EventExceptionAutoResolved = "exception.auto_resolved"
)

// ExceptionEvent is the lifecycle message published to EXCEPTION_EVENTS_TOPIC.
type ExceptionEvent struct {
	EventId       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	TenantId      string                 `json:"tenant_id"`
	ExceptionId   int                    `json:"exception_id"`
	ExceptionType models.ExceptionType   `json:"exception_type"`
	RefType       models.RefType         `json:"ref_type"`
	RefId         string                 `json:"ref_id"`
	Severity      models.Severity        `json:"severity"`
	Status        models.ExceptionStatus `json:"status"`
	ImpactAmount  decimal.Decimal        `json:"impact_amount"`
	Actor         models.Actor           `json:"actor"`
	OccurredAt    time.Time              `json:"occurred_at"`
	CorrelationId string                 `json:"correlation_id,omitempty"`
}

func newExceptionEvent(ctx context.Context, eventType string, e *models.Exception, actor models.Actor, at time.Time) ExceptionEvent {
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	return ExceptionEvent{
		EventId:       uuid.NewString(),
		EventType:     eventType,
		TenantId:      e.TenantId,
		ExceptionId:   e.ID,
		ExceptionType: e.ExceptionType,
		RefType:       e.RefType,
		RefId:         e.RefId,
		Severity:      e.Severity,
		Status:        e.Status,
		ImpactAmount:  e.ImpactAmount,
		Actor:         actor,
		OccurredAt:    at,
		CorrelationId: correlationId,
	}
}

type EventPublisher interface {
	Publish(ctx context.Context, event ExceptionEvent) error
}

// PubSubEventPublisher sends lifecycle events to one Pub/Sub topic.
// Acks are awaited in the background so a slow broker never stalls a detection pass.
type PubSubEventPublisher struct {
	publisher *config.PubSubPublisher
	logger    *logrus.Logger
	pending   sync.WaitGroup
}

func NewPubSubEventPublisher(p *config.PubSubPublisher, logger *logrus.Logger) *PubSubEventPublisher {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &PubSubEventPublisher{publisher: p, logger: logger}
}

// Publish queues the event. A failed ack is logged, never returned.
func (p *PubSubEventPublisher) Publish(ctx context.Context, event ExceptionEvent) error {
	result, err := p.publisher.PublishJSONAsync(ctx, event, map[string]string{
		"event_type":     event.EventType,
		"tenant_id":      event.TenantId,
		"exception_type": string(event.ExceptionType),
	})
	if err != nil {
		return err
	}
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.PublishAckTimeout)
		defer cancel()
		if _, err := result.Get(ackCtx); err != nil {
			config.LogError(p.logger, "events.go", "Publish", event.EventType, event.ExceptionId, err)
		}
	}()
	return nil
}

// Close flushes queued messages and waits for their acks.
func (p *PubSubEventPublisher) Close() {
	p.publisher.Stop()
	p.pending.Wait()
}

// NewEventPublisherFromEnv returns nil when EXCEPTION_EVENTS_TOPIC is unset or
// Pub/Sub cannot be reached; events are optional.
func NewEventPublisherFromEnv(ctx context.Context, logger *logrus.Logger) (EventPublisher, func()) {
	topic := config.ExceptionEventsTopic()
	if topic == "" {
		return nil, func() {}
	}
	p, err := config.NewPubSubPublisher(ctx, topic)
	if err != nil {
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"field": "NewEventPublisherFromEnv",
				"topic": topic,
			}).Warn("exception events disabled: " + err.Error())
		}
		return nil, func() {}
	}
	pub := NewPubSubEventPublisher(p, logger)
	return pub, pub.Close
}

// publishEvent never fails the caller; a lost event is logged.
func publishEvent(ctx context.Context, publisher EventPublisher, logger *logrus.Logger, event ExceptionEvent) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, event); err != nil {
		config.LogError(logger, "events.go", "publishEvent", event.EventType, event.ExceptionId, err)
	}
}
