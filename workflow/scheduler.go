package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/exceptions_backend/config"
	"github.com/mmdatafocus/exceptions_backend/models"
	"github.com/mmdatafocus/exceptions_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DetectionScheduler runs detection for every known tenant on a fixed interval.
type DetectionScheduler struct {
	Runner      *DetectionRunner
	ListTenants func(ctx context.Context) ([]string, error)
	Logger      *logrus.Logger
	SchedulerID string

	Interval   time.Duration
	RunTimeout time.Duration
}

func NewDetectionScheduler(runner *DetectionRunner, db *gorm.DB, logger *logrus.Logger) *DetectionScheduler {
	return &DetectionScheduler{
		Runner: runner,
		ListTenants: func(ctx context.Context) ([]string, error) {
			return models.ListTenantIds(ctx, db)
		},
		Logger:      logger,
		SchedulerID: uuid.NewString(),
		Interval:    config.DetectionInterval(),
		RunTimeout:  config.DetectionRunTimeout(),
	}
}

// Run blocks until ctx is done. A non-positive Interval disables scheduling.
func (s *DetectionScheduler) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.Interval <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Interval):
		}
		s.runOnce(ctx)
	}
}

func (s *DetectionScheduler) runOnce(ctx context.Context) {
	if s.Runner == nil || s.ListTenants == nil {
		return
	}
	tenants, err := s.ListTenants(ctx)
	if err != nil {
		config.LogError(s.Logger, "scheduler.go", "runOnce", "ListTenants", s.SchedulerID, err)
		return
	}
	for _, tenantId := range tenants {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.runTenant(ctx, tenantId)
	}
}

func (s *DetectionScheduler) runTenant(ctx context.Context, tenantId string) {
	timeout := s.RunTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	runCtx = utils.SetCorrelationIdInContext(runCtx, uuid.NewString())

	summary, err := s.Runner.RunDetection(runCtx, tenantId)
	if err != nil {
		config.LogError(s.Logger, "scheduler.go", "runTenant", "RunDetection", tenantId, err)
		return
	}
	if len(summary.Failures) > 0 && s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":        "DetectionScheduler",
			"scheduler_id": s.SchedulerID,
			"tenant_id":    tenantId,
			"run_id":       summary.RunId,
			"failures":     summary.Failures,
		}).Warn("detection run finished with detector failures")
	}
}
