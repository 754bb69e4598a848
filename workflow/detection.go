package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/mmdatafocus/exceptions_backend/config"
	"github.com/mmdatafocus/exceptions_backend/detectors"
	"github.com/mmdatafocus/exceptions_backend/models"
	"github.com/mmdatafocus/exceptions_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mmdatafocus/exceptions_backend/workflow")

const (
	autoResolveNote = "auto-resolved: condition no longer holds"
	systemResolver  = "system"
)

// TypeSummary counts what one detector pass did.
type TypeSummary struct {
	Created       int    `json:"created"`
	Touched       int    `json:"touched"`
	AutoResolved  int    `json:"auto_resolved"`
	Duplicates    int    `json:"duplicates"`
	WriteFailures int    `json:"write_failures"`
	Failed        bool   `json:"failed,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (s *TypeSummary) add(o *TypeSummary) {
	s.Created += o.Created
	s.Touched += o.Touched
	s.AutoResolved += o.AutoResolved
	s.Duplicates += o.Duplicates
	s.WriteFailures += o.WriteFailures
}

type DetectorFailure struct {
	ExceptionType models.ExceptionType `json:"exception_type"`
	Error         string               `json:"error"`
}

type RunSummary struct {
	RunId      string                                `json:"run_id"`
	TenantId   string                                `json:"tenant_id"`
	StartedAt  time.Time                             `json:"started_at"`
	FinishedAt time.Time                             `json:"finished_at"`
	Reopened   int                                   `json:"reopened"`
	Totals     TypeSummary                           `json:"totals"`
	ByType     map[models.ExceptionType]*TypeSummary `json:"by_type"`
	Failures   []DetectorFailure                     `json:"failures"`
	OpenCounts map[models.ExceptionType]int64        `json:"open_counts"`
	Cancelled  bool                                  `json:"cancelled,omitempty"`
}

// Partial reports a pass that finished with detector or write failures.
func (s *RunSummary) Partial() bool {
	return len(s.Failures) > 0 || s.Totals.WriteFailures > 0
}

// DetectionRunner reconciles detector output with the exception repository for one tenant.
type DetectionRunner struct {
	Repo      models.ExceptionRepository
	Ledger    detectors.Ledger
	Detectors *detectors.Registry
	Logger    *logrus.Logger
	Locker    *redislock.Client
	Events    EventPublisher

	Now          func() time.Time
	Parallelism  int
	AutoUnsnooze bool
	LockTTL      time.Duration
}

func NewDetectionRunner(repo models.ExceptionRepository, ledger detectors.Ledger, registry *detectors.Registry, logger *logrus.Logger) *DetectionRunner {
	return &DetectionRunner{
		Repo:         repo,
		Ledger:       ledger,
		Detectors:    registry,
		Logger:       logger,
		Locker:       config.GetRedisLock(),
		Parallelism:  config.DetectionParallelism(),
		AutoUnsnooze: config.AutoUnsnooze(),
		LockTTL:      config.DetectionRunTimeout(),
	}
}

func (r *DetectionRunner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *DetectionRunner) logger() *logrus.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return config.GetLogger()
}

// RunDetection runs every registered detector for tenantId and applies the
// create / touch / auto-resolve rules. Detector failures are reported in the
// summary; the returned error is reserved for a missing tenant, cancellation
// and a failed final count.
func (r *DetectionRunner) RunDetection(ctx context.Context, tenantId string) (*RunSummary, error) {
	if tenantId == "" {
		return nil, utils.ErrNoTenant
	}
	ctx = utils.SetTenantIdInContext(ctx, tenantId)
	ctx, span := tracer.Start(ctx, "DetectionRunner.RunDetection", trace.WithAttributes(attribute.String("tenant_id", tenantId)))
	defer span.End()

	m := metricsSingleton()
	now := r.now()
	summary := &RunSummary{
		RunId:     uuid.NewString(),
		TenantId:  tenantId,
		StartedAt: now,
		ByType:    map[models.ExceptionType]*TypeSummary{},
		Failures:  []DetectorFailure{},
	}

	release := r.obtainLock(ctx, tenantId)
	defer release()

	if r.AutoUnsnooze {
		summary.Reopened = r.wakeSnoozed(ctx, tenantId, now)
	}

	all := r.Detectors.All()
	results := make([]*TypeSummary, len(all))
	parallelism := r.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup

dispatch:
	for i, d := range all {
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int, d detectors.Detector) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = r.runDetector(ctx, d, tenantId, now)
		}(i, d)
	}
	wg.Wait()

	for i, d := range all {
		res := results[i]
		if res == nil {
			continue
		}
		summary.ByType[d.Type()] = res
		summary.Totals.add(res)
		if res.Failed {
			summary.Failures = append(summary.Failures, DetectorFailure{ExceptionType: d.Type(), Error: res.Error})
		}
		m.observeType(string(d.Type()), res)
	}
	invalidateStats(context.WithoutCancel(ctx), tenantId)

	summary.FinishedAt = r.now()
	m.runDuration.Observe(summary.FinishedAt.Sub(summary.StartedAt).Seconds())

	if err := ctx.Err(); err != nil {
		summary.Cancelled = true
		m.runsTotal.WithLabelValues("cancelled").Inc()
		span.SetStatus(codes.Error, "cancelled")
		r.logSummary(summary)
		return summary, err
	}

	counts, err := r.Repo.ActiveCountsByType(ctx, tenantId)
	if err != nil {
		config.LogError(r.logger(), "detection.go", "RunDetection", "ActiveCountsByType", tenantId, err)
		m.runsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		return summary, err
	}
	summary.OpenCounts = make(map[models.ExceptionType]int64, len(all))
	for _, d := range all {
		summary.OpenCounts[d.Type()] = counts[d.Type()]
	}

	result := "ok"
	if summary.Partial() {
		result = "partial"
		span.SetStatus(codes.Error, "partial")
	}
	m.runsTotal.WithLabelValues(result).Inc()
	span.SetAttributes(
		attribute.Int("created", summary.Totals.Created),
		attribute.Int("auto_resolved", summary.Totals.AutoResolved),
	)
	r.logSummary(summary)
	return summary, nil
}

func (r *DetectionRunner) logSummary(s *RunSummary) {
	r.logger().WithFields(logrus.Fields{
		"field":          "RunDetection",
		"tenant_id":      s.TenantId,
		"run_id":         s.RunId,
		"created":        s.Totals.Created,
		"touched":        s.Totals.Touched,
		"auto_resolved":  s.Totals.AutoResolved,
		"duplicates":     s.Totals.Duplicates,
		"write_failures": s.Totals.WriteFailures,
		"reopened":       s.Reopened,
		"failures":       len(s.Failures),
		"cancelled":      s.Cancelled,
	}).Info("detection run finished")
}

// obtainLock takes the per-tenant run lock when Redis is available. Runs are safe
// without it; the lock only keeps overlapping runs from doing duplicate work.
func (r *DetectionRunner) obtainLock(ctx context.Context, tenantId string) func() {
	logger := r.logger()
	if r.Locker == nil {
		logger.WithFields(logrus.Fields{
			"field":     "RunDetection",
			"tenant_id": tenantId,
		}).Debug("redis lock not ready; proceeding without redis lock")
		return func() {}
	}
	ttl := r.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	lock, err := r.Locker.Obtain(ctx, "detect:"+tenantId, ttl, nil)
	if err != nil {
		msg := "could not obtain redis lock; proceeding without redis lock"
		if !errors.Is(err, redislock.ErrNotObtained) {
			msg = "error obtaining redis lock; proceeding without redis lock: " + err.Error()
		}
		logger.WithFields(logrus.Fields{
			"field":     "RunDetection",
			"tenant_id": tenantId,
		}).Warn(msg)
		return func() {}
	}
	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			logger.WithFields(logrus.Fields{
				"field":     "RunDetection",
				"tenant_id": tenantId,
			}).Warn("failed to release redis lock: " + err.Error())
		}
	}
}

// wakeSnoozed moves snoozes whose deadline has passed back to open.
func (r *DetectionRunner) wakeSnoozed(ctx context.Context, tenantId string, now time.Time) int {
	expired, err := r.Repo.ListExpiredSnoozes(ctx, tenantId, now)
	if err != nil {
		config.LogError(r.logger(), "detection.go", "wakeSnoozed", "ListExpiredSnoozes", tenantId, err)
		return 0
	}
	reopened := 0
	for _, e := range expired {
		if ctx.Err() != nil {
			break
		}
		updated, err := r.Repo.Transition(ctx, tenantId, e.ID, models.ExceptionStatusOpen, models.TransitionFields{
			Actor: models.ActorSystem,
			At:    now,
		})
		if err != nil {
			if !errors.Is(err, utils.ErrInvalidTransition) {
				config.LogError(r.logger(), "detection.go", "wakeSnoozed", "Transition", e.ID, err)
			}
			continue
		}
		reopened++
		metricsSingleton().transitionsTotal.WithLabelValues(string(models.ExceptionStatusOpen), string(models.ActorSystem)).Inc()
		publishEvent(ctx, r.Events, r.logger(), newExceptionEvent(ctx, EventExceptionReopened, updated, models.ActorSystem, now))
	}
	return reopened
}

func (r *DetectionRunner) runDetector(ctx context.Context, d detectors.Detector, tenantId string, now time.Time) *TypeSummary {
	s := &TypeSummary{}
	fail := func(step string, err error) *TypeSummary {
		err = fmt.Errorf("%w: %s %s: %w", utils.ErrDetectorFailure, d.Type(), step, err)
		config.LogError(r.logger(), "detection.go", "runDetector", step, tenantId, err)
		s.Failed = true
		s.Error = err.Error()
		return s
	}

	candidates, err := d.Candidates(ctx, r.Ledger, tenantId, now)
	if err != nil {
		return fail("candidates", err)
	}
	active, err := r.Repo.ListActive(ctx, tenantId, d.Type())
	if err != nil {
		return fail("list active", err)
	}

	byRef := make(map[string]*models.Exception, len(active))
	for _, e := range active {
		byRef[e.RefId] = e
	}
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if ctx.Err() != nil {
			return s
		}
		if seen[c.RefId] {
			continue
		}
		seen[c.RefId] = true
		if existing, ok := byRef[c.RefId]; ok {
			r.touch(ctx, existing, c, now, s)
			continue
		}
		r.create(ctx, d.Type(), tenantId, c, now, s)
	}

	for _, e := range active {
		if seen[e.RefId] {
			continue
		}
		if ctx.Err() != nil {
			return s
		}
		r.reconcileMissing(ctx, e, now, s)
	}
	return s
}

func (r *DetectionRunner) create(ctx context.Context, exceptionType models.ExceptionType, tenantId string, c detectors.Candidate, now time.Time, s *TypeSummary) {
	evidence, err := utils.MarshalToJSON(c.Evidence)
	if err != nil {
		config.LogError(r.logger(), "detection.go", "create", "marshal evidence", c.RefId, err)
		s.WriteFailures++
		return
	}
	payload, err := utils.MarshalToJSON(c.Payload)
	if err != nil {
		config.LogError(r.logger(), "detection.go", "create", "marshal payload", c.RefId, err)
		s.WriteFailures++
		return
	}

	e := &models.Exception{
		TenantId:      tenantId,
		ExceptionType: exceptionType,
		RefType:       c.RefType,
		RefId:         c.RefId,
		Severity:      c.Severity,
		ImpactAmount:  c.ImpactAmount,
		Currency:      c.Currency,
		Title:         c.Title,
		Description:   c.Description,
		Evidence:      evidence,
		Payload:       payload,
		Status:        models.ExceptionStatusOpen,
		DetectedAt:    now,
		LastSeenAt:    now,
	}
	_, err = r.Repo.Insert(ctx, e)
	switch {
	case errors.Is(err, utils.ErrDuplicateKey):
		// Another run created it first.
		s.Duplicates++
	case err != nil:
		config.LogError(r.logger(), "detection.go", "create", "Insert", c.RefId, err)
		s.WriteFailures++
	default:
		s.Created++
		publishEvent(ctx, r.Events, r.logger(), newExceptionEvent(ctx, EventExceptionCreated, e, models.ActorSystem, now))
	}
}

func (r *DetectionRunner) touch(ctx context.Context, e *models.Exception, c detectors.Candidate, now time.Time, s *TypeSummary) {
	sighting := models.Sighting{Severity: c.Severity, ImpactAmount: c.ImpactAmount}
	if c.Payload != nil {
		payload, err := utils.MarshalToJSON(c.Payload)
		if err != nil {
			config.LogError(r.logger(), "detection.go", "touch", "marshal payload", e.ID, err)
		} else {
			sighting.Payload = payload
		}
	}
	err := r.Repo.TouchLastSeen(ctx, e.ID, now, sighting)
	if errors.Is(err, utils.ErrNotActive) {
		// Resolved concurrently.
		return
	}
	if err != nil {
		config.LogError(r.logger(), "detection.go", "touch", "TouchLastSeen", e.ID, err)
		s.WriteFailures++
		return
	}
	s.Touched++
}

// reconcileMissing handles an active row its detector no longer lists.
func (r *DetectionRunner) reconcileMissing(ctx context.Context, e *models.Exception, now time.Time, s *TypeSummary) {
	predicate, ok := r.Detectors.Predicate(e.ExceptionType)
	if !ok {
		return
	}
	holds, err := predicate(ctx, r.Ledger, e, now)
	if err != nil {
		// The row stays open; the pass reports partial.
		config.LogError(r.logger(), "detection.go", "reconcileMissing", "predicate", e.ID, err)
		s.WriteFailures++
		return
	}
	if holds {
		err := r.Repo.TouchLastSeen(ctx, e.ID, now, models.Sighting{})
		if errors.Is(err, utils.ErrNotActive) {
			return
		}
		if err != nil {
			config.LogError(r.logger(), "detection.go", "reconcileMissing", "TouchLastSeen", e.ID, err)
			s.WriteFailures++
			return
		}
		s.Touched++
		return
	}

	note := autoResolveNote
	by := systemResolver
	updated, err := r.Repo.Transition(ctx, e.TenantId, e.ID, models.ExceptionStatusResolved, models.TransitionFields{
		Actor:      models.ActorSystem,
		At:         now,
		Notes:      &note,
		ResolvedBy: &by,
		Reason:     &note,
	})
	if errors.Is(err, utils.ErrInvalidTransition) {
		// Resolved concurrently.
		return
	}
	if err != nil {
		config.LogError(r.logger(), "detection.go", "reconcileMissing", "Transition", e.ID, err)
		s.WriteFailures++
		return
	}
	s.AutoResolved++
	metricsSingleton().transitionsTotal.WithLabelValues(string(models.ExceptionStatusResolved), string(models.ActorSystem)).Inc()
	publishEvent(ctx, r.Events, r.logger(), newExceptionEvent(ctx, EventExceptionAutoResolved, updated, models.ActorSystem, now))
}
