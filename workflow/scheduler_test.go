package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/exceptions_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestDetectionScheduler_RunsEveryTenant(t *testing.T) {
	f := newFixture(t, nil)
	f.orphan(1, 1_000)
	f.ledger.PutBankTransaction(models.BankTransaction{ID: 2, TenantId: "tenant-b", Amount: decimal.NewFromInt(10)})

	s := &DetectionScheduler{
		Runner: f.runner,
		ListTenants: func(ctx context.Context) ([]string, error) {
			return []string{tenantA, "tenant-b"}, nil
		},
		RunTimeout: time.Second,
	}
	s.runOnce(context.Background())

	assert.Len(t, f.repo.All(tenantA), 1)
	assert.Len(t, f.repo.All("tenant-b"), 1)
}

func TestDetectionScheduler_ListFailureSkipsTick(t *testing.T) {
	f := newFixture(t, nil)
	f.orphan(1, 1_000)
	s := &DetectionScheduler{
		Runner: f.runner,
		ListTenants: func(ctx context.Context) ([]string, error) {
			return nil, errors.New("db down")
		},
	}
	s.runOnce(context.Background())
	assert.Empty(t, f.repo.All(tenantA))
}

func TestDetectionScheduler_DisabledReturnsImmediately(t *testing.T) {
	s := &DetectionScheduler{Interval: 0}
	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return with a zero interval")
	}
}

func TestDetectionScheduler_StopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	s := &DetectionScheduler{
		Runner: f.runner,
		ListTenants: func(ctx context.Context) ([]string, error) {
			return []string{tenantA}, nil
		},
		Interval: 10 * time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Run(ctx)
	assert.Error(t, ctx.Err())
}
