package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/mmdatafocus/exceptions_backend/config"
	"github.com/mmdatafocus/exceptions_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestPubSubClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func sampleEvent() ExceptionEvent {
	return ExceptionEvent{
		EventId:       "evt-1",
		EventType:     EventExceptionCreated,
		TenantId:      tenantA,
		ExceptionId:   11,
		ExceptionType: models.ExceptionTypeOrphanBankTxn,
		RefType:       models.RefTypeBankTransaction,
		RefId:         "1",
		Severity:      models.SeverityLow,
		Status:        models.ExceptionStatusOpen,
		ImpactAmount:  decimal.NewFromInt(1_000),
		Actor:         models.ActorSystem,
		OccurredAt:    time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestPubSubEventPublisher_Delivers(t *testing.T) {
	client, srv := newTestPubSubClient(t)
	ctx := context.Background()
	_, err := client.CreateTopic(ctx, "exception-events")
	require.NoError(t, err)

	logger, hook := logtest.NewNullLogger()
	pub := NewPubSubEventPublisher(config.NewPubSubPublisherForClient(client, "exception-events"), logger)
	require.NoError(t, pub.Publish(ctx, sampleEvent()))
	pub.Close()

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, EventExceptionCreated, msgs[0].Attributes["event_type"])
	assert.Equal(t, tenantA, msgs[0].Attributes["tenant_id"])
	assert.Equal(t, string(models.ExceptionTypeOrphanBankTxn), msgs[0].Attributes["exception_type"])

	var got ExceptionEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, 11, got.ExceptionId)
	assert.Equal(t, "1", got.RefId)
	assert.Empty(t, hook.AllEntries())
}

func TestPubSubEventPublisher_AckFailureIsLoggedNotReturned(t *testing.T) {
	client, _ := newTestPubSubClient(t)

	logger, hook := logtest.NewNullLogger()
	pub := NewPubSubEventPublisher(config.NewPubSubPublisherForClient(client, "missing-topic"), logger)

	// The caller's context ending must not cut the background ack wait short.
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pub.Publish(ctx, sampleEvent()))
	cancel()
	pub.Close()

	entries := hook.AllEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, logrus.ErrorLevel, entries[0].Level)
	assert.Equal(t, EventExceptionCreated, entries[0].Data["context"])
	assert.Equal(t, 11, entries[0].Data["data"])
}

func TestRunDetection_PublishesThroughPubSub(t *testing.T) {
	client, srv := newTestPubSubClient(t)
	_, err := client.CreateTopic(context.Background(), "exception-events")
	require.NoError(t, err)

	logger, _ := logtest.NewNullLogger()
	pub := NewPubSubEventPublisher(config.NewPubSubPublisherForClient(client, "exception-events"), logger)
	f := newFixture(t, nil)
	f.runner.Events = pub
	f.orphan(1, 1_000)
	f.orphan(2, 2_000)

	summary := f.run(t)
	assert.Equal(t, 2, summary.Totals.Created)
	pub.Close()
	assert.Len(t, srv.Messages(), 2)
}
