package config

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PushEnvelope is the body Pub/Sub push subscriptions POST to /pubsub.
type PushEnvelope struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DetectionTrigger is the decoded push payload asking for a detection run.
type DetectionTrigger struct {
	TenantId      string `json:"tenant_id"`
	CorrelationId string `json:"correlation_id"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

func getPubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return os.Getenv("GCP_PROJECT")
}

// ExceptionEventsTopic is empty when lifecycle events are disabled.
func ExceptionEventsTopic() string {
	return os.Getenv("EXCEPTION_EVENTS_TOPIC")
}

// DetectionTriggerTopic is the topic whose push subscription targets /pubsub.
func DetectionTriggerTopic() string {
	if v := os.Getenv("DETECTION_TRIGGER_TOPIC"); v != "" {
		return v
	}
	return "exception-detection"
}

// GetPubSubClient returns a shared client. Unlike the DB and Redis connectors it
// does not retry forever: publishing events is optional.
func GetPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	var (
		c   *pubsub.Client
		err error
	)
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
	} else {
		// Application Default Credentials (service account or GOOGLE_APPLICATION_CREDENTIALS).
		c, err = pubsub.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, err
	}
	pubsubClient = c
	log.Printf("pubsub client ready (project_id=%s)", projectID)
	return pubsubClient, nil
}

// PublishAckTimeout bounds the wait for a server ack.
const PublishAckTimeout = 30 * time.Second

// PubSubPublisher publishes JSON messages to one topic.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

func NewPubSubPublisher(ctx context.Context, topicName string) (*PubSubPublisher, error) {
	if topicName == "" {
		return nil, errors.New("topic is required")
	}
	client, err := GetPubSubClient(ctx)
	if err != nil {
		return nil, err
	}
	return &PubSubPublisher{client: client, topic: client.Topic(topicName)}, nil
}

// NewPubSubPublisherForClient binds a publisher to an existing client.
func NewPubSubPublisherForClient(client *pubsub.Client, topicName string) *PubSubPublisher {
	return &PubSubPublisher{client: client, topic: client.Topic(topicName)}
}

// PublishJSONAsync queues the message and returns without waiting for the ack.
func (p *PubSubPublisher) PublishJSONAsync(ctx context.Context, obj any, attrs map[string]string) (*pubsub.PublishResult, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}), nil
}

// PublishJSON waits for the server ack and returns the message id.
func (p *PubSubPublisher) PublishJSON(ctx context.Context, obj any, attrs map[string]string) (string, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, PublishAckTimeout)
	defer cancel()
	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	return result.Get(ctx)
}

// Stop flushes pending messages.
func (p *PubSubPublisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}
