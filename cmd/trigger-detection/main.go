// trigger-detection enqueues detection runs on the Pub/Sub topic consumed by
// the API's /pubsub push endpoint. Cloud Scheduler can run it instead of the
// in-process ticker (DETECTION_INTERVAL=0).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/mmdatafocus/exceptions_backend/config"
	"github.com/mmdatafocus/exceptions_backend/models"
	"github.com/mmdatafocus/exceptions_backend/utils"
)

func main() {
	tenantID := flag.String("tenant-id", "", "Optional: trigger only one tenant. If empty, triggers all tenants (needs DB_* env).")
	topic := flag.String("topic", config.DetectionTriggerTopic(), "Pub/Sub topic")
	flag.Parse()

	ctx := context.Background()
	tenants := []string{strings.TrimSpace(*tenantID)}
	if tenants[0] == "" {
		config.ConnectDatabaseWithRetry()
		db := config.GetDB()
		if db == nil {
			fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
			os.Exit(1)
		}
		ids, err := models.ListTenantIds(utils.SetIsServiceInContext(ctx, true), db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list tenants: %v\n", err)
			os.Exit(1)
		}
		tenants = ids
	}

	publisher, err := config.NewPubSubPublisher(ctx, *topic)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pubsub: %v\n", err)
		os.Exit(1)
	}
	defer publisher.Stop()

	failed := 0
	for _, tid := range tenants {
		trigger := config.DetectionTrigger{TenantId: tid, CorrelationId: uuid.NewString()}
		id, err := publisher.PublishJSON(ctx, trigger, map[string]string{"tenant_id": tid})
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "tenant %s: publish failed: %v\n", tid, err)
			continue
		}
		fmt.Printf("tenant=%s message_id=%s correlation_id=%s\n", tid, id, trigger.CorrelationId)
	}
	if failed > 0 {
		os.Exit(1)
	}
}
