// seed-service-key prints the SERVICE_KEY_HASH for a service key and can
// grant a user membership of a tenant.
//
// Usage:
//
//	go run ./cmd/seed-service-key -key=...                       # print hash only
//	DB_*=... go run ./cmd/seed-service-key -user-id=u1 -tenant-id=acme -role=admin
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/exceptions_backend/config"
	"github.com/mmdatafocus/exceptions_backend/models"
	"github.com/mmdatafocus/exceptions_backend/utils"
	"gorm.io/gorm"
)

func main() {
	key := flag.String("key", "", "Service key to hash (falls back to SERVICE_KEY)")
	userID := flag.String("user-id", "", "Optional: user to grant tenant membership")
	tenantID := flag.String("tenant-id", "", "Tenant for -user-id")
	role := flag.String("role", "member", "Membership role")
	flag.Parse()

	plain := strings.TrimSpace(*key)
	if plain == "" {
		plain = strings.TrimSpace(os.Getenv("SERVICE_KEY"))
	}
	if plain != "" {
		hashed, err := utils.HashSecret(plain)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to hash key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("SERVICE_KEY_HASH=%s\n", hashed)
	}

	uid, tid := strings.TrimSpace(*userID), strings.TrimSpace(*tenantID)
	if uid == "" {
		if plain == "" {
			fmt.Fprintln(os.Stderr, "nothing to do: pass -key or -user-id/-tenant-id")
			os.Exit(2)
		}
		return
	}
	if tid == "" {
		fmt.Fprintln(os.Stderr, "-tenant-id is required with -user-id")
		os.Exit(2)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	ctx := utils.SetTenantIdInContext(context.Background(), tid)

	var existing models.TenantMember
	err := db.WithContext(ctx).Where("tenant_id = ? AND user_id = ?", tid, uid).First(&existing).Error
	switch {
	case err == nil:
		if err := db.WithContext(ctx).Model(&existing).Where("tenant_id = ?", tid).Update("role", *role).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to update membership: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Updated membership: user=%q tenant=%q role=%q\n", uid, tid, *role)
	case errors.Is(err, gorm.ErrRecordNotFound):
		m := models.TenantMember{TenantId: tid, UserId: uid, Role: *role}
		if err := db.WithContext(ctx).Create(&m).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create membership: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created membership: user=%q tenant=%q role=%q\n", uid, tid, *role)
	default:
		fmt.Fprintf(os.Stderr, "failed to lookup membership: %v\n", err)
		os.Exit(1)
	}
}
