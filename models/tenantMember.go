package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/exceptions_backend/utils"
	"gorm.io/gorm"
)

// TenantMember binds an end-user identity to a tenant.
type TenantMember struct {
	ID        int       `gorm:"primary_key" json:"id"`
	TenantId  string    `gorm:"size:64;not null;index:uniq_tenant_member,unique" json:"tenant_id"`
	UserId    string    `gorm:"size:64;not null;index:uniq_tenant_member,unique;index" json:"user_id"`
	Role      string    `gorm:"size:30" json:"role"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func FindTenantIdsForUser(ctx context.Context, db *gorm.DB, userId string) ([]string, error) {
	var ids []string
	err := db.WithContext(utils.SetSkipTenantScopeInContext(ctx, true)).
		Model(&TenantMember{}).
		Where("user_id = ?", userId).
		Distinct().
		Order("tenant_id ASC").
		Pluck("tenant_id", &ids).Error
	if err != nil {
		return nil, mapStoreError(err)
	}
	return ids, nil
}

// ListTenantIds is every tenant the scheduler should visit.
func ListTenantIds(ctx context.Context, db *gorm.DB) ([]string, error) {
	var ids []string
	err := db.WithContext(utils.SetSkipTenantScopeInContext(ctx, true)).
		Model(&TenantMember{}).
		Distinct().
		Order("tenant_id ASC").
		Pluck("tenant_id", &ids).Error
	if err != nil {
		return nil, mapStoreError(err)
	}
	return ids, nil
}
