package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"luxe_estate_v1/internal/model"
)

// ==================== 仓储接口 ====================

// DraftSlotRepository 关系库草稿槽位
// Get/Set/Remove 满足 service.LocalStore
type DraftSlotRepository interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error

	// 过期清理相关
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// ==================== 仓储实现 ====================

type draftSlotRepo struct {
	db *gorm.DB
}

// NewDraftSlotRepository 创建草稿槽位仓储
func NewDraftSlotRepository(db *gorm.DB) DraftSlotRepository {
	return &draftSlotRepo{db: db}
}

func (r *draftSlotRepo) Get(ctx context.Context, key string) (string, bool, error) {
	var slot model.DraftSlot
	err := r.db.WithContext(ctx).Where("slot_key = ?", key).First(&slot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return slot.Value, true, nil
}

// Set 单槽位覆盖写，后写入者生效
func (r *draftSlotRepo) Set(ctx context.Context, key, value string) error {
	slot := model.DraftSlot{Key: key, Value: value}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "slot_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&slot).Error
}

func (r *draftSlotRepo) Remove(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).Where("slot_key = ?", key).Delete(&model.DraftSlot{}).Error
}

func (r *draftSlotRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("updated_at < ?", before).Delete(&model.DraftSlot{})
	return result.RowsAffected, result.Error
}
