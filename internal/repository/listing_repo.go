package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"luxe_estate_v1/internal/model"
)

// ErrListingNotFound 房源不存在
var ErrListingNotFound = errors.New("房源不存在")

// ==================== 仓储接口 ====================

// ListingStore 按分类分表的房源存储
type ListingStore interface {
	Create(ctx context.Context, category model.ListingCategory, listing *model.Listing) error
	Update(ctx context.Context, category model.ListingCategory, listing *model.Listing) error
	GetByID(ctx context.Context, category model.ListingCategory, id int64) (*model.Listing, error)
}

// ==================== GORM 实现 ====================

type listingRepo struct {
	db *gorm.DB
}

// NewListingRepository 创建关系库房源仓储
func NewListingRepository(db *gorm.DB) ListingStore {
	return &listingRepo{db: db}
}

// MigrateListingTables 为每个房源分类建表
func MigrateListingTables(db *gorm.DB) error {
	for _, c := range []model.ListingCategory{model.ListingSale, model.ListingRental, model.ListingDevelopment} {
		if err := db.Table(c.TableName()).AutoMigrate(&model.Listing{}); err != nil {
			return fmt.Errorf("建表 %s 失败: %w", c.TableName(), err)
		}
	}
	return nil
}

func (r *listingRepo) table(ctx context.Context, c model.ListingCategory) *gorm.DB {
	return r.db.WithContext(ctx).Table(c.TableName())
}

func (r *listingRepo) Create(ctx context.Context, c model.ListingCategory, listing *model.Listing) error {
	listing.Category = c
	return r.table(ctx, c).Create(listing).Error
}

// Update 全量覆盖，后写入者生效
func (r *listingRepo) Update(ctx context.Context, c model.ListingCategory, listing *model.Listing) error {
	if listing.ID <= 0 {
		return ErrListingNotFound
	}
	listing.Category = c

	result := r.table(ctx, c).
		Where("id = ?", listing.ID).
		Select("*").
		Omit("id", "created_at", "deleted_at").
		Updates(listing)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrListingNotFound
	}
	return nil
}

func (r *listingRepo) GetByID(ctx context.Context, c model.ListingCategory, id int64) (*model.Listing, error) {
	var listing model.Listing
	err := r.table(ctx, c).Where("id = ?", id).First(&listing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &listing, nil
}
