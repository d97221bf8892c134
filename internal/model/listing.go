package model

import (
	"strings"

	"gorm.io/datatypes"
)

// ==================== 房源分类 ====================

// ListingCategory 房源分类，决定写入哪张表
type ListingCategory string

const (
	ListingSale        ListingCategory = "sale"
	ListingRental      ListingCategory = "rental"
	ListingDevelopment ListingCategory = "development"
)

// ParseListingCategory 解析房源分类
func ParseListingCategory(s string) (ListingCategory, bool) {
	c := ListingCategory(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case ListingSale, ListingRental, ListingDevelopment:
		return c, true
	}
	return "", false
}

// TableName 分类对应的表名
func (c ListingCategory) TableName() string {
	return string(c) + "_listings"
}

// ==================== 房源记录 ====================

// Listing 房源记录
type Listing struct {
	BaseModel
	Category     ListingCategory             `gorm:"size:32;index;not null" json:"category"`
	Title        string                      `gorm:"size:255;not null" json:"title"`
	Description  string                      `gorm:"type:text" json:"description"`
	Price        int64                       `gorm:"default:0;comment:价格(分)" json:"price"`
	CurrencyCode string                      `gorm:"size:3;default:USD" json:"currency_code"`
	Location     string                      `gorm:"size:255;index" json:"location"`
	PropertyType string                      `gorm:"size:64;index" json:"property_type"`
	Bedrooms     int                         `gorm:"default:0" json:"bedrooms"`
	Bathrooms    int                         `gorm:"default:0" json:"bathrooms"`
	AreaSqFt     int                         `gorm:"default:0" json:"area_sqft"`
	Features     datatypes.JSONSlice[string] `gorm:"type:json" json:"features"`
	AgentID      int64                       `gorm:"index" json:"agent_id"`
	Featured     bool                        `gorm:"default:false" json:"featured"`

	// 媒体：有序、去重，首图即缩略图
	Images    datatypes.JSONSlice[string] `gorm:"type:json" json:"images"`
	Thumbnail *string                     `gorm:"size:2048" json:"thumbnail"`
	VideoURL  string                      `gorm:"size:2048" json:"video_url"`
	TourURL   string                      `gorm:"size:2048" json:"tour_url"`
}

func (*Listing) TableName() string {
	return "listings"
}

// ==================== 辅助方法 ====================

// MediaRefs 返回当前图片引用
func (l *Listing) MediaRefs() []MediaReference {
	refs := make([]MediaReference, len(l.Images))
	for i, s := range l.Images {
		refs[i] = MediaReference(s)
	}
	return refs
}

// ApplyMedia 写入图片序列并同步缩略图
// 重复项按首次出现保留；非空时缩略图恒等于首项，空时为 nil
func (l *Listing) ApplyMedia(refs []MediaReference) {
	seen := make(map[MediaReference]struct{}, len(refs))
	images := make([]string, 0, len(refs))
	for _, r := range refs {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		images = append(images, string(r))
	}
	l.Images = datatypes.JSONSlice[string](images)

	if len(images) == 0 {
		l.Thumbnail = nil
		return
	}
	thumb := images[0]
	l.Thumbnail = &thumb
}

// ThumbnailRef 缩略图引用
func (l *Listing) ThumbnailRef() *MediaReference {
	if l.Thumbnail == nil {
		return nil
	}
	r := MediaReference(*l.Thumbnail)
	return &r
}

// ==================== 表单 ====================

// ListingForm 房源表单的标量字段
type ListingForm struct {
	Title        string   `json:"title" validate:"required"`
	Description  string   `json:"description" validate:"required"`
	Price        int64    `json:"price" validate:"gt=0"`
	CurrencyCode string   `json:"currency_code"`
	Location     string   `json:"location" validate:"required"`
	PropertyType string   `json:"property_type" validate:"required"`
	Bedrooms     int      `json:"bedrooms" validate:"gte=0"`
	Bathrooms    int      `json:"bathrooms" validate:"gte=0"`
	AreaSqFt     int      `json:"area_sqft" validate:"gte=0"`
	Features     []string `json:"features"`
	AgentID      int64    `json:"agent_id"`
	Featured     bool     `json:"featured"`
}

// ApplyTo 把表单字段写入房源
func (f *ListingForm) ApplyTo(l *Listing) {
	l.Title = strings.TrimSpace(f.Title)
	l.Description = f.Description
	l.Price = f.Price
	l.CurrencyCode = f.CurrencyCode
	if l.CurrencyCode == "" {
		l.CurrencyCode = "USD"
	}
	l.Location = f.Location
	l.PropertyType = f.PropertyType
	l.Bedrooms = f.Bedrooms
	l.Bathrooms = f.Bathrooms
	l.AreaSqFt = f.AreaSqFt
	l.Features = datatypes.JSONSlice[string](f.Features)
	l.AgentID = f.AgentID
	l.Featured = f.Featured
}

// FormFromListing 从已有房源回填表单
func FormFromListing(l *Listing) ListingForm {
	return ListingForm{
		Title:        l.Title,
		Description:  l.Description,
		Price:        l.Price,
		CurrencyCode: l.CurrencyCode,
		Location:     l.Location,
		PropertyType: l.PropertyType,
		Bedrooms:     l.Bedrooms,
		Bathrooms:    l.Bathrooms,
		AreaSqFt:     l.AreaSqFt,
		Features:     []string(l.Features),
		AgentID:      l.AgentID,
		Featured:     l.Featured,
	}
}
