package repository

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"gorm.io/datatypes"

	"luxe_estate_v1/internal/model"
	"luxe_estate_v1/pkg/utils"
)

// ==================== Supabase REST 实现 ====================

// supabaseListingRow 表行在边界处的显式结构
// 可空列使用指针，未知列忽略
type supabaseListingRow struct {
	ID           *int64     `json:"id,omitempty"`
	Title        *string    `json:"title"`
	Description  *string    `json:"description"`
	Price        *int64     `json:"price"`
	CurrencyCode *string    `json:"currency_code"`
	Location     *string    `json:"location"`
	PropertyType *string    `json:"property_type"`
	Bedrooms     *int       `json:"bedrooms"`
	Bathrooms    *int       `json:"bathrooms"`
	AreaSqFt     *int       `json:"area_sqft"`
	Features     []string   `json:"features"`
	AgentID      *int64     `json:"agent_id"`
	Featured     *bool      `json:"featured"`
	Images       []string   `json:"images"`
	Thumbnail    *string    `json:"thumbnail"`
	VideoURL     *string    `json:"video_url"`
	TourURL      *string    `json:"tour_url"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

func rowFromListing(l *model.Listing) supabaseListingRow {
	row := supabaseListingRow{
		Title:        &l.Title,
		Description:  &l.Description,
		Price:        &l.Price,
		CurrencyCode: &l.CurrencyCode,
		Location:     &l.Location,
		PropertyType: &l.PropertyType,
		Bedrooms:     &l.Bedrooms,
		Bathrooms:    &l.Bathrooms,
		AreaSqFt:     &l.AreaSqFt,
		Features:     []string(l.Features),
		AgentID:      &l.AgentID,
		Featured:     &l.Featured,
		Images:       []string(l.Images),
		Thumbnail:    l.Thumbnail,
		VideoURL:     &l.VideoURL,
		TourURL:      &l.TourURL,
	}
	if row.Images == nil {
		row.Images = []string{}
	}
	if row.Features == nil {
		row.Features = []string{}
	}
	return row
}

func (r supabaseListingRow) toListing(c model.ListingCategory) *model.Listing {
	l := &model.Listing{Category: c}
	if r.ID != nil {
		l.ID = *r.ID
	}
	if r.CreatedAt != nil {
		l.CreatedAt = *r.CreatedAt
	}
	if r.UpdatedAt != nil {
		l.UpdatedAt = *r.UpdatedAt
	}
	l.Title = deref(r.Title)
	l.Description = deref(r.Description)
	l.Price = deref(r.Price)
	l.CurrencyCode = deref(r.CurrencyCode)
	l.Location = deref(r.Location)
	l.PropertyType = deref(r.PropertyType)
	l.Bedrooms = deref(r.Bedrooms)
	l.Bathrooms = deref(r.Bathrooms)
	l.AreaSqFt = deref(r.AreaSqFt)
	l.Features = datatypes.JSONSlice[string](r.Features)
	l.AgentID = deref(r.AgentID)
	l.Featured = deref(r.Featured)
	l.VideoURL = deref(r.VideoURL)
	l.TourURL = deref(r.TourURL)

	// 经 ApplyMedia 保证去重与缩略图一致
	refs := make([]model.MediaReference, len(r.Images))
	for i, s := range r.Images {
		refs[i] = model.MediaReference(s)
	}
	l.ApplyMedia(refs)
	return l
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

type supabaseListingRepo struct {
	client *resty.Client
}

// NewSupabaseListingRepository 创建 Supabase REST 房源仓储
// 表名为 <分类>_listings
func NewSupabaseListingRepository(baseURL, serviceKey string) ListingStore {
	client := utils.NewRestClient(baseURL+"/rest/v1", 30*time.Second, map[string]string{
		"apikey":        serviceKey,
		"Authorization": "Bearer " + serviceKey,
	})
	return &supabaseListingRepo{client: client}
}

func (r *supabaseListingRepo) Create(ctx context.Context, c model.ListingCategory, listing *model.Listing) error {
	var rows []supabaseListingRow
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=representation").
		SetBody(rowFromListing(listing)).
		SetResult(&rows).
		Post("/" + c.TableName())
	if err != nil {
		return fmt.Errorf("请求 Supabase 失败: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("创建房源失败: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	if len(rows) == 0 {
		return fmt.Errorf("创建房源失败: 未返回记录")
	}

	*listing = *rows[0].toListing(c)
	return nil
}

func (r *supabaseListingRepo) Update(ctx context.Context, c model.ListingCategory, listing *model.Listing) error {
	if listing.ID <= 0 {
		return ErrListingNotFound
	}

	var rows []supabaseListingRow
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=representation").
		SetQueryParam("id", "eq."+strconv.FormatInt(listing.ID, 10)).
		SetBody(rowFromListing(listing)).
		SetResult(&rows).
		Patch("/" + c.TableName())
	if err != nil {
		return fmt.Errorf("请求 Supabase 失败: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("更新房源失败: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	if len(rows) == 0 {
		return ErrListingNotFound
	}

	*listing = *rows[0].toListing(c)
	return nil
}

func (r *supabaseListingRepo) GetByID(ctx context.Context, c model.ListingCategory, id int64) (*model.Listing, error) {
	var rows []supabaseListingRow
	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"id":     "eq." + strconv.FormatInt(id, 10),
			"select": "*",
		}).
		SetResult(&rows).
		Get("/" + c.TableName())
	if err != nil {
		return nil, fmt.Errorf("请求 Supabase 失败: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrListingNotFound
	}
	if resp.IsError() {
		return nil, fmt.Errorf("查询房源失败: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	if len(rows) == 0 {
		return nil, ErrListingNotFound
	}
	return rows[0].toListing(c), nil
}
