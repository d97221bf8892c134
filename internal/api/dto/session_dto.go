package dto

import (
	"time"

	"luxe_estate_v1/internal/model"
)

// ==================== 会话请求 ====================

// OpenSessionRequest 打开编辑会话
type OpenSessionRequest struct {
	Category  model.ListingCategory `json:"category" binding:"required"`
	ListingID int64                 `json:"listing_id"` // 0 表示新建
}

// UpdateFormRequest 更新表单标量字段与外部链接
// 指针字段为空表示不修改
type UpdateFormRequest struct {
	Form              *model.ListingForm `json:"form"`
	ExternalImageURLs *[]string          `json:"external_image_urls"`
	VideoURL          *string            `json:"video_url"`
	TourURL           *string            `json:"tour_url"`
}

// MarkExistingRequest 标记/取消标记已有引用为移除
type MarkExistingRequest struct {
	Category model.MediaCategory `json:"category" binding:"required"`
	Ref      string              `json:"ref" binding:"required"`
	Removed  *bool               `json:"removed"` // 默认 true
}

// ==================== 会话视图 ====================

// PreviewView 预览项
type PreviewView struct {
	FileID      string `json:"file_id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	Handle      string `json:"handle"`
	URL         string `json:"url"`
}

// SessionView 会话当前状态
type SessionView struct {
	ID                string                                `json:"id"`
	Category          model.ListingCategory                 `json:"category"`
	ListingID         int64                                 `json:"listing_id"`
	State             string                                `json:"state"`
	Form              model.ListingForm                     `json:"form"`
	ExternalImageURLs []string                              `json:"external_image_urls"`
	VideoURL          string                                `json:"video_url"`
	TourURL           string                                `json:"tour_url"`
	ExistingImages    []model.ExistingReference             `json:"existing_images"`
	ExistingVideo     *model.ExistingReference              `json:"existing_video,omitempty"`
	ExistingTour      *model.ExistingReference              `json:"existing_tour,omitempty"`
	Files             map[model.MediaCategory][]PreviewView `json:"files"`
	DraftAvailable    bool                                  `json:"draft_available"`
	Saving            bool                                  `json:"saving"`
	SavedAt           *time.Time                            `json:"saved_at,omitempty"`
	Error             *SubmitErrorView                      `json:"error,omitempty"`
	SubmitRetryAfter  int64                                 `json:"submit_retry_after_ms,omitempty"` // 提交冷却剩余毫秒
}

// SubmitErrorView 提交失败信息
type SubmitErrorView struct {
	Stage   string            `json:"stage"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// MergePreview 合并预览：提交前展示最终图片序列
type MergePreview struct {
	Images        []model.MediaReference `json:"images"`
	Count         int                    `json:"count"`
	Thumbnail     *model.MediaReference  `json:"thumbnail"`
	PendingUpload int                    `json:"pending_upload"`
	Video         *model.MediaReference  `json:"video,omitempty"`
	Tour          *model.MediaReference  `json:"tour,omitempty"`
}

// DraftOffer 可恢复的草稿
type DraftOffer struct {
	Available bool                 `json:"available"`
	Snapshot  *model.DraftSnapshot `json:"snapshot,omitempty"`
}

// ==================== 进度事件 ====================

// ProgressEvent SSE进度事件
type ProgressEvent struct {
	SessionID string      `json:"session_id"`
	Stage     string      `json:"stage"` // validating, uploading, reconciling, persisting, done, failed, draft_saved
	Progress  int         `json:"progress"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
}

// SubmitResult 提交成功结果
type SubmitResult struct {
	ListingID int64                 `json:"listing_id"`
	Category  model.ListingCategory `json:"category"`
	Images    []string              `json:"images"`
	Thumbnail *model.MediaReference `json:"thumbnail"`
	VideoURL  string                `json:"video_url,omitempty"`
	TourURL   string                `json:"tour_url,omitempty"`
}
