package model

import (
	"strings"
	"time"
)

// ==================== 草稿快照 ====================

// DraftSnapshot 表单的可序列化子集
// 只记录待上传文件的名称与数量，文件内容不落盘
type DraftSnapshot struct {
	Form              ListingForm         `json:"form"`
	ExternalImageURLs []string            `json:"external_image_urls,omitempty"`
	VideoURL          string              `json:"video_url,omitempty"`
	TourURL           string              `json:"tour_url,omitempty"`
	RemovedExisting   []string            `json:"removed_existing,omitempty"`
	PendingFiles      map[string][]string `json:"pending_files,omitempty"` // 分类 -> 文件名
	SavedAt           time.Time           `json:"saved_at"`
}

// PendingCount 待上传文件总数
func (s *DraftSnapshot) PendingCount() int {
	n := 0
	for _, names := range s.PendingFiles {
		n += len(names)
	}
	return n
}

// IsEmpty 无标题、无描述、无待上传文件时视为空表单，不值得保存
func (s *DraftSnapshot) IsEmpty() bool {
	return strings.TrimSpace(s.Form.Title) == "" &&
		strings.TrimSpace(s.Form.Description) == "" &&
		s.PendingCount() == 0
}

// ==================== 草稿槽位 ====================

// DraftSlot 关系库中的草稿槽位（键值存储的一种实现）
type DraftSlot struct {
	Key       string    `gorm:"primaryKey;column:slot_key;size:191"`
	Value     string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time `gorm:"index"`
}

func (*DraftSlot) TableName() string {
	return "draft_slots"
}
