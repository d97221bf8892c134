package model

import "strings"

// ==================== 媒体分类 ====================

// MediaCategory 媒体分类
type MediaCategory string

const (
	MediaImage MediaCategory = "image"
	MediaVideo MediaCategory = "video"
	MediaTour  MediaCategory = "tour"
)

// MediaCategories 全部媒体分类（固定顺序）
var MediaCategories = []MediaCategory{MediaImage, MediaVideo, MediaTour}

// ParseMediaCategory 解析媒体分类
func ParseMediaCategory(s string) (MediaCategory, bool) {
	c := MediaCategory(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case MediaImage, MediaVideo, MediaTour:
		return c, true
	}
	return "", false
}

// IsSingle 视频和全景资料每个房源最多一个文件
func (c MediaCategory) IsSingle() bool {
	return c == MediaVideo || c == MediaTour
}

// ==================== 媒体引用 ====================

// MediaReference 远程可访问的资源地址，创建后不可变
// 身份即 URL 字符串本身
type MediaReference string

func (r MediaReference) String() string { return string(r) }

// ExistingReference 已持久化在房源上的引用，可被标记移除
type ExistingReference struct {
	Ref     MediaReference `json:"ref"`
	Removed bool           `json:"removed"`
}

// AsExisting 把一组引用转成"已存在"输入
func AsExisting(refs []MediaReference) []ExistingReference {
	out := make([]ExistingReference, len(refs))
	for i, r := range refs {
		out[i] = ExistingReference{Ref: r}
	}
	return out
}

// ==================== 待上传文件 ====================

// CandidateFile 用户已选择、尚未上传的文件
// 仅属于一个编辑会话，移除或上传成功后即丢弃
type CandidateFile struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	ContentType string        `json:"content_type"`
	Size        int64         `json:"size"`
	Category    MediaCategory `json:"category"`
	Data        []byte        `json:"-"`
}

// IsImage 是否为图片类型
func (f *CandidateFile) IsImage() bool {
	return strings.HasPrefix(f.ContentType, "image/")
}
