package service

import (
	"bytes"
	"image/jpeg"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"luxe_estate_v1/internal/model"
)

// previewMaxEdge 预览缩略图最长边
const previewMaxEdge = 480

// EphemeralPreview 待上传文件的本地预览句柄
// 仅在编辑会话内有效，文件移除或会话结束时释放
type EphemeralPreview struct {
	Handle      string              `json:"handle"`
	FileID      string              `json:"file_id"`
	Category    model.MediaCategory `json:"category"`
	ContentType string              `json:"content_type"`
	Data        []byte              `json:"-"`
}

// PreviewManager 预览管理器
// 每个待上传文件对应一个预览，文件列表变更时释放不再存在的预览
type PreviewManager struct {
	mu       sync.Mutex
	byFile   map[model.MediaCategory]map[string]*EphemeralPreview // 分类 -> 文件ID -> 预览
	byHandle map[string]*EphemeralPreview
	log      *zap.SugaredLogger
}

// NewPreviewManager 创建预览管理器
func NewPreviewManager(log *zap.SugaredLogger) *PreviewManager {
	return &PreviewManager{
		byFile:   make(map[model.MediaCategory]map[string]*EphemeralPreview),
		byHandle: make(map[string]*EphemeralPreview),
		log:      log,
	}
}

// Sync 让分类下的预览与当前文件列表一致
// 先释放已不在列表中的预览，再为新文件创建预览；已有预览保持句柄不变
func (m *PreviewManager) Sync(c model.MediaCategory, files []*model.CandidateFile) []*EphemeralPreview {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := make(map[string]*model.CandidateFile, len(files))
	for _, f := range files {
		current[f.ID] = f
	}

	slot := m.byFile[c]
	if slot == nil {
		slot = make(map[string]*EphemeralPreview)
		m.byFile[c] = slot
	}

	for id, p := range slot {
		if _, ok := current[id]; !ok {
			m.releaseLocked(slot, id, p)
		}
	}

	out := make([]*EphemeralPreview, 0, len(files))
	for _, f := range files {
		p, ok := slot[f.ID]
		if !ok {
			p = m.build(f)
			slot[f.ID] = p
			m.byHandle[p.Handle] = p
		}
		out = append(out, p)
	}
	return out
}

// Remove 只释放指定文件的预览
func (m *PreviewManager) Remove(c model.MediaCategory, fileID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot := m.byFile[c]
	p, ok := slot[fileID]
	if !ok {
		return false
	}
	m.releaseLocked(slot, fileID, p)
	return true
}

// ReleaseAll 释放全部预览，会话结束或提交成功后调用
func (m *PreviewManager) ReleaseAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.byHandle)
	m.byFile = make(map[model.MediaCategory]map[string]*EphemeralPreview)
	m.byHandle = make(map[string]*EphemeralPreview)
	return n
}

// Live 分类下存活的预览数
func (m *PreviewManager) Live(c model.MediaCategory) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byFile[c])
}

// Handles 分类下存活的句柄（文件ID -> 句柄）
func (m *PreviewManager) Handles(c model.MediaCategory) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.byFile[c]))
	for id, p := range m.byFile[c] {
		out[id] = p.Handle
	}
	return out
}

// Get 按句柄取预览
func (m *PreviewManager) Get(handle string) (*EphemeralPreview, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byHandle[handle]
	return p, ok
}

func (m *PreviewManager) releaseLocked(slot map[string]*EphemeralPreview, fileID string, p *EphemeralPreview) {
	delete(slot, fileID)
	delete(m.byHandle, p.Handle)
	p.Data = nil
}

// build 图片生成缩略图，解码失败或非图片时直接引用原始内容
func (m *PreviewManager) build(f *model.CandidateFile) *EphemeralPreview {
	p := &EphemeralPreview{
		Handle:      uuid.New().String(),
		FileID:      f.ID,
		Category:    f.Category,
		ContentType: f.ContentType,
		Data:        f.Data,
	}
	if !f.IsImage() || len(f.Data) == 0 {
		return p
	}

	img, err := imaging.Decode(bytes.NewReader(f.Data), imaging.AutoOrientation(true))
	if err != nil {
		if m.log != nil {
			m.log.Debugf("[Preview] 解码失败，使用原图: %s, %v", f.Name, err)
		}
		return p
	}

	thumb := imaging.Fit(img, previewMaxEdge, previewMaxEdge, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(jpeg.DefaultQuality)); err != nil {
		return p
	}
	p.Data = buf.Bytes()
	p.ContentType = "image/jpeg"
	return p
}
