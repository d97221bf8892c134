package service

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"luxe_estate_v1/internal/model"
)

// ==================== 错误 ====================

// UploadError 上传失败，标明分类与文件名
type UploadError struct {
	Category model.MediaCategory
	FileName string
	Err      error
}

func (e *UploadError) Error() string {
	if e.FileName != "" {
		return fmt.Sprintf("%s 上传失败 (%s): %v", e.Category, e.FileName, e.Err)
	}
	return fmt.Sprintf("%s 上传失败: %v", e.Category, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// ==================== 进度 ====================

// ProgressTracker 上传进度 = 已完成数 / 总数 * 100
// 每完成一个文件更新一次，单调递增
type ProgressTracker struct {
	mu        sync.Mutex
	total     int
	completed int
	onChange  func(completed, total, percent int)
}

// NewProgressTracker 创建进度跟踪器，onChange 可为空
func NewProgressTracker(total int, onChange func(completed, total, percent int)) *ProgressTracker {
	return &ProgressTracker{total: total, onChange: onChange}
}

// Done 记录一次完成
func (p *ProgressTracker) Done() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.completed < p.total {
		p.completed++
	}
	if p.onChange != nil {
		p.onChange(p.completed, p.total, p.percentLocked())
	}
}

func (p *ProgressTracker) percentLocked() int {
	if p.total == 0 {
		return 100
	}
	return p.completed * 100 / p.total
}

// ==================== 上传编排 ====================

// UploadScope 上传路径作用域，避免并发编辑时 key 冲突
type UploadScope struct {
	Folder    string
	SessionID string
}

// UploadPlan 一次提交需要上传的全部文件
type UploadPlan struct {
	Scope  UploadScope
	Images []*model.CandidateFile
	Video  *model.CandidateFile
	Tour   *model.CandidateFile
}

// Total 文件总数
func (p *UploadPlan) Total() int {
	n := len(p.Images)
	if p.Video != nil {
		n++
	}
	if p.Tour != nil {
		n++
	}
	return n
}

// UploadResult 上传结果，Images 与输入顺序一致
type UploadResult struct {
	Images []model.MediaReference
	Video  *model.MediaReference
	Tour   *model.MediaReference
}

// Count 已写入存储的对象数
func (r *UploadResult) Count() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, ref := range r.Images {
		if ref != "" {
			n++
		}
	}
	if r.Video != nil {
		n++
	}
	if r.Tour != nil {
		n++
	}
	return n
}

// UploadOrchestrator 上传编排器
// 同一分类内的文件并发上传，三个分类之间也并发
// 失败不回滚、不重试；某个文件失败不会取消其他正在进行的上传
type UploadOrchestrator struct {
	storage BlobStorage
	log     *zap.SugaredLogger
}

// NewUploadOrchestrator 创建上传编排器
func NewUploadOrchestrator(storage BlobStorage, log *zap.SugaredLogger) *UploadOrchestrator {
	return &UploadOrchestrator{storage: storage, log: log}
}

// UploadBatch 并发上传一个分类下的所有文件
func (u *UploadOrchestrator) UploadBatch(ctx context.Context, files []*model.CandidateFile, c model.MediaCategory, scope UploadScope) ([]model.MediaReference, error) {
	return u.uploadBatch(ctx, files, c, scope, nil)
}

// UploadSingle 上传视频或全景资料，file 为空时返回 nil
func (u *UploadOrchestrator) UploadSingle(ctx context.Context, file *model.CandidateFile, c model.MediaCategory, scope UploadScope) (*model.MediaReference, error) {
	return u.uploadSingle(ctx, file, c, scope, nil)
}

// UploadAll 三个分类并发上传，onProgress 在每个文件完成后回调
func (u *UploadOrchestrator) UploadAll(ctx context.Context, plan *UploadPlan, onProgress func(completed, total, percent int)) (*UploadResult, error) {
	tracker := NewProgressTracker(plan.Total(), onProgress)
	result := &UploadResult{}

	var g errgroup.Group
	g.Go(func() error {
		refs, err := u.uploadBatch(ctx, plan.Images, model.MediaImage, plan.Scope, tracker)
		result.Images = refs
		return err
	})
	g.Go(func() error {
		ref, err := u.uploadSingle(ctx, plan.Video, model.MediaVideo, plan.Scope, tracker)
		result.Video = ref
		return err
	})
	g.Go(func() error {
		ref, err := u.uploadSingle(ctx, plan.Tour, model.MediaTour, plan.Scope, tracker)
		result.Tour = ref
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (u *UploadOrchestrator) uploadBatch(
	ctx context.Context,
	files []*model.CandidateFile,
	c model.MediaCategory,
	scope UploadScope,
	tracker *ProgressTracker,
) ([]model.MediaReference, error) {
	if len(files) == 0 {
		return nil, nil
	}

	refs := make([]model.MediaReference, len(files))

	var g errgroup.Group
	for i, f := range files {
		g.Go(func() error {
			url, err := u.storage.Store(ctx, BlobKey(scope, c, f), f.Data, f.ContentType)
			if err != nil {
				u.log.Warnf("[Upload] 文件上传失败: category=%s, file=%s, %v", c, f.Name, err)
				return &UploadError{Category: c, FileName: f.Name, Err: err}
			}
			refs[i] = model.MediaReference(url)
			tracker.Done()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// 已成功的文件保留在存储中，不做回滚
		uploaded := 0
		for _, r := range refs {
			if r != "" {
				uploaded++
			}
		}
		if uploaded > 0 {
			u.log.Warnf("[Upload] %s 批次失败，%d 个已上传文件成为孤立对象", c, uploaded)
		}
		return nil, err
	}

	return refs, nil
}

func (u *UploadOrchestrator) uploadSingle(
	ctx context.Context,
	file *model.CandidateFile,
	c model.MediaCategory,
	scope UploadScope,
	tracker *ProgressTracker,
) (*model.MediaReference, error) {
	if file == nil {
		return nil, nil
	}

	refs, err := u.uploadBatch(ctx, []*model.CandidateFile{file}, c, scope, tracker)
	if err != nil {
		return nil, err
	}
	return &refs[0], nil
}

// BlobKey 对象存储 key: <folder>/<分类>/<会话ID>/<uuid><扩展名>
func BlobKey(scope UploadScope, c model.MediaCategory, f *model.CandidateFile) string {
	ext := strings.ToLower(path.Ext(f.Name))
	if ext == "" {
		if m := mimetype.Lookup(normalizeContentType(f.ContentType)); m != nil {
			ext = m.Extension()
		}
	}

	parts := make([]string, 0, 4)
	if scope.Folder != "" {
		parts = append(parts, strings.Trim(scope.Folder, "/"))
	}
	parts = append(parts, string(c))
	if scope.SessionID != "" {
		parts = append(parts, scope.SessionID)
	}
	parts = append(parts, uuid.New().String()+ext)
	return strings.Join(parts, "/")
}
