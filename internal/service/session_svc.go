package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"luxe_estate_v1/internal/api/dto"
	"luxe_estate_v1/internal/model"
	"luxe_estate_v1/internal/repository"
)

var (
	ErrSessionNotFound      = errors.New("编辑会话不存在或已关闭")
	ErrFileNotFound         = errors.New("文件不存在")
	ErrReferenceNotFound    = errors.New("引用不存在")
	ErrNoDraft              = errors.New("没有可恢复的草稿")
	ErrSubmissionInProgress = errors.New("正在提交，请稍候")
)

// ==================== 编辑会话 ====================

// EditSession 一次房源编辑的服务端状态
// 所有字段由 mu 保护；预览管理器有自己的锁
type EditSession struct {
	ID        string
	Category  model.ListingCategory
	CreatedAt time.Time

	mu        sync.Mutex
	listingID int64
	base      *model.Listing // 编辑已有房源时的原记录

	form           model.ListingForm
	externalImages []string
	videoURL       string
	tourURL        string

	existingImages []model.ExistingReference
	existingVideo  *model.ExistingReference
	existingTour   *model.ExistingReference

	files    map[model.MediaCategory][]*model.CandidateFile
	previews *PreviewManager

	slots      LocalStore
	draft      *DraftStore
	autosaver  *DraftAutosaver
	draftOffer *model.DraftSnapshot
	debounce   time.Duration
	log        *zap.SugaredLogger

	validateFiles func(c model.MediaCategory, offset int, files []*model.CandidateFile) FieldErrors
	notify        func(dto.ProgressEvent)
	lastActive    time.Time

	state      SubmissionState
	lastErr    *StageError
	submitting bool
	closed     bool
}

// ListingID 当前编辑的房源ID，新建为 0
func (s *EditSession) ListingID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listingID
}

// State 当前提交状态
func (s *EditSession) State() SubmissionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError 最近一次提交失败
func (s *EditSession) LastError() *StageError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Previews 预览管理器
func (s *EditSession) Previews() *PreviewManager { return s.previews }

// ==================== 表单修改 ====================

// UpdateForm 更新标量字段与外部链接，nil 字段保持不变
func (s *EditSession) UpdateForm(req *dto.UpdateFormRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editableLocked(); err != nil {
		return err
	}

	if req.Form != nil {
		s.form = *req.Form
	}
	if req.ExternalImageURLs != nil {
		s.externalImages = append([]string(nil), (*req.ExternalImageURLs)...)
	}
	if req.VideoURL != nil {
		s.videoURL = *req.VideoURL
	}
	if req.TourURL != nil {
		s.tourURL = *req.TourURL
	}

	s.touchLocked()
	return nil
}

// AddFiles 添加待上传文件
// 图片追加；视频与全景资料每个房源只有一个，新选择替换旧文件
func (s *EditSession) AddFiles(c model.MediaCategory, files []*model.CandidateFile) ([]*EphemeralPreview, error) {
	if c.IsSingle() && len(files) > 1 {
		return nil, fmt.Errorf("%s 只能选择一个文件", c)
	}

	for _, f := range files {
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		f.Category = c
		if f.Size == 0 {
			f.Size = int64(len(f.Data))
		}
		resolveContentType(f)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editableLocked(); err != nil {
		return nil, err
	}

	// 任一文件不合格则整批拒绝，不生成预览
	if s.validateFiles != nil {
		offset := 0
		if !c.IsSingle() {
			offset = len(s.files[c])
		}
		if fe := s.validateFiles(c, offset, files); len(fe) > 0 {
			return nil, &StageError{Stage: StageValidation, Reason: "文件校验未通过", Fields: fe, Err: fe}
		}
	}

	if c.IsSingle() {
		s.files[c] = append([]*model.CandidateFile(nil), files...)
	} else {
		s.files[c] = append(s.files[c], files...)
	}

	previews := s.previews.Sync(c, s.files[c])
	s.touchLocked()
	return previews, nil
}

// RemoveFile 移除单个待上传文件，只释放它自己的预览
func (s *EditSession) RemoveFile(c model.MediaCategory, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editableLocked(); err != nil {
		return err
	}

	list := s.files[c]
	for i, f := range list {
		if f.ID != fileID {
			continue
		}
		s.files[c] = append(list[:i:i], list[i+1:]...)
		s.previews.Remove(c, fileID)
		s.touchLocked()
		return nil
	}
	return ErrFileNotFound
}

// MarkExisting 标记/取消标记已有引用为移除
func (s *EditSession) MarkExisting(c model.MediaCategory, ref string, removed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editableLocked(); err != nil {
		return err
	}

	found := false
	switch c {
	case model.MediaImage:
		for i := range s.existingImages {
			if s.existingImages[i].Ref.String() == ref {
				s.existingImages[i].Removed = removed
				found = true
			}
		}
	case model.MediaVideo:
		found = markSingle(s.existingVideo, ref, removed)
	case model.MediaTour:
		found = markSingle(s.existingTour, ref, removed)
	}
	if !found {
		return ErrReferenceNotFound
	}

	s.touchLocked()
	return nil
}

func markSingle(e *model.ExistingReference, ref string, removed bool) bool {
	if e == nil || e.Ref.String() != ref {
		return false
	}
	e.Removed = removed
	return true
}

// ==================== 草稿 ====================

// DraftOffer 会话打开时读到的草稿，只展示不自动应用
func (s *EditSession) DraftOffer() *model.DraftSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draftOffer
}

// RestoreDraft 应用草稿的标量字段与链接
// 文件内容无法恢复，返回的快照中 PendingFiles 供前端提示重新选择
func (s *EditSession) RestoreDraft() (*model.DraftSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editableLocked(); err != nil {
		return nil, err
	}
	snap := s.draftOffer
	if snap == nil {
		return nil, ErrNoDraft
	}

	s.form = snap.Form
	s.externalImages = append([]string(nil), snap.ExternalImageURLs...)
	s.videoURL = snap.VideoURL
	s.tourURL = snap.TourURL

	removed := make(map[string]struct{}, len(snap.RemovedExisting))
	for _, r := range snap.RemovedExisting {
		removed[r] = struct{}{}
	}
	for i := range s.existingImages {
		_, s.existingImages[i].Removed = removed[s.existingImages[i].Ref.String()]
	}
	for _, e := range []*model.ExistingReference{s.existingVideo, s.existingTour} {
		if e != nil {
			_, e.Removed = removed[e.Ref.String()]
		}
	}

	s.draftOffer = nil
	s.touchLocked()
	return snap, nil
}

// DiscardDraft 放弃草稿
func (s *EditSession) DiscardDraft(ctx context.Context) {
	s.mu.Lock()
	s.draftOffer = nil
	draft, autosaver := s.draft, s.autosaver
	s.mu.Unlock()

	autosaver.Cancel()
	draft.Clear(ctx)
}

// DraftStatus 保存中标记与最后保存时间
func (s *EditSession) DraftStatus() (bool, time.Time) {
	s.mu.Lock()
	autosaver := s.autosaver
	s.mu.Unlock()
	return autosaver.Status()
}

// ==================== 合并预览 ====================

// PreviewMerge 提交前预览最终图片序列
// 待上传文件尚无远程引用，只计入 PendingUpload
func (s *EditSession) PreviewMerge() *dto.MergePreview {
	s.mu.Lock()
	defer s.mu.Unlock()

	images := Reconcile(s.existingImages, nil, s.externalImages)
	pending := len(s.files[model.MediaImage])

	mp := &dto.MergePreview{
		Images:        images,
		Count:         len(images) + pending,
		Thumbnail:     Thumbnail(images),
		PendingUpload: pending,
		Video:         ReconcileSingle(s.existingVideo, nil, s.videoURL),
		Tour:          ReconcileSingle(s.existingTour, nil, s.tourURL),
	}
	// 没有保留的已有图片时，首个待上传文件将成为缩略图，此时还没有远程引用
	if pending > 0 && allRemoved(s.existingImages) {
		mp.Thumbnail = nil
	}
	// 待上传的视频与全景资料会覆盖单值槽位
	if len(s.files[model.MediaVideo]) > 0 {
		mp.Video = nil
	}
	if len(s.files[model.MediaTour]) > 0 {
		mp.Tour = nil
	}
	return mp
}

func allRemoved(refs []model.ExistingReference) bool {
	for _, r := range refs {
		if !r.Removed {
			return false
		}
	}
	return true
}

// ==================== 视图 ====================

// View 会话当前状态，previewURL 把预览句柄转换为访问地址
func (s *EditSession) View(previewURL func(handle string) string) *dto.SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := &dto.SessionView{
		ID:                s.ID,
		Category:          s.Category,
		ListingID:         s.listingID,
		State:             string(s.state),
		Form:              s.form,
		ExternalImageURLs: append([]string{}, s.externalImages...),
		VideoURL:          s.videoURL,
		TourURL:           s.tourURL,
		ExistingImages:    append([]model.ExistingReference{}, s.existingImages...),
		ExistingVideo:     copyExisting(s.existingVideo),
		ExistingTour:      copyExisting(s.existingTour),
		Files:             make(map[model.MediaCategory][]dto.PreviewView, len(s.files)),
		DraftAvailable:    s.draftOffer != nil,
	}

	for _, c := range model.MediaCategories {
		handles := s.previews.Handles(c)
		views := make([]dto.PreviewView, 0, len(s.files[c]))
		for _, f := range s.files[c] {
			pv := dto.PreviewView{
				FileID:      f.ID,
				Name:        f.Name,
				Size:        f.Size,
				ContentType: f.ContentType,
				Handle:      handles[f.ID],
			}
			if pv.Handle != "" && previewURL != nil {
				pv.URL = previewURL(pv.Handle)
			}
			views = append(views, pv)
		}
		v.Files[c] = views
	}

	saving, savedAt := s.autosaver.Status()
	v.Saving = saving
	if !savedAt.IsZero() {
		v.SavedAt = &savedAt
	}
	if s.lastErr != nil {
		v.Error = s.lastErr.View()
	}
	return v
}

func copyExisting(e *model.ExistingReference) *model.ExistingReference {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// ==================== 内部状态 ====================

func (s *EditSession) editableLocked() error {
	if s.closed {
		return ErrSessionNotFound
	}
	if s.submitting {
		return ErrSubmissionInProgress
	}
	return nil
}

// touchLocked 表单变更：已结束的提交回到编辑态，并排期保存草稿
func (s *EditSession) touchLocked() {
	if s.state == StateDone || s.state == StateFailed {
		s.state = StateEditing
	}
	s.lastActive = time.Now()
	s.autosaver.Schedule(s.snapshotLocked())
}

// bindDraftLocked 切换草稿槽位，保存成功时推送 draft_saved 事件
func (s *EditSession) bindDraftLocked(listingID int64) {
	s.draft = NewDraftStore(s.slots, DraftKey(s.Category, listingID), s.log)
	s.autosaver = NewDraftAutosaver(s.draft, s.debounce)

	notify := s.notify
	if notify == nil {
		return
	}
	s.autosaver.OnSaved(func(at time.Time) {
		notify(dto.ProgressEvent{
			Stage:    EventDraftSaved,
			Progress: 100,
			Message:  "草稿已保存",
			Data:     map[string]time.Time{"saved_at": at},
		})
	})
}

// idleSince 最后一次修改的时间；提交进行中视为活跃
func (s *EditSession) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitting || s.closed {
		return time.Time{}, false
	}
	return s.lastActive, true
}

// snapshotLocked 可序列化的表单快照，不含文件内容
func (s *EditSession) snapshotLocked() *model.DraftSnapshot {
	snap := &model.DraftSnapshot{
		Form:              s.form,
		ExternalImageURLs: append([]string(nil), s.externalImages...),
		VideoURL:          s.videoURL,
		TourURL:           s.tourURL,
	}

	for _, e := range s.existingImages {
		if e.Removed {
			snap.RemovedExisting = append(snap.RemovedExisting, e.Ref.String())
		}
	}
	for _, e := range []*model.ExistingReference{s.existingVideo, s.existingTour} {
		if e != nil && e.Removed {
			snap.RemovedExisting = append(snap.RemovedExisting, e.Ref.String())
		}
	}

	for c, files := range s.files {
		if len(files) == 0 {
			continue
		}
		if snap.PendingFiles == nil {
			snap.PendingFiles = make(map[string][]string)
		}
		names := make([]string, len(files))
		for i, f := range files {
			names[i] = f.Name
		}
		snap.PendingFiles[string(c)] = names
	}
	return snap
}

// submitInput 提交开始时的一致性快照
type submitInput struct {
	sessionID      string
	category       model.ListingCategory
	listingID      int64
	base           *model.Listing
	form           model.ListingForm
	externalImages []string
	videoURL       string
	tourURL        string
	existingImages []model.ExistingReference
	existingVideo  *model.ExistingReference
	existingTour   *model.ExistingReference
	images         []*model.CandidateFile
	video          *model.CandidateFile
	tour           *model.CandidateFile
}

// beginSubmit 进入 Validating，同一会话同时只允许一个提交
// 挂起的草稿先落盘，提交期间不会再有新的写入排期
func (s *EditSession) beginSubmit() (*submitInput, error) {
	in, autosaver, err := s.snapshotForSubmit()
	if err != nil {
		return nil, err
	}
	autosaver.Flush()
	return in, nil
}

func (s *EditSession) snapshotForSubmit() (*submitInput, *DraftAutosaver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, ErrSessionNotFound
	}
	if s.submitting {
		return nil, nil, ErrSubmissionInProgress
	}
	s.submitting = true
	s.state = StateValidating
	s.lastErr = nil

	in := &submitInput{
		sessionID:      s.ID,
		category:       s.Category,
		listingID:      s.listingID,
		form:           s.form,
		externalImages: append([]string(nil), s.externalImages...),
		videoURL:       s.videoURL,
		tourURL:        s.tourURL,
		existingImages: append([]model.ExistingReference(nil), s.existingImages...),
		existingVideo:  copyExisting(s.existingVideo),
		existingTour:   copyExisting(s.existingTour),
		images:         append([]*model.CandidateFile(nil), s.files[model.MediaImage]...),
	}
	if s.base != nil {
		b := *s.base
		in.base = &b
	}
	if v := s.files[model.MediaVideo]; len(v) > 0 {
		in.video = v[0]
	}
	if t := s.files[model.MediaTour]; len(t) > 0 {
		in.tour = t[0]
	}
	return in, s.autosaver, nil
}

func (s *EditSession) setState(st SubmissionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// endSubmit 提交结束；验证与上传失败回到编辑态，持久化失败停在 Failed
func (s *EditSession) endSubmit(st SubmissionState, err *StageError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitting = false
	s.state = st
	s.lastErr = err
}

// complete 持久化成功：清草稿、释放预览、丢弃已上传的文件
// 之后的编辑作用于新写入的记录
func (s *EditSession) complete(ctx context.Context, listing *model.Listing) {
	s.mu.Lock()
	oldDraft, oldAutosaver := s.draft, s.autosaver
	s.listingID = listing.ID
	saved := *listing
	s.base = &saved
	s.form = model.FormFromListing(listing)
	s.externalImages = nil
	s.videoURL, s.tourURL = "", ""
	s.existingImages = model.AsExisting(listing.MediaRefs())
	s.existingVideo = existingFromURL(listing.VideoURL)
	s.existingTour = existingFromURL(listing.TourURL)
	s.files = make(map[model.MediaCategory][]*model.CandidateFile)
	s.draftOffer = nil
	s.bindDraftLocked(listing.ID)
	s.submitting = false
	s.lastActive = time.Now()
	s.state = StateDone
	s.lastErr = nil
	s.mu.Unlock()

	oldAutosaver.Stop()
	oldDraft.Clear(ctx)
	s.previews.ReleaseAll()
}

func existingFromURL(u string) *model.ExistingReference {
	if u == "" {
		return nil
	}
	return &model.ExistingReference{Ref: model.MediaReference(u)}
}

// close 会话结束：落盘挂起的草稿并释放全部预览
func (s *EditSession) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	autosaver := s.autosaver
	s.mu.Unlock()

	autosaver.Flush()
	autosaver.Stop()
	s.previews.ReleaseAll()
}

// resolveContentType 声明类型缺失时按内容识别
func resolveContentType(f *model.CandidateFile) {
	ct := normalizeContentType(f.ContentType)
	if (ct == "" || ct == "application/octet-stream") && len(f.Data) > 0 {
		ct = normalizeContentType(mimetype.Detect(f.Data).String())
	}
	f.ContentType = ct
}

// ==================== 会话管理 ====================

// SessionManager 编辑会话管理器
type SessionManager struct {
	listings  repository.ListingStore
	slots     LocalStore
	submitter *SubmissionController
	debounce  time.Duration
	log       *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[string]*EditSession

	// 进度订阅管理
	subscribers     map[string][]chan dto.ProgressEvent
	subscriberMutex sync.RWMutex
}

// NewSessionManager 创建会话管理器
func NewSessionManager(
	listings repository.ListingStore,
	slots LocalStore,
	submitter *SubmissionController,
	debounce time.Duration,
	log *zap.SugaredLogger,
) *SessionManager {
	return &SessionManager{
		listings:    listings,
		slots:       slots,
		submitter:   submitter,
		debounce:    debounce,
		log:         log,
		sessions:    make(map[string]*EditSession),
		subscribers: make(map[string][]chan dto.ProgressEvent),
	}
}

// Open 打开编辑会话
// 编辑已有房源时载入其字段与媒体引用；草稿只读取作为可选恢复项
func (m *SessionManager) Open(ctx context.Context, req *dto.OpenSessionRequest) (*EditSession, error) {
	category, ok := model.ParseListingCategory(string(req.Category))
	if !ok {
		return nil, fmt.Errorf("不支持的房源分类: %s", req.Category)
	}

	now := time.Now()
	s := &EditSession{
		ID:         uuid.New().String(),
		Category:   category,
		CreatedAt:  now,
		files:      make(map[model.MediaCategory][]*model.CandidateFile),
		previews:   NewPreviewManager(m.log),
		slots:      m.slots,
		debounce:   m.debounce,
		log:        m.log,
		state:      StateEditing,
		lastActive: now,
	}
	if m.submitter != nil {
		s.validateFiles = m.submitter.ValidateFiles
	}
	s.notify = func(e dto.ProgressEvent) {
		e.SessionID = s.ID
		m.notifyProgress(s.ID, e)
	}

	if req.ListingID > 0 {
		listing, err := m.listings.GetByID(ctx, category, req.ListingID)
		if err != nil {
			return nil, fmt.Errorf("载入房源失败: %w", err)
		}
		s.listingID = listing.ID
		s.base = listing
		s.form = model.FormFromListing(listing)
		s.existingImages = model.AsExisting(listing.MediaRefs())
		s.existingVideo = existingFromURL(listing.VideoURL)
		s.existingTour = existingFromURL(listing.TourURL)
	}

	s.bindDraftLocked(s.listingID)
	s.draftOffer = s.draft.Load(ctx)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.log.Infof("[Session] 打开编辑会话: id=%s, category=%s, listing=%d, draft=%v",
		s.ID, category, s.listingID, s.draftOffer != nil)
	return s, nil
}

// Get 获取会话
func (m *SessionManager) Get(id string) (*EditSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close 关闭会话
func (m *SessionManager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	s.close()
	m.log.Infof("[Session] 关闭编辑会话: id=%s", id)
	return nil
}

// CloseAll 进程退出时关闭全部会话
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*EditSession)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// ReapIdle 关闭超过 maxIdle 未修改的会话，返回被关闭的会话ID
// 提交进行中的会话不回收
func (m *SessionManager) ReapIdle(maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	var reaped []*EditSession
	for id, s := range m.sessions {
		last, ok := s.idleSince()
		if !ok || last.After(cutoff) {
			continue
		}
		delete(m.sessions, id)
		reaped = append(reaped, s)
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(reaped))
	for _, s := range reaped {
		s.close()
		ids = append(ids, s.ID)
		m.log.Infof("[Session] 回收空闲会话: id=%s", s.ID)
	}
	return ids
}

// Count 当前会话数
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Submit 提交会话
// 客户端断开不影响进行中的上传与写入
func (m *SessionManager) Submit(ctx context.Context, id string) (*model.Listing, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	return m.submitter.Submit(context.WithoutCancel(ctx), s, func(e dto.ProgressEvent) {
		e.SessionID = id
		m.notifyProgress(id, e)
	})
}

// ==================== 进度订阅 ====================

// Subscribe 订阅会话进度
func (m *SessionManager) Subscribe(sessionID string) chan dto.ProgressEvent {
	m.subscriberMutex.Lock()
	defer m.subscriberMutex.Unlock()

	ch := make(chan dto.ProgressEvent, 10)
	m.subscribers[sessionID] = append(m.subscribers[sessionID], ch)
	return ch
}

// Unsubscribe 取消订阅
func (m *SessionManager) Unsubscribe(sessionID string, ch chan dto.ProgressEvent) {
	m.subscriberMutex.Lock()
	defer m.subscriberMutex.Unlock()

	subs := m.subscribers[sessionID]
	for i, sub := range subs {
		if sub == ch {
			m.subscribers[sessionID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}

	if len(m.subscribers[sessionID]) == 0 {
		delete(m.subscribers, sessionID)
	}
}

// notifyProgress 通知进度
func (m *SessionManager) notifyProgress(sessionID string, event dto.ProgressEvent) {
	m.subscriberMutex.RLock()
	defer m.subscriberMutex.RUnlock()

	for _, ch := range m.subscribers[sessionID] {
		select {
		case ch <- event:
		default:
			// channel 已满，跳过
		}
	}
}
