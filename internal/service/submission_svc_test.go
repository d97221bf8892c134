package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"luxe_estate_v1/internal/api/dto"
	"luxe_estate_v1/internal/model"
	"luxe_estate_v1/internal/repository"
	"luxe_estate_v1/pkg/logger"
)

// ==================== Mock 实现 ====================

type mockListingStore struct {
	mu       sync.Mutex
	nextID   int64
	rows     map[int64]*model.Listing
	creates  int
	updates  int
	createFn func(l *model.Listing) error
}

func newMockListingStore(seed ...*model.Listing) *mockListingStore {
	m := &mockListingStore{nextID: 100, rows: make(map[int64]*model.Listing)}
	for _, l := range seed {
		m.rows[l.ID] = l
	}
	return m
}

func (m *mockListingStore) Create(_ context.Context, c model.ListingCategory, l *model.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.createFn != nil {
		if err := m.createFn(l); err != nil {
			return err
		}
	}
	m.nextID++
	l.ID = m.nextID
	l.Category = c
	cp := *l
	m.rows[l.ID] = &cp
	return nil
}

func (m *mockListingStore) Update(_ context.Context, c model.ListingCategory, l *model.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if _, ok := m.rows[l.ID]; !ok {
		return repository.ErrListingNotFound
	}
	l.Category = c
	cp := *l
	m.rows[l.ID] = &cp
	return nil
}

func (m *mockListingStore) GetByID(_ context.Context, _ model.ListingCategory, id int64) (*model.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *mockListingStore) writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates + m.updates
}

// ==================== 辅助函数 ====================

type testEnv struct {
	storage  *mockBlobStorage
	listings *mockListingStore
	slots    *mockLocalStore
	manager  *SessionManager
}

func newTestEnv(t *testing.T, storage *mockBlobStorage, listings *mockListingStore) *testEnv {
	t.Helper()
	if storage == nil {
		storage = &mockBlobStorage{}
	}
	if listings == nil {
		listings = newMockListingStore()
	}
	slots := newMockLocalStore()
	log := logger.Nop()

	submitter := NewSubmissionController(
		NewAssetValidator(nil),
		NewUploadOrchestrator(storage, log),
		listings,
		"properties",
		log,
	)
	m := NewSessionManager(listings, slots, submitter, 20*time.Millisecond, log)
	t.Cleanup(m.CloseAll)

	return &testEnv{storage: storage, listings: listings, slots: slots, manager: m}
}

func validForm() *model.ListingForm {
	return &model.ListingForm{
		Title:        "Villa Azure",
		Description:  "Cliffside villa with infinity pool",
		Price:        4_500_000,
		Location:     "Monaco",
		PropertyType: "villa",
		Bedrooms:     6,
	}
}

func openSession(t *testing.T, env *testEnv, listingID int64) *EditSession {
	t.Helper()
	s, err := env.manager.Open(context.Background(), &dto.OpenSessionRequest{
		Category:  model.ListingSale,
		ListingID: listingID,
	})
	require.NoError(t, err)
	return s
}

func mustUpdateForm(t *testing.T, s *EditSession, req *dto.UpdateFormRequest) {
	t.Helper()
	require.NoError(t, s.UpdateForm(req))
}

// ==================== 场景测试 ====================

func TestSubmit_ThreeImagesConcurrent(t *testing.T) {
	env := newTestEnv(t, &mockBlobStorage{delay: 20 * time.Millisecond}, nil)
	s := openSession(t, env, 0)

	mustUpdateForm(t, s, &dto.UpdateFormRequest{Form: validForm()})
	_, err := s.AddFiles(model.MediaImage, imageFiles("first.jpg", "second.jpg", "third.jpg"))
	require.NoError(t, err)

	listing, err := env.manager.Submit(context.Background(), s.ID)
	require.NoError(t, err)

	assert.Equal(t, int32(3), env.storage.calls.Load())
	assert.Greater(t, env.storage.peak.Load(), int32(1))
	require.Len(t, listing.Images, 3)
	assert.Equal(t, "https://cdn.test/first.jpg", listing.Images[0])
	require.NotNil(t, listing.Thumbnail)
	assert.Equal(t, "https://cdn.test/first.jpg", *listing.Thumbnail)
	assert.Equal(t, StateDone, s.State())
	assert.Equal(t, 1, env.listings.creates)

	for _, k := range env.storage.keys {
		assert.Contains(t, k, "properties/image/"+s.ID+"/")
	}
}

func TestSubmit_ExistingPlusExternal(t *testing.T) {
	existing := &model.Listing{BaseModel: model.BaseModel{ID: 7}, Category: model.ListingSale}
	validForm().ApplyTo(existing)
	existing.ApplyMedia([]model.MediaReference{"https://cdn/b.jpg"})

	env := newTestEnv(t, nil, newMockListingStore(existing))
	s := openSession(t, env, 7)

	urls := []string{"https://x.com/a.jpg"}
	mustUpdateForm(t, s, &dto.UpdateFormRequest{ExternalImageURLs: &urls})

	listing, err := env.manager.Submit(context.Background(), s.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://cdn/b.jpg", "https://x.com/a.jpg"}, []string(listing.Images))
	require.NotNil(t, listing.Thumbnail)
	assert.Equal(t, "https://cdn/b.jpg", *listing.Thumbnail)
	assert.Equal(t, int64(7), listing.ID)
	assert.Equal(t, 1, env.listings.updates)
	assert.Equal(t, 0, env.listings.creates)
	assert.Equal(t, int32(0), env.storage.calls.Load())
}

func TestSubmit_EmptyTitleHaltsAtValidation(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	s := openSession(t, env, 0)

	form := validForm()
	form.Title = "   "
	mustUpdateForm(t, s, &dto.UpdateFormRequest{Form: form})
	_, err := s.AddFiles(model.MediaImage, imageFiles("a.jpg"))
	require.NoError(t, err)

	_, err = env.manager.Submit(context.Background(), s.ID)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageValidation, stageErr.Stage)
	assert.Contains(t, stageErr.Fields, "title")

	assert.Equal(t, int32(0), env.storage.calls.Load(), "校验失败不应发起上传")
	assert.Equal(t, 0, env.listings.writes())
	assert.Equal(t, StateEditing, s.State())
	assert.Equal(t, stageErr, s.LastError())
}

func TestSubmit_InvalidAssetsHaltAtValidation(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	s := openSession(t, env, 0)

	video := "ftp://example.com/v.mp4"
	mustUpdateForm(t, s, &dto.UpdateFormRequest{Form: validForm(), VideoURL: &video})
	_, err := s.AddFiles(model.MediaImage, imageFiles("a.jpg"))
	require.NoError(t, err)

	_, err = env.manager.Submit(context.Background(), s.ID)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Contains(t, stageErr.Fields, "video_url")
	assert.NotContains(t, stageErr.Fields, "images[0]")
	assert.Equal(t, int32(0), env.storage.calls.Load())
}

func TestSubmit_SecondImageFails(t *testing.T) {
	storage := &mockBlobStorage{
		storeFn: func(_ string, data []byte) (string, error) {
			if string(data) == "2.jpg" {
				return "", errors.New("network error")
			}
			return "https://cdn.test/" + string(data), nil
		},
	}
	env := newTestEnv(t, storage, nil)
	s := openSession(t, env, 0)

	mustUpdateForm(t, s, &dto.UpdateFormRequest{Form: validForm()})
	_, err := s.AddFiles(model.MediaImage, imageFiles("1.jpg", "2.jpg", "3.jpg"))
	require.NoError(t, err)

	_, err = env.manager.Submit(context.Background(), s.ID)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageUpload, stageErr.Stage)

	var upErr *UploadError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, model.MediaImage, upErr.Category)
	assert.Equal(t, "2.jpg", upErr.FileName)

	assert.Equal(t, 0, env.listings.writes(), "上传失败不应写入记录")
	assert.Equal(t, StateEditing, s.State())

	// 文件仍保留，可直接重新提交
	assert.Equal(t, 3, s.Previews().Live(model.MediaImage))
}

func TestSubmit_RemovedExistingPlusUpload(t *testing.T) {
	existing := &model.Listing{BaseModel: model.BaseModel{ID: 9}}
	validForm().ApplyTo(existing)
	existing.ApplyMedia([]model.MediaReference{"a", "b"})

	storage := &mockBlobStorage{
		storeFn: func(string, []byte) (string, error) { return "c", nil },
	}
	env := newTestEnv(t, storage, newMockListingStore(existing))
	s := openSession(t, env, 9)

	require.NoError(t, s.MarkExisting(model.MediaImage, "a", true))
	_, err := s.AddFiles(model.MediaImage, imageFiles("c.jpg"))
	require.NoError(t, err)

	listing, err := env.manager.Submit(context.Background(), s.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c"}, []string(listing.Images))
	require.NotNil(t, listing.Thumbnail)
	assert.Equal(t, "b", *listing.Thumbnail)
}

// ==================== 状态机 ====================

func TestSubmit_PersistFailureThenRetry(t *testing.T) {
	listings := newMockListingStore()
	var fail atomic.Bool
	fail.Store(true)
	listings.createFn = func(*model.Listing) error {
		if fail.Load() {
			return errors.New("connection refused")
		}
		return nil
	}

	env := newTestEnv(t, nil, listings)
	s := openSession(t, env, 0)
	mustUpdateForm(t, s, &dto.UpdateFormRequest{Form: validForm()})
	_, err := s.AddFiles(model.MediaImage, imageFiles("a.jpg"))
	require.NoError(t, err)

	_, err = env.manager.Submit(context.Background(), s.ID)
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StagePersist, stageErr.Stage)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, int32(1), env.storage.calls.Load())

	// 重试从校验重新开始，文件重新上传
	fail.Store(false)
	listing, err := env.manager.Submit(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), env.storage.calls.Load())
	assert.Equal(t, StateDone, s.State())
	assert.Nil(t, s.LastError())
	assert.Equal(t, listing.ID, s.ListingID())
}

func TestSubmit_PersistFailureLogsStoredObjects(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	log := zap.New(core).Sugar()

	listings := newMockListingStore()
	listings.createFn = func(*model.Listing) error { return errors.New("db down") }
	submitter := NewSubmissionController(NewAssetValidator(nil), NewUploadOrchestrator(&mockBlobStorage{}, log), listings, "properties", log)
	m := NewSessionManager(listings, newMockLocalStore(), submitter, 20*time.Millisecond, log)
	t.Cleanup(m.CloseAll)

	s, err := m.Open(context.Background(), &dto.OpenSessionRequest{Category: model.ListingSale})
	require.NoError(t, err)
	mustUpdateForm(t, s, &dto.UpdateFormRequest{Form: validForm()})
	_, err = s.AddFiles(model.MediaImage, imageFiles("a.jpg", "b.jpg"))
	require.NoError(t, err)
	video := &model.CandidateFile{Name: "v.mp4", ContentType: "video/mp4", Data: []byte("v.mp4")}
	_, err = s.AddFiles(model.MediaVideo, []*model.CandidateFile{video})
	require.NoError(t, err)

	_, err = m.Submit(context.Background(), s.ID)
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StagePersist, stageErr.Stage)

	orphans := logs.FilterMessageSnippet("孤立对象").All()
	require.Len(t, orphans, 1)
	assert.Contains(t, orphans[0].Message, "3 个已上传文件")
}

func TestSubmit_DoneClearsDraftAndPreviews(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	s := openSession(t, env, 0)

	mustUpdateForm(t, s, &dto.UpdateFormRequest{Form: validForm()})
	_, err := s.AddFiles(model.MediaImage, imageFiles("a.jpg", "b.jpg"))
	require.NoError(t, err)
	video := &model.CandidateFile{Name: "v.mp4", ContentType: "video/mp4", Data: []byte("v.mp4")}
	_, err = s.AddFiles(model.MediaVideo, []*model.CandidateFile{video})
	require.NoError(t, err)

	// 先让草稿落盘
	time.Sleep(60 * time.Millisecond)
	_, ok, _ := env.slots.Get(context.Background(), DraftKey(model.ListingSale, 0))
	require.True(t, ok)

	listing, err := env.manager.Submit(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/v.mp4", listing.VideoURL)

	_, ok, _ = env.slots.Get(context.Background(), DraftKey(model.ListingSale, 0))
	assert.False(t, ok, "提交成功后草稿应被清除")
	for _, c := range model.MediaCategories {
		assert.Equal(t, 0, s.Previews().Live(c))
	}

	view := s.View(nil)
	assert.Equal(t, string(StateDone), view.State)
	assert.Len(t, view.ExistingImages, 2)
	require.NotNil(t, view.ExistingVideo)
	assert.Empty(t, view.Files[model.MediaImage])

	// 之前排期的保存不会把草稿写回来
	time.Sleep(60 * time.Millisecond)
	_, ok, _ = env.slots.Get(context.Background(), DraftKey(model.ListingSale, 0))
	assert.False(t, ok)
}

func TestSubmit_InFlightDraftWriteDoesNotSurvive(t *testing.T) {
	ctx := context.Background()
	slots := newBlockingStore()
	log := logger.Nop()
	listings := newMockListingStore()
	submitter := NewSubmissionController(NewAssetValidator(nil), NewUploadOrchestrator(&mockBlobStorage{}, log), listings, "properties", log)
	m := NewSessionManager(listings, slots, submitter, 10*time.Millisecond, log)
	t.Cleanup(m.CloseAll)

	s, err := m.Open(ctx, &dto.OpenSessionRequest{Category: model.ListingSale})
	require.NoError(t, err)
	mustUpdateForm(t, s, &dto.UpdateFormRequest{Form: validForm()})
	_, err = s.AddFiles(model.MediaImage, imageFiles("a.jpg"))
	require.NoError(t, err)

	// 自动保存已开始写入存储，但尚未完成
	waitClosed(t, slots.entered, "草稿写入未开始")

	done := make(chan error, 1)
	go func() {
		_, err := m.Submit(ctx, s.ID)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("进行中的草稿写入结束前提交不应完成")
	case <-time.After(50 * time.Millisecond):
	}

	close(slots.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("提交未完成")
	}

	_, ok, _ := slots.Get(ctx, DraftKey(model.ListingSale, 0))
	assert.False(t, ok, "提交成功后草稿不应被迟到的写入恢复")

	next, err := m.Open(ctx, &dto.OpenSessionRequest{Category: model.ListingSale})
	require.NoError(t, err)
	assert.Nil(t, next.DraftOffer())
}

func TestSubmit_DraftSavedEventPublished(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	s := openSession(t, env, 0)

	ch := env.manager.Subscribe(s.ID)
	defer env.manager.Unsubscribe(s.ID, ch)

	mustUpdateForm(t, s, &dto.UpdateFormRequest{Form: validForm()})

	select {
	case e := <-ch:
		assert.Equal(t, EventDraftSaved, e.Stage)
		assert.Equal(t, s.ID, e.SessionID)
	case <-time.After(time.Second):
		t.Fatal("未收到草稿保存事件")
	}

	_, savedAt := s.DraftStatus()
	assert.False(t, savedAt.IsZero())
}

func TestSubmit_ConcurrentSubmitRejected(t *testing.T) {
	env := newTestEnv(t, &mockBlobStorage{delay: 80 * time.Millisecond}, nil)
	s := openSession(t, env, 0)
	mustUpdateForm(t, s, &dto.UpdateFormRequest{Form: validForm()})
	_, err := s.AddFiles(model.MediaImage, imageFiles("a.jpg"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := env.manager.Submit(context.Background(), s.ID)
		done <- err
	}()

	require.Eventually(t, func() bool { return s.State() == StateUploading }, time.Second, 5*time.Millisecond)

	_, err = env.manager.Submit(context.Background(), s.ID)
	assert.ErrorIs(t, err, ErrSubmissionInProgress)
	assert.ErrorIs(t, s.UpdateForm(&dto.UpdateFormRequest{Form: validForm()}), ErrSubmissionInProgress)

	require.NoError(t, <-done)
}

func TestSubmit_CanceledRequestDoesNotStopUploads(t *testing.T) {
	env := newTestEnv(t, &mockBlobStorage{delay: 30 * time.Millisecond}, nil)
	s := openSession(t, env, 0)
	mustUpdateForm(t, s, &dto.UpdateFormRequest{Form: validForm()})
	_, err := s.AddFiles(model.MediaImage, imageFiles("a.jpg"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	listing, err := env.manager.Submit(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, listing.Images, 1)
}

func TestSubmit_ProgressEvents(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	s := openSession(t, env, 0)
	mustUpdateForm(t, s, &dto.UpdateFormRequest{Form: validForm()})
	_, err := s.AddFiles(model.MediaImage, imageFiles("a.jpg", "b.jpg"))
	require.NoError(t, err)

	ch := env.manager.Subscribe(s.ID)
	defer env.manager.Unsubscribe(s.ID, ch)

	_, err = env.manager.Submit(context.Background(), s.ID)
	require.NoError(t, err)

	var stages []string
	last := -1
	for len(ch) > 0 {
		e := <-ch
		assert.Equal(t, s.ID, e.SessionID)
		if e.Stage == EventDraftSaved {
			continue
		}
		stages = append(stages, e.Stage)
		if e.Stage == string(StateUploading) {
			assert.GreaterOrEqual(t, e.Progress, last)
			last = e.Progress
		}
	}
	assert.Equal(t, string(StateValidating), stages[0])
	assert.Equal(t, string(StateDone), stages[len(stages)-1])
	assert.Contains(t, stages, string(StateReconciling))
	assert.Contains(t, stages, string(StatePersisting))
	assert.Equal(t, 100, last)
}

func TestValidateForm(t *testing.T) {
	sc := NewSubmissionController(NewAssetValidator(nil), nil, nil, "", logger.Nop())

	assert.Empty(t, sc.ValidateForm(*validForm()))

	fe := sc.ValidateForm(model.ListingForm{Bedrooms: -1})
	for _, field := range []string{"title", "description", "price", "location", "property_type", "bedrooms"} {
		assert.Contains(t, fe, field)
	}
	assert.NotEmpty(t, fe.Error())
}
