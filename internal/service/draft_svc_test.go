package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"luxe_estate_v1/internal/model"
	"luxe_estate_v1/pkg/logger"
	"luxe_estate_v1/pkg/utils"
)

// ==================== Mock 实现 ====================

type mockLocalStore struct {
	mu     sync.Mutex
	data   map[string]string
	sets   int
	getFn  func(key string) (string, bool, error)
	setFn  func(key, value string) error
	remove int
}

func newMockLocalStore() *mockLocalStore {
	return &mockLocalStore{data: make(map[string]string)}
}

func (m *mockLocalStore) Get(_ context.Context, key string) (string, bool, error) {
	if m.getFn != nil {
		return m.getFn(key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mockLocalStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if m.setFn != nil {
		return m.setFn(key, value)
	}
	m.data[key] = value
	return nil
}

func (m *mockLocalStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove++
	delete(m.data, key)
	return nil
}

func (m *mockLocalStore) setCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}

// blockingStore 写入在 release 关闭前一直阻塞，entered 在首次写入开始时关闭
type blockingStore struct {
	*mockLocalStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingStore() *blockingStore {
	return &blockingStore{
		mockLocalStore: newMockLocalStore(),
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
}

func (b *blockingStore) Set(ctx context.Context, key, value string) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.mockLocalStore.Set(ctx, key, value)
}

func waitClosed(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal(msg)
	}
}

// ==================== 测试 ====================

func TestDraftKey(t *testing.T) {
	assert.Equal(t, "listing_draft:sale:new", DraftKey(model.ListingSale, 0))
	assert.Equal(t, "listing_draft:rental:42", DraftKey(model.ListingRental, 42))
}

func TestDraftStore_SkipWhenEmpty(t *testing.T) {
	store := newMockLocalStore()
	ds := NewDraftStore(store, "k", logger.Nop())

	assert.False(t, ds.Save(context.Background(), &model.DraftSnapshot{}))
	assert.False(t, ds.Save(context.Background(), &model.DraftSnapshot{
		Form:     model.ListingForm{Title: "  ", Price: 100, Location: "Miami"},
		VideoURL: "https://youtu.be/x",
	}))
	assert.False(t, ds.Save(context.Background(), nil))
	assert.Equal(t, 0, store.setCount())
}

func TestDraftStore_SaveLoadClear(t *testing.T) {
	ctx := context.Background()
	store := newMockLocalStore()
	ds := NewDraftStore(store, DraftKey(model.ListingSale, 0), logger.Nop())

	snap := &model.DraftSnapshot{
		Form:         model.ListingForm{Title: "Penthouse", Price: 5_000_000},
		PendingFiles: map[string][]string{"image": {"a.jpg", "b.jpg"}},
	}
	require.True(t, ds.Save(ctx, snap))

	loaded := ds.Load(ctx)
	require.NotNil(t, loaded)
	assert.Equal(t, "Penthouse", loaded.Form.Title)
	assert.Equal(t, 2, loaded.PendingCount())
	assert.False(t, loaded.SavedAt.IsZero())

	ds.Clear(ctx)
	assert.Nil(t, ds.Load(ctx))
}

func TestDraftStore_OnlyPendingFilesIsNotEmpty(t *testing.T) {
	store := newMockLocalStore()
	ds := NewDraftStore(store, "k", logger.Nop())

	ok := ds.Save(context.Background(), &model.DraftSnapshot{
		PendingFiles: map[string][]string{"tour": {"plan.pdf"}},
	})
	assert.True(t, ok)
}

func TestDraftStore_ErrorsDegradeToNoDraft(t *testing.T) {
	ctx := context.Background()

	failing := newMockLocalStore()
	failing.setFn = func(string, string) error { return errors.New("quota exceeded") }
	failing.getFn = func(string) (string, bool, error) { return "", false, errors.New("unavailable") }
	ds := NewDraftStore(failing, "k", logger.Nop())

	assert.False(t, ds.Save(ctx, &model.DraftSnapshot{Form: model.ListingForm{Title: "x"}}))
	assert.Nil(t, ds.Load(ctx))

	corrupt := newMockLocalStore()
	corrupt.data["k"] = "{not json"
	assert.Nil(t, NewDraftStore(corrupt, "k", logger.Nop()).Load(ctx))
}

func TestDraftStore_WithMemoryStore(t *testing.T) {
	ctx := context.Background()
	ds := NewDraftStore(utils.NewMemoryStore(time.Minute), "k", logger.Nop())

	require.True(t, ds.Save(ctx, &model.DraftSnapshot{Form: model.ListingForm{Description: "sea view"}}))
	loaded := ds.Load(ctx)
	require.NotNil(t, loaded)
	assert.Equal(t, "sea view", loaded.Form.Description)
}

func TestDraftAutosaver_SingleWriteAfterPause(t *testing.T) {
	store := newMockLocalStore()
	a := NewDraftAutosaver(NewDraftStore(store, "k", logger.Nop()), 30*time.Millisecond)
	defer a.Stop()

	a.Schedule(&model.DraftSnapshot{Form: model.ListingForm{Description: "d"}})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, store.setCount())

	saving, savedAt := a.Status()
	assert.False(t, saving)
	assert.False(t, savedAt.IsZero())
}

func TestDraftAutosaver_ContinuousTypingWritesOnce(t *testing.T) {
	store := newMockLocalStore()
	a := NewDraftAutosaver(NewDraftStore(store, "k", logger.Nop()), 40*time.Millisecond)
	defer a.Stop()

	var saved []time.Time
	var mu sync.Mutex
	a.OnSaved(func(ts time.Time) {
		mu.Lock()
		saved = append(saved, ts)
		mu.Unlock()
	})

	// 持续输入，间隔始终小于防抖窗口
	text := ""
	for i := 0; i < 10; i++ {
		text += "a"
		a.Schedule(&model.DraftSnapshot{Form: model.ListingForm{Description: text}})
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, store.setCount())

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 1, store.setCount())

	loaded := NewDraftStore(store, "k", logger.Nop()).Load(context.Background())
	require.NotNil(t, loaded)
	assert.Equal(t, "aaaaaaaaaa", loaded.Form.Description)

	mu.Lock()
	assert.Len(t, saved, 1)
	mu.Unlock()
}

func TestDraftAutosaver_CancelDropsPending(t *testing.T) {
	store := newMockLocalStore()
	a := NewDraftAutosaver(NewDraftStore(store, "k", logger.Nop()), 20*time.Millisecond)

	a.Schedule(&model.DraftSnapshot{Form: model.ListingForm{Title: "t"}})
	a.Cancel()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, store.setCount())

	a.Schedule(&model.DraftSnapshot{Form: model.ListingForm{Title: "t"}})
	a.Flush()
	assert.Equal(t, 1, store.setCount())

	a.Stop()
	a.Schedule(&model.DraftSnapshot{Form: model.ListingForm{Title: "t"}})
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, store.setCount())
}

func TestDraftAutosaver_StopWaitsForInFlightWrite(t *testing.T) {
	ctx := context.Background()
	store := newBlockingStore()
	ds := NewDraftStore(store, "k", logger.Nop())
	a := NewDraftAutosaver(ds, 10*time.Millisecond)

	a.Schedule(&model.DraftSnapshot{Form: model.ListingForm{Title: "t"}})
	waitClosed(t, store.entered, "草稿写入未开始")

	stopped := make(chan struct{})
	go func() {
		a.Stop()
		ds.Clear(ctx)
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("写入完成前 Stop 不应返回")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	waitClosed(t, stopped, "Stop 未返回")

	_, ok, _ := store.Get(ctx, "k")
	assert.False(t, ok, "Stop 之后清除的草稿不应被写回")
}

func TestDraftAutosaver_CancelDropsWriteQueuedBehindInFlight(t *testing.T) {
	ctx := context.Background()
	store := newBlockingStore()
	a := NewDraftAutosaver(NewDraftStore(store, "k", logger.Nop()), 10*time.Millisecond)
	defer a.Stop()

	a.Schedule(&model.DraftSnapshot{Form: model.ListingForm{Title: "first"}})
	waitClosed(t, store.entered, "草稿写入未开始")

	// 第二次保存到期后排在进行中的写入之后
	a.Schedule(&model.DraftSnapshot{Form: model.ListingForm{Title: "second"}})
	time.Sleep(40 * time.Millisecond)

	canceled := make(chan struct{})
	go func() {
		a.Cancel()
		close(canceled)
	}()
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	waitClosed(t, canceled, "Cancel 未返回")

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, store.setCount())
	loaded := NewDraftStore(store, "k", logger.Nop()).Load(ctx)
	require.NotNil(t, loaded)
	assert.Equal(t, "first", loaded.Form.Title)
}
