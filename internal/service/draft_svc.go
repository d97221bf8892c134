package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"luxe_estate_v1/internal/model"
	"luxe_estate_v1/pkg/utils"
)

// ==================== 外部依赖 ====================

// LocalStore 草稿使用的字符串键值存储
// 实现：utils.MemoryStore / repository.RedisDraftSlots / repository.DraftSlotRepository
type LocalStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// DraftKey 草稿槽位键，每个房源一个槽位，新建房源使用 "new"
func DraftKey(category model.ListingCategory, listingID int64) string {
	if listingID <= 0 {
		return fmt.Sprintf("listing_draft:%s:new", category)
	}
	return fmt.Sprintf("listing_draft:%s:%d", category, listingID)
}

// ==================== 草稿存储 ====================

// DraftStore 单个槽位的草稿读写
// 所有错误只记录日志，对调用方表现为"没有草稿"
type DraftStore struct {
	store LocalStore
	key   string
	log   *zap.SugaredLogger
}

// NewDraftStore 创建草稿存储
func NewDraftStore(store LocalStore, key string, log *zap.SugaredLogger) *DraftStore {
	return &DraftStore{store: store, key: key, log: log}
}

// Key 槽位键
func (s *DraftStore) Key() string { return s.key }

// Save 保存快照，空表单直接跳过不写存储
// 返回是否实际写入
func (s *DraftStore) Save(ctx context.Context, snap *model.DraftSnapshot) bool {
	if snap == nil || snap.IsEmpty() {
		return false
	}

	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}

	data, err := json.Marshal(snap)
	if err != nil {
		s.log.Warnf("[Draft] 序列化失败: key=%s, %v", s.key, err)
		return false
	}

	if err := s.store.Set(ctx, s.key, string(data)); err != nil {
		s.log.Warnf("[Draft] 保存失败: key=%s, %v", s.key, err)
		return false
	}
	return true
}

// Load 读取快照；不存在、读取失败或无法解析都返回 nil
func (s *DraftStore) Load(ctx context.Context) *model.DraftSnapshot {
	raw, ok, err := s.store.Get(ctx, s.key)
	if err != nil {
		s.log.Warnf("[Draft] 读取失败: key=%s, %v", s.key, err)
		return nil
	}
	if !ok || raw == "" {
		return nil
	}

	var snap model.DraftSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		s.log.Warnf("[Draft] 草稿格式无法解析，视为无草稿: key=%s, %v", s.key, err)
		return nil
	}
	return &snap
}

// Clear 清除草稿
func (s *DraftStore) Clear(ctx context.Context) {
	if err := s.store.Remove(ctx, s.key); err != nil {
		s.log.Warnf("[Draft] 清除失败: key=%s, %v", s.key, err)
	}
}

// ==================== 防抖自动保存 ====================

// DraftAutosaver 防抖保存
// 窗口内多次 Schedule 只有最后一次真正写入
// Cancel/Stop 返回后不会再有写入落到存储
type DraftAutosaver struct {
	store     *DraftStore
	debouncer *utils.Debouncer

	// writeMu 串行化写入；epoch 在 Cancel/Stop 时递增，旧批次的写入直接丢弃
	writeMu sync.Mutex
	epoch   atomic.Uint64

	mu      sync.Mutex
	saving  bool
	savedAt time.Time
	onSaved func(time.Time)
}

// NewDraftAutosaver 创建自动保存器
func NewDraftAutosaver(store *DraftStore, delay time.Duration) *DraftAutosaver {
	return &DraftAutosaver{
		store:     store,
		debouncer: utils.NewDebouncer(delay),
	}
}

// OnSaved 设置写入成功后的回调
func (a *DraftAutosaver) OnSaved(fn func(time.Time)) {
	a.mu.Lock()
	a.onSaved = fn
	a.mu.Unlock()
}

// Schedule 排期保存，取代之前尚未执行的请求
func (a *DraftAutosaver) Schedule(snap *model.DraftSnapshot) {
	epoch := a.epoch.Load()
	a.debouncer.Trigger(func() { a.save(snap, epoch) })

	a.mu.Lock()
	a.saving = a.debouncer.Pending()
	a.mu.Unlock()
}

func (a *DraftAutosaver) save(snap *model.DraftSnapshot, epoch uint64) {
	a.writeMu.Lock()
	ok := false
	if a.epoch.Load() == epoch {
		ok = a.store.Save(context.Background(), snap)
	}
	a.writeMu.Unlock()

	a.mu.Lock()
	a.saving = a.debouncer.Pending()
	if ok {
		a.savedAt = snap.SavedAt
	}
	cb := a.onSaved
	a.mu.Unlock()

	if ok && cb != nil {
		cb(snap.SavedAt)
	}
}

// Flush 立即执行挂起的保存
func (a *DraftAutosaver) Flush() {
	a.debouncer.Flush()
}

// Cancel 丢弃挂起的保存（提交成功或放弃草稿时）
// 正在进行的写入会先完成，之后才返回
func (a *DraftAutosaver) Cancel() {
	a.debouncer.Cancel()
	a.invalidate()
}

// Stop 会话结束，同样等待进行中的写入
func (a *DraftAutosaver) Stop() {
	a.debouncer.Stop()
	a.invalidate()
}

// invalidate 先作废已排队的写入，再等待进行中的写入结束
func (a *DraftAutosaver) invalidate() {
	a.epoch.Add(1)
	a.writeMu.Lock()
	a.writeMu.Unlock()

	a.mu.Lock()
	a.saving = false
	a.mu.Unlock()
}

// Status 保存中标记与最后保存时间
func (a *DraftAutosaver) Status() (saving bool, savedAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saving, a.savedAt
}
