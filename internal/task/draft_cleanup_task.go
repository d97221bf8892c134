package task

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ==================== DraftCleanupTask 过期草稿清理 ====================

// DraftSlotPurger 按更新时间批量删除草稿槽位
type DraftSlotPurger interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// DraftCleanupTask 清理长期未更新的草稿槽位
// 只用于关系库存储；redis 槽位自带过期时间
type DraftCleanupTask struct {
	slots DraftSlotPurger
	ttl   time.Duration
	spec  string
	cron  *cron.Cron
	log   *zap.SugaredLogger
	now   func() time.Time
}

// NewDraftCleanupTask 创建清理任务，默认每小时执行
func NewDraftCleanupTask(slots DraftSlotPurger, ttl time.Duration, log *zap.SugaredLogger) *DraftCleanupTask {
	return &DraftCleanupTask{
		slots: slots,
		ttl:   ttl,
		spec:  "0 0 * * * *",
		cron:  cron.New(cron.WithSeconds()),
		log:   log,
		now:   time.Now,
	}
}

// Start 启动定时清理任务
func (t *DraftCleanupTask) Start() error {
	if _, err := t.cron.AddFunc(t.spec, t.run); err != nil {
		return err
	}

	// 启动时立即执行一次
	go t.run()

	t.cron.Start()
	t.log.Infof("[DraftCleanupTask] 草稿清理任务已启动 (spec=%s, ttl=%s)", t.spec, t.ttl)
	return nil
}

// Stop 停止任务，等待正在执行的清理结束
func (t *DraftCleanupTask) Stop() {
	ctx := t.cron.Stop()
	<-ctx.Done()
	t.log.Info("[DraftCleanupTask] 已停止")
}

func (t *DraftCleanupTask) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	t.execute(ctx)
}

// execute 执行一次清理，返回删除数量
func (t *DraftCleanupTask) execute(ctx context.Context) int64 {
	expireTime := t.now().Add(-t.ttl)

	n, err := t.slots.DeleteOlderThan(ctx, expireTime)
	if err != nil {
		t.log.Errorf("[DraftCleanupTask] 清理失败: %v", err)
		return 0
	}
	if n > 0 {
		t.log.Infof("[DraftCleanupTask] 已删除 %d 个 %s 之前的草稿", n, expireTime.Format(time.RFC3339))
	}
	return n
}
