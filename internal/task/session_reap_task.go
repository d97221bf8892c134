package task

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ==================== SessionReapTask 空闲会话回收 ====================

// IdleSessionReaper 关闭长时间未修改的编辑会话
type IdleSessionReaper interface {
	ReapIdle(maxIdle time.Duration) []string
}

// SessionReapTask 定时回收被浏览器遗弃的会话，释放预览与挂起的草稿
type SessionReapTask struct {
	sessions IdleSessionReaper
	maxIdle  time.Duration
	spec     string
	cron     *cron.Cron
	onReaped func(sessionID string)
	log      *zap.SugaredLogger
}

// NewSessionReapTask 创建回收任务，默认每 5 分钟执行
// onReaped 在每个会话被回收后调用，可为空
func NewSessionReapTask(sessions IdleSessionReaper, maxIdle time.Duration, onReaped func(string), log *zap.SugaredLogger) *SessionReapTask {
	return &SessionReapTask{
		sessions: sessions,
		maxIdle:  maxIdle,
		spec:     "0 */5 * * * *",
		cron:     cron.New(cron.WithSeconds()),
		onReaped: onReaped,
		log:      log,
	}
}

// Start 启动定时回收
func (t *SessionReapTask) Start() error {
	if _, err := t.cron.AddFunc(t.spec, func() { t.execute() }); err != nil {
		return err
	}

	t.cron.Start()
	t.log.Infof("[SessionReapTask] 会话回收任务已启动 (spec=%s, idle=%s)", t.spec, t.maxIdle)
	return nil
}

// Stop 停止任务，等待正在执行的回收结束
func (t *SessionReapTask) Stop() {
	ctx := t.cron.Stop()
	<-ctx.Done()
	t.log.Info("[SessionReapTask] 已停止")
}

// execute 执行一次回收，返回回收数量
func (t *SessionReapTask) execute() int {
	ids := t.sessions.ReapIdle(t.maxIdle)
	for _, id := range ids {
		if t.onReaped != nil {
			t.onReaped(id)
		}
	}
	if len(ids) > 0 {
		t.log.Infof("[SessionReapTask] 已回收 %d 个空闲超过 %s 的会话", len(ids), t.maxIdle)
	}
	return len(ids)
}
