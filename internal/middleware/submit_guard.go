package middleware

import (
	"sync"
	"time"
)

// ==================== SubmitGuard 提交冷却 ====================

// SubmitGuard 按会话限制提交频率
// 防止重复点击在同一会话上连续触发上传
type SubmitGuard struct {
	interval time.Duration
	locks    sync.Map // sessionID -> *lockEntry
}

// lockEntry 锁条目
type lockEntry struct {
	lastTime time.Time
	mu       sync.Mutex
}

// NewSubmitGuard 创建提交冷却守卫，interval <= 0 时使用默认值
func NewSubmitGuard(interval time.Duration) *SubmitGuard {
	if interval <= 0 {
		interval = DefaultSubmitInterval
	}
	return &SubmitGuard{interval: interval}
}

// DefaultSubmitInterval 默认冷却间隔
const DefaultSubmitInterval = 3 * time.Second

// Interval 冷却间隔
func (g *SubmitGuard) Interval() time.Duration { return g.interval }

// ==================== 冷却检查 ====================

// CheckResult 检查结果
type CheckResult struct {
	Allowed    bool          // 是否允许
	RetryAfter time.Duration // 剩余冷却时间
}

// Check 检查是否允许提交，允许时记录本次时间
func (g *SubmitGuard) Check(sessionID string) CheckResult {
	actual, _ := g.locks.LoadOrStore(sessionID, &lockEntry{})
	entry := actual.(*lockEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(entry.lastTime)

	if elapsed < g.interval {
		return CheckResult{
			Allowed:    false,
			RetryAfter: g.interval - elapsed,
		}
	}

	entry.lastTime = now
	return CheckResult{Allowed: true}
}

// CheckOnly 仅检查，不更新时间
func (g *SubmitGuard) CheckOnly(sessionID string) CheckResult {
	actual, ok := g.locks.Load(sessionID)
	if !ok {
		return CheckResult{Allowed: true}
	}

	entry := actual.(*lockEntry)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	elapsed := time.Since(entry.lastTime)
	if elapsed < g.interval {
		return CheckResult{
			Allowed:    false,
			RetryAfter: g.interval - elapsed,
		}
	}

	return CheckResult{Allowed: true}
}

// Reset 清除会话的冷却，表单校验未通过、会话关闭或被回收时调用
func (g *SubmitGuard) Reset(sessionID string) {
	g.locks.Delete(sessionID)
}
