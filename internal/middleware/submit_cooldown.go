package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ==================== 提交冷却中间件 ====================

// SubmitCooldown 提交冷却中间件，按路径参数 :id（会话ID）限流
//
// 使用示例:
//
//	sessions.POST("/:id/submit",
//	    middleware.SubmitCooldown(guard),
//	    sessionCtl.Submit,
//	)
func SubmitCooldown(guard *SubmitGuard) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("id")
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    400,
				"message": "缺少会话 ID",
			})
			c.Abort()
			return
		}

		result := guard.Check(sessionID)
		if !result.Allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code":    429,
				"message": formatRetryMessage(result),
				"data": gin.H{
					"retry_after_ms": result.RetryAfter.Milliseconds(),
					"interval_ms":    guard.Interval().Milliseconds(),
				},
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// ==================== 辅助函数 ====================

// formatRetryMessage 格式化重试提示信息
func formatRetryMessage(r CheckResult) string {
	seconds := int(r.RetryAfter.Seconds())
	if seconds < 1 {
		return "提交过于频繁，请稍后重试"
	}
	if seconds < 60 {
		return fmt.Sprintf("提交冷却中，请 %d 秒后重试", seconds)
	}
	return fmt.Sprintf("提交冷却中，请 %d 分 %d 秒后重试", seconds/60, seconds%60)
}
