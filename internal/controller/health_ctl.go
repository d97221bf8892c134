package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"luxe_estate_v1/internal/service"
)

// HealthController 健康检查
type HealthController struct {
	sessions *service.SessionManager
}

func NewHealthController(sessions *service.SessionManager) *HealthController {
	return &HealthController{sessions: sessions}
}

// Health 健康检查
func (ctrl *HealthController) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data": gin.H{
			"sessions": ctrl.sessions.Count(),
		},
	})
}
