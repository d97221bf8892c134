package router

import (
	"github.com/gin-gonic/gin"

	"luxe_estate_v1/internal/controller"
	"luxe_estate_v1/internal/middleware"
)

// Controllers 控制器集合
type Controllers struct {
	Session *controller.SessionController
	Media   *controller.MediaController
	Health  *controller.HealthController
}

// Options 路由选项
type Options struct {
	Dev         bool
	Guard       *middleware.SubmitGuard
	UploadsRoot string // 本地存储根目录，为空表示不挂载 /uploads
}

// SetupRouter 创建引擎并注册所有路由
func SetupRouter(ctls *Controllers, opts Options) *gin.Engine {
	if !opts.Dev {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	InitRoutes(r, ctls, opts)
	return r
}

// InitRoutes 注册所有路由
func InitRoutes(r *gin.Engine, ctls *Controllers, opts Options) {
	r.GET("/health", ctls.Health.Health)

	// 本地存储时直接提供已上传文件
	if opts.UploadsRoot != "" {
		r.Static("/uploads", opts.UploadsRoot)
	}

	api := r.Group("/api")
	{
		// 编辑会话
		sessions := api.Group("/sessions")
		{
			// POST /api/sessions
			sessions.POST("", ctls.Session.Open)
			sessions.GET("/:id", ctls.Session.Get)
			sessions.DELETE("/:id", ctls.Session.Close)

			sessions.PUT("/:id/form", ctls.Session.UpdateForm)
			sessions.POST("/:id/files/:media", ctls.Session.AddFiles)
			sessions.DELETE("/:id/files/:media/:file_id", ctls.Session.RemoveFile)
			sessions.POST("/:id/existing/remove", ctls.Session.MarkExisting)
			sessions.GET("/:id/previews/:handle", ctls.Session.Preview)
			sessions.GET("/:id/merge-preview", ctls.Session.MergePreview)

			// 草稿
			sessions.GET("/:id/draft", ctls.Session.GetDraft)
			sessions.POST("/:id/draft/restore", ctls.Session.RestoreDraft)
			sessions.DELETE("/:id/draft", ctls.Session.DiscardDraft)

			// 提交
			sessions.POST("/:id/submit", middleware.SubmitCooldown(opts.Guard), ctls.Session.Submit)
			sessions.GET("/:id/stream", ctls.Session.StreamProgress)
		}

		media := api.Group("/media")
		{
			// GET /api/media/validate-url?category=image&url=...
			media.GET("/validate-url", ctls.Media.ValidateURL)
			media.GET("/policies", ctls.Media.Policies)
		}
	}
}
