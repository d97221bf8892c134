package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"luxe_estate_v1/internal/model"
	"luxe_estate_v1/internal/service"
)

// MediaController 媒体校验
type MediaController struct {
	validator *service.AssetValidator
}

func NewMediaController(validator *service.AssetValidator) *MediaController {
	return &MediaController{validator: validator}
}

// ValidateURL 校验外部链接，供输入框逐键调用
// @Summary 校验外部媒体链接
// @Tags Media
// @Param category query string true "媒体分类: image/video/tour"
// @Param url query string false "链接"
// @Success 200 {object} service.ValidationResult
// @Router /api/media/validate-url [get]
func (ctrl *MediaController) ValidateURL(c *gin.Context) {
	media, ok := model.ParseMediaCategory(c.Query("category"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    400,
			"message": "无效的媒体分类",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    ctrl.validator.ValidateURL(c.Query("url"), media),
	})
}

// Policies 各分类的大小与类型限制
// @Summary 获取媒体限制
// @Tags Media
// @Router /api/media/policies [get]
func (ctrl *MediaController) Policies(c *gin.Context) {
	out := make(gin.H, len(model.MediaCategories))
	for _, m := range model.MediaCategories {
		p, ok := ctrl.validator.Policy(m)
		if !ok {
			continue
		}
		out[string(m)] = gin.H{
			"max_mb":        p.MaxMB(),
			"content_types": p.ContentTypes,
			"extensions":    p.Extensions,
			"trusted_hosts": p.TrustedHosts,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    out,
	})
}
