package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"luxe_estate_v1/internal/api/dto"
	"luxe_estate_v1/internal/middleware"
	"luxe_estate_v1/internal/model"
	"luxe_estate_v1/internal/repository"
	"luxe_estate_v1/internal/service"
)

// ==================== 控制器 ====================

// SessionController 房源编辑会话控制器
type SessionController struct {
	sessions *service.SessionManager
	guard    *middleware.SubmitGuard
	maxBody  int64 // 上传请求体上限
}

// multipartOverhead multipart 边界与表单头的余量
const multipartOverhead = 1 << 20

func NewSessionController(sessions *service.SessionManager, assets *service.AssetValidator, guard *middleware.SubmitGuard) *SessionController {
	return &SessionController{
		sessions: sessions,
		guard:    guard,
		maxBody:  assets.MaxUploadBytes() + multipartOverhead,
	}
}

// ==================== 会话 ====================

// Open 打开编辑会话
// @Summary 新建或编辑房源时打开会话
// @Tags Session
// @Accept json
// @Param body body dto.OpenSessionRequest true "打开请求"
// @Success 201 {object} dto.SessionView
// @Router /api/sessions [post]
func (ctrl *SessionController) Open(c *gin.Context) {
	var req dto.OpenSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    400,
			"message": "参数错误: " + err.Error(),
		})
		return
	}

	s, err := ctrl.sessions.Open(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err, http.StatusBadRequest)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"code":    0,
		"message": "success",
		"data":    s.View(previewURLFunc(s.ID)),
	})
}

// Get 获取会话状态
// @Summary 获取会话当前状态
// @Tags Session
// @Param id path string true "会话ID"
// @Success 200 {object} dto.SessionView
// @Router /api/sessions/{id} [get]
func (ctrl *SessionController) Get(c *gin.Context) {
	s, ok := ctrl.session(c)
	if !ok {
		return
	}

	view := s.View(previewURLFunc(s.ID))
	// 前端据此禁用提交按钮
	if r := ctrl.guard.CheckOnly(s.ID); !r.Allowed {
		view.SubmitRetryAfter = r.RetryAfter.Milliseconds()
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    view,
	})
}

// Close 关闭会话
// @Summary 关闭会话，释放预览并落盘草稿
// @Tags Session
// @Param id path string true "会话ID"
// @Router /api/sessions/{id} [delete]
func (ctrl *SessionController) Close(c *gin.Context) {
	id := c.Param("id")
	if err := ctrl.sessions.Close(id); err != nil {
		writeError(c, err, http.StatusInternalServerError)
		return
	}
	ctrl.guard.Reset(id)

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "会话已关闭",
	})
}

// ==================== 表单 ====================

// UpdateForm 更新表单字段与外部链接
// @Summary 更新表单标量字段与外部链接
// @Tags Session
// @Accept json
// @Param id path string true "会话ID"
// @Param body body dto.UpdateFormRequest true "更新内容"
// @Router /api/sessions/{id}/form [put]
func (ctrl *SessionController) UpdateForm(c *gin.Context) {
	s, ok := ctrl.session(c)
	if !ok {
		return
	}

	var req dto.UpdateFormRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    400,
			"message": "参数错误: " + err.Error(),
		})
		return
	}

	if err := s.UpdateForm(&req); err != nil {
		writeError(c, err, http.StatusBadRequest)
		return
	}

	saving, _ := s.DraftStatus()
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "更新成功",
		"data":    gin.H{"saving": saving},
	})
}

// AddFiles 添加待上传文件（multipart，字段名 files）
// @Summary 选择待上传文件，返回预览
// @Tags Session
// @Accept multipart/form-data
// @Param id path string true "会话ID"
// @Param media path string true "媒体分类: image/video/tour"
// @Router /api/sessions/{id}/files/{media} [post]
func (ctrl *SessionController) AddFiles(c *gin.Context) {
	s, ok := ctrl.session(c)
	if !ok {
		return
	}
	media, ok := mediaParam(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, ctrl.maxBody)
	form, err := c.MultipartForm()
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"code":    413,
			"message": fmt.Sprintf("请求体超过上限 %dMB", tooLarge.Limit>>20),
		})
		return
	}
	if err != nil || len(form.File["files"]) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    400,
			"message": "请选择文件",
		})
		return
	}

	files := make([]*model.CandidateFile, 0, len(form.File["files"]))
	for _, fh := range form.File["files"] {
		f, err := readCandidate(fh)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    400,
				"message": "读取文件失败: " + err.Error(),
			})
			return
		}
		files = append(files, f)
	}

	if _, err := s.AddFiles(media, files); err != nil {
		writeError(c, err, http.StatusBadRequest)
		return
	}

	view := s.View(previewURLFunc(s.ID))
	c.JSON(http.StatusCreated, gin.H{
		"code":    0,
		"message": "success",
		"data":    view.Files[media],
	})
}

// RemoveFile 移除待上传文件
// @Summary 移除单个待上传文件
// @Tags Session
// @Param id path string true "会话ID"
// @Param media path string true "媒体分类"
// @Param file_id path string true "文件ID"
// @Router /api/sessions/{id}/files/{media}/{file_id} [delete]
func (ctrl *SessionController) RemoveFile(c *gin.Context) {
	s, ok := ctrl.session(c)
	if !ok {
		return
	}
	media, ok := mediaParam(c)
	if !ok {
		return
	}

	if err := s.RemoveFile(media, c.Param("file_id")); err != nil {
		writeError(c, err, http.StatusBadRequest)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "已移除",
	})
}

// MarkExisting 标记已有引用为移除（removed=false 撤销）
// @Summary 标记已有媒体引用为移除
// @Tags Session
// @Accept json
// @Param id path string true "会话ID"
// @Param body body dto.MarkExistingRequest true "标记内容"
// @Router /api/sessions/{id}/existing/remove [post]
func (ctrl *SessionController) MarkExisting(c *gin.Context) {
	s, ok := ctrl.session(c)
	if !ok {
		return
	}

	var req dto.MarkExistingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    400,
			"message": "参数错误: " + err.Error(),
		})
		return
	}
	media, ok := model.ParseMediaCategory(string(req.Category))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    400,
			"message": "无效的媒体分类",
		})
		return
	}

	removed := true
	if req.Removed != nil {
		removed = *req.Removed
	}
	if err := s.MarkExisting(media, req.Ref, removed); err != nil {
		writeError(c, err, http.StatusBadRequest)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    s.PreviewMerge(),
	})
}

// Preview 预览内容
// @Summary 获取待上传文件的预览
// @Tags Session
// @Param id path string true "会话ID"
// @Param handle path string true "预览句柄"
// @Router /api/sessions/{id}/previews/{handle} [get]
func (ctrl *SessionController) Preview(c *gin.Context) {
	s, ok := ctrl.session(c)
	if !ok {
		return
	}

	p, found := s.Previews().Get(c.Param("handle"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    404,
			"message": "预览已释放",
		})
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, p.ContentType, p.Data)
}

// MergePreview 合并预览
// @Summary 提交前预览合并后的媒体序列
// @Tags Session
// @Param id path string true "会话ID"
// @Success 200 {object} dto.MergePreview
// @Router /api/sessions/{id}/merge-preview [get]
func (ctrl *SessionController) MergePreview(c *gin.Context) {
	s, ok := ctrl.session(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    s.PreviewMerge(),
	})
}

// ==================== 草稿 ====================

// GetDraft 可恢复的草稿
// @Summary 获取打开会话时读到的草稿
// @Tags Session
// @Param id path string true "会话ID"
// @Success 200 {object} dto.DraftOffer
// @Router /api/sessions/{id}/draft [get]
func (ctrl *SessionController) GetDraft(c *gin.Context) {
	s, ok := ctrl.session(c)
	if !ok {
		return
	}

	snap := s.DraftOffer()
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    dto.DraftOffer{Available: snap != nil, Snapshot: snap},
	})
}

// RestoreDraft 恢复草稿
// @Summary 把草稿应用到表单
// @Tags Session
// @Param id path string true "会话ID"
// @Router /api/sessions/{id}/draft/restore [post]
func (ctrl *SessionController) RestoreDraft(c *gin.Context) {
	s, ok := ctrl.session(c)
	if !ok {
		return
	}

	snap, err := s.RestoreDraft()
	if err != nil {
		writeError(c, err, http.StatusBadRequest)
		return
	}

	message := "草稿已恢复"
	if n := snap.PendingCount(); n > 0 {
		message = fmt.Sprintf("草稿已恢复，请重新选择 %d 个文件", n)
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": message,
		"data":    s.View(previewURLFunc(s.ID)),
	})
}

// DiscardDraft 放弃草稿
// @Summary 删除草稿
// @Tags Session
// @Param id path string true "会话ID"
// @Router /api/sessions/{id}/draft [delete]
func (ctrl *SessionController) DiscardDraft(c *gin.Context) {
	s, ok := ctrl.session(c)
	if !ok {
		return
	}

	s.DiscardDraft(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "草稿已删除",
	})
}

// ==================== 提交 ====================

// Submit 提交房源
// @Summary 校验、上传、合并并保存房源
// @Tags Session
// @Param id path string true "会话ID"
// @Success 200 {object} dto.SubmitResult
// @Router /api/sessions/{id}/submit [post]
func (ctrl *SessionController) Submit(c *gin.Context) {
	id := c.Param("id")

	listing, err := ctrl.sessions.Submit(c.Request.Context(), id)
	if err != nil {
		var stageErr *service.StageError
		if errors.As(err, &stageErr) && stageErr.Stage == service.StageValidation {
			// 修改表单后允许立即重新提交
			ctrl.guard.Reset(id)
		}
		writeError(c, err, http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "提交成功",
		"data":    service.SubmitResultOf(listing),
	})
}

// StreamProgress SSE 订阅提交进度
// @Summary SSE 实时推送提交进度
// @Tags Session
// @Param id path string true "会话ID"
// @Produce text/event-stream
// @Router /api/sessions/{id}/stream [get]
func (ctrl *SessionController) StreamProgress(c *gin.Context) {
	s, ok := ctrl.session(c)
	if !ok {
		return
	}

	// 设置 SSE 响应头
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	progressCh := ctrl.sessions.Subscribe(s.ID)
	defer ctrl.sessions.Unsubscribe(s.ID, progressCh)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			return
		case <-ticker.C:
			c.SSEvent("heartbeat", gin.H{"time": time.Now().Unix()})
			c.Writer.Flush()
		case event, ok := <-progressCh:
			if !ok {
				return
			}
			data, _ := json.Marshal(event)
			c.SSEvent("progress", string(data))
			c.Writer.Flush()

			if event.Stage == string(service.StateDone) || event.Stage == string(service.StateFailed) {
				return
			}
		}
	}
}

// heartbeatInterval SSE 心跳间隔
var heartbeatInterval = 30 * time.Second

// ==================== 辅助函数 ====================

func (ctrl *SessionController) session(c *gin.Context) (*service.EditSession, bool) {
	s, err := ctrl.sessions.Get(c.Param("id"))
	if err != nil {
		writeError(c, err, http.StatusNotFound)
		return nil, false
	}
	return s, true
}

func mediaParam(c *gin.Context) (model.MediaCategory, bool) {
	media, ok := model.ParseMediaCategory(c.Param("media"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    400,
			"message": "无效的媒体分类: " + c.Param("media"),
		})
	}
	return media, ok
}

func previewURLFunc(sessionID string) func(string) string {
	return func(handle string) string {
		return "/api/sessions/" + sessionID + "/previews/" + handle
	}
}

func readCandidate(fh *multipart.FileHeader) (*model.CandidateFile, error) {
	src, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	return &model.CandidateFile{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Data:        data,
	}, nil
}

// writeError 按错误类型映射状态码
func writeError(c *gin.Context, err error, fallback int) {
	var stageErr *service.StageError
	if errors.As(err, &stageErr) {
		status := http.StatusInternalServerError
		switch stageErr.Stage {
		case service.StageValidation:
			status = http.StatusUnprocessableEntity
		case service.StageUpload:
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{
			"code":    status,
			"message": stageErr.Error(),
			"data":    stageErr.View(),
		})
		return
	}

	status := fallback
	switch {
	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrFileNotFound),
		errors.Is(err, service.ErrReferenceNotFound),
		errors.Is(err, service.ErrNoDraft),
		errors.Is(err, repository.ErrListingNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrSubmissionInProgress):
		status = http.StatusConflict
	}

	c.JSON(status, gin.H{
		"code":    status,
		"message": err.Error(),
	})
}
