package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"luxe_estate_v1/internal/api/dto"
	"luxe_estate_v1/internal/model"
	"luxe_estate_v1/internal/repository"
)

// ==================== 状态 ====================

// SubmissionState 提交状态机
type SubmissionState string

const (
	StateEditing     SubmissionState = "editing"
	StateValidating  SubmissionState = "validating"
	StateUploading   SubmissionState = "uploading"
	StateReconciling SubmissionState = "reconciling"
	StatePersisting  SubmissionState = "persisting"
	StateDone        SubmissionState = "done"
	StateFailed      SubmissionState = "failed"
)

// 失败阶段
const (
	StageValidation = "validation"
	StageUpload     = "upload"
	StagePersist    = "persist"
)

// EventDraftSaved 草稿写入成功的进度事件
const EventDraftSaved = "draft_saved"

// ==================== 错误 ====================

// FieldErrors 字段级校验错误，键为字段名
type FieldErrors map[string]string

func (e FieldErrors) Error() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e[k]
	}
	return strings.Join(parts, "; ")
}

// StageError 提交失败，标明阶段
type StageError struct {
	Stage  string
	Reason string
	Fields FieldErrors
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s 阶段失败: %s", e.Stage, e.Reason)
}

func (e *StageError) Unwrap() error { return e.Err }

// View 展示用结构
func (e *StageError) View() *dto.SubmitErrorView {
	return &dto.SubmitErrorView{
		Stage:   e.Stage,
		Message: e.Reason,
		Fields:  e.Fields,
	}
}

// ==================== 提交控制器 ====================

// SubmissionController 提交流程
// Editing -> Validating -> Uploading -> Reconciling -> Persisting -> Done
// 验证与上传失败回到 Editing 并附带错误；持久化失败停在 Failed，重试从 Validating 重新开始
type SubmissionController struct {
	assets   *AssetValidator
	fields   *validator.Validate
	uploader *UploadOrchestrator
	listings repository.ListingStore
	folder   string
	log      *zap.SugaredLogger
}

// NewSubmissionController 创建提交控制器
func NewSubmissionController(
	assets *AssetValidator,
	uploader *UploadOrchestrator,
	listings repository.ListingStore,
	folder string,
	log *zap.SugaredLogger,
) *SubmissionController {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	return &SubmissionController{
		assets:   assets,
		fields:   v,
		uploader: uploader,
		listings: listings,
		folder:   folder,
		log:      log,
	}
}

// Submit 执行一次提交，notify 接收阶段与进度事件（可为空）
func (sc *SubmissionController) Submit(ctx context.Context, s *EditSession, notify func(dto.ProgressEvent)) (*model.Listing, error) {
	if notify == nil {
		notify = func(dto.ProgressEvent) {}
	}

	in, err := s.beginSubmit()
	if err != nil {
		return nil, err
	}

	// 1. 校验：失败时不做任何网络请求
	notify(dto.ProgressEvent{Stage: string(StateValidating), Message: "正在校验表单..."})

	if fe := sc.validate(in); len(fe) > 0 {
		stageErr := &StageError{Stage: StageValidation, Reason: "表单校验未通过", Fields: fe, Err: fe}
		s.endSubmit(StateEditing, stageErr)
		sc.notifyFailed(notify, stageErr)
		return nil, stageErr
	}

	// 2. 上传
	s.setState(StateUploading)
	plan := &UploadPlan{
		Scope:  UploadScope{Folder: sc.folder, SessionID: in.sessionID},
		Images: in.images,
		Video:  in.video,
		Tour:   in.tour,
	}
	notify(dto.ProgressEvent{
		Stage:   string(StateUploading),
		Message: fmt.Sprintf("正在上传 %d 个文件...", plan.Total()),
	})

	uploaded, err := sc.uploader.UploadAll(ctx, plan, func(completed, total, percent int) {
		notify(dto.ProgressEvent{
			Stage:    string(StateUploading),
			Progress: percent,
			Message:  fmt.Sprintf("已上传 %d/%d", completed, total),
		})
	})
	if err != nil {
		stageErr := &StageError{Stage: StageUpload, Reason: err.Error(), Err: err}
		s.endSubmit(StateEditing, stageErr)
		sc.notifyFailed(notify, stageErr)
		return nil, stageErr
	}

	// 3. 合并引用
	s.setState(StateReconciling)
	notify(dto.ProgressEvent{Stage: string(StateReconciling), Progress: 100, Message: "正在整理媒体..."})

	listing := sc.buildListing(in, uploaded)

	// 4. 写入
	s.setState(StatePersisting)
	notify(dto.ProgressEvent{Stage: string(StatePersisting), Progress: 100, Message: "正在保存房源..."})

	if in.listingID > 0 {
		err = sc.listings.Update(ctx, in.category, listing)
	} else {
		err = sc.listings.Create(ctx, in.category, listing)
	}
	if err != nil {
		// 已上传的文件保留在存储中，没有记录引用它们
		if n := uploaded.Count(); n > 0 {
			sc.log.Warnf("[Submit] 写入失败，%d 个已上传文件成为孤立对象: session=%s", n, in.sessionID)
		}
		stageErr := &StageError{Stage: StagePersist, Reason: err.Error(), Err: err}
		s.endSubmit(StateFailed, stageErr)
		sc.notifyFailed(notify, stageErr)
		return nil, stageErr
	}

	// 5. 完成
	s.complete(ctx, listing)
	sc.log.Infof("[Submit] 房源已保存: session=%s, category=%s, id=%d, images=%d",
		in.sessionID, in.category, listing.ID, len(listing.Images))

	notify(dto.ProgressEvent{
		Stage:    string(StateDone),
		Progress: 100,
		Message:  "提交成功",
		Data:     SubmitResultOf(listing),
	})
	return listing, nil
}

// SubmitResultOf 提交结果
func SubmitResultOf(l *model.Listing) dto.SubmitResult {
	return dto.SubmitResult{
		ListingID: l.ID,
		Category:  l.Category,
		Images:    []string(l.Images),
		Thumbnail: l.ThumbnailRef(),
		VideoURL:  l.VideoURL,
		TourURL:   l.TourURL,
	}
}

func (sc *SubmissionController) notifyFailed(notify func(dto.ProgressEvent), err *StageError) {
	notify(dto.ProgressEvent{
		Stage:   string(StateFailed),
		Message: err.Error(),
		Data:    err.View(),
	})
}

// ValidateForm 必填字段校验
func (sc *SubmissionController) ValidateForm(form model.ListingForm) FieldErrors {
	form.Title = strings.TrimSpace(form.Title)
	form.Description = strings.TrimSpace(form.Description)
	form.Location = strings.TrimSpace(form.Location)
	form.PropertyType = strings.TrimSpace(form.PropertyType)

	fe := FieldErrors{}
	err := sc.fields.Struct(form)
	if err == nil {
		return fe
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		fe["form"] = err.Error()
		return fe
	}
	for _, v := range verrs {
		fe[v.Field()] = fieldMessage(v)
	}
	return fe
}

func fieldMessage(v validator.FieldError) string {
	switch v.Tag() {
	case "required":
		return "必填"
	case "gt":
		return "必须大于 " + v.Param()
	case "gte":
		return "不能小于 " + v.Param()
	default:
		return "无效"
	}
}

// validate 表单字段 + 全部待上传文件与链接
func (sc *SubmissionController) validate(in *submitInput) FieldErrors {
	fe := sc.ValidateForm(in.form)

	sc.validateFilesInto(fe, model.MediaImage, 0, in.images)
	if in.video != nil {
		sc.validateFilesInto(fe, model.MediaVideo, 0, []*model.CandidateFile{in.video})
	}
	if in.tour != nil {
		sc.validateFilesInto(fe, model.MediaTour, 0, []*model.CandidateFile{in.tour})
	}

	for i, u := range in.externalImages {
		if r := sc.assets.ValidateURL(u, model.MediaImage); !r.Valid {
			fe[fmt.Sprintf("external_image_urls[%d]", i)] = r.Reason
		}
	}
	if r := sc.assets.ValidateURL(in.videoURL, model.MediaVideo); !r.Valid {
		fe["video_url"] = r.Reason
	}
	if r := sc.assets.ValidateURL(in.tourURL, model.MediaTour); !r.Valid {
		fe["tour_url"] = r.Reason
	}
	return fe
}

// ValidateFiles 校验待上传文件，键与提交校验一致：images[i] / video / tour
// offset 为这批图片在已选列表中的起始位置
func (sc *SubmissionController) ValidateFiles(c model.MediaCategory, offset int, files []*model.CandidateFile) FieldErrors {
	fe := FieldErrors{}
	sc.validateFilesInto(fe, c, offset, files)
	return fe
}

func (sc *SubmissionController) validateFilesInto(fe FieldErrors, c model.MediaCategory, offset int, files []*model.CandidateFile) {
	for i, f := range files {
		r := sc.assets.ValidateFile(f, c)
		if r.Valid {
			continue
		}
		key := string(c)
		if !c.IsSingle() {
			key = fmt.Sprintf("images[%d]", offset+i)
		}
		fe[key] = r.Reason
	}
}

// buildListing 表单字段 + 合并后的媒体引用
func (sc *SubmissionController) buildListing(in *submitInput, up *UploadResult) *model.Listing {
	listing := &model.Listing{}
	if in.base != nil {
		*listing = *in.base
	}
	listing.ID = in.listingID
	listing.Category = in.category
	in.form.ApplyTo(listing)

	listing.ApplyMedia(Reconcile(in.existingImages, up.Images, in.externalImages))

	listing.VideoURL = ""
	if r := ReconcileSingle(in.existingVideo, up.Video, in.videoURL); r != nil {
		listing.VideoURL = r.String()
	}
	listing.TourURL = ""
	if r := ReconcileSingle(in.existingTour, up.Tour, in.tourURL); r != nil {
		listing.TourURL = r.String()
	}
	return listing
}
