package service

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"luxe_estate_v1/internal/model"
)

// ==================== 媒体策略 ====================

const mb = 1024 * 1024

// MediaPolicy 某一媒体分类的大小与类型策略
type MediaPolicy struct {
	MaxBytes     int64
	ContentTypes []string
	Extensions   []string
	TrustedHosts []string // 可信第三方托管域名，命中即有效
}

// MaxMB 上限（MB）
func (p MediaPolicy) MaxMB() int64 {
	return p.MaxBytes / mb
}

// DefaultPolicies 默认媒体策略
func DefaultPolicies() map[model.MediaCategory]MediaPolicy {
	return map[model.MediaCategory]MediaPolicy{
		model.MediaImage: {
			MaxBytes:     10 * mb,
			ContentTypes: []string{"image/jpeg", "image/png", "image/webp", "image/gif"},
			Extensions:   []string{".jpg", ".jpeg", ".png", ".webp", ".gif"},
		},
		model.MediaVideo: {
			MaxBytes:     100 * mb,
			ContentTypes: []string{"video/mp4", "video/webm", "video/quicktime"},
			Extensions:   []string{".mp4", ".webm", ".mov"},
			TrustedHosts: []string{"youtube.com", "youtu.be", "vimeo.com"},
		},
		model.MediaTour: {
			MaxBytes:     50 * mb,
			ContentTypes: []string{"application/pdf", "image/jpeg", "image/png", "video/mp4"},
			Extensions:   []string{".pdf", ".jpg", ".jpeg", ".png", ".mp4"},
			TrustedHosts: []string{"matterport.com", "kuula.co", "cloudpano.com", "youtube.com", "vimeo.com"},
		},
	}
}

// ==================== 校验结果 ====================

// ValidationResult 校验结果
type ValidationResult struct {
	Valid   bool   `json:"valid"`
	Ignored bool   `json:"ignored,omitempty"` // 空 URL：可选字段，直接忽略
	Reason  string `json:"reason,omitempty"`
}

func accept() ValidationResult { return ValidationResult{Valid: true} }

func reject(format string, args ...interface{}) ValidationResult {
	return ValidationResult{Reason: fmt.Sprintf(format, args...)}
}

// ==================== 校验器 ====================

// AssetValidator 媒体校验器，无副作用，可在每次按键时调用
type AssetValidator struct {
	policies map[model.MediaCategory]MediaPolicy
}

// NewAssetValidator 创建校验器，policies 为空时使用默认策略
func NewAssetValidator(policies map[model.MediaCategory]MediaPolicy) *AssetValidator {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &AssetValidator{policies: policies}
}

// Policy 获取分类策略
func (v *AssetValidator) Policy(c model.MediaCategory) (MediaPolicy, bool) {
	p, ok := v.policies[c]
	return p, ok
}

// MaxUploadBytes 所有分类中最大的单文件上限
func (v *AssetValidator) MaxUploadBytes() int64 {
	var max int64
	for _, p := range v.policies {
		if p.MaxBytes > max {
			max = p.MaxBytes
		}
	}
	return max
}

// Validate 按候选类型分发：*CandidateFile 或 URL 字符串
func (v *AssetValidator) Validate(candidate interface{}, c model.MediaCategory) ValidationResult {
	switch x := candidate.(type) {
	case *model.CandidateFile:
		return v.ValidateFile(x, c)
	case string:
		return v.ValidateURL(x, c)
	default:
		return reject("不支持的候选类型 %T", candidate)
	}
}

// ValidateFile 校验文件大小与声明类型
func (v *AssetValidator) ValidateFile(f *model.CandidateFile, c model.MediaCategory) ValidationResult {
	p, ok := v.policies[c]
	if !ok {
		return reject("未知媒体分类: %s", c)
	}
	if f == nil {
		return reject("文件为空")
	}

	if f.Size > p.MaxBytes {
		return reject("%s 超过 %s 大小上限 %dMB", f.Name, c, p.MaxMB())
	}

	ct := normalizeContentType(f.ContentType)
	if !containsFold(p.ContentTypes, ct) {
		return reject("%s 的类型 %q 不受支持，%s 仅接受: %s",
			f.Name, f.ContentType, c, strings.Join(p.ContentTypes, ", "))
	}
	return accept()
}

// ValidateURL 校验外部链接
func (v *AssetValidator) ValidateURL(raw string, c model.MediaCategory) ValidationResult {
	p, ok := v.policies[c]
	if !ok {
		return reject("未知媒体分类: %s", c)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ValidationResult{Valid: true, Ignored: true}
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return reject("链接格式无效: %s", raw)
	}

	if c.IsSingle() && hostTrusted(u.Hostname(), p.TrustedHosts) {
		return accept()
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return reject("链接必须使用 http 或 https: %s", raw)
	}

	if !pathHasExtension(u.Path, p.Extensions) {
		return reject("%s 链接必须指向以下格式之一: %s", c, strings.Join(p.Extensions, ", "))
	}
	return accept()
}

// ==================== 辅助函数 ====================

func normalizeContentType(ct string) string {
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

// pathHasExtension 任一路径段带有接受的扩展名即可
// 兼容 /a.jpg/original 这类 CDN 变体路径
func pathHasExtension(p string, exts []string) bool {
	for _, seg := range strings.Split(p, "/") {
		if ext := path.Ext(seg); ext != "" && containsFold(exts, ext) {
			return true
		}
	}
	return false
}

// hostTrusted 完全匹配或为可信域名的子域名
func hostTrusted(host string, trusted []string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, d := range trusted {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
