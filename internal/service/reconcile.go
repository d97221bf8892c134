package service

import (
	"strings"

	"luxe_estate_v1/internal/model"
)

// Reconcile 合并三路图片引用为一个有序、去重的序列
// 顺序：已有引用（保持原顺序，跳过已标记移除的） -> 新上传 -> 外部链接
// 纯函数，相同输入恒得相同输出
func Reconcile(existing []model.ExistingReference, uploaded []model.MediaReference, external []string) []model.MediaReference {
	out := make([]model.MediaReference, 0, len(existing)+len(uploaded)+len(external))
	seen := make(map[model.MediaReference]struct{}, cap(out))

	add := func(r model.MediaReference) {
		if r == "" {
			return
		}
		if _, ok := seen[r]; ok {
			return
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}

	for _, e := range existing {
		if e.Removed {
			continue
		}
		add(e.Ref)
	}
	for _, r := range uploaded {
		add(r)
	}
	for _, raw := range external {
		add(model.MediaReference(strings.TrimSpace(raw)))
	}

	return out
}

// Thumbnail 缩略图恒为首项，空序列返回 nil
func Thumbnail(refs []model.MediaReference) *model.MediaReference {
	if len(refs) == 0 {
		return nil
	}
	first := refs[0]
	return &first
}

// ReconcileSingle 视频、全景资料这类单值槽位的合并
// 新上传优先，其次外部链接，最后保留未被移除的已有值
func ReconcileSingle(existing *model.ExistingReference, uploaded *model.MediaReference, external string) *model.MediaReference {
	if uploaded != nil && *uploaded != "" {
		r := *uploaded
		return &r
	}
	if ext := strings.TrimSpace(external); ext != "" {
		r := model.MediaReference(ext)
		return &r
	}
	if existing != nil && !existing.Removed && existing.Ref != "" {
		r := existing.Ref
		return &r
	}
	return nil
}
