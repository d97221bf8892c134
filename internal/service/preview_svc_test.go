package service

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"luxe_estate_v1/internal/model"
	"luxe_estate_v1/pkg/logger"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func candidates(n int, c model.MediaCategory) []*model.CandidateFile {
	out := make([]*model.CandidateFile, n)
	for i := range out {
		out[i] = &model.CandidateFile{
			ID:          fmt.Sprintf("%s-%d", c, i),
			Name:        fmt.Sprintf("f%d.bin", i),
			ContentType: "application/pdf",
			Size:        3,
			Category:    c,
			Data:        []byte("abc"),
		}
	}
	return out
}

func TestPreviewManager_RemoveReleasesOnlyThatFile(t *testing.T) {
	m := NewPreviewManager(logger.Nop())
	files := candidates(3, model.MediaTour)
	m.Sync(model.MediaTour, files)
	before := m.Handles(model.MediaTour)
	require.Len(t, before, 3)

	assert.True(t, m.Remove(model.MediaTour, files[1].ID))

	after := m.Handles(model.MediaTour)
	assert.Equal(t, 2, m.Live(model.MediaTour))
	assert.Equal(t, before[files[0].ID], after[files[0].ID])
	assert.Equal(t, before[files[2].ID], after[files[2].ID])

	_, ok := m.Get(before[files[1].ID])
	assert.False(t, ok)

	assert.False(t, m.Remove(model.MediaTour, files[1].ID))
}

func TestPreviewManager_SyncReleasesDroppedFiles(t *testing.T) {
	m := NewPreviewManager(logger.Nop())
	files := candidates(4, model.MediaVideo)
	m.Sync(model.MediaVideo, files)
	old := m.Handles(model.MediaVideo)

	// 整体替换：只保留第 0 个，新增一个
	extra := candidates(5, model.MediaVideo)[4]
	m.Sync(model.MediaVideo, []*model.CandidateFile{files[0], extra})

	now := m.Handles(model.MediaVideo)
	assert.Len(t, now, 2)
	assert.Equal(t, old[files[0].ID], now[files[0].ID])
	for _, f := range files[1:] {
		_, ok := m.Get(old[f.ID])
		assert.False(t, ok)
	}

	m.Sync(model.MediaVideo, nil)
	assert.Equal(t, 0, m.Live(model.MediaVideo))
}

func TestPreviewManager_CategoriesAreIndependent(t *testing.T) {
	m := NewPreviewManager(logger.Nop())
	m.Sync(model.MediaTour, candidates(2, model.MediaTour))
	m.Sync(model.MediaVideo, candidates(1, model.MediaVideo))

	m.Sync(model.MediaTour, nil)
	assert.Equal(t, 0, m.Live(model.MediaTour))
	assert.Equal(t, 1, m.Live(model.MediaVideo))
}

func TestPreviewManager_ReleaseAll(t *testing.T) {
	m := NewPreviewManager(logger.Nop())
	m.Sync(model.MediaTour, candidates(2, model.MediaTour))
	m.Sync(model.MediaVideo, candidates(1, model.MediaVideo))

	assert.Equal(t, 3, m.ReleaseAll())
	for _, c := range model.MediaCategories {
		assert.Equal(t, 0, m.Live(c))
	}
}

func TestPreviewManager_ImageThumbnail(t *testing.T) {
	m := NewPreviewManager(logger.Nop())
	f := &model.CandidateFile{
		ID:          "img",
		Name:        "big.png",
		ContentType: "image/png",
		Category:    model.MediaImage,
		Data:        pngBytes(t, 1000, 600),
	}

	previews := m.Sync(model.MediaImage, []*model.CandidateFile{f})
	require.Len(t, previews, 1)
	p := previews[0]
	assert.Equal(t, "image/jpeg", p.ContentType)

	img, _, err := image.Decode(bytes.NewReader(p.Data))
	require.NoError(t, err)
	assert.LessOrEqual(t, img.Bounds().Dx(), previewMaxEdge)
	assert.LessOrEqual(t, img.Bounds().Dy(), previewMaxEdge)
}

func TestPreviewManager_UndecodableImageKeepsOriginal(t *testing.T) {
	m := NewPreviewManager(logger.Nop())
	f := &model.CandidateFile{
		ID:          "bad",
		Name:        "bad.jpg",
		ContentType: "image/jpeg",
		Category:    model.MediaImage,
		Data:        []byte("not an image"),
	}

	p := m.Sync(model.MediaImage, []*model.CandidateFile{f})[0]
	assert.Equal(t, f.Data, p.Data)
	assert.Equal(t, "image/jpeg", p.ContentType)
}
