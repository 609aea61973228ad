package util

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-detect/models/model/preprocess"
)

func writePNG(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestLoadImageFilesDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"frame-10.png", "frame-2.png", "frame-1.PNG", "cover.png"} {
		writePNG(t, filepath.Join(dir, name))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an image"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fake.jpg"), []byte("not an image either"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.png"), 0o755))

	images, err := LoadImageFiles(dir)
	require.NoError(t, err)

	var names []string
	var frames []int
	for _, img := range images {
		names = append(names, filepath.Base(img.Path))
		frames = append(frames, img.Frame)
		assert.Equal(t, preprocess.ImageFormatPNG, img.Format)
		assert.NotEmpty(t, img.Data)
	}
	assert.Equal(t, []string{"cover.png", "frame-1.PNG", "frame-2.png", "frame-10.png"}, names)
	assert.Equal(t, []int{-1, 1, 2, 10}, frames)
}

func TestLoadImageFilesSingle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bus.png")
	writePNG(t, path)

	images, err := LoadImageFiles(path)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, path, images[0].Path)

	text := filepath.Join(dir, "readme.png")
	require.NoError(t, os.WriteFile(text, []byte("hello"), 0o644))
	_, err = LoadImageFiles(text)
	assert.ErrorIs(t, err, preprocess.ErrUnsupportedFormat)

	_, err = LoadImageFiles(filepath.Join(dir, "missing.png"))
	assert.Error(t, err)
}

func TestFrameNumber(t *testing.T) {
	tests := map[string]int{
		"frame-12.jpg":      12,
		"/a/b/000007.png":   7,
		"cover.png":         -1,
		"clip4k-frame3.bmp": 3,
		"42":                42,
	}
	for in, want := range tests {
		assert.Equal(t, want, frameNumber(in), in)
	}
}
