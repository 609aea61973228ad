package preprocess

// Test coverage for letterbox preprocessing.
//
// The suite validates format sniffing, decoding, the letterbox geometry of the produced tensor,
// padding, channel order and normalization. The letterbox returned with each tensor must
// describe exactly where the resized pixels were pasted.

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPreprocessDefaultConfig validates the default letterbox pipeline on a 16:9 frame.
//
// A 1920x1080 frame at 640 is scaled by 1/3 to 640x360 and centered with 140 rows of gray
// padding above and below.
//
// Arguments:
//   - t: Testing context for assertions and error reporting.
func TestPreprocessDefaultConfig(t *testing.T) {
	p, err := NewPreprocessor(DefaultConfig(640))
	require.NoError(t, err)

	result, err := p.Preprocess(createGradientImage(1920, 1080))
	require.NoError(t, err, "default preprocessing should succeed")

	assert.Equal(t, []int64{1, 3, 640, 640}, result.Tensor.Shape)
	assert.Len(t, result.Tensor.Data, 3*640*640)
	require.NoError(t, result.Tensor.Validate())

	lb := result.Letterbox
	assert.InDelta(t, 1.0/3.0, lb.Scale, 1e-9)
	assert.Equal(t, 640, lb.NewW)
	assert.Equal(t, 360, lb.NewH)
	assert.Equal(t, 0, lb.PadX)
	assert.Equal(t, 140, lb.PadY)
	assert.Equal(t, 1920, lb.OrigW)
	assert.Equal(t, 1080, lb.OrigH)

	pad := float32(114) / 255
	for c := 0; c < 3; c++ {
		assert.InDelta(t, pad, pixel(result.Tensor.Data, 640, c, 320, 0), 1e-6, "top padding channel %d", c)
		assert.InDelta(t, pad, pixel(result.Tensor.Data, 640, c, 320, 639), 1e-6, "bottom padding channel %d", c)
	}

	for _, v := range result.Tensor.Data {
		require.True(t, v >= 0 && v <= 1, "pixel %v outside [0, 1]", v)
	}
}

// TestPreprocessPaddingAndContent validates where the resized pixels land on the canvas.
//
// Arguments:
//   - t: Testing context for assertions and error reporting.
func TestPreprocessPaddingAndContent(t *testing.T) {
	p, err := NewPreprocessor(DefaultConfig(100))
	require.NoError(t, err)

	red := color.RGBA{R: 255, A: 255}
	result, err := p.Preprocess(createSolidImage(200, 100, red))
	require.NoError(t, err)

	lb := result.Letterbox
	assert.Equal(t, 25, lb.PadY)
	assert.Equal(t, image.Rect(0, 25, 100, 75), lb.InferenceRect())

	data := result.Tensor.Data
	pad := float32(114) / 255
	assert.InDelta(t, pad, pixel(data, 100, 0, 50, 10), 1e-6, "padding above content")
	assert.InDelta(t, pad, pixel(data, 100, 1, 50, 90), 1e-6, "padding below content")

	assert.InDelta(t, 1, pixel(data, 100, 0, 50, 50), 0.01, "red channel inside content")
	assert.InDelta(t, 0, pixel(data, 100, 1, 50, 50), 0.01, "green channel inside content")
	assert.InDelta(t, 0, pixel(data, 100, 2, 50, 50), 0.01, "blue channel inside content")
}

// TestPreprocessBGR validates channel swapping for BGR models.
//
// Arguments:
//   - t: Testing context for assertions and error reporting.
func TestPreprocessBGR(t *testing.T) {
	config := DefaultConfig(64)
	config.ColorMode = ColorModeBGR
	p, err := NewPreprocessor(config)
	require.NoError(t, err)

	result, err := p.Preprocess(createSolidImage(64, 64, color.RGBA{R: 255, A: 255}))
	require.NoError(t, err)

	assert.InDelta(t, 0, pixel(result.Tensor.Data, 64, 0, 32, 32), 0.01, "channel 0 holds blue")
	assert.InDelta(t, 1, pixel(result.Tensor.Data, 64, 2, 32, 32), 0.01, "channel 2 holds red")
}

// TestPreprocessStandardize validates per-channel mean and std normalization.
//
// Arguments:
//   - t: Testing context for assertions and error reporting.
func TestPreprocessStandardize(t *testing.T) {
	config := DefaultConfig(32)
	config.NormalizationType = NormalizeStandardize
	config.MeanValues = []float32{114, 114, 114}
	config.StdValues = []float32{2, 2, 2}
	p, err := NewPreprocessor(config)
	require.NoError(t, err)

	result, err := p.Preprocess(createSolidImage(32, 16, color.RGBA{R: 255, G: 255, B: 255, A: 255}))
	require.NoError(t, err)

	assert.InDelta(t, 0, pixel(result.Tensor.Data, 32, 1, 16, 0), 1e-6, "padding standardizes to zero")
	assert.InDelta(t, (255.0-114.0)/2.0, pixel(result.Tensor.Data, 32, 1, 16, 16), 0.6)
}

// TestPreprocessIdempotency validates that repeated calls produce identical tensors.
//
// Arguments:
//   - t: Testing context for assertions and error reporting.
func TestPreprocessIdempotency(t *testing.T) {
	p, err := NewPreprocessor(DefaultConfig(128))
	require.NoError(t, err)
	img := createGradientImage(320, 240)

	first, err := p.Preprocess(img)
	require.NoError(t, err)
	second, err := p.Preprocess(img)
	require.NoError(t, err)

	assert.Equal(t, first.Letterbox, second.Letterbox)
	assert.Equal(t, first.Tensor, second.Tensor)
}

// TestPreprocessBytes validates decoding of each supported container.
//
// Arguments:
//   - t: Testing context for assertions and error reporting.
func TestPreprocessBytes(t *testing.T) {
	p, err := NewPreprocessor(DefaultConfig(64))
	require.NoError(t, err)

	tests := []struct {
		name   string
		data   []byte
		format ImageFormat
	}{
		{"jpeg", createTestJPEGImage(t, 80, 60), ImageFormatJPEG},
		{"png", createTestPNGImage(t, 80, 60), ImageFormatPNG},
		{"gif", createTestGIFImage(t, 80, 60), ImageFormatGIF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			format, err := DetectFormat(tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.format, format)

			result, err := p.PreprocessBytes(tt.data)
			require.NoError(t, err)
			assert.Equal(t, 80, result.Letterbox.OrigW)
			assert.Equal(t, 60, result.Letterbox.OrigH)
		})
	}
}

// TestPreprocessValidation validates error handling for unusable input and configuration.
//
// Arguments:
//   - t: Testing context for assertions and error reporting.
func TestPreprocessValidation(t *testing.T) {
	_, err := NewPreprocessor(nil)
	assert.Error(t, err)

	_, err = NewPreprocessor(DefaultConfig(0))
	assert.Error(t, err)

	config := DefaultConfig(64)
	config.NormalizationType = NormalizeStandardize
	_, err = NewPreprocessor(config)
	assert.Error(t, err, "standardization without statistics")

	p, err := NewPreprocessor(DefaultConfig(64))
	require.NoError(t, err)

	_, err = p.Preprocess(nil)
	assert.Error(t, err)

	_, err = p.Preprocess(image.NewRGBA(image.Rect(0, 0, 0, 10)))
	assert.Error(t, err, "empty image")

	_, err = DetectFormat(nil)
	assert.Error(t, err)

	_, err = DetectFormat([]byte("plain text is not an image"))
	assert.Error(t, err)
}

// TestPreprocessCorruptedData validates that a truncated JPEG fails in the decoder.
//
// Arguments:
//   - t: Testing context for assertions and error reporting.
func TestPreprocessCorruptedData(t *testing.T) {
	p, err := NewPreprocessor(DefaultConfig(64))
	require.NoError(t, err)

	corrupted := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10} // Incomplete JPEG header

	result, err := p.PreprocessBytes(corrupted)
	assert.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "image decoding failed")
}

// TestBatchPreprocess validates that batch results keep input order.
//
// Arguments:
//   - t: Testing context for assertions and error reporting.
func TestBatchPreprocess(t *testing.T) {
	p, err := NewPreprocessor(DefaultConfig(64))
	require.NoError(t, err)

	imgs := []image.Image{
		createGradientImage(100, 50),
		createGradientImage(50, 100),
		createGradientImage(64, 64),
		createGradientImage(300, 20),
	}

	results, err := p.BatchPreprocess(imgs, 2)
	require.NoError(t, err)
	require.Len(t, results, len(imgs))
	for i, img := range imgs {
		assert.Equal(t, img.Bounds().Dx(), results[i].Letterbox.OrigW, "image %d", i)
		assert.Equal(t, img.Bounds().Dy(), results[i].Letterbox.OrigH, "image %d", i)
	}

	_, err = p.BatchPreprocess([]image.Image{imgs[0], nil}, 0)
	assert.Error(t, err)
}

// BenchmarkPreprocess_1080p measures letterboxing of a full HD frame at 640.
//
// Arguments:
//   - b: Benchmark context.
func BenchmarkPreprocess_1080p(b *testing.B) {
	p, err := NewPreprocessor(DefaultConfig(640))
	require.NoError(b, err)
	img := createGradientImage(1920, 1080)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.Preprocess(img); err != nil {
			b.Fatal(err)
		}
	}
}

// pixel reads channel c at (x, y) of a CHW tensor with square planes of the given size.
func pixel(data []float32, size, c, x, y int) float32 {
	return data[c*size*size+y*size+x]
}

// createGradientImage creates an RGBA image with a gradient pattern for predictable testing.
func createGradientImage(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r := uint8((x * 255) / width)
			g := uint8((y * 255) / height)
			b := uint8(((x + y) * 255) / (width + height))
			img.Set(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
		}
	}

	return img
}

// createSolidImage creates an image filled with a single color.
func createSolidImage(width, height int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

// createTestJPEGImage encodes a gradient image as JPEG.
//
// Arguments:
//   - t: Testing interface for error reporting (can be testing.T or testing.B).
//   - width: The desired image width in pixels.
//   - height: The desired image height in pixels.
//
// Returns:
//   - []byte: The encoded JPEG image data.
func createTestJPEGImage(t testing.TB, width, height int) []byte {
	t.Helper()

	var buf bytes.Buffer
	err := jpeg.Encode(&buf, createGradientImage(width, height), &jpeg.Options{Quality: 90})
	require.NoError(t, err, "JPEG encoding should succeed")

	return buf.Bytes()
}

// createTestPNGImage encodes a checkerboard image as PNG.
func createTestPNGImage(t testing.TB, width, height int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if (x/10+y/10)%2 == 0 {
				img.Set(x, y, color.RGBA{R: 200, G: 200, B: 200, A: 255})
			} else {
				img.Set(x, y, color.RGBA{R: 50, G: 50, B: 50, A: 255})
			}
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img), "PNG encoding should succeed")

	return buf.Bytes()
}

// createTestGIFImage encodes a gradient image as GIF.
func createTestGIFImage(t testing.TB, width, height int) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, createGradientImage(width, height), nil), "GIF encoding should succeed")

	return buf.Bytes()
}
