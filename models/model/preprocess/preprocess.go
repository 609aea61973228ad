package preprocess

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"  // GIF decoder.
	_ "image/jpeg" // JPEG decoder.
	_ "image/png"  // PNG decoder.
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"  // BMP decoder.
	_ "golang.org/x/image/tiff" // TIFF decoder.
	_ "golang.org/x/image/webp" // WebP decoder.

	"github.com/nvr-ai/go-detect/images"
	"github.com/nvr-ai/go-detect/models/postprocess"
)

// ImageFormat represents the format of an encoded image.
type ImageFormat string

const (
	// ImageFormatJPEG represents JPEG image format.
	ImageFormatJPEG ImageFormat = "image/jpeg"
	// ImageFormatPNG represents PNG image format.
	ImageFormatPNG ImageFormat = "image/png"
	// ImageFormatGIF represents GIF image format.
	ImageFormatGIF ImageFormat = "image/gif"
	// ImageFormatBMP represents BMP image format.
	ImageFormatBMP ImageFormat = "image/bmp"
	// ImageFormatTIFF represents TIFF image format.
	ImageFormatTIFF ImageFormat = "image/tiff"
	// ImageFormatWebP represents WebP image format.
	ImageFormatWebP ImageFormat = "image/webp"
)

// ErrUnsupportedFormat is returned for data that is not an image format DecodeImage reads.
var ErrUnsupportedFormat = errors.New("unsupported image format")

var supportedFormats = map[ImageFormat]bool{
	ImageFormatJPEG: true,
	ImageFormatPNG:  true,
	ImageFormatGIF:  true,
	ImageFormatBMP:  true,
	ImageFormatTIFF: true,
	ImageFormatWebP: true,
}

// DetectFormat sniffs the format of encoded image data.
//
// Arguments:
//   - data: The encoded image.
//
// Returns:
//   - ImageFormat: The MIME type of the data, without parameters.
//   - error: If the data is not a supported image format.
func DetectFormat(data []byte) (ImageFormat, error) {
	if len(data) == 0 {
		return "", errors.Wrap(ErrUnsupportedFormat, "image data is empty")
	}
	mime := strings.Split(mimetype.Detect(data).String(), ";")[0]
	format := ImageFormat(mime)
	if !supportedFormats[format] {
		return "", errors.Wrapf(ErrUnsupportedFormat, "%q", mime)
	}
	return format, nil
}

// DecodeImage decodes encoded image data after checking its format.
//
// Returns:
//   - image.Image: The decoded image.
//   - ImageFormat: The sniffed format.
//   - error: If the format is unsupported or decoding fails.
func DecodeImage(data []byte) (image.Image, ImageFormat, error) {
	format, err := DetectFormat(data)
	if err != nil {
		return nil, "", err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, format, errors.Wrapf(err, "failed to decode %s", format)
	}
	return img, format, nil
}

// NormalizationType defines how pixel values are normalized.
type NormalizationType int

const (
	// NormalizeZeroToOne scales pixel values to [0, 1].
	NormalizeZeroToOne NormalizationType = iota
	// NormalizeNone keeps pixel values as 0-255.
	NormalizeNone
	// NormalizeStandardize applies per-channel mean and std normalization on 0-255 values.
	NormalizeStandardize
)

// ColorMode defines the channel order of the tensor.
type ColorMode int

const (
	// ColorModeRGB is standard RGB color mode.
	ColorModeRGB ColorMode = iota
	// ColorModeBGR is BGR color mode (common for OpenCV-trained models).
	ColorModeBGR
)

// DefaultPadColor is the gray the letterbox canvas is filled with.
var DefaultPadColor = color.RGBA{R: 114, G: 114, B: 114, A: 255}

// ModelConfig defines preprocessing configuration for a detector.
type ModelConfig struct {
	// Name of the model for logging purposes.
	Name string
	// InputSize is the side of the square model input.
	InputSize int
	// NormalizationType defines how to normalize pixel values.
	NormalizationType NormalizationType
	// MeanValues for standardization, one per channel.
	MeanValues []float32
	// StdValues for standardization, one per channel.
	StdValues []float32
	// ColorMode defines the channel order.
	ColorMode ColorMode
	// PadColor fills the canvas outside the resized image. Defaults to DefaultPadColor.
	PadColor color.Color
	// Interpolation is the resampling kernel. The zero value is nearest-neighbor.
	Interpolation resize.InterpolationFunction
}

// DefaultConfig returns the letterbox configuration of the raw 7-column detectors:
// RGB, CHW, [0, 1] pixels on a gray 114 canvas.
//
// Arguments:
//   - inputSize: The side of the square model input, typically 640.
func DefaultConfig(inputSize int) *ModelConfig {
	return &ModelConfig{
		Name:              "letterbox",
		InputSize:         inputSize,
		NormalizationType: NormalizeZeroToOne,
		ColorMode:         ColorModeRGB,
		PadColor:          DefaultPadColor,
		Interpolation:     resize.Bilinear,
	}
}

// Validate checks the configuration.
func (c *ModelConfig) Validate() error {
	if c.InputSize <= 0 {
		return errors.Errorf("invalid input size: %d", c.InputSize)
	}
	if c.NormalizationType == NormalizeStandardize {
		if len(c.MeanValues) != 3 || len(c.StdValues) != 3 {
			return errors.New("standardization needs 3 mean and 3 std values")
		}
		for _, s := range c.StdValues {
			if s == 0 {
				return errors.New("standardization std values must be non-zero")
			}
		}
	}
	return nil
}

// PreprocessingResult contains the model input tensor and the letterbox that produced it.
type PreprocessingResult struct {
	// Tensor is the [1, 3, InputSize, InputSize] CHW input.
	Tensor postprocess.Tensor
	// Letterbox maps detections back to the original image.
	Letterbox images.Letterbox
}

// Preprocessor turns images into letterboxed model inputs.
type Preprocessor struct {
	config *ModelConfig
	logger *zap.Logger
}

// NewPreprocessor creates a new preprocessor with the given configuration.
//
// Arguments:
//   - config: The preprocessing configuration. An unset PadColor gets DefaultPadColor.
//
// Returns:
//   - *Preprocessor: The preprocessor.
//   - error: If the configuration is invalid.
//
// @example
//
//	preprocessor, err := NewPreprocessor(DefaultConfig(640))
//	if err != nil {
//	    log.Fatal(err)
//	}
func NewPreprocessor(config *ModelConfig) (*Preprocessor, error) {
	if config == nil {
		return nil, errors.New("preprocess config is nil")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid preprocess config")
	}
	if config.PadColor == nil {
		config.PadColor = DefaultPadColor
	}

	return &Preprocessor{config: config, logger: zap.NewNop()}, nil
}

// SetLogger sets the logger used for debug output.
func (p *Preprocessor) SetLogger(logger *zap.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// InputSize returns the side of the square model input.
func (p *Preprocessor) InputSize() int {
	return p.config.InputSize
}

// Preprocess letterboxes an image into the model input tensor.
//
// Arguments:
//   - img: The input image.
//
// Returns:
//   - *PreprocessingResult: The tensor and its letterbox.
//   - error: If the image is empty.
//
// @example
//
//	result, err := preprocessor.Preprocess(img)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	dets, err := postprocess.Decode(output, result.Letterbox, postprocess.DefaultDecodeOptions())
func (p *Preprocessor) Preprocess(img image.Image) (*PreprocessingResult, error) {
	if img == nil {
		return nil, errors.New("image is nil")
	}
	bounds := img.Bounds()

	lb, err := images.ComputeLetterbox(bounds.Dx(), bounds.Dy(), p.config.InputSize)
	if err != nil {
		return nil, errors.Wrap(err, "input validation failed")
	}

	canvas := p.letterbox(img, lb)
	data := p.imageToTensor(canvas)
	p.normalize(data)

	size := int64(p.config.InputSize)
	p.logger.Debug("preprocessed image",
		zap.String("model", p.config.Name),
		zap.Int("width", lb.OrigW),
		zap.Int("height", lb.OrigH),
		zap.Float64("scale", lb.Scale),
		zap.Int("pad_x", lb.PadX),
		zap.Int("pad_y", lb.PadY),
	)

	return &PreprocessingResult{
		Tensor:    postprocess.Tensor{Shape: []int64{1, 3, size, size}, Data: data},
		Letterbox: lb,
	}, nil
}

// PreprocessBytes decodes encoded image data and letterboxes it.
func (p *Preprocessor) PreprocessBytes(data []byte) (*PreprocessingResult, error) {
	img, _, err := DecodeImage(data)
	if err != nil {
		return nil, errors.Wrap(err, "image decoding failed")
	}
	return p.Preprocess(img)
}

// letterbox resizes the image to lb.NewW x lb.NewH and pastes it at (PadX, PadY) on a
// canvas filled with the pad color.
func (p *Preprocessor) letterbox(img image.Image, lb images.Letterbox) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, lb.Target, lb.Target))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: p.config.PadColor}, image.Point{}, draw.Src)

	resized := resize.Resize(uint(lb.NewW), uint(lb.NewH), img, p.config.Interpolation)
	draw.Draw(canvas, lb.InferenceRect(), resized, resized.Bounds().Min, draw.Src)

	return canvas
}

// imageToTensor converts an RGBA canvas to a CHW float32 tensor of 0-255 values.
func (p *Preprocessor) imageToTensor(img *image.RGBA) []float32 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	plane := width * height

	tensor := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+4*width]
		for x := 0; x < width; x++ {
			r, g, b := row[4*x], row[4*x+1], row[4*x+2]
			if p.config.ColorMode == ColorModeBGR {
				r, b = b, r
			}
			i := y*width + x
			tensor[i] = float32(r)
			tensor[plane+i] = float32(g)
			tensor[2*plane+i] = float32(b)
		}
	}

	return tensor
}

// normalize applies normalization to the CHW tensor in place.
func (p *Preprocessor) normalize(tensor []float32) {
	switch p.config.NormalizationType {
	case NormalizeZeroToOne:
		for i := range tensor {
			tensor[i] /= 255.0
		}
	case NormalizeStandardize:
		plane := len(tensor) / 3
		for c := 0; c < 3; c++ {
			mean := p.config.MeanValues[c]
			std := p.config.StdValues[c]
			channel := tensor[c*plane : (c+1)*plane]
			for i := range channel {
				channel[i] = (channel[i] - mean) / std
			}
		}
	}
}

// BatchPreprocess processes multiple images in parallel.
//
// Arguments:
//   - imgs: Slice of images to preprocess.
//   - maxConcurrency: Maximum number of images to process concurrently.
//
// Returns:
//   - Slice of preprocessing results, in input order.
//   - error if any preprocessing fails.
func (p *Preprocessor) BatchPreprocess(imgs []image.Image, maxConcurrency int) ([]*PreprocessingResult, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	results := make([]*PreprocessingResult, len(imgs))
	errs := make([]error, len(imgs))

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for i, img := range imgs {
		wg.Add(1)
		go func(idx int, img image.Image) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := p.Preprocess(img)
			if err != nil {
				errs[idx] = errors.Wrapf(err, "failed to preprocess image %d", idx)
				return
			}
			results[idx] = result
		}(i, img)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return results, nil
}
