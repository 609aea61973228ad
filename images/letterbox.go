package images

import (
	"image"
	"math"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// Letterbox maps coordinates between an original image and the square canvas it was
// uniformly resized and pasted into.
//
// A Letterbox is computed once per image and is never mutated afterwards; the same integer
// padding is used for the forward paste and for the inverse coordinate recovery.
type Letterbox struct {
	// Scale is the uniform resize factor, always > 0.
	Scale float64 `json:"scale" yaml:"scale"`
	// PadX is the left padding of the pasted image inside the canvas.
	PadX int `json:"pad_x" yaml:"pad_x"`
	// PadY is the top padding of the pasted image inside the canvas.
	PadY int `json:"pad_y" yaml:"pad_y"`
	// OrigW is the original image width.
	OrigW int `json:"orig_w" yaml:"orig_w"`
	// OrigH is the original image height.
	OrigH int `json:"orig_h" yaml:"orig_h"`
	// Target is the side of the square canvas.
	Target int `json:"target" yaml:"target"`
	// NewW is the width of the resized image.
	NewW int `json:"new_w" yaml:"new_w"`
	// NewH is the height of the resized image.
	NewH int `json:"new_h" yaml:"new_h"`
}

// ComputeLetterbox computes the letterbox transform of an origW x origH image into a
// target x target canvas.
//
//	scale      = min(target/origW, target/origH)
//	newW, newH = round(origW*scale), round(origH*scale)   (at least 1)
//	padX, padY = (target-newW)/2, (target-newH)/2   (floor division)
//
// Arguments:
//   - origW: The original image width.
//   - origH: The original image height.
//   - target: The side of the square inference canvas.
//
// Returns:
//   - Letterbox: The transform.
//   - error: If any dimension is not positive.
//
// Example:
//
// ```go
//
//	lb, _ := ComputeLetterbox(1920, 1080, 1280)
//	// lb.Scale ≈ 0.6667, lb.NewW = 1280, lb.NewH = 720, lb.PadX = 0, lb.PadY = 280
//
// ```
func ComputeLetterbox(origW, origH, target int) (Letterbox, error) {
	if origW <= 0 || origH <= 0 {
		return Letterbox{}, errors.Errorf("invalid image dimensions: %dx%d", origW, origH)
	}
	if target <= 0 {
		return Letterbox{}, errors.Errorf("invalid letterbox target: %d", target)
	}

	scale := math.Min(float64(target)/float64(origW), float64(target)/float64(origH))
	newW := min(max(int(math.Round(float64(origW)*scale)), 1), target)
	newH := min(max(int(math.Round(float64(origH)*scale)), 1), target)

	return Letterbox{
		Scale:  scale,
		PadX:   (target - newW) / 2,
		PadY:   (target - newH) / 2,
		OrigW:  origW,
		OrigH:  origH,
		Target: target,
		NewW:   newW,
		NewH:   newH,
	}, nil
}

// ToInferenceSpace maps a point of the original image into canvas coordinates.
func (l Letterbox) ToInferenceSpace(x, y float32) (float32, float32) {
	s := float32(l.Scale)
	return x*s + float32(l.PadX), y*s + float32(l.PadY)
}

// ToOriginalSpace maps a canvas point back into original image coordinates.
// The result is not clamped; see Clamp.
func (l Letterbox) ToOriginalSpace(x, y float32) (float32, float32) {
	s := float32(l.Scale)
	return (x - float32(l.PadX)) / s, (y - float32(l.PadY)) / s
}

// Clamp limits a point to [0, OrigW-1] x [0, OrigH-1].
func (l Letterbox) Clamp(x, y float32) (float32, float32) {
	maxX := float32(l.OrigW - 1)
	maxY := float32(l.OrigH - 1)
	return math32.Min(math32.Max(x, 0), maxX), math32.Min(math32.Max(y, 0), maxY)
}

// RectToOriginalSpace maps both corners of a canvas box back into the original image and
// clamps them to its bounds.
func (l Letterbox) RectToOriginalSpace(r Rect) Rect {
	x1, y1 := l.Clamp(l.ToOriginalSpace(r.X1, r.Y1))
	x2, y2 := l.Clamp(l.ToOriginalSpace(r.X2, r.Y2))
	return Rect{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

// InferenceRect returns the region of the canvas covered by the resized image.
func (l Letterbox) InferenceRect() image.Rectangle {
	return image.Rect(l.PadX, l.PadY, l.PadX+l.NewW, l.PadY+l.NewH)
}
