// Package images - Box geometry and letterbox mapping utilities.
package images

import (
	"fmt"
	"image"

	"github.com/chewxy/math32"
)

// Rect is an axis-aligned box in pixel coordinates.
//
// Boxes with X2 <= X1 or Y2 <= Y1 are permitted and are treated as degenerate.
type Rect struct {
	X1, Y1, X2, Y2 float32
}

// Width returns the horizontal extent of the box, which may be zero or negative.
func (r Rect) Width() float32 {
	return r.X2 - r.X1
}

// Height returns the vertical extent of the box, which may be zero or negative.
func (r Rect) Height() float32 {
	return r.Y2 - r.Y1
}

// Degenerate reports whether the box has zero or negative area.
func (r Rect) Degenerate() bool {
	return !(r.Width() > 0) || !(r.Height() > 0)
}

// Area returns the area of the box, or 0 for degenerate boxes.
func (r Rect) Area() float32 {
	if r.Degenerate() {
		return 0
	}
	return r.Width() * r.Height()
}

// ToRectangle converts the box to an image.Rectangle, truncating towards zero.
//
// Returns:
//   - image.Rectangle: The canonicalized integer rectangle.
func (r Rect) ToRectangle() image.Rectangle {
	return image.Rect(int(r.X1), int(r.Y1), int(r.X2), int(r.Y2)).Canon()
}

func (r Rect) String() string {
	return fmt.Sprintf("(%.1f, %.1f)-(%.1f, %.1f)", r.X1, r.Y1, r.X2, r.Y2)
}

// CalculateIoU returns the Intersection over Union of two boxes.
//
// The intersection corner is the maximum of both top-left corners and the minimum of both
// bottom-right corners; the union follows inclusion-exclusion:
//
//	IoU = inter / (area(r) + area(o) - inter)
//
// Degenerate boxes never overlap anything, so their IoU is 0 unless both boxes are exactly
// coincident, in which case it is 1.
//
// Arguments:
//   - r: The first box.
//   - o: The other box.
//
// Returns:
//   - float32: A value in [0, 1].
//
// Example:
//
// ```go
//
//	a := Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}
//	b := Rect{X1: 1, Y1: 1, X2: 11, Y2: 11}
//	iou := CalculateIoU(a, b) // 81 / 119 ≈ 0.68
//
// ```
func CalculateIoU(r, o Rect) float32 {
	if r == o {
		return 1
	}
	if r.Degenerate() || o.Degenerate() {
		return 0
	}

	interW := math32.Min(r.X2, o.X2) - math32.Max(r.X1, o.X1)
	interH := math32.Min(r.Y2, o.Y2) - math32.Max(r.Y1, o.Y1)
	if !(interW > 0) || !(interH > 0) {
		return 0
	}
	inter := interW * interH

	union := r.Area() + o.Area() - inter
	if !(union > 0) {
		return 0
	}
	return inter / union
}
