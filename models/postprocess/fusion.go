package postprocess

import (
	"math"

	"github.com/chewxy/math32"
)

// FuseScore combines the raw objectness-like f4 and the class-probability-like f6 columns
// into the detection score: max(f4*f6, f4).
func FuseScore(f4, f6 float32) float32 {
	return math32.Max(f4*f6, f4)
}

// RoundHalfEven rounds to the nearest integer, breaking ties towards the even neighbour.
//
// This is the rounding rule of the graph Round operator, so class ids derived on the host
// and in the rewritten graph agree.
func RoundHalfEven(v float32) float32 {
	return float32(math.RoundToEven(float64(v)))
}

// Canonicalize converts a detection tensor into a [1, N, 6] canonical tensor of
// (x1, y1, x2, y2, score, class_id) rows, exactly as the rewritten graph tail does.
//
// Canonical input is returned as a copy.
//
// Arguments:
//   - t: The raw or canonical detection tensor.
//   - layout: The layout of t, or LayoutAuto.
//
// Returns:
//   - Tensor: A new canonical tensor.
//   - error: ErrShapeMismatch, or a data length mismatch.
func Canonicalize(t Tensor, layout Layout) (Tensor, error) {
	if err := t.Validate(); err != nil {
		return Tensor{}, err
	}
	layout, n64, err := ResolveLayout(t.Shape, layout)
	if err != nil {
		return Tensor{}, err
	}
	n := int(n64)

	out := make([]float32, n*CanonicalColumns)
	r := newRows(t.Data, layout, n)
	for i := 0; i < n; i++ {
		row := out[i*CanonicalColumns : (i+1)*CanonicalColumns]
		for c := 0; c < 4; c++ {
			row[c] = r.at(i, c)
		}
		if layout == LayoutCanonical {
			row[4], row[5] = r.at(i, 4), r.at(i, 5)
			continue
		}
		row[4] = FuseScore(r.at(i, 4), r.at(i, 6))
		row[5] = RoundHalfEven(r.at(i, 5))
	}

	return Tensor{Shape: []int64{1, int64(n), CanonicalColumns}, Data: out}, nil
}

// classIndex converts a rounded class column value into an integer class id.
// Non-finite values have no class.
func classIndex(v float32) (int, bool) {
	if math32.IsNaN(v) || math32.IsInf(v, 0) {
		return 0, false
	}
	return int(v), true
}
