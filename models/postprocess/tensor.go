package postprocess

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	// RawColumns is the channel count of a raw detector output row (x1, y1, x2, y2, f4, f5, f6).
	RawColumns = 7
	// CanonicalColumns is the channel count of a canonical row (x1, y1, x2, y2, score, class_id).
	CanonicalColumns = 6
)

var (
	// ErrShapeMismatch is returned when a tensor has no 7 or 6 sized channel axis.
	ErrShapeMismatch = errors.New("detection tensor shape mismatch")
	// ErrInvalidOptions is returned when decode options are out of range.
	ErrInvalidOptions = errors.New("invalid decode options")
)

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// NewTensor creates a tensor and checks that data matches the shape.
//
// Arguments:
//   - shape: The tensor dimensions.
//   - data: The row-major tensor data.
//
// Returns:
//   - Tensor: The tensor, sharing data with the caller.
//   - error: If the element count of shape does not match len(data).
func NewTensor(shape []int64, data []float32) (Tensor, error) {
	t := Tensor{Shape: shape, Data: data}
	if err := t.Validate(); err != nil {
		return Tensor{}, err
	}
	return t, nil
}

// NumElements returns the product of the dimensions, or -1 if any dimension is negative.
func (t Tensor) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}

// Validate checks that the data length matches the shape.
func (t Tensor) Validate() error {
	n := t.NumElements()
	if n < 0 {
		return errors.Errorf("tensor shape %v has a negative dimension", t.Shape)
	}
	if n != int64(len(t.Data)) {
		return errors.Errorf("tensor shape %v needs %d elements, has %d", t.Shape, n, len(t.Data))
	}
	return nil
}

// Layout identifies how detection rows are laid out in a rank 3 tensor.
type Layout int

const (
	// LayoutAuto resolves the layout from the tensor shape.
	LayoutAuto Layout = iota
	// LayoutChannelFirst is a raw [1, 7, N] tensor.
	LayoutChannelFirst
	// LayoutChannelLast is a raw [1, N, 7] tensor.
	LayoutChannelLast
	// LayoutCanonical is a [1, N, 6] tensor of (x1, y1, x2, y2, score, class_id).
	LayoutCanonical
)

func (l Layout) String() string {
	switch l {
	case LayoutAuto:
		return "auto"
	case LayoutChannelFirst:
		return "channel-first"
	case LayoutChannelLast:
		return "channel-last"
	case LayoutCanonical:
		return "canonical"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// Raw reports whether the layout carries the 7-column raw rows.
func (l Layout) Raw() bool {
	return l == LayoutChannelFirst || l == LayoutChannelLast
}

// ParseLayout parses the String form of a layout.
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "", "auto":
		return LayoutAuto, nil
	case "channel-first":
		return LayoutChannelFirst, nil
	case "channel-last":
		return LayoutChannelLast, nil
	case "canonical":
		return LayoutCanonical, nil
	}
	return LayoutAuto, errors.Errorf("unknown layout %q", s)
}

// ResolveLayout determines the row layout of a detection tensor shape and its candidate count.
//
// With LayoutAuto the channel axis is found by inspection: axis 1 of size 7 is channel-first,
// otherwise axis 2 of size 7 is channel-last, otherwise axis 2 of size 6 is canonical, and
// negative (dynamic) dimensions never match. An explicit hint is only checked against the
// shape: a dynamic dimension matches any size, so only a fixed size on the channel axis can
// contradict it.
//
// Arguments:
//   - shape: The tensor shape, which must be rank 3 with batch 1 or a dynamic batch.
//   - hint: The expected layout, or LayoutAuto.
//
// Returns:
//   - Layout: The resolved layout, never LayoutAuto.
//   - int64: The candidate count N, or -1 if it is dynamic.
//   - error: ErrShapeMismatch if no layout fits.
func ResolveLayout(shape []int64, hint Layout) (Layout, int64, error) {
	if len(shape) != 3 || (shape[0] != 1 && shape[0] >= 0) {
		return LayoutAuto, 0, errors.Wrapf(ErrShapeMismatch, "want rank 3 with batch 1, got %v", shape)
	}

	wildcard := hint != LayoutAuto
	is := func(dim, size int64) bool {
		return dim == size || (wildcard && dim < 0)
	}
	fits := func(l Layout) bool {
		switch l {
		case LayoutChannelFirst:
			return is(shape[1], RawColumns)
		case LayoutChannelLast:
			return is(shape[2], RawColumns)
		case LayoutCanonical:
			return is(shape[2], CanonicalColumns)
		}
		return false
	}

	if hint == LayoutAuto {
		for _, candidate := range []Layout{LayoutChannelFirst, LayoutChannelLast, LayoutCanonical} {
			if fits(candidate) {
				return candidate, candidateCount(candidate, shape), nil
			}
		}
		return LayoutAuto, 0, errors.Wrapf(ErrShapeMismatch, "no 7- or 6-sized channel axis in %v", shape)
	}
	if !fits(hint) {
		return LayoutAuto, 0, errors.Wrapf(ErrShapeMismatch, "no %s channel axis in %v", hint, shape)
	}
	return hint, candidateCount(hint, shape), nil
}

func candidateCount(layout Layout, shape []int64) int64 {

	if layout == LayoutChannelFirst {
		return shape[2]
	}
	return shape[1]
}

// rows gives row/column access to a detection tensor without transposing it.
type rows struct {
	data         []float32
	n            int
	cols         int
	channelFirst bool
}

func newRows(data []float32, layout Layout, n int) rows {
	cols := RawColumns
	if layout == LayoutCanonical {
		cols = CanonicalColumns
	}
	return rows{data: data, n: n, cols: cols, channelFirst: layout == LayoutChannelFirst}
}

func (r rows) at(i, c int) float32 {
	if r.channelFirst {
		return r.data[c*r.n+i]
	}
	return r.data[i*r.cols+c]
}
