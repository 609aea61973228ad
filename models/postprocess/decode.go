package postprocess

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detect/images"
)

// DecodeOptions configures Decode.
type DecodeOptions struct {
	// ConfThreshold drops detections scoring below it. Must be in [0, 1].
	ConfThreshold float32 `json:"conf_threshold" yaml:"conf_threshold"`
	// IoUThreshold suppresses overlaps at or above it. Must be in [0, 1].
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
	// TopK bounds the candidates considered before filtering. Candidates ranked below TopK
	// are dropped even if they would pass the confidence threshold.
	TopK int `json:"top_k" yaml:"top_k"`
	// Layout of the input tensor, LayoutAuto to detect it from the shape.
	Layout Layout `json:"-" yaml:"-"`
	// ClassAware restricts suppression to detections of the same class.
	ClassAware bool `json:"class_aware" yaml:"class_aware"`
}

// DefaultDecodeOptions returns the stock thresholds: conf 0.25, IoU 0.45, top-K 200, cross-class NMS.
func DefaultDecodeOptions() DecodeOptions {
	return DecodeOptions{
		ConfThreshold: 0.25,
		IoUThreshold:  0.45,
		TopK:          200,
		Layout:        LayoutAuto,
	}
}

// Validate checks the thresholds and TopK.
func (o DecodeOptions) Validate() error {
	if !inUnit(o.ConfThreshold) {
		return errors.Wrapf(ErrInvalidOptions, "confidence threshold %v not in [0, 1]", o.ConfThreshold)
	}
	if !inUnit(o.IoUThreshold) {
		return errors.Wrapf(ErrInvalidOptions, "IoU threshold %v not in [0, 1]", o.IoUThreshold)
	}
	if o.TopK <= 0 {
		return errors.Wrapf(ErrInvalidOptions, "top-k %d must be positive", o.TopK)
	}
	return nil
}

func inUnit(v float32) bool {
	return !math32.IsNaN(v) && v >= 0 && v <= 1
}

// Decode turns a raw or canonical detection tensor into final detections in original image
// coordinates.
//
// Raw rows are fused into (score, class) first. The TopK best candidates are kept, mapped
// back through the letterbox, clamped to the image, filtered by ConfThreshold and reduced by
// greedy NMS. Rows whose class column is not finite are ignored.
//
// Arguments:
//   - t: The detection tensor.
//   - lb: The letterbox the model input was built with.
//   - opts: The decode options.
//
// Returns:
//   - []Result: Detections in NMS emission order; empty when nothing survives.
//   - error: ErrInvalidOptions, ErrShapeMismatch or a data length mismatch.
func Decode(t Tensor, lb images.Letterbox, opts DecodeOptions) ([]Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	layout, n64, err := ResolveLayout(t.Shape, opts.Layout)
	if err != nil {
		return nil, err
	}
	n := int(n64)
	if n == 0 {
		return []Result{}, nil
	}

	r := newRows(t.Data, layout, n)
	scores := make([]float32, n)
	for i := 0; i < n; i++ {
		if layout == LayoutCanonical {
			scores[i] = r.at(i, 4)
		} else {
			scores[i] = FuseScore(r.at(i, 4), r.at(i, 6))
		}
	}

	top := SelectTopK(scores, opts.TopK)
	candidates := make([]Result, 0, len(top))
	for _, i := range top {
		classCol := r.at(i, 5)
		if layout != LayoutCanonical {
			classCol = RoundHalfEven(classCol)
		}
		class, ok := classIndex(classCol)
		if !ok {
			continue
		}

		box := images.Rect{X1: r.at(i, 0), Y1: r.at(i, 1), X2: r.at(i, 2), Y2: r.at(i, 3)}
		candidates = append(candidates, Result{
			Box:   lb.RectToOriginalSpace(box),
			Score: scores[i],
			Class: class,
		})
	}

	kept := ApplyGreedyNMS(FilterByScore(candidates, opts.ConfThreshold), &NMSConfig{
		IoUThreshold: opts.IoUThreshold,
		ClassAware:   opts.ClassAware,
	})
	if kept == nil {
		return []Result{}, nil
	}
	return kept, nil
}
