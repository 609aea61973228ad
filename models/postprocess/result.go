// Package postprocess - Postprocessing utilities for detector outputs.
package postprocess

import (
	"fmt"

	"github.com/nvr-ai/go-detect/images"
)

// Result represents a single detection result.
type Result struct {
	// The bounding box of the result, in original image pixel coordinates.
	Box images.Rect `json:"box" yaml:"box"`
	// The confidence score of the result.
	Score float32 `json:"score" yaml:"score"`
	// The predicted class index of the result.
	Class int `json:"class" yaml:"class"`
}

func (r Result) String() string {
	return fmt.Sprintf("class %d (score %.3f) %s", r.Class, r.Score, r.Box)
}
