// Package inference runs detection models: a tensor Executor, an onnxruntime Session
// implementing it, and the Detector pipeline that letterboxes, runs and decodes.
package inference

import (
	"context"

	"github.com/nvr-ai/go-detect/models/postprocess"
)

// Executor runs a model on named input tensors and returns its named outputs.
//
// Implementations must be safe for concurrent use. Errors are returned as produced; the
// pipeline wraps them with context and never retries.
type Executor interface {
	Run(ctx context.Context, inputs map[string]postprocess.Tensor) (map[string]postprocess.Tensor, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, inputs map[string]postprocess.Tensor) (map[string]postprocess.Tensor, error)

// Run calls f.
func (f ExecutorFunc) Run(ctx context.Context, inputs map[string]postprocess.Tensor) (map[string]postprocess.Tensor, error) {
	return f(ctx, inputs)
}

// TensorInfo describes a declared model input or output. Dynamic dimensions are -1.
type TensorInfo struct {
	Name  string  `json:"name"`
	Shape []int64 `json:"shape"`
}

// Describer is implemented by executors that know their declared inputs and outputs.
type Describer interface {
	InputInfo() []TensorInfo
	OutputInfo() []TensorInfo
}
