package inference

import (
	"context"

	"github.com/nvr-ai/go-detect/models/postprocess"
	"github.com/nvr-ai/go-detect/onnx"
)

// GraphExecutor runs a graph with the pure-Go onnx.Evaluator. It only supports the
// post-processing operators, so it is seeded with an intermediate value such as the raw
// detector output rather than an image.
type GraphExecutor struct {
	graph     *onnx.Graph
	evaluator *onnx.Evaluator
}

// NewGraphExecutor wraps a graph.
func NewGraphExecutor(g *onnx.Graph) *GraphExecutor {
	return &GraphExecutor{graph: g, evaluator: onnx.NewEvaluator(g)}
}

// Run evaluates the graph.
func (g *GraphExecutor) Run(ctx context.Context, inputs map[string]postprocess.Tensor) (map[string]postprocess.Tensor, error) {
	return g.evaluator.Run(ctx, inputs)
}

// InputInfo returns the graph inputs.
func (g *GraphExecutor) InputInfo() []TensorInfo {
	return describe(g.graph.Inputs)
}

// OutputInfo returns the graph outputs.
func (g *GraphExecutor) OutputInfo() []TensorInfo {
	return describe(g.graph.Outputs)
}

func describe(values []onnx.ValueInfo) []TensorInfo {
	infos := make([]TensorInfo, len(values))
	for i, v := range values {
		infos[i] = TensorInfo{Name: v.Name, Shape: v.Dims()}
	}
	return infos
}
