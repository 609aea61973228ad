package onnx

import (
	"context"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detect/models/postprocess"
)

// Evaluator executes the float32 operator subset used by the detection tail (Transpose,
// Slice, Mul, Max, Round, Concat and Identity) on gorgonia tensors.
//
// Nodes whose inputs are neither seeded nor computed are skipped, so seeding the raw alias of
// an augmented model runs only the tail and leaves the detector itself alone.
type Evaluator struct {
	graph  *Graph
	logger *zap.Logger
}

type opFunc func(e *Evaluator, n Node, values map[string]*tensor.Dense) (*tensor.Dense, error)

var evaluatorOps = map[string]opFunc{
	"Transpose": evalTranspose,
	"Slice":     evalSlice,
	"Mul":       evalMul,
	"Max":       evalMax,
	"Round":     evalRound,
	"Concat":    evalConcat,
	"Identity":  evalIdentity,
}

// NewEvaluator creates an evaluator for a graph.
func NewEvaluator(g *Graph) *Evaluator {
	return &Evaluator{graph: g, logger: zap.NewNop()}
}

// SetLogger sets the logger that records skipped nodes.
func (e *Evaluator) SetLogger(logger *zap.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// Run seeds the named values with the inputs and evaluates the graph outputs.
//
// Arguments:
//   - ctx: Checked between nodes.
//   - inputs: Seed tensors by value name. Empty tensors are not supported.
//
// Returns:
//   - map[string]postprocess.Tensor: Every graph output.
//   - error: If an operator fails or an output cannot be computed.
func (e *Evaluator) Run(ctx context.Context, inputs map[string]postprocess.Tensor) (map[string]postprocess.Tensor, error) {
	values := make(map[string]*tensor.Dense, len(inputs)+len(e.graph.Nodes))
	for name, t := range inputs {
		if err := t.Validate(); err != nil {
			return nil, errors.Wrapf(err, "input %q", name)
		}
		if len(t.Data) == 0 {
			return nil, errors.Errorf("input %q is empty", name)
		}
		values[name] = tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(toInts(t.Shape)...),
			tensor.WithBacking(append([]float32(nil), t.Data...)),
		)
	}

	unsupported := make(map[string]string)
	for _, n := range e.graph.Nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.seeded(n, values) {
			continue
		}
		if !e.ready(n, values) {
			// Values downstream of an unsupported operator remember it.
			for _, in := range n.Inputs {
				if op, ok := unsupported[in]; ok {
					for _, out := range n.Outputs {
						unsupported[out] = op
					}
					break
				}
			}
			continue
		}

		fn, ok := evaluatorOps[n.OpType]
		if !ok || (n.Domain != "" && n.Domain != "ai.onnx") {
			for _, out := range n.Outputs {
				unsupported[out] = n.OpType
			}
			e.logger.Debug("skipping unsupported node", zap.String("node", n.Name), zap.String("op", n.OpType))
			continue
		}

		out, err := fn(e, n, values)
		if err != nil {
			return nil, errors.Wrapf(err, "%s node %q", n.OpType, n.Name)
		}
		values[n.Outputs[0]] = out
	}

	results := make(map[string]postprocess.Tensor, len(e.graph.Outputs))
	for _, o := range e.graph.Outputs {
		d, ok := values[o.Name]
		if !ok {
			if op, ok := unsupported[o.Name]; ok {
				return nil, errors.Errorf("output %q needs unsupported operator %s", o.Name, op)
			}
			return nil, errors.Errorf("output %q was not computed; seed its inputs", o.Name)
		}
		results[o.Name] = toTensor(d)
	}
	return results, nil
}

// seeded reports whether every output of n is already known.
func (e *Evaluator) seeded(n Node, values map[string]*tensor.Dense) bool {
	for _, out := range n.Outputs {
		if _, ok := values[out]; !ok && out != "" {
			return false
		}
	}
	return len(n.Outputs) > 0
}

// ready reports whether every input of n is a known value or an initializer.
func (e *Evaluator) ready(n Node, values map[string]*tensor.Dense) bool {
	for _, in := range n.Inputs {
		if in == "" {
			continue
		}
		if _, ok := values[in]; ok {
			continue
		}
		if _, ok := e.graph.Initializer(in); !ok {
			return false
		}
	}
	return true
}

// tensorInput returns a float input, computed or from a FLOAT initializer.
func (e *Evaluator) tensorInput(name string, values map[string]*tensor.Dense) (*tensor.Dense, error) {
	if d, ok := values[name]; ok {
		return d, nil
	}
	t, ok := e.graph.Initializer(name)
	if !ok {
		return nil, errors.Errorf("value %q is not available", name)
	}
	data, err := t.Float32Values()
	if err != nil {
		return nil, err
	}
	d := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(toInts(t.Dims)...), tensor.WithBacking(data))
	values[name] = d
	return d, nil
}

// int64Input returns the values of an INT64 initializer, or nil for an omitted input.
func (e *Evaluator) int64Input(n Node, i int) ([]int64, error) {
	if i >= len(n.Inputs) || n.Inputs[i] == "" {
		return nil, nil
	}
	t, ok := e.graph.Initializer(n.Inputs[i])
	if !ok {
		return nil, errors.Errorf("input %q must be an int64 initializer", n.Inputs[i])
	}
	return t.Int64Values()
}

func evalTranspose(e *Evaluator, n Node, values map[string]*tensor.Dense) (*tensor.Dense, error) {
	in, err := e.tensorInput(n.Inputs[0], values)
	if err != nil {
		return nil, err
	}
	rank := in.Dims()

	perm := make([]int, rank)
	if a, ok := n.Attribute("perm"); ok {
		if len(a.Ints) != rank {
			return nil, errors.Errorf("perm %v does not match rank %d", a.Ints, rank)
		}
		for i, p := range a.Ints {
			perm[i] = int(p)
		}
	} else {
		for i := range perm {
			perm[i] = rank - 1 - i
		}
	}

	out := in.Clone().(*tensor.Dense)
	identity := true
	for i, p := range perm {
		identity = identity && p == i
	}
	if identity {
		return out, nil
	}
	if err := out.T(perm...); err != nil {
		return nil, err
	}
	if err := out.Transpose(); err != nil {
		return nil, err
	}
	return out, nil
}

func evalSlice(e *Evaluator, n Node, values map[string]*tensor.Dense) (*tensor.Dense, error) {
	in, err := e.tensorInput(n.Inputs[0], values)
	if err != nil {
		return nil, err
	}
	starts, err := e.int64Input(n, 1)
	if err != nil {
		return nil, err
	}
	ends, err := e.int64Input(n, 2)
	if err != nil {
		return nil, err
	}
	axes, err := e.int64Input(n, 3)
	if err != nil {
		return nil, err
	}
	steps, err := e.int64Input(n, 4)
	if err != nil {
		return nil, err
	}

	if len(starts) != len(ends) {
		return nil, errors.Errorf("starts %v and ends %v differ in length", starts, ends)
	}
	if axes == nil {
		for i := range starts {
			axes = append(axes, int64(i))
		}
	}
	if len(axes) != len(starts) || (steps != nil && len(steps) != len(starts)) {
		return nil, errors.Errorf("axes %v and steps %v must match starts %v", axes, steps, starts)
	}

	shape := in.Shape().Clone()
	rank := len(shape)
	slices := make([]tensor.Slice, rank)
	for i, axis := range axes {
		if axis < 0 {
			axis += int64(rank)
		}
		if axis < 0 || axis >= int64(rank) {
			return nil, errors.Errorf("axis %d out of range for rank %d", axes[i], rank)
		}
		if steps != nil && steps[i] != 1 {
			return nil, errors.Errorf("step %d is not supported", steps[i])
		}

		dim := int64(shape[axis])
		start := clampIndex(starts[i], dim)
		end := clampIndex(ends[i], dim)
		if end <= start {
			return nil, errors.Errorf("empty slice [%d:%d] on axis %d", starts[i], ends[i], axis)
		}
		slices[axis] = tensor.S(int(start), int(end))
		shape[axis] = int(end - start)
	}

	view, err := in.Slice(slices...)
	if err != nil {
		return nil, err
	}
	m, ok := view.Materialize().(*tensor.Dense)
	if !ok {
		return nil, errors.New("slice did not produce a dense tensor")
	}
	out := m.Clone().(*tensor.Dense)
	// Single-element ranges may come back with the axis dropped.
	if err := out.Reshape(shape...); err != nil {
		return nil, err
	}
	return out, nil
}

// clampIndex resolves a negative index and clamps it to [0, dim].
func clampIndex(i, dim int64) int64 {
	if i < 0 {
		i += dim
	}
	return min(max(i, 0), dim)
}

func evalMul(e *Evaluator, n Node, values map[string]*tensor.Dense) (*tensor.Dense, error) {
	a, b, err := e.binaryInputs(n, values)
	if err != nil {
		return nil, err
	}
	out, err := tensor.Mul(a, b)
	if err != nil {
		return nil, err
	}
	return out.(*tensor.Dense), nil
}

func evalMax(e *Evaluator, n Node, values map[string]*tensor.Dense) (*tensor.Dense, error) {
	first, err := e.tensorInput(n.Inputs[0], values)
	if err != nil {
		return nil, err
	}
	out := first.Clone().(*tensor.Dense)
	acc := out.Data().([]float32)
	for _, name := range n.Inputs[1:] {
		other, err := e.tensorInput(name, values)
		if err != nil {
			return nil, err
		}
		if !other.Shape().Eq(out.Shape()) {
			return nil, errors.Errorf("shapes %v and %v differ; broadcasting is not supported", out.Shape(), other.Shape())
		}
		for i, v := range other.Data().([]float32) {
			acc[i] = math32.Max(acc[i], v)
		}
	}
	return out, nil
}

func evalRound(e *Evaluator, n Node, values map[string]*tensor.Dense) (*tensor.Dense, error) {
	in, err := e.tensorInput(n.Inputs[0], values)
	if err != nil {
		return nil, err
	}
	out, err := in.Apply(postprocess.RoundHalfEven)
	if err != nil {
		return nil, err
	}
	return out.(*tensor.Dense), nil
}

func evalConcat(e *Evaluator, n Node, values map[string]*tensor.Dense) (*tensor.Dense, error) {
	a, _ := n.Attribute("axis")
	inputs := make([]*tensor.Dense, 0, len(n.Inputs))
	for _, name := range n.Inputs {
		d, err := e.tensorInput(name, values)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, d)
	}

	axis := int(a.Int)
	if axis < 0 {
		axis += inputs[0].Dims()
	}
	if len(inputs) == 1 {
		return inputs[0].Clone().(*tensor.Dense), nil
	}
	return inputs[0].Concat(axis, inputs[1:]...)
}

func evalIdentity(e *Evaluator, n Node, values map[string]*tensor.Dense) (*tensor.Dense, error) {
	return e.tensorInput(n.Inputs[0], values)
}

func (e *Evaluator) binaryInputs(n Node, values map[string]*tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	a, err := e.tensorInput(n.Inputs[0], values)
	if err != nil {
		return nil, nil, err
	}
	b, err := e.tensorInput(n.Inputs[1], values)
	if err != nil {
		return nil, nil, err
	}
	if !a.Shape().Eq(b.Shape()) {
		return nil, nil, errors.Errorf("shapes %v and %v differ; broadcasting is not supported", a.Shape(), b.Shape())
	}
	return a, b, nil
}

func toInts(dims []int64) []int {
	out := make([]int, len(dims))
	for i, d := range dims {
		out[i] = int(d)
	}
	return out
}

func toTensor(d *tensor.Dense) postprocess.Tensor {
	shape := d.Shape()
	dims := make([]int64, len(shape))
	for i, s := range shape {
		dims[i] = int64(s)
	}
	return postprocess.Tensor{
		Shape: dims,
		Data:  append([]float32(nil), d.Data().([]float32)...),
	}
}
