package onnx

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/nvr-ai/go-detect/models/postprocess"
)

const (
	// DefaultOutputName is the name of the canonical detection output.
	DefaultOutputName = "post_dets"
	// DefaultDimParam is the symbolic size tag of the candidate axis.
	DefaultDimParam = "N"
	// MinOpset is the lowest default-domain opset the rewritten tail runs on (Round).
	MinOpset = 11

	nodePrefix = "post_"
)

// columnNames name the seven raw columns (x1, y1, x2, y2, f4, f5, f6).
var columnNames = [postprocess.RawColumns]string{"x1", "y1", "x2", "y2", "f4", "f5", "f6"}

// AugmentOptions configures Augment.
type AugmentOptions struct {
	// Layout of the raw output: LayoutAuto, LayoutChannelFirst or LayoutChannelLast. Auto
	// reads the declared output shape.
	Layout postprocess.Layout
	// OutputName names the canonical output. Defaults to DefaultOutputName.
	OutputName string
	// DimParam tags the candidate axis of the canonical output. Defaults to DefaultDimParam.
	DimParam string
	// Logger receives debug output. Defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultAugmentOptions returns options that detect the layout and emit post_dets[1,N,6].
func DefaultAugmentOptions() AugmentOptions {
	return AugmentOptions{
		Layout:     postprocess.LayoutAuto,
		OutputName: DefaultOutputName,
		DimParam:   DefaultDimParam,
	}
}

// AugmentReport summarizes a rewrite.
type AugmentReport struct {
	// RawName is the original output name.
	RawName string
	// AliasName is the name the raw tensor was moved to.
	AliasName string
	// OutputName is the canonical output.
	OutputName string
	// Layout is the resolved raw layout.
	Layout postprocess.Layout
	// Rebound counts the producer and consumer references moved to the alias.
	Rebound int
	// NodesAdded and InitializersAdded count the appended tail.
	NodesAdded        int
	InitializersAdded int
}

func (r *AugmentReport) String() string {
	return fmt.Sprintf("%s (%s) -> %s via %s: %d nodes, %d initializers",
		r.RawName, r.Layout, r.OutputName, r.AliasName, r.NodesAdded, r.InitializersAdded)
}

// Augment rewrites a detector's raw [1, 7, N] or [1, N, 7] output into a canonical
// [1, N, 6] output of (x1, y1, x2, y2, score, class_id) rows, computed inside the graph:
//
//	raw    -> <raw>_raw                          (producers and consumers rebound)
//	rows   =  Transpose(<raw>_raw, perm=[0,2,1]) (channel-first only)
//	col_i  =  Slice(rows, [0,0,i], [1,MAX,i+1], axes=[0,1,2])   for i in 0..6
//	score  =  Max(Mul(f4, f6), f4)
//	class  =  Round(f5)
//	out    =  Concat(x1, y1, x2, y2, score, class, axis=2)
//
// The rewrite is built on a copy of the model and committed only after Check passes. A model
// whose output is already canonical fails with "no raw output to rewrite", so applying
// Augment twice is an error rather than a second tail.
//
// Arguments:
//   - m: The model to rewrite in place.
//   - opts: The rewrite options.
//
// Returns:
//   - *AugmentReport: What was rewritten.
//   - error: A *StructuralGraphError; m is unchanged on error.
func Augment(m *Model, opts AugmentOptions) (*AugmentReport, error) {
	const op = "augment"
	if opts.OutputName == "" {
		opts.OutputName = DefaultOutputName
	}
	if opts.DimParam == "" {
		opts.DimParam = DefaultDimParam
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if m == nil || m.Graph == nil {
		return nil, structuralf(op, "model has no graph")
	}
	if opts.Layout == postprocess.LayoutCanonical {
		return nil, structuralf(op, "layout must be raw, got %s", opts.Layout)
	}
	if v := m.OpsetVersion(""); v < MinOpset {
		return nil, structuralf(op, "default opset %d is older than %d", v, MinOpset)
	}

	g := m.Graph
	if len(g.Outputs) != 1 {
		return nil, structuralf(op, "expected exactly one graph output, found %d", len(g.Outputs))
	}
	out := g.Outputs[0]
	if out.Name == opts.OutputName {
		return nil, structuralf(op, "no raw output to rewrite: output %q is already canonical", out.Name)
	}
	if out.ElemType != DataTypeUndefined && out.ElemType != DataTypeFloat {
		return nil, structuralf(op, "output %q is %s, want float", out.Name, out.ElemType)
	}

	layout, n, err := resolveRawLayout(out, opts.Layout)
	if err != nil {
		return nil, err
	}

	b := NewBuilder(m)
	alias := out.Name + "_raw"
	names := tailNames(layout)
	if err := b.Available(append(append([]string{alias, opts.OutputName}, names.values...), names.nodes...)...); err != nil {
		return nil, err
	}

	rebound, err := b.RenameValue(out.Name, alias)
	if err != nil {
		return nil, err
	}

	rawShape := []Dim{DimValue(1), DimValue(postprocess.RawColumns), n}
	if layout == postprocess.LayoutChannelLast {
		rawShape = []Dim{DimValue(1), n, DimValue(postprocess.RawColumns)}
	}
	if err := b.AddValueInfo(TensorValueInfo(alias, DataTypeFloat, rawShape...)); err != nil {
		return nil, err
	}

	nodes, initializers := buildTail(alias, opts.OutputName, layout)
	for _, t := range initializers {
		if err := b.AddInitializer(t); err != nil {
			return nil, err
		}
	}
	for _, node := range nodes {
		if err := b.AddNode(node); err != nil {
			return nil, err
		}
	}

	b.SetOutputs(TensorValueInfo(opts.OutputName, DataTypeFloat,
		DimValue(1), DimParam(opts.DimParam), DimValue(postprocess.CanonicalColumns)))

	if err := b.Finish(); err != nil {
		return nil, err
	}

	report := &AugmentReport{
		RawName:           out.Name,
		AliasName:         alias,
		OutputName:        opts.OutputName,
		Layout:            layout,
		Rebound:           rebound,
		NodesAdded:        len(nodes),
		InitializersAdded: len(initializers),
	}
	logger.Debug("augmented detector output",
		zap.String("raw", report.RawName),
		zap.String("alias", report.AliasName),
		zap.String("output", report.OutputName),
		zap.Stringer("layout", report.Layout),
		zap.Int("rebound", report.Rebound),
	)
	return report, nil
}

// resolveRawLayout picks the raw layout from the declared output shape and returns the
// candidate dimension to declare on the alias. Under an explicit layout, symbolic and unknown
// dimensions match anything; Auto needs a fixed channel axis.
func resolveRawLayout(out ValueInfo, hint postprocess.Layout) (postprocess.Layout, Dim, error) {
	const op = "augment"
	dynamic := DimParam(DefaultDimParam)

	if out.Shape == nil {
		if hint == postprocess.LayoutAuto {
			return hint, dynamic, structuralf(op, "output %q has no declared shape; pass an explicit layout", out.Name)
		}
		return hint, dynamic, nil
	}

	dims := out.Dims()
	if len(dims) == 3 && dims[2] == postprocess.CanonicalColumns && dims[1] != postprocess.RawColumns {
		return hint, dynamic, structuralf(op, "no raw output to rewrite: output %q is %s", out.Name, out.ShapeString())
	}
	layout, _, err := postprocess.ResolveLayout(dims, hint)
	if err != nil {
		if hint == postprocess.LayoutAuto && len(dims) == 3 && (dims[1] < 0 || dims[2] < 0) {
			return hint, dynamic, structuralf(op, "output %q has placeholder shape %s; pass an explicit layout", out.Name, out.ShapeString())
		}
		return hint, dynamic, structuralf(op, "output %q: %v", out.Name, err)
	}

	n := out.Shape[2]
	if layout == postprocess.LayoutChannelLast {
		n = out.Shape[1]
	}
	if !n.Static() && n.Param == "" {
		n = dynamic
	}
	return layout, n, nil
}

type tailNameSet struct {
	values []string
	nodes  []string
}

// tailNames lists every value and node name the tail adds, besides the alias and output.
func tailNames(layout postprocess.Layout) tailNameSet {
	var ns tailNameSet
	if layout == postprocess.LayoutChannelFirst {
		ns.values = append(ns.values, nodePrefix+"rows")
		ns.nodes = append(ns.nodes, nodePrefix+"transpose")
	}
	ns.values = append(ns.values, nodePrefix+"slice_axes", nodePrefix+"slice_steps")
	for i, c := range columnNames {
		ns.values = append(ns.values,
			fmt.Sprintf("%sslice_starts_%d", nodePrefix, i),
			fmt.Sprintf("%sslice_ends_%d", nodePrefix, i),
			nodePrefix+c,
		)
		ns.nodes = append(ns.nodes, nodePrefix+"slice_"+c)
	}
	ns.values = append(ns.values, nodePrefix+"score_mul", nodePrefix+"score", nodePrefix+"class")
	ns.nodes = append(ns.nodes, nodePrefix+"mul", nodePrefix+"max", nodePrefix+"round", nodePrefix+"concat")
	return ns
}

// buildTail creates the post-processing nodes and their constants.
func buildTail(alias, output string, layout postprocess.Layout) ([]Node, []Initializer) {
	var nodes []Node
	three := []int64{3}

	rows := alias
	if layout == postprocess.LayoutChannelFirst {
		rows = nodePrefix + "rows"
		nodes = append(nodes, Node{
			Name:       nodePrefix + "transpose",
			OpType:     "Transpose",
			Inputs:     []string{alias},
			Outputs:    []string{rows},
			Attributes: []Attribute{IntsAttr("perm", 0, 2, 1)},
		})
	}

	axes := nodePrefix + "slice_axes"
	steps := nodePrefix + "slice_steps"
	initializers := []Initializer{
		Int64Initializer(axes, three, 0, 1, 2),
		Int64Initializer(steps, three, 1, 1, 1),
	}

	for i, c := range columnNames {
		starts := fmt.Sprintf("%sslice_starts_%d", nodePrefix, i)
		ends := fmt.Sprintf("%sslice_ends_%d", nodePrefix, i)
		initializers = append(initializers,
			Int64Initializer(starts, three, 0, 0, int64(i)),
			Int64Initializer(ends, three, 1, math.MaxInt64, int64(i+1)),
		)
		nodes = append(nodes, Node{
			Name:    nodePrefix + "slice_" + c,
			OpType:  "Slice",
			Inputs:  []string{rows, starts, ends, axes, steps},
			Outputs: []string{nodePrefix + c},
		})
	}

	col := func(c string) string { return nodePrefix + c }
	nodes = append(nodes,
		Node{
			Name:    nodePrefix + "mul",
			OpType:  "Mul",
			Inputs:  []string{col("f4"), col("f6")},
			Outputs: []string{col("score_mul")},
		},
		Node{
			Name:    nodePrefix + "max",
			OpType:  "Max",
			Inputs:  []string{col("score_mul"), col("f4")},
			Outputs: []string{col("score")},
		},
		Node{
			Name:    nodePrefix + "round",
			OpType:  "Round",
			Inputs:  []string{col("f5")},
			Outputs: []string{col("class")},
		},
		Node{
			Name:       nodePrefix + "concat",
			OpType:     "Concat",
			Inputs:     []string{col("x1"), col("y1"), col("x2"), col("y2"), col("score"), col("class")},
			Outputs:    []string{output},
			Attributes: []Attribute{IntAttr("axis", 2)},
		},
	)

	return nodes, initializers
}
