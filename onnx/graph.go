// Package onnx - A minimal object model for ONNX interchange graphs, with the tooling to
// rewrite a raw detector output into the canonical [1, N, 6] detection tensor.
package onnx

import (
	"fmt"
	"strings"

	pb "github.com/advancedclimatesystems/gonnx/onnx"
)

// DataType is an ONNX TensorProto element type.
type DataType int32

const (
	// DataTypeUndefined marks an unknown element type.
	DataTypeUndefined DataType = 0
	// DataTypeFloat is 32 bit floating point.
	DataTypeFloat DataType = 1
	// DataTypeInt32 is 32 bit signed integer.
	DataTypeInt32 DataType = 6
	// DataTypeInt64 is 64 bit signed integer.
	DataTypeInt64 DataType = 7
	// DataTypeDouble is 64 bit floating point.
	DataTypeDouble DataType = 11
)

func (t DataType) String() string {
	switch t {
	case DataTypeUndefined:
		return "undefined"
	case DataTypeFloat:
		return "float"
	case DataTypeInt32:
		return "int32"
	case DataTypeInt64:
		return "int64"
	case DataTypeDouble:
		return "double"
	default:
		return fmt.Sprintf("dtype(%d)", int32(t))
	}
}

// size returns the width in bytes of one element, or 0 for types not handled here.
func (t DataType) size() int {
	switch t {
	case DataTypeFloat, DataTypeInt32:
		return 4
	case DataTypeInt64, DataTypeDouble:
		return 8
	}
	return 0
}

// Dim is one dimension of a declared tensor shape.
//
// A dimension is either a fixed size (Value >= 0), a symbolic size tag (Param), or unknown
// (Value < 0 and no Param).
type Dim struct {
	Value int64
	Param string
}

// DimValue returns a fixed-size dimension.
func DimValue(v int64) Dim { return Dim{Value: v} }

// DimParam returns a symbolic dimension.
func DimParam(p string) Dim { return Dim{Value: -1, Param: p} }

// Static reports whether the dimension has a fixed size.
func (d Dim) Static() bool { return d.Param == "" && d.Value >= 0 }

func (d Dim) String() string {
	switch {
	case d.Param != "":
		return d.Param
	case d.Value >= 0:
		return fmt.Sprint(d.Value)
	default:
		return "?"
	}
}

// ValueInfo declares the element type and shape of a named value.
type ValueInfo struct {
	Name     string
	ElemType DataType
	// Shape is nil when no shape is declared.
	Shape []Dim
	Doc   string

	proto *pb.ValueInfoProto
}

// TensorValueInfo declares a tensor value.
func TensorValueInfo(name string, elem DataType, shape ...Dim) ValueInfo {
	if shape == nil {
		shape = []Dim{}
	}
	return ValueInfo{Name: name, ElemType: elem, Shape: shape}
}

// Dims returns the declared shape with -1 for every symbolic or unknown dimension, or nil
// when no shape is declared.
func (v ValueInfo) Dims() []int64 {
	if v.Shape == nil {
		return nil
	}
	dims := make([]int64, len(v.Shape))
	for i, d := range v.Shape {
		if d.Static() {
			dims[i] = d.Value
		} else {
			dims[i] = -1
		}
	}
	return dims
}

// ShapeString formats the declared shape, e.g. [1,7,N].
func (v ValueInfo) ShapeString() string {
	if v.Shape == nil {
		return "[?]"
	}
	parts := make([]string, len(v.Shape))
	for i, d := range v.Shape {
		parts[i] = d.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (v ValueInfo) clone() ValueInfo {
	c := v
	if v.Shape != nil {
		c.Shape = append([]Dim{}, v.Shape...)
	}
	return c
}

// AttributeType is an ONNX AttributeProto type tag.
type AttributeType int32

// AttributeProto type tags.
const (
	AttributeUndefined AttributeType = 0
	AttributeFloat     AttributeType = 1
	AttributeInt       AttributeType = 2
	AttributeString    AttributeType = 3
	AttributeTensor    AttributeType = 4
	AttributeGraph     AttributeType = 5
	AttributeFloats    AttributeType = 6
	AttributeInts      AttributeType = 7
	AttributeGraphs    AttributeType = 10
)

// Attribute is a named node attribute.
//
// Scalar and list attributes are decoded into their fields. Attributes read from a model are
// written back as decoded, so tensor and graph attributes survive untouched; replace an
// attribute with a new value to change it.
type Attribute struct {
	Name   string
	Type   AttributeType
	Float  float32
	Int    int64
	String string
	Floats []float32
	Ints   []int64

	proto *pb.AttributeProto
}

// IntAttr returns an INT attribute.
func IntAttr(name string, v int64) Attribute {
	return Attribute{Name: name, Type: AttributeInt, Int: v}
}

// IntsAttr returns an INTS attribute.
func IntsAttr(name string, v ...int64) Attribute {
	return Attribute{Name: name, Type: AttributeInts, Ints: v}
}

// FloatAttr returns a FLOAT attribute.
func FloatAttr(name string, v float32) Attribute {
	return Attribute{Name: name, Type: AttributeFloat, Float: v}
}

// StringAttr returns a STRING attribute.
func StringAttr(name, v string) Attribute {
	return Attribute{Name: name, Type: AttributeString, String: v}
}

// GraphAttr returns a GRAPH attribute holding a subgraph, as used by If and Loop.
func GraphAttr(name string, g *Graph) Attribute {
	return Attribute{
		Name:  name,
		Type:  AttributeGraph,
		proto: &pb.AttributeProto{Name: name, Type: pb.AttributeProto_GRAPH, G: toGraphProto(g)},
	}
}

// subgraphs returns the GRAPH and GRAPHS payloads of an attribute.
func (a Attribute) subgraphs() []*pb.GraphProto {
	if a.proto == nil {
		return nil
	}
	var graphs []*pb.GraphProto
	if g := a.proto.GetG(); g != nil {
		graphs = append(graphs, g)
	}
	return append(graphs, a.proto.GetGraphs()...)
}

// Node is one operator application.
type Node struct {
	Name       string
	OpType     string
	Domain     string
	Inputs     []string
	Outputs    []string
	Attributes []Attribute
	Doc        string

	proto *pb.NodeProto
}

// Attribute returns the named attribute.
func (n Node) Attribute(name string) (Attribute, bool) {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// OuterRefs returns the values the node's subgraphs read from enclosing scopes, in first-use
// order. Nodes without GRAPH attributes return nil.
func (n Node) OuterRefs() []string {
	var refs []string
	seen := make(map[string]bool)
	for _, a := range n.Attributes {
		for _, g := range a.subgraphs() {
			for _, ref := range outerRefs(g) {
				if !seen[ref] {
					seen[ref] = true
					refs = append(refs, ref)
				}
			}
		}
	}
	return refs
}

// outerRefs lists the names a subgraph uses without defining them, nested subgraphs included.
func outerRefs(g *pb.GraphProto) []string {
	local := make(map[string]bool)
	for _, v := range g.GetInput() {
		local[v.GetName()] = true
	}
	for _, t := range g.GetInitializer() {
		local[t.GetName()] = true
	}
	for _, n := range g.GetNode() {
		for _, out := range n.GetOutput() {
			local[out] = true
		}
	}

	var refs []string
	use := func(name string) {
		if name != "" && !local[name] {
			local[name] = true
			refs = append(refs, name)
		}
	}
	for _, n := range g.GetNode() {
		for _, in := range n.GetInput() {
			use(in)
		}
		for _, a := range n.GetAttribute() {
			for _, sub := range (Attribute{proto: a}).subgraphs() {
				for _, ref := range outerRefs(sub) {
					use(ref)
				}
			}
		}
	}
	for _, v := range g.GetOutput() {
		use(v.GetName())
	}
	return refs
}

func (n Node) clone() Node {
	c := n
	c.Inputs = append([]string{}, n.Inputs...)
	c.Outputs = append([]string{}, n.Outputs...)
	c.Attributes = make([]Attribute, len(n.Attributes))
	for i, a := range n.Attributes {
		c.Attributes[i] = a
		c.Attributes[i].Floats = append([]float32(nil), a.Floats...)
		c.Attributes[i].Ints = append([]int64(nil), a.Ints...)
	}
	return c
}

// Initializer is a named constant tensor.
//
// Initializers built in code carry their payload in Int64Data or FloatData. Initializers
// read from a model keep their decoded TensorProto, readable with Int64Values and
// Float32Values, and write its payload back unchanged.
type Initializer struct {
	Name      string
	DataType  DataType
	Dims      []int64
	Int64Data []int64
	FloatData []float32

	proto *pb.TensorProto
}

// Int64Initializer returns an INT64 initializer of the given shape.
func Int64Initializer(name string, dims []int64, data ...int64) Initializer {
	return Initializer{Name: name, DataType: DataTypeInt64, Dims: dims, Int64Data: data}
}

// FloatInitializer returns a FLOAT initializer of the given shape.
func FloatInitializer(name string, dims []int64, data ...float32) Initializer {
	return Initializer{Name: name, DataType: DataTypeFloat, Dims: dims, FloatData: data}
}

// NumElements returns the product of Dims.
func (t Initializer) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

func (t Initializer) clone() Initializer {
	c := t
	c.Dims = append([]int64{}, t.Dims...)
	c.Int64Data = append([]int64(nil), t.Int64Data...)
	c.FloatData = append([]float32(nil), t.FloatData...)
	return c
}

// Graph is an ONNX computation graph. Nodes are kept in topological order.
type Graph struct {
	Name         string
	Nodes        []Node
	Initializers []Initializer
	Inputs       []ValueInfo
	Outputs      []ValueInfo
	ValueInfo    []ValueInfo
	Doc          string

	proto *pb.GraphProto
}

// Producer returns the index of the node producing the named value.
func (g *Graph) Producer(name string) (int, bool) {
	for i, n := range g.Nodes {
		for _, out := range n.Outputs {
			if out == name {
				return i, true
			}
		}
	}
	return -1, false
}

// Initializer returns the named initializer.
func (g *Graph) Initializer(name string) (Initializer, bool) {
	for _, t := range g.Initializers {
		if t.Name == name {
			return t, true
		}
	}
	return Initializer{}, false
}

// IsInput reports whether name is a graph input.
func (g *Graph) IsInput(name string) bool {
	for _, in := range g.Inputs {
		if in.Name == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the graph. Decoded messages are shared, as they are never
// mutated.
func (g *Graph) Clone() *Graph {
	c := &Graph{Name: g.Name, Doc: g.Doc, proto: g.proto}
	c.Nodes = make([]Node, len(g.Nodes))
	for i, n := range g.Nodes {
		c.Nodes[i] = n.clone()
	}
	c.Initializers = make([]Initializer, len(g.Initializers))
	for i, t := range g.Initializers {
		c.Initializers[i] = t.clone()
	}
	c.Inputs = cloneValueInfos(g.Inputs)
	c.Outputs = cloneValueInfos(g.Outputs)
	c.ValueInfo = cloneValueInfos(g.ValueInfo)
	return c
}

func cloneValueInfos(in []ValueInfo) []ValueInfo {
	out := make([]ValueInfo, len(in))
	for i, v := range in {
		out[i] = v.clone()
	}
	return out
}

// OperatorSetID names an operator set a model depends on.
type OperatorSetID struct {
	Domain  string
	Version int64
}

// Model is an ONNX ModelProto.
type Model struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	Doc             string
	OpsetImports    []OperatorSetID
	Graph           *Graph

	proto *pb.ModelProto
}

// OpsetVersion returns the imported version of an operator set domain, or 0. The empty
// domain and "ai.onnx" both name the default operator set.
func (m *Model) OpsetVersion(domain string) int64 {
	if domain == "ai.onnx" {
		domain = ""
	}
	for _, op := range m.OpsetImports {
		d := op.Domain
		if d == "ai.onnx" {
			d = ""
		}
		if d == domain {
			return op.Version
		}
	}
	return 0
}

// Clone returns a deep copy of the model.
func (m *Model) Clone() *Model {
	c := *m
	c.OpsetImports = append([]OperatorSetID{}, m.OpsetImports...)
	if m.Graph != nil {
		c.Graph = m.Graph.Clone()
	}
	return &c
}
