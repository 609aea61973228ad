package onnx

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"

	pb "github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

var marshalOptions = proto.MarshalOptions{Deterministic: true}

// Decode parses a serialized ModelProto.
func Decode(data []byte) (*Model, error) {
	mp := &pb.ModelProto{}
	if err := proto.Unmarshal(data, mp); err != nil {
		return nil, errors.Wrap(err, "invalid model proto")
	}
	if mp.GetGraph() == nil {
		return nil, errors.New("model has no graph")
	}
	return fromModelProto(mp), nil
}

// Load reads and parses a model file.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model %s", path)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse model %s", path)
	}
	return m, nil
}

// Encode serializes a model into a ModelProto. Fields the object model does not cover, such
// as metadata_props or fields unknown to this ONNX version, are written back as decoded.
func Encode(m *Model) ([]byte, error) {
	if m == nil || m.Graph == nil {
		return nil, errors.New("model has no graph")
	}
	data, err := marshalOptions.Marshal(toModelProto(m))
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode model")
	}
	return data, nil
}

// Save serializes a model to path. The file is written to a temporary sibling and renamed
// into place, so path never holds a partial model.
func Save(path string, m *Model) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary model file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write model")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to sync model")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close model")
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return errors.Wrap(err, "failed to set model permissions")
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "failed to move model to %s", path)
}

// carryOver copies every populated field of src that is not listed in modelled into dst,
// together with src's unknown fields. Composite values are shared with src.
func carryOver(dst, src protoreflect.ProtoMessage, modelled ...protoreflect.Name) {
	s := src.ProtoReflect()
	if !s.IsValid() {
		return
	}
	skip := make(map[protoreflect.Name]bool, len(modelled))
	for _, name := range modelled {
		skip[name] = true
	}

	d := dst.ProtoReflect()
	s.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if !skip[fd.Name()] {
			d.Set(fd, v)
		}
		return true
	})
	d.SetUnknown(s.GetUnknown())
}

func fromModelProto(mp *pb.ModelProto) *Model {
	m := &Model{
		IRVersion:       mp.GetIrVersion(),
		ProducerName:    mp.GetProducerName(),
		ProducerVersion: mp.GetProducerVersion(),
		Domain:          mp.GetDomain(),
		ModelVersion:    mp.GetModelVersion(),
		Doc:             mp.GetDocString(),
		Graph:           fromGraphProto(mp.GetGraph()),
		proto:           mp,
	}
	for _, op := range mp.GetOpsetImport() {
		m.OpsetImports = append(m.OpsetImports, OperatorSetID{Domain: op.GetDomain(), Version: op.GetVersion()})
	}
	return m
}

func toModelProto(m *Model) *pb.ModelProto {
	mp := &pb.ModelProto{
		IrVersion:       m.IRVersion,
		ProducerName:    m.ProducerName,
		ProducerVersion: m.ProducerVersion,
		Domain:          m.Domain,
		ModelVersion:    m.ModelVersion,
		DocString:       m.Doc,
		Graph:           toGraphProto(m.Graph),
	}
	for _, op := range m.OpsetImports {
		mp.OpsetImport = append(mp.OpsetImport, &pb.OperatorSetIdProto{Domain: op.Domain, Version: op.Version})
	}
	if m.proto != nil {
		carryOver(mp, m.proto, "ir_version", "producer_name", "producer_version", "domain",
			"model_version", "doc_string", "graph", "opset_import")
	}
	return mp
}

func fromGraphProto(gp *pb.GraphProto) *Graph {
	g := &Graph{Name: gp.GetName(), Doc: gp.GetDocString(), proto: gp}
	for _, n := range gp.GetNode() {
		g.Nodes = append(g.Nodes, fromNodeProto(n))
	}
	for _, t := range gp.GetInitializer() {
		g.Initializers = append(g.Initializers, Initializer{
			Name:     t.GetName(),
			DataType: DataType(t.GetDataType()),
			Dims:     append([]int64{}, t.GetDims()...),
			proto:    t,
		})
	}
	g.Inputs = fromValueInfoProtos(gp.GetInput())
	g.Outputs = fromValueInfoProtos(gp.GetOutput())
	g.ValueInfo = fromValueInfoProtos(gp.GetValueInfo())
	return g
}

func toGraphProto(g *Graph) *pb.GraphProto {
	gp := &pb.GraphProto{Name: g.Name, DocString: g.Doc}
	for _, n := range g.Nodes {
		gp.Node = append(gp.Node, toNodeProto(n))
	}
	for _, t := range g.Initializers {
		gp.Initializer = append(gp.Initializer, toTensorProto(t))
	}
	gp.Input = toValueInfoProtos(g.Inputs)
	gp.Output = toValueInfoProtos(g.Outputs)
	gp.ValueInfo = toValueInfoProtos(g.ValueInfo)
	if g.proto != nil {
		carryOver(gp, g.proto, "node", "name", "initializer", "doc_string", "input", "output", "value_info")
	}
	return gp
}

func fromNodeProto(np *pb.NodeProto) Node {
	n := Node{
		Name:    np.GetName(),
		OpType:  np.GetOpType(),
		Domain:  np.GetDomain(),
		Inputs:  append([]string{}, np.GetInput()...),
		Outputs: append([]string{}, np.GetOutput()...),
		Doc:     np.GetDocString(),
		proto:   np,
	}
	for _, a := range np.GetAttribute() {
		n.Attributes = append(n.Attributes, Attribute{
			Name:   a.GetName(),
			Type:   AttributeType(a.GetType()),
			Float:  a.GetF(),
			Int:    a.GetI(),
			String: string(a.GetS()),
			Floats: append([]float32(nil), a.GetFloats()...),
			Ints:   append([]int64(nil), a.GetInts()...),
			proto:  a,
		})
	}
	return n
}

func toNodeProto(n Node) *pb.NodeProto {
	np := &pb.NodeProto{
		Name:      n.Name,
		OpType:    n.OpType,
		Domain:    n.Domain,
		Input:     n.Inputs,
		Output:    n.Outputs,
		DocString: n.Doc,
	}
	for _, a := range n.Attributes {
		np.Attribute = append(np.Attribute, toAttributeProto(a))
	}
	if n.proto != nil {
		carryOver(np, n.proto, "input", "output", "name", "op_type", "attribute", "doc_string", "domain")
	}
	return np
}

func toAttributeProto(a Attribute) *pb.AttributeProto {
	if a.proto != nil {
		return a.proto
	}
	ap := &pb.AttributeProto{Name: a.Name, Type: pb.AttributeProto_AttributeType(a.Type)}
	switch a.Type {
	case AttributeFloat:
		ap.F = a.Float
	case AttributeInt:
		ap.I = a.Int
	case AttributeString:
		ap.S = []byte(a.String)
	case AttributeFloats:
		ap.Floats = a.Floats
	case AttributeInts:
		ap.Ints = a.Ints
	}
	return ap
}

// toTensorProto returns the decoded message of an unchanged initializer, or a new message
// carrying the decoded payload under the current name, type and dims.
func toTensorProto(t Initializer) *pb.TensorProto {
	tp := &pb.TensorProto{Name: t.Name, DataType: int32(t.DataType), Dims: t.Dims}
	if t.proto == nil {
		tp.FloatData = t.FloatData
		tp.Int64Data = t.Int64Data
		return tp
	}
	if t.Name == t.proto.GetName() && int32(t.DataType) == t.proto.GetDataType() && equalInt64s(t.Dims, t.proto.GetDims()) {
		return t.proto
	}
	carryOver(tp, t.proto, "name", "data_type", "dims")
	return tp
}

func fromValueInfoProtos(in []*pb.ValueInfoProto) []ValueInfo {
	var out []ValueInfo
	for _, vp := range in {
		elem, shape := tensorType(vp.GetType())
		out = append(out, ValueInfo{
			Name:     vp.GetName(),
			ElemType: elem,
			Shape:    shape,
			Doc:      vp.GetDocString(),
			proto:    vp,
		})
	}
	return out
}

func toValueInfoProtos(in []ValueInfo) []*pb.ValueInfoProto {
	var out []*pb.ValueInfoProto
	for _, v := range in {
		vp := &pb.ValueInfoProto{Name: v.Name, DocString: v.Doc}
		if v.proto != nil {
			carryOver(vp, v.proto, "name", "doc_string", "type")
		}
		// A decoded type is kept while it still says what the value says, which preserves
		// denotations and non-tensor types.
		if elem, shape := tensorType(v.proto.GetType()); v.proto != nil && elem == v.ElemType && sameShape(shape, v.Shape) {
			vp.Type = v.proto.GetType()
		} else if v.ElemType != DataTypeUndefined || v.Shape != nil {
			vp.Type = newTensorType(v.ElemType, v.Shape)
		}
		out = append(out, vp)
	}
	return out
}

// tensorType reads the element type and shape of a tensor TypeProto. Other kinds of type
// yield no element type and no shape.
func tensorType(tp *pb.TypeProto) (DataType, []Dim) {
	tt := tp.GetTensorType()
	if tt == nil {
		return DataTypeUndefined, nil
	}
	elem := DataType(tt.GetElemType())
	if tt.GetShape() == nil {
		return elem, nil
	}
	shape := []Dim{}
	for _, d := range tt.GetShape().GetDim() {
		switch v := d.GetValue().(type) {
		case *pb.TensorShapeProto_Dimension_DimValue:
			shape = append(shape, DimValue(v.DimValue))
		case *pb.TensorShapeProto_Dimension_DimParam:
			shape = append(shape, DimParam(v.DimParam))
		default:
			shape = append(shape, Dim{Value: -1})
		}
	}
	return elem, shape
}

func newTensorType(elem DataType, shape []Dim) *pb.TypeProto {
	tt := &pb.TypeProto_Tensor{ElemType: int32(elem)}
	if shape != nil {
		tt.Shape = &pb.TensorShapeProto{Dim: []*pb.TensorShapeProto_Dimension{}}
		for _, d := range shape {
			dim := &pb.TensorShapeProto_Dimension{}
			switch {
			case d.Param != "":
				dim.Value = &pb.TensorShapeProto_Dimension_DimParam{DimParam: d.Param}
			case d.Value >= 0:
				dim.Value = &pb.TensorShapeProto_Dimension_DimValue{DimValue: d.Value}
			}
			tt.Shape.Dim = append(tt.Shape.Dim, dim)
		}
	}
	return &pb.TypeProto{Value: &pb.TypeProto_TensorType{TensorType: tt}}
}

func sameShape(a, b []Dim) bool {
	if (a == nil) != (b == nil) || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalInt64s(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func external(tp *pb.TensorProto) bool {
	return tp.GetDataLocation() == pb.TensorProto_EXTERNAL
}

// Int64Values returns the payload of an INT64 initializer.
func (t Initializer) Int64Values() ([]int64, error) {
	if t.DataType != DataTypeInt64 {
		return nil, errors.Errorf("initializer %q is %s, not int64", t.Name, t.DataType)
	}
	if t.proto == nil {
		return t.Int64Data, nil
	}
	if external(t.proto) {
		return nil, errors.Errorf("initializer %q is stored externally", t.Name)
	}
	raw := t.proto.GetRawData()
	if len(raw) == 0 {
		return append([]int64(nil), t.proto.GetInt64Data()...), nil
	}
	if len(raw)%8 != 0 {
		return nil, errors.Errorf("initializer %q: raw_data has %d bytes", t.Name, len(raw))
	}
	values := make([]int64, 0, len(raw)/8)
	for i := 0; i < len(raw); i += 8 {
		values = append(values, int64(binary.LittleEndian.Uint64(raw[i:])))
	}
	return values, nil
}

// Float32Values returns the payload of a FLOAT initializer.
func (t Initializer) Float32Values() ([]float32, error) {
	if t.DataType != DataTypeFloat {
		return nil, errors.Errorf("initializer %q is %s, not float", t.Name, t.DataType)
	}
	if t.proto == nil {
		return t.FloatData, nil
	}
	if external(t.proto) {
		return nil, errors.Errorf("initializer %q is stored externally", t.Name)
	}
	raw := t.proto.GetRawData()
	if len(raw) == 0 {
		return append([]float32(nil), t.proto.GetFloatData()...), nil
	}
	if len(raw)%4 != 0 {
		return nil, errors.Errorf("initializer %q: raw_data has %d bytes", t.Name, len(raw))
	}
	values := make([]float32, 0, len(raw)/4)
	for i := 0; i < len(raw); i += 4 {
		values = append(values, math.Float32frombits(binary.LittleEndian.Uint32(raw[i:])))
	}
	return values, nil
}

// payloadLen counts the elements of an initializer payload without decoding it. ok is false
// for element types it does not count and for externally stored data.
func (t Initializer) payloadLen() (n int64, ok bool) {
	if t.DataType != DataTypeInt64 && t.DataType != DataTypeFloat {
		return 0, false
	}
	if t.proto == nil {
		if t.DataType == DataTypeInt64 {
			return int64(len(t.Int64Data)), true
		}
		return int64(len(t.FloatData)), true
	}
	if external(t.proto) {
		return 0, false
	}
	if raw := t.proto.GetRawData(); len(raw) > 0 {
		return int64(len(raw) / t.DataType.size()), true
	}
	if t.DataType == DataTypeInt64 {
		return int64(len(t.proto.GetInt64Data())), true
	}
	return int64(len(t.proto.GetFloatData())), true
}
