package onnx

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	pb "github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"

	"github.com/nvr-ai/go-detect/models/postprocess"
)

func TestCodecRoundTrip(t *testing.T) {
	m := detectorModel(postprocess.LayoutChannelFirst)
	_, err := Augment(m, DefaultAugmentOptions())
	require.NoError(t, err)

	data, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.NoError(t, Check(decoded.Graph))

	assert.Equal(t, int64(8), decoded.IRVersion)
	assert.Equal(t, "pytorch", decoded.ProducerName)
	assert.Equal(t, int64(17), decoded.OpsetVersion(""))
	assert.Equal(t, int64(17), decoded.OpsetVersion("ai.onnx"))
	assert.Equal(t, "detector", decoded.Graph.Name)
	assert.Len(t, decoded.Graph.Nodes, len(m.Graph.Nodes))
	assert.Len(t, decoded.Graph.Initializers, len(m.Graph.Initializers))

	out := decoded.Graph.Outputs[0]
	assert.Equal(t, "post_dets", out.Name)
	assert.Equal(t, "[1,N,6]", out.ShapeString())

	concat, ok := findNode(decoded.Graph, "post_concat")
	require.True(t, ok)
	assert.Len(t, concat.Inputs, 6)
	axis, ok := concat.Attribute("axis")
	require.True(t, ok)
	assert.Equal(t, AttributeInt, axis.Type)
	assert.Equal(t, int64(2), axis.Int)

	transpose, ok := findNode(decoded.Graph, "post_transpose")
	require.True(t, ok)
	perm, _ := transpose.Attribute("perm")
	assert.Equal(t, []int64{0, 2, 1}, perm.Ints)

	starts, ok := decoded.Graph.Initializer("post_slice_starts_4")
	require.True(t, ok)
	values, err := starts.Int64Values()
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 0, 4}, values)
	assert.Equal(t, []int64{3}, starts.Dims)

	again, err := Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, data, again, "re-encoding a decoded model is stable")
}

func TestCodecPreservesUnknownFields(t *testing.T) {
	m := detectorModel(postprocess.LayoutChannelLast)
	data, err := Encode(m)
	require.NoError(t, err)

	// metadata_props is not modelled, and field 99 is unknown to this ONNX version.
	mp := &pb.ModelProto{}
	require.NoError(t, proto.Unmarshal(data, mp))
	mp.MetadataProps = append(mp.MetadataProps, &pb.StringStringEntryProto{Key: "author", Value: "nvr"})
	future := protowire.AppendString(protowire.AppendTag(nil, 99, protowire.BytesType), "future")
	mp.ProtoReflect().SetUnknown(future)
	mp.Graph.Node[0].DocString = "backbone head"
	data, err = proto.Marshal(mp)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	_, err = Augment(decoded, DefaultAugmentOptions())
	require.NoError(t, err)

	encoded, err := Encode(decoded)
	require.NoError(t, err)
	out := &pb.ModelProto{}
	require.NoError(t, proto.Unmarshal(encoded, out))
	require.Len(t, out.GetMetadataProps(), 1)
	assert.Equal(t, "author", out.GetMetadataProps()[0].GetKey())
	assert.Equal(t, "nvr", out.GetMetadataProps()[0].GetValue())
	assert.Equal(t, []byte(future), []byte(out.ProtoReflect().GetUnknown()))
	assert.Equal(t, "backbone head", out.GetGraph().GetNode()[0].GetDocString())
}

func rawFloatPayload(values ...float32) []byte {
	payload := make([]byte, 0, len(values)*4)
	for _, f := range values {
		payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(f))
	}
	return payload
}

func TestCodecRawInitializerPayload(t *testing.T) {
	tensor := &pb.TensorProto{
		Dims:     []int64{2, 3},
		DataType: int32(DataTypeFloat),
		Name:     "weights",
		RawData:  rawFloatPayload(1, 2, 3, 4, 5, 6),
	}
	model, err := proto.Marshal(&pb.ModelProto{
		IrVersion: 7,
		Graph: &pb.GraphProto{
			Initializer: []*pb.TensorProto{tensor},
			Output:      toValueInfoProtos([]ValueInfo{TensorValueInfo("weights", DataTypeFloat, DimValue(2), DimValue(3))}),
		},
	})
	require.NoError(t, err)

	m, err := Decode(model)
	require.NoError(t, err)
	require.Len(t, m.Graph.Initializers, 1)

	w := m.Graph.Initializers[0]
	assert.Equal(t, "weights", w.Name)
	assert.Equal(t, []int64{2, 3}, w.Dims)
	values, err := w.Float32Values()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, values)
	require.NoError(t, Check(m.Graph))

	encoded, err := Encode(m)
	require.NoError(t, err)
	out := &pb.ModelProto{}
	require.NoError(t, proto.Unmarshal(encoded, out))
	assert.True(t, proto.Equal(tensor, out.GetGraph().GetInitializer()[0]), "untouched initializer is written as decoded")

	// Renaming keeps the payload.
	m.Graph.Initializers[0].Name = "renamed"
	m.Graph.Outputs[0].Name = "renamed"
	encoded, err = Encode(m)
	require.NoError(t, err)
	renamed, err := Decode(encoded)
	require.NoError(t, err)
	values, err = renamed.Graph.Initializers[0].Float32Values()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, values)
	assert.Equal(t, "renamed", renamed.Graph.Initializers[0].Name)
}

func TestInitializerPayloads(t *testing.T) {
	typed := Initializer{
		Name: "starts", DataType: DataTypeInt64, Dims: []int64{3},
		proto: &pb.TensorProto{Name: "starts", DataType: int32(DataTypeInt64), Dims: []int64{3}, Int64Data: []int64{0, 0, 4}},
	}
	values, err := typed.Int64Values()
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 0, 4}, values)
	n, ok := typed.payloadLen()
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)

	raw := Initializer{
		Name: "bias", DataType: DataTypeFloat, Dims: []int64{2},
		proto: &pb.TensorProto{Name: "bias", DataType: int32(DataTypeFloat), Dims: []int64{2}, RawData: rawFloatPayload(0.5, -1)},
	}
	floats, err := raw.Float32Values()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -1}, floats)
	n, ok = raw.payloadLen()
	assert.True(t, ok)
	assert.Equal(t, int64(2), n)

	_, err = raw.Int64Values()
	assert.ErrorContains(t, err, "not int64")

	truncated := raw
	truncated.proto = &pb.TensorProto{Name: "bias", DataType: int32(DataTypeFloat), RawData: []byte{1, 2, 3}}
	_, err = truncated.Float32Values()
	assert.ErrorContains(t, err, "raw_data has 3 bytes")

	ext := raw
	ext.proto = &pb.TensorProto{Name: "bias", DataType: int32(DataTypeFloat), DataLocation: pb.TensorProto_EXTERNAL}
	_, err = ext.Float32Values()
	assert.ErrorContains(t, err, "stored externally")
	_, ok = ext.payloadLen()
	assert.False(t, ok)
}

func TestCodecAttributes(t *testing.T) {
	m := detectorModel(postprocess.LayoutChannelFirst)
	weights := &pb.TensorProto{Name: "value", DataType: int32(DataTypeFloat), Dims: []int64{1}, FloatData: []float32{2}}
	m.Graph.Nodes[1].Attributes = []Attribute{
		IntsAttr("perm", 0, 2, 1),
		FloatAttr("alpha", 0.25),
		StringAttr("mode", "constant"),
		{Name: "value", Type: AttributeTensor, proto: &pb.AttributeProto{Name: "value", Type: pb.AttributeProto_TENSOR, T: weights}},
	}

	data, err := Encode(m)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	debug, ok := findNode(decoded.Graph, "debug")
	require.True(t, ok)
	perm, ok := debug.Attribute("perm")
	require.True(t, ok)
	assert.Equal(t, AttributeInts, perm.Type)
	assert.Equal(t, []int64{0, 2, 1}, perm.Ints)
	alpha, _ := debug.Attribute("alpha")
	assert.Equal(t, float32(0.25), alpha.Float)
	mode, _ := debug.Attribute("mode")
	assert.Equal(t, "constant", mode.String)
	value, ok := debug.Attribute("value")
	require.True(t, ok)
	assert.Equal(t, AttributeTensor, value.Type)

	// Rewriting the graph leaves the tensor attribute untouched.
	_, err = Augment(decoded, DefaultAugmentOptions())
	require.NoError(t, err)
	encoded, err := Encode(decoded)
	require.NoError(t, err)
	out := &pb.ModelProto{}
	require.NoError(t, proto.Unmarshal(encoded, out))
	var found bool
	for _, n := range out.GetGraph().GetNode() {
		if n.GetName() != "debug" {
			continue
		}
		for _, a := range n.GetAttribute() {
			if a.GetName() == "value" {
				found = true
				assert.True(t, proto.Equal(weights, a.GetT()))
			}
		}
	}
	assert.True(t, found)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte{0xff})
	assert.Error(t, err, "truncated tag")

	noGraph, err := proto.Marshal(&pb.ModelProto{IrVersion: 7})
	require.NoError(t, err)
	_, err = Decode(noGraph)
	assert.ErrorContains(t, err, "no graph")
}

func TestSaveLoad(t *testing.T) {
	m := detectorModel(postprocess.LayoutChannelFirst)
	_, err := Augment(m, DefaultAugmentOptions())
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "model.post.onnx")
	require.NoError(t, Save(path, m))

	loaded, err := Load(path)
	require.NoError(t, err)
	want, err := Encode(m)
	require.NoError(t, err)
	got, err := Encode(loaded)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")

	err = Save(filepath.Join(dir, "missing", "model.onnx"), m)
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "absent.onnx"))
	assert.Error(t, err)
}
