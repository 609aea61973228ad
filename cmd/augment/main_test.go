package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-detect/onnx"
)

func writeDetector(t *testing.T, dir string) string {
	t.Helper()
	shape := []onnx.Dim{onnx.DimValue(1), onnx.DimValue(7), onnx.DimParam("anchors")}
	m := &onnx.Model{
		IRVersion:    8,
		OpsetImports: []onnx.OperatorSetID{{Version: 13}},
		Graph: &onnx.Graph{
			Name:    "yolo",
			Inputs:  []onnx.ValueInfo{onnx.TensorValueInfo("images", onnx.DataTypeFloat, shape...)},
			Nodes:   []onnx.Node{{Name: "head", OpType: "Identity", Inputs: []string{"images"}, Outputs: []string{"output0"}}},
			Outputs: []onnx.ValueInfo{onnx.TensorValueInfo("output0", onnx.DataTypeFloat, shape...)},
		},
	}
	path := filepath.Join(dir, "yolo.onnx")
	require.NoError(t, onnx.Save(path, m))
	return path
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	in := writeDetector(t, dir)
	out := filepath.Join(dir, "yolo.post.onnx")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"-in", in, "-out", out, "-verify"}, &stdout, &stderr)
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "verified 1024 rows")
	assert.Contains(t, stdout.String(), "output0 (channel-first) -> post_dets")

	m, err := onnx.Load(out)
	require.NoError(t, err)
	require.Len(t, m.Graph.Outputs, 1)
	assert.Equal(t, "post_dets", m.Graph.Outputs[0].Name)
	assert.Equal(t, "[1,N,6]", m.Graph.Outputs[0].ShapeString())
}

func TestRunErrors(t *testing.T) {
	dir := t.TempDir()
	in := writeDetector(t, dir)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing flags", []string{"-in", in}, "-in and -out are required"},
		{"bad layout", []string{"-in", in, "-out", filepath.Join(dir, "a.onnx"), "-layout", "sideways"}, "unknown layout"},
		{"layout mismatch", []string{"-in", in, "-out", filepath.Join(dir, "b.onnx"), "-layout", "channel-last"}, "shape mismatch"},
		{"missing model", []string{"-in", filepath.Join(dir, "none.onnx"), "-out", filepath.Join(dir, "c.onnx")}, "failed to read model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), tt.args, &stdout, &stderr)
			assert.ErrorContains(t, err, tt.want)
		})
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "failed runs write nothing")
}

func TestRunTwiceFails(t *testing.T) {
	dir := t.TempDir()
	in := writeDetector(t, dir)
	once := filepath.Join(dir, "once.onnx")
	twice := filepath.Join(dir, "twice.onnx")

	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-in", in, "-out", once}, &stdout, &stderr))
	err := run(context.Background(), []string{"-in", once, "-out", twice}, &stdout, &stderr)
	assert.ErrorContains(t, err, "no raw output to rewrite")
	assert.NoFileExists(t, twice)
}

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"-h"}, &stdout, &stderr)
	assert.ErrorIs(t, err, flag.ErrHelp)
	assert.Contains(t, stderr.String(), "-output-name")
}
