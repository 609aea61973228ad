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

	"github.com/nvr-ai/go-detect/images"
	"github.com/nvr-ai/go-detect/models"
	"github.com/nvr-ai/go-detect/models/postprocess"
)

func TestOutputPath(t *testing.T) {
	assert.Equal(t, "result.jpg", outputPath("result.jpg", "frames/a.png", false))
	assert.Equal(t, filepath.Join("result", "frame-001.jpg"), outputPath("result.jpg", "frames/frame-001.png", true))
	assert.Equal(t, filepath.Join("out", "b.jpg"), outputPath("out", "b.webp", true))
}

func TestWriteSummary(t *testing.T) {
	classes := models.NewOutputClassSet("test", []string{"person", "car"})

	var buf bytes.Buffer
	writeSummary(&buf, "empty.jpg", nil, classes)
	assert.Equal(t, "empty.jpg: no detections\n", buf.String())

	buf.Reset()
	writeSummary(&buf, "street.jpg", []postprocess.Result{
		{Box: images.Rect{X1: 1, Y1: 2, X2: 30, Y2: 40}, Score: 0.912, Class: 1},
		{Box: images.Rect{X1: 5, Y1: 5, X2: 9, Y2: 9}, Score: 0.5, Class: 7},
	}, classes)
	out := buf.String()
	assert.Contains(t, out, "street.jpg: 2 detections\n")
	assert.Contains(t, out, "car")
	assert.Contains(t, out, "0.912 (1.0, 2.0)-(30.0, 40.0)")
	assert.Contains(t, out, "class_7")

	buf.Reset()
	writeSummary(&buf, "one.jpg", []postprocess.Result{{Score: 0.3}}, classes)
	assert.Contains(t, buf.String(), "one.jpg: 1 detection\n")
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "person 0.87", label(postprocess.Result{Class: 0, Score: 0.871}, models.COCOClassSet()))
}

func TestFlagKeysCoverFlags(t *testing.T) {
	fs := newFlagSet(&bytes.Buffer{})
	for name := range flagKeys {
		assert.NotNil(t, fs.Lookup(name), name)
	}
}

func TestRunErrors(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "model.onnx")
	require.NoError(t, os.WriteFile(model, []byte("x"), 0o644))

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing model", []string{"-image", dir}, "-model and -image are required"},
		{"invalid threshold", []string{"-model", model, "-image", dir, "-conf", "1.5"}, "decode"},
		{"bad layout", []string{"-model", model, "-image", dir, "-layout", "diagonal"}, "unknown layout"},
		{"empty directory", []string{"-model", model, "-image", dir}, "no images found"},
		{"missing classes", []string{"-model", model, "-image", dir, "-classes", filepath.Join(dir, "none.yaml")}, "none.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), tt.args, &stdout, &stderr)
			assert.ErrorContains(t, err, tt.want)
			assert.Empty(t, stdout.String())
		})
	}
}

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"-help"}, &stdout, &stderr)
	assert.ErrorIs(t, err, flag.ErrHelp)
	assert.Contains(t, stderr.String(), "-class-aware")
}
