package onnx

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detect/models/postprocess"
)

// Verify runs the rewritten tail of an augmented model on n random raw rows and checks that
// it matches postprocess.Canonicalize exactly.
//
// The tail is run by the package Evaluator, which shares its Max and Round arithmetic with
// Canonicalize. Verify therefore catches wiring, slicing, transposition and column-order
// faults, but not an inference engine that rounds halves differently. Checking that needs
// the augmented model run through a real runtime such as inference.Session.
//
// Arguments:
//   - ctx: Cancels the evaluation.
//   - m: The augmented model.
//   - report: The report Augment returned for m.
//   - n: The number of candidate rows to test, at least 1.
//   - seed: Seeds the row generator.
//
// Returns:
//   - error: If the tail cannot be evaluated or any value differs.
func Verify(ctx context.Context, m *Model, report *AugmentReport, n int, seed int64) error {
	if report == nil || !report.Layout.Raw() {
		return errors.New("verify needs the report of a successful rewrite")
	}
	if n < 1 {
		return errors.Errorf("verify needs at least one row, got %d", n)
	}

	raw := randomRaw(rand.New(rand.NewSource(seed)), report.Layout, n)
	outputs, err := NewEvaluator(m.Graph).Run(ctx, map[string]postprocess.Tensor{report.AliasName: raw})
	if err != nil {
		return errors.Wrap(err, "evaluating rewritten tail")
	}
	got, ok := outputs[report.OutputName]
	if !ok {
		return errors.Errorf("rewritten graph has no %q output", report.OutputName)
	}

	want, err := postprocess.Canonicalize(raw, report.Layout)
	if err != nil {
		return err
	}
	if !equalShape(got.Shape, want.Shape) {
		return errors.Errorf("tail produced shape %v, want %v", got.Shape, want.Shape)
	}
	for i := range want.Data {
		if got.Data[i] != want.Data[i] {
			row, col := i/postprocess.CanonicalColumns, i%postprocess.CanonicalColumns
			return errors.Errorf("row %d column %d: tail produced %v, want %v", row, col, got.Data[i], want.Data[i])
		}
	}
	return nil
}

// randomRaw generates detector-like raw rows: boxes on a 640 canvas, an objectness in
// [0, 1), a class column near an integer with exact halves mixed in, and a class score.
func randomRaw(rng *rand.Rand, layout postprocess.Layout, n int) postprocess.Tensor {
	data := make([]float32, n*postprocess.RawColumns)
	set := func(i, c int, v float32) {
		if layout == postprocess.LayoutChannelFirst {
			data[c*n+i] = v
		} else {
			data[i*postprocess.RawColumns+c] = v
		}
	}

	for i := 0; i < n; i++ {
		x, y := rng.Float32()*600, rng.Float32()*600
		set(i, 0, x)
		set(i, 1, y)
		set(i, 2, x+1+rng.Float32()*40)
		set(i, 3, y+1+rng.Float32()*40)
		set(i, 4, rng.Float32())
		class := float32(rng.Intn(80)) + rng.Float32() - 0.5
		if i%4 == 0 {
			class = float32(rng.Intn(80)) + 0.5
		}
		set(i, 5, class)
		set(i, 6, rng.Float32()*2)
	}

	shape := []int64{1, postprocess.RawColumns, int64(n)}
	if layout == postprocess.LayoutChannelLast {
		shape = []int64{1, int64(n), postprocess.RawColumns}
	}
	return postprocess.Tensor{Shape: shape, Data: data}
}

func equalShape(a, b []int64) bool {
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
