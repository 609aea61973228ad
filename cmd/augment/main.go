// Command augment appends the canonical detection tail to an ONNX detector.
//
//	augment -in yolo.onnx -out yolo.post.onnx [-layout auto] [-output-name post_dets] [-verify]
//
// The output file is only written once the rewritten graph has passed structural validation
// and, with -verify, a check of the tail's wiring against the host-side canonicalization.
// -verify evaluates the tail in Go; it does not exercise an inference engine's rounding.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-detect/logger"
	"github.com/nvr-ai/go-detect/models/postprocess"
	"github.com/nvr-ai/go-detect/onnx"
)

const verifyRows = 1024

func main() {
	err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "augment: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("augment", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		in         = fs.String("in", "", "Path to the source ONNX model")
		out        = fs.String("out", "", "Path to write the augmented model")
		layoutName = fs.String("layout", "auto", "Raw output layout: auto, channel-first or channel-last")
		outputName = fs.String("output-name", onnx.DefaultOutputName, "Name of the canonical output")
		verify     = fs.Bool("verify", false, "Check the rewritten tail wiring in Go before saving (not engine rounding)")
		debug      = fs.Bool("debug", false, "Enable debug logging")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" || *out == "" {
		fs.Usage()
		return errors.New("-in and -out are required")
	}

	layout, err := postprocess.ParseLayout(*layoutName)
	if err != nil {
		return err
	}

	log := zap.NewNop()
	if *debug {
		log = logger.New(true)
		defer log.Sync()
	}

	m, err := onnx.Load(*in)
	if err != nil {
		return err
	}

	opts := onnx.DefaultAugmentOptions()
	opts.Layout = layout
	opts.OutputName = *outputName
	opts.Logger = log
	report, err := onnx.Augment(m, opts)
	if err != nil {
		return err
	}

	if *verify {
		if err := onnx.Verify(ctx, m, report, verifyRows, 1); err != nil {
			return errors.Wrap(err, "verification failed")
		}
		fmt.Fprintf(stdout, "verified %d rows\n", verifyRows)
	}

	if err := onnx.Save(*out, m); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s\nwrote %s\n", report, *out)
	return nil
}
