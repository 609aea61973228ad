package inference

import (
	"context"
	"image"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-detect/models/model/preprocess"
	"github.com/nvr-ai/go-detect/models/postprocess"
	"github.com/nvr-ai/go-detect/profiler"
)

// Stage names recorded by the detector's profiler.
const (
	StagePreprocess = "preprocess"
	StageInference  = "inference"
	StageDecode     = "decode"
)

// Detector letterboxes an image, runs the model and decodes its detections.
type Detector struct {
	executor     Executor
	preprocessor *preprocess.Preprocessor
	options      postprocess.DecodeOptions
	inputName    string
	outputName   string
	logger       *zap.Logger
	profiler     *profiler.Profiler
}

// DetectorBuilder assembles a Detector with a fluent API.
type DetectorBuilder struct {
	executor     Executor
	preprocessor *preprocess.Preprocessor
	options      postprocess.DecodeOptions
	layout       postprocess.Layout
	inputName    string
	outputName   string
	logger       *zap.Logger
	profiler     *profiler.Profiler
	err          error
}

// NewDetectorBuilder creates a builder with the default decode options.
//
// Returns:
//   - *DetectorBuilder: The builder.
func NewDetectorBuilder() *DetectorBuilder {
	return &DetectorBuilder{
		options: postprocess.DefaultDecodeOptions(),
		logger:  zap.NewNop(),
	}
}

// HasError checks if the builder has recorded an error.
func (b *DetectorBuilder) HasError() bool {
	return b.err != nil
}

// WithExecutor sets the model executor.
func (b *DetectorBuilder) WithExecutor(executor Executor) *DetectorBuilder {
	if b.HasError() {
		return b
	}
	if executor == nil {
		b.err = errors.New("executor is nil")
		return b
	}
	b.executor = executor
	return b
}

// WithIO names the model input that receives the image tensor and the output holding the
// detections. Executors implementing Describer default to their first input and output.
func (b *DetectorBuilder) WithIO(input, output string) *DetectorBuilder {
	if b.HasError() {
		return b
	}
	b.inputName, b.outputName = input, output
	return b
}

// WithPreprocessor sets the image preprocessor.
func (b *DetectorBuilder) WithPreprocessor(p *preprocess.Preprocessor) *DetectorBuilder {
	if b.HasError() {
		return b
	}
	if p == nil {
		b.err = errors.New("preprocessor is nil")
		return b
	}
	b.preprocessor = p
	return b
}

// WithDecodeOptions sets the thresholds. The layout of the options is ignored in favour of
// WithLayout.
func (b *DetectorBuilder) WithDecodeOptions(opts postprocess.DecodeOptions) *DetectorBuilder {
	if b.HasError() {
		return b
	}
	if err := opts.Validate(); err != nil {
		b.err = err
		return b
	}
	b.options = opts
	return b
}

// WithLayout sets the expected detection output layout. LayoutAuto, the default, resolves it
// from the model's declared output shape.
func (b *DetectorBuilder) WithLayout(layout postprocess.Layout) *DetectorBuilder {
	if b.HasError() {
		return b
	}
	b.layout = layout
	return b
}

// WithLogger sets the logger.
func (b *DetectorBuilder) WithLogger(logger *zap.Logger) *DetectorBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithProfiler times every stage of Predict.
func (b *DetectorBuilder) WithProfiler(p *profiler.Profiler) *DetectorBuilder {
	b.profiler = p
	return b
}

// Build validates the configuration and resolves the output layout once.
//
// Returns:
//   - *Detector: The detector.
//   - error: If a component is missing or the declared output shape is not a detection tensor.
func (b *DetectorBuilder) Build() (*Detector, error) {
	if b.HasError() {
		return nil, b.err
	}
	if b.executor == nil {
		return nil, errors.New("executor not configured")
	}
	if b.preprocessor == nil {
		return nil, errors.New("preprocessor not configured")
	}

	input, output := b.inputName, b.outputName
	var declared []int64
	if d, ok := b.executor.(Describer); ok {
		if input == "" && len(d.InputInfo()) > 0 {
			input = d.InputInfo()[0].Name
		}
		outputs := d.OutputInfo()
		if output == "" && len(outputs) > 0 {
			output = outputs[0].Name
		}
		for _, o := range outputs {
			if o.Name == output {
				declared = o.Shape
			}
		}
	}
	if input == "" || output == "" {
		return nil, errors.New("model input and output names not configured")
	}

	opts := b.options
	opts.Layout = b.layout
	if declared != nil {
		layout, _, err := postprocess.ResolveLayout(declared, b.layout)
		switch {
		case err == nil:
			opts.Layout = layout
		case len(declared) == 3 && (declared[1] < 0 || declared[2] < 0):
			// Placeholder dims say nothing about the channel axis; Decode resolves it per tensor.
			b.logger.Debug("output shape is inconclusive, resolving layout per tensor",
				zap.String("output", output),
				zap.Int64s("declared", declared),
			)
		default:
			return nil, errors.Wrapf(err, "output %q", output)
		}
	}

	b.logger.Info("detector ready",
		zap.String("input", input),
		zap.String("output", output),
		zap.Stringer("layout", opts.Layout),
		zap.Float32("conf", opts.ConfThreshold),
		zap.Float32("iou", opts.IoUThreshold),
		zap.Int("top_k", opts.TopK),
		zap.Bool("class_aware", opts.ClassAware),
	)

	return &Detector{
		executor:     b.executor,
		preprocessor: b.preprocessor,
		options:      opts,
		inputName:    input,
		outputName:   output,
		logger:       b.logger,
		profiler:     b.profiler,
	}, nil
}

// MustBuild builds the detector and panics if there is an error.
func (b *DetectorBuilder) MustBuild() *Detector {
	d, err := b.Build()
	if err != nil {
		panic(err)
	}
	return d
}

// Options returns the decode options in effect, with the resolved layout.
func (d *Detector) Options() postprocess.DecodeOptions {
	return d.options
}

// Predict detects objects in one image.
//
// Arguments:
//   - ctx: The context for the prediction.
//   - img: The image.
//
// Returns:
//   - []postprocess.Result: Detections in original image coordinates; empty when nothing is
//     found.
//   - error: If preprocessing, execution or decoding fails.
func (d *Detector) Predict(ctx context.Context, img image.Image) ([]postprocess.Result, error) {
	stop := d.profiler.StartOperation(StagePreprocess)
	pre, err := d.preprocessor.Preprocess(img)
	stop()
	if err != nil {
		return nil, errors.Wrap(err, "preprocessing failed")
	}
	return d.detect(ctx, pre)
}

// detect runs the model on a preprocessed image and decodes its output.
func (d *Detector) detect(ctx context.Context, pre *preprocess.PreprocessingResult) ([]postprocess.Result, error) {
	stop := d.profiler.StartOperation(StageInference)
	outputs, err := d.executor.Run(ctx, map[string]postprocess.Tensor{d.inputName: pre.Tensor})
	stop()
	if err != nil {
		return nil, errors.Wrap(err, "inference failed")
	}
	out, ok := outputs[d.outputName]
	if !ok {
		return nil, errors.Errorf("model produced no %q output", d.outputName)
	}

	stop = d.profiler.StartOperation(StageDecode)
	results, err := postprocess.Decode(out, pre.Letterbox, d.options)
	stop()
	if err != nil {
		return nil, errors.Wrap(err, "decoding failed")
	}

	d.profiler.RecordMetric("detections", float64(len(results)))
	d.logger.Debug("prediction",
		zap.Int("width", pre.Letterbox.OrigW),
		zap.Int("height", pre.Letterbox.OrigH),
		zap.Int("detections", len(results)),
	)
	return results, nil
}

// PredictBatch detects objects in every image. The whole batch is preprocessed first, then
// run through the model, each stage with at most maxConcurrency images in flight. Results
// are in input order. The first failure cancels the remaining predictions.
func (d *Detector) PredictBatch(ctx context.Context, imgs []image.Image, maxConcurrency int) ([][]postprocess.Result, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stop := d.profiler.StartOperation(StagePreprocess)
	pres, err := d.preprocessor.BatchPreprocess(imgs, maxConcurrency)
	stop()
	if err != nil {
		return nil, errors.Wrap(err, "preprocessing failed")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([][]postprocess.Result, len(imgs))
	errs := make([]error, len(imgs))

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for i, pre := range pres {
		wg.Add(1)
		go func(idx int, pre *preprocess.PreprocessingResult) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs[idx] = ctx.Err()
				return
			}
			defer func() { <-sem }()

			res, err := d.detect(ctx, pre)
			if err != nil {
				errs[idx] = errors.Wrapf(err, "image %d", idx)
				cancel()
				return
			}
			results[idx] = res
		}(i, pre)
	}

	wg.Wait()

	// Report the root failure rather than the cancellations it caused.
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, context.Canceled) {
			return nil, err
		}
		if first == nil {
			first = err
		}
	}
	if first != nil {
		return nil, first
	}
	return results, nil
}

// Close closes the executor if it holds resources.
func (d *Detector) Close() error {
	if c, ok := d.executor.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
