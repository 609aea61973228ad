// Command detect runs an ONNX detector over one image or a directory of images, writes
// annotated copies and prints the detections.
//
//	detect -model yolo.onnx -image frames/ [-classes data.yaml] [-conf 0.25] [-iou 0.45]
//
// Settings are read from defaults, an optional -config YAML file, DETECT_ environment
// variables and finally the flags given on the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-detect/config"
	"github.com/nvr-ai/go-detect/inference"
	"github.com/nvr-ai/go-detect/logger"
	"github.com/nvr-ai/go-detect/models"
	"github.com/nvr-ai/go-detect/models/model/preprocess"
	"github.com/nvr-ai/go-detect/models/postprocess"
	"github.com/nvr-ai/go-detect/profiler"
	"github.com/nvr-ai/go-detect/util"
)

var boxColor = color.RGBA{0, 255, 0, 0}

// flagKeys maps flag names to configuration paths.
var flagKeys = map[string]string{
	"model":       "model.path",
	"size":        "model.inputsize",
	"ortlib":      "model.sharedlibrary",
	"provider":    "model.provider.backend",
	"conf":        "decode.conf",
	"iou":         "decode.iou",
	"topk":        "decode.topk",
	"class-aware": "decode.classaware",
	"layout":      "decode.layout",
	"classes":     "classes",
	"out":         "output",
	"concurrency": "concurrency",
	"debug":       "debug",
}

func main() {
	err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "detect: %v\n", err)
		os.Exit(1)
	}
}

func newFlagSet(stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("detect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.String("config", "", "Optional YAML configuration file")
	fs.String("image", "", "Image file or directory of images")
	fs.String("model", "", "Path to the ONNX model")
	fs.Int("size", 640, "Square model input size")
	fs.String("ortlib", "", "Path to the onnxruntime shared library")
	fs.String("provider", "cpu", "Execution provider: cpu, cuda, coreml or openvino")
	fs.Float64("conf", 0.25, "Minimum detection score")
	fs.Float64("iou", 0.45, "NMS IoU threshold")
	fs.Int("topk", 200, "Candidates kept before NMS")
	fs.Bool("class-aware", false, "Only suppress overlapping boxes of the same class")
	fs.String("layout", "auto", "Output layout: auto, channel-first, channel-last or canonical")
	fs.String("classes", "", "Class names: dataset YAML, JSON list or one name per line")
	fs.String("out", "result.jpg", "Annotated image, or output directory for a directory of images")
	fs.Int("concurrency", 4, "Images processed in parallel")
	fs.Bool("debug", false, "Enable debug logging")
	return fs
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet(stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	input := fs.Lookup("image").Value.String()

	cfg, err := config.Load(fs.Lookup("config").Value.String(), config.FlagOverrides(fs, flagKeys))
	if err != nil {
		return err
	}
	if cfg.Model.Path == "" || input == "" {
		fs.Usage()
		return errors.New("-model and -image are required")
	}

	log := logger.New(cfg.Debug)
	defer log.Sync()

	classes := models.COCOClassSet()
	if cfg.Classes != "" {
		if classes, err = models.LoadClassSet(cfg.Classes); err != nil {
			return err
		}
	}

	files, err := util.LoadImageFiles(input)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.Errorf("no images found in %s", input)
	}
	imgs := make([]image.Image, len(files))
	for i, f := range files {
		if imgs[i], _, err = preprocess.DecodeImage(f.Data); err != nil {
			return errors.Wrap(err, f.Path)
		}
	}

	opts, err := cfg.DecodeOptions()
	if err != nil {
		return err
	}

	session, err := inference.NewSession(inference.SessionConfig{
		ModelPath:         cfg.Model.Path,
		SharedLibraryPath: cfg.Model.SharedLibrary,
		Provider:          cfg.Model.Provider,
		Logger:            log,
	})
	if err != nil {
		return err
	}

	pre, err := preprocess.NewPreprocessor(preprocess.DefaultConfig(cfg.Model.InputSize))
	if err != nil {
		session.Close()
		return err
	}
	pre.SetLogger(log)

	prof := profiler.New(profiler.Options{})
	prof.AddMetricsCollector(session)

	detector, err := inference.NewDetectorBuilder().
		WithExecutor(session).
		WithPreprocessor(pre).
		WithDecodeOptions(opts).
		WithLayout(opts.Layout).
		WithLogger(log).
		WithProfiler(prof).
		Build()
	if err != nil {
		session.Close()
		return err
	}
	defer detector.Close()

	results, err := detector.PredictBatch(ctx, imgs, cfg.Concurrency)
	if err != nil {
		return err
	}

	info, err := os.Stat(input)
	if err != nil {
		return errors.Wrap(err, "failed to stat input")
	}
	dirMode := info.IsDir()
	if dirMode {
		if err := os.MkdirAll(outputDir(cfg.Output), 0o755); err != nil {
			return errors.Wrap(err, "failed to create output directory")
		}
	}
	for i, f := range files {
		out := outputPath(cfg.Output, f.Path, dirMode)
		if err := annotate(f.Data, imgs[i], results[i], classes, out); err != nil {
			return err
		}
		writeSummary(stdout, f.Path, results[i], classes)
		log.Debug("annotated", zap.String("input", f.Path), zap.String("output", out))
	}

	prof.Report(log)
	return nil
}

// outputDir is the directory annotated images go to when processing several images.
func outputDir(out string) string {
	return strings.TrimSuffix(out, filepath.Ext(out))
}

// outputPath names the annotated copy of src.
func outputPath(out, src string, dirMode bool) string {
	if !dirMode {
		return out
	}
	base := filepath.Base(src)
	return filepath.Join(outputDir(out), strings.TrimSuffix(base, filepath.Ext(base))+".jpg")
}

// label is the caption drawn above a box.
func label(r postprocess.Result, classes *models.OutputClassSet) string {
	return fmt.Sprintf("%s %.2f", classes.Name(r.Class), r.Score)
}

// writeSummary prints one line per image and one indented line per detection.
func writeSummary(w io.Writer, path string, results []postprocess.Result, classes *models.OutputClassSet) {
	if len(results) == 0 {
		fmt.Fprintf(w, "%s: no detections\n", path)
		return
	}
	noun := "detections"
	if len(results) == 1 {
		noun = "detection"
	}
	fmt.Fprintf(w, "%s: %d %s\n", path, len(results), noun)
	for _, r := range results {
		fmt.Fprintf(w, "  %-14s %.3f %s\n", classes.Name(r.Class), r.Score, r.Box)
	}
}

// annotate draws the detections on the image and writes it to path. Formats OpenCV cannot
// decode are converted from the already decoded image.
func annotate(data []byte, img image.Image, results []postprocess.Result, classes *models.OutputClassSet, path string) error {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err == nil && mat.Empty() {
		mat.Close()
		err = errors.New("empty image")
	}
	if err != nil {
		if mat, err = gocv.ImageToMatRGB(img); err != nil {
			return errors.Wrap(err, "failed to convert image")
		}
	}
	defer mat.Close()

	for _, r := range results {
		rect := r.Box.ToRectangle()
		gocv.Rectangle(&mat, rect, boxColor, 2)
		gocv.PutText(&mat, label(r, classes), image.Pt(rect.Min.X, max(rect.Min.Y-4, 12)),
			gocv.FontHersheyPlain, 1.0, boxColor, 1)
	}

	if !gocv.IMWrite(path, mat) {
		return errors.Errorf("failed to write %s", path)
	}
	return nil
}
