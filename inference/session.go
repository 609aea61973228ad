package inference

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-detect/inference/providers"
	"github.com/nvr-ai/go-detect/models/postprocess"
)

var (
	envMu   sync.Mutex
	envPath string
)

// initEnvironment loads the onnxruntime library once per process.
func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		if envPath != "" && libPath != envPath {
			return errors.Errorf("onnxruntime already loaded from %s, cannot switch to %s", envPath, libPath)
		}
		return nil
	}
	if _, err := os.Stat(libPath); err != nil {
		return errors.Wrapf(err, "onnxruntime library not found at %s (set %s)", libPath, providers.SharedLibraryEnv)
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "error initializing ORT environment")
	}
	envPath = libPath
	return nil
}

// SessionConfig configures an onnxruntime session.
type SessionConfig struct {
	// ModelPath is the ONNX model file.
	ModelPath string
	// SharedLibraryPath overrides the onnxruntime library location.
	SharedLibraryPath string
	// Provider selects the execution provider and threading.
	Provider providers.Config
	// Logger receives session lifecycle logs. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Session executes an ONNX model with onnxruntime. Inputs and outputs are bound per call, so
// one session serves images of any declared-dynamic size and is safe for concurrent use.
type Session struct {
	session *ort.DynamicAdvancedSession
	inputs  []TensorInfo
	outputs []TensorInfo
	logger  *zap.Logger

	mu             sync.RWMutex
	inferenceCount int64
	failureCount   int64
	totalTime      time.Duration
}

// NewSession loads a model into a new onnxruntime session.
//
// Order of operations:
//  1. Library path resolution and one-time environment setup.
//  2. Input and output discovery from the model file.
//  3. Session options for the configured execution provider.
//  4. Session creation.
//
// Arguments:
//   - cfg: The session configuration.
//
// Returns:
//   - *Session: The session. Close it when done.
//   - error: If the library, the model or the provider cannot be loaded.
func NewSession(cfg SessionConfig) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ModelPath == "" {
		return nil, errors.New("model path is required")
	}

	libPath, err := providers.SharedLibPath(cfg.SharedLibraryPath)
	if err != nil {
		return nil, err
	}
	if err := initEnvironment(libPath); err != nil {
		return nil, err
	}

	inputInfo, outputInfo, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading inputs and outputs of %s", cfg.ModelPath)
	}
	inputs, err := tensorInfos(inputInfo)
	if err != nil {
		return nil, errors.Wrap(err, "model input")
	}
	outputs, err := tensorInfos(outputInfo)
	if err != nil {
		return nil, errors.Wrap(err, "model output")
	}

	options, err := providers.SessionOptions(cfg.Provider)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, names(inputs), names(outputs), options)
	if err != nil {
		return nil, errors.Wrap(err, "error creating ORT session")
	}

	logger.Info("onnxruntime session ready",
		zap.String("model", cfg.ModelPath),
		zap.String("library", libPath),
		zap.String("provider", string(cfg.Provider.Backend)),
		zap.Any("inputs", inputs),
		zap.Any("outputs", outputs),
	)

	return &Session{session: session, inputs: inputs, outputs: outputs, logger: logger}, nil
}

func tensorInfos(infos []ort.InputOutputInfo) ([]TensorInfo, error) {
	out := make([]TensorInfo, 0, len(infos))
	for _, info := range infos {
		if info.OrtValueType != ort.ONNXTypeTensor {
			return nil, errors.Errorf("%q is not a tensor", info.Name)
		}
		if info.DataType != ort.TensorElementDataTypeFloat {
			return nil, errors.Errorf("%q has element type %v, only float is supported", info.Name, info.DataType)
		}
		out = append(out, TensorInfo{Name: info.Name, Shape: append([]int64{}, info.Dimensions...)})
	}
	return out, nil
}

func names(infos []TensorInfo) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Name
	}
	return out
}

// InputInfo returns the declared model inputs.
func (s *Session) InputInfo() []TensorInfo {
	return s.inputs
}

// OutputInfo returns the declared model outputs.
func (s *Session) OutputInfo() []TensorInfo {
	return s.outputs
}

// Run executes the model. Every declared input must be supplied; every declared output is
// returned.
func (s *Session) Run(ctx context.Context, inputs map[string]postprocess.Tensor) (map[string]postprocess.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.session == nil {
		return nil, errors.New("session is closed")
	}

	in := make([]ort.Value, 0, len(s.inputs))
	defer func() {
		for _, v := range in {
			v.Destroy()
		}
	}()
	for _, info := range s.inputs {
		t, ok := inputs[info.Name]
		if !ok {
			return nil, errors.Errorf("missing input %q", info.Name)
		}
		if err := t.Validate(); err != nil {
			return nil, errors.Wrapf(err, "input %q", info.Name)
		}
		v, err := ort.NewTensor(ort.NewShape(t.Shape...), t.Data)
		if err != nil {
			return nil, errors.Wrapf(err, "error creating input tensor %q", info.Name)
		}
		in = append(in, v)
	}

	out := make([]ort.Value, len(s.outputs))
	defer func() {
		for _, v := range out {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	start := time.Now()
	err := s.session.Run(in, out)
	s.record(time.Since(start), err)
	if err != nil {
		return nil, errors.Wrap(err, "onnxruntime run failed")
	}

	results := make(map[string]postprocess.Tensor, len(out))
	for i, v := range out {
		ft, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, errors.Errorf("output %q is %T, not a float tensor", s.outputs[i].Name, v)
		}
		results[s.outputs[i].Name] = postprocess.Tensor{
			Shape: append([]int64{}, ft.GetShape()...),
			Data:  append([]float32(nil), ft.GetData()...),
		}
	}
	return results, nil
}

func (s *Session) record(d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failureCount++
		return
	}
	s.inferenceCount++
	s.totalTime += d
}

// CollectMetrics returns run statistics; it lets a profiler.Profiler collect them.
func (s *Session) CollectMetrics() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics := map[string]float64{
		"inference_count": float64(s.inferenceCount),
		"failure_count":   float64(s.failureCount),
		"total_time_ms":   float64(s.totalTime.Microseconds()) / 1000,
	}
	if s.inferenceCount > 0 {
		avg := float64(s.totalTime.Microseconds()) / 1000 / float64(s.inferenceCount)
		metrics["average_time_ms"] = avg
		if avg > 0 {
			metrics["throughput_fps"] = 1000 / avg
		}
	}
	return metrics
}

// Close releases the native session. The shared environment stays loaded.
func (s *Session) Close() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return errors.Wrap(err, "error destroying ORT session")
}
