// Package providers configures onnxruntime execution providers and locates the native library.
package providers

import (
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// Backend represents an ONNX Runtime execution provider.
type Backend string

const (
	// CPUBackend uses the default CPU provider.
	CPUBackend Backend = "cpu"
	// CUDABackend uses NVIDIA CUDA for GPU acceleration.
	CUDABackend Backend = "cuda"
	// CoreMLBackend uses Apple CoreML for macOS acceleration.
	CoreMLBackend Backend = "coreml"
	// OpenVINOBackend uses Intel OpenVINO.
	OpenVINOBackend Backend = "openvino"
)

// ParseBackend parses a backend name. The empty string selects the CPU.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return CPUBackend, nil
	case CPUBackend, CUDABackend, CoreMLBackend, OpenVINOBackend:
		return b, nil
	}
	return "", errors.Errorf("unsupported execution provider %q", s)
}

// Config selects an execution provider and the session threading.
type Config struct {
	// Backend is the execution provider.
	Backend Backend `json:"backend" yaml:"backend" koanf:"backend"`
	// Options are passed to the provider as-is, e.g. {"device_id": "0"} for CUDA or
	// {"device_type": "CPU"} for OpenVINO.
	Options map[string]string `json:"options" yaml:"options" koanf:"options"`
	// IntraOpThreads parallelises work inside an operator; 0 lets onnxruntime decide.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads" koanf:"intraopthreads"`
	// InterOpThreads parallelises independent operators; 0 lets onnxruntime decide.
	InterOpThreads int `json:"inter_op_threads" yaml:"inter_op_threads" koanf:"interopthreads"`
}

// DefaultConfig returns a CPU configuration with half of the cores for intra-op work.
func DefaultConfig() Config {
	return Config{
		Backend:        CPUBackend,
		Options:        map[string]string{},
		IntraOpThreads: max(1, runtime.NumCPU()/2),
	}
}

// Validate checks the backend and thread counts.
func (c Config) Validate() error {
	if _, err := ParseBackend(string(c.Backend)); err != nil {
		return err
	}
	if c.IntraOpThreads < 0 || c.InterOpThreads < 0 {
		return errors.Errorf("thread counts must not be negative, got intra=%d inter=%d", c.IntraOpThreads, c.InterOpThreads)
	}
	if c.Backend == CoreMLBackend && runtime.GOOS != "darwin" {
		return errors.Errorf("coreml provider is only available on darwin, not %s", runtime.GOOS)
	}
	return nil
}
