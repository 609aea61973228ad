// Package config loads detector settings from defaults, a YAML file, DETECT_ environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"flag"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detect/inference/providers"
	"github.com/nvr-ai/go-detect/models/postprocess"
)

// EnvPrefix prefixes environment overrides, e.g. DETECT_DECODE_CONF=0.4.
const EnvPrefix = "DETECT_"

// ModelConfig locates the model and the runtime.
type ModelConfig struct {
	Path          string           `koanf:"path"`
	InputSize     int              `koanf:"inputsize"`
	SharedLibrary string           `koanf:"sharedlibrary"`
	Provider      providers.Config `koanf:"provider"`
}

// DecodeConfig holds the decode thresholds.
type DecodeConfig struct {
	Conf       float32 `koanf:"conf"`
	IoU        float32 `koanf:"iou"`
	TopK       int     `koanf:"topk"`
	ClassAware bool    `koanf:"classaware"`
	Layout     string  `koanf:"layout"`
}

// AppConfig is the complete configuration of the detect tool.
type AppConfig struct {
	Model       ModelConfig  `koanf:"model"`
	Decode      DecodeConfig `koanf:"decode"`
	Classes     string       `koanf:"classes"`
	Output      string       `koanf:"output"`
	Concurrency int          `koanf:"concurrency"`
	Debug       bool         `koanf:"debug"`
}

// Defaults returns the default settings keyed by koanf path.
func Defaults() map[string]any {
	return map[string]any{
		"model.inputsize":        640,
		"model.provider.backend": string(providers.CPUBackend),
		"decode.conf":            0.25,
		"decode.iou":             0.45,
		"decode.topk":            200,
		"decode.classaware":      false,
		"decode.layout":          postprocess.LayoutAuto.String(),
		"output":                 "result.jpg",
		"concurrency":            4,
	}
}

// Load builds the configuration.
//
// Arguments:
//   - filePath: An optional YAML file; empty skips it.
//   - overrides: Highest-precedence values keyed by koanf path, typically from FlagOverrides.
//
// Returns:
//   - *AppConfig: The validated configuration.
//   - error: If a source cannot be read or the result is invalid.
func Load(filePath string, overrides map[string]any) (*AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load defaults")
	}

	if filePath != "" {
		if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "failed to load config file %s", filePath)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
		return key, v
	}), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load environment")
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, errors.Wrap(err, "failed to load overrides")
		}
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FlagOverrides returns the values of the flags set on the command line, keyed by the koanf
// path mapping gives for each flag name. Flags left at their defaults are not included, so
// they do not mask file or environment values.
func FlagOverrides(fs *flag.FlagSet, mapping map[string]string) map[string]any {
	out := make(map[string]any)
	fs.Visit(func(f *flag.Flag) {
		key, ok := mapping[f.Name]
		if !ok {
			return
		}
		if g, ok := f.Value.(flag.Getter); ok {
			out[key] = g.Get()
			return
		}
		out[key] = f.Value.String()
	})
	return out
}

// Validate checks ranges and names.
func (c *AppConfig) Validate() error {
	if c.Model.InputSize <= 0 {
		return errors.Errorf("model.inputsize must be positive, got %d", c.Model.InputSize)
	}
	if c.Concurrency <= 0 {
		return errors.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if err := c.Model.Provider.Validate(); err != nil {
		return errors.Wrap(err, "model.provider")
	}
	opts, err := c.DecodeOptions()
	if err != nil {
		return err
	}
	return errors.Wrap(opts.Validate(), "decode")
}

// DecodeOptions converts the decode section.
func (c *AppConfig) DecodeOptions() (postprocess.DecodeOptions, error) {
	layout, err := postprocess.ParseLayout(c.Decode.Layout)
	if err != nil {
		return postprocess.DecodeOptions{}, errors.Wrap(err, "decode.layout")
	}
	return postprocess.DecodeOptions{
		ConfThreshold: c.Decode.Conf,
		IoUThreshold:  c.Decode.IoU,
		TopK:          c.Decode.TopK,
		Layout:        layout,
		ClassAware:    c.Decode.ClassAware,
	}, nil
}
