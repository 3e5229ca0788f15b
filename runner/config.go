package runner

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/notargets/vecoffload/accel"
	"github.com/notargets/vecoffload/kernels"
	"github.com/notargets/vecoffload/runner/builder"
	"gopkg.in/yaml.v3"
)

// DefaultN is the element count of a run when none is configured
const DefaultN = 1024

// Config holds the settings of a Runner
type Config struct {
	N          int
	DeviceType accel.DeviceType
	// Runtime is passed to accel.New; empty defers to VECADD_RUNTIME and
	// then to the first registered runtime
	Runtime string
	// Policy names the device policy, see PolicyByName
	Policy string
	// KernelFile overrides the embedded kernel with source read from disk.
	// The dialect follows the extension: .cl or .okl.
	KernelFile string
	// Kernel, when set, is used as is
	Kernel *builder.KernelSource
	Repeat int
	// Out receives the diagnostic prints; nil discards them
	Out io.Writer
}

// DefaultConfig returns the configuration of a single run over DefaultN
// elements on device 0 of platform 0.
func DefaultConfig() Config {
	return Config{
		N:          DefaultN,
		DeviceType: accel.DeviceTypeAll,
		Repeat:     1,
	}
}

type fileConfig struct {
	N          *int    `yaml:"n"`
	DeviceType *string `yaml:"device_type"`
	Runtime    *string `yaml:"runtime"`
	Policy     *string `yaml:"policy"`
	KernelFile *string `yaml:"kernel_file"`
	Repeat     *int    `yaml:"repeat"`
}

// LoadConfig reads a YAML config file over DefaultConfig. A relative
// kernel_file is resolved against the directory of path.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if fc.N != nil {
		cfg.N = *fc.N
	}
	if fc.DeviceType != nil {
		if cfg.DeviceType, err = accel.ParseDeviceType(*fc.DeviceType); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if fc.Runtime != nil {
		cfg.Runtime = *fc.Runtime
	}
	if fc.Policy != nil {
		cfg.Policy = *fc.Policy
	}
	if fc.KernelFile != nil && *fc.KernelFile != "" {
		cfg.KernelFile = *fc.KernelFile
		if !filepath.IsAbs(cfg.KernelFile) {
			cfg.KernelFile = filepath.Join(filepath.Dir(path), cfg.KernelFile)
		}
	}
	if fc.Repeat != nil {
		cfg.Repeat = *fc.Repeat
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings that do not need a runtime
func (c Config) Validate() error {
	if c.N <= 0 || c.N > MaxElements {
		return fmt.Errorf("n must be in [1, %d], got %d", MaxElements, c.N)
	}
	if c.Repeat < 1 {
		return fmt.Errorf("repeat must be at least 1, got %d", c.Repeat)
	}
	if _, err := PolicyByName(c.Policy); err != nil {
		return err
	}
	return nil
}

// KernelSource resolves the kernel payload for a runtime compiling dialect
func (c Config) KernelSource(dialect builder.Dialect) (builder.KernelSource, error) {
	if c.Kernel != nil {
		return *c.Kernel, nil
	}
	if c.KernelFile == "" {
		return kernels.VecAdd(dialect)
	}
	body, err := os.ReadFile(c.KernelFile)
	if err != nil {
		return builder.KernelSource{}, fmt.Errorf("failed to read kernel file: %w", err)
	}
	var fileDialect builder.Dialect
	switch filepath.Ext(c.KernelFile) {
	case ".cl":
		fileDialect = builder.DialectOpenCL
	case ".okl":
		fileDialect = builder.DialectOKL
	default:
		return builder.KernelSource{}, fmt.Errorf("kernel file %s: unknown extension, want .cl or .okl", c.KernelFile)
	}
	kb := builder.NewBuilder(builder.Config{IntType: ElementType})
	return kb.Kernel(kernels.VecAddEntry, "file:"+filepath.Base(c.KernelFile), fileDialect, string(body)), nil
}
