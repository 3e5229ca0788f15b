package builder

import (
	"fmt"
	"sort"
	"strings"
)

// DataType represents the element type of a buffer
type DataType int

const (
	Float32 DataType = iota + 1
	Float64
	INT32
	INT64
)

// Size returns the size in bytes of one element
func (dt DataType) Size() int64 {
	switch dt {
	case Float32, INT32:
		return 4
	case Float64, INT64:
		return 8
	default:
		return 8
	}
}

// CType returns the C type name used in kernel source
func (dt DataType) CType() string {
	switch dt {
	case Float32:
		return "float"
	case Float64:
		return "double"
	case INT32:
		return "int"
	case INT64:
		return "long"
	default:
		return "long"
	}
}

func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case INT32:
		return "int32"
	case INT64:
		return "int64"
	default:
		return fmt.Sprintf("DataType(%d)", int(dt))
	}
}

// Dialect is the kernel language a device compiler accepts
type Dialect int

const (
	DialectOpenCL Dialect = iota + 1
	DialectOKL
)

func (d Dialect) String() string {
	switch d {
	case DialectOpenCL:
		return "OpenCL C"
	case DialectOKL:
		return "OKL"
	default:
		return fmt.Sprintf("Dialect(%d)", int(d))
	}
}

// KernelSource is an opaque, versioned kernel payload handed to the device
// compiler. Entry names the kernel function to create after the build.
type KernelSource struct {
	Entry    string
	Version  string
	Dialect  Dialect
	Preamble string
	Body     string
}

// Text returns the full program text passed to the compiler
func (ks KernelSource) Text() string {
	if ks.Preamble == "" {
		return ks.Body
	}
	return ks.Preamble + "\n" + ks.Body
}

// Validate checks that the payload can be handed to a compiler
func (ks KernelSource) Validate() error {
	if ks.Entry == "" {
		return fmt.Errorf("kernel source has no entry point")
	}
	if strings.TrimSpace(ks.Body) == "" {
		return fmt.Errorf("kernel %s has an empty body", ks.Entry)
	}
	if ks.Dialect != DialectOpenCL && ks.Dialect != DialectOKL {
		return fmt.Errorf("kernel %s has unknown dialect %v", ks.Entry, ks.Dialect)
	}
	return nil
}

func (ks KernelSource) String() string {
	if ks.Version == "" {
		return fmt.Sprintf("%s (%s)", ks.Entry, ks.Dialect)
	}
	return fmt.Sprintf("%s@%s (%s)", ks.Entry, ks.Version, ks.Dialect)
}

// Config holds configuration for creating a Builder
type Config struct {
	IntType DataType
	Defines map[string]int
}

// Builder generates kernel preambles and signatures
type Builder struct {
	IntType DataType
	Defines map[string]int

	// Generated code
	KernelPreamble string
}

// NewBuilder creates a new Builder instance
func NewBuilder(cfg Config) *Builder {
	intType := cfg.IntType
	if intType == 0 {
		intType = INT32
	}
	kb := &Builder{
		IntType: intType,
		Defines: make(map[string]int, len(cfg.Defines)),
	}
	for name, v := range cfg.Defines {
		kb.Defines[name] = v
	}
	return kb
}

// GeneratePreamble generates the type definitions and constants shared by all kernels
func (kb *Builder) GeneratePreamble() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("typedef %s int_t;\n", kb.IntType.CType()))

	if len(kb.Defines) > 0 {
		names := make([]string, 0, len(kb.Defines))
		for name := range kb.Defines {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sb.WriteString(fmt.Sprintf("#define %s %d\n", name, kb.Defines[name]))
		}
	}

	kb.KernelPreamble = sb.String()
	return kb.KernelPreamble
}

// Kernel wraps body as a KernelSource with the generated preamble
func (kb *Builder) Kernel(entry, version string, dialect Dialect, body string) KernelSource {
	return KernelSource{
		Entry:    entry,
		Version:  version,
		Dialect:  dialect,
		Preamble: kb.GeneratePreamble(),
		Body:     body,
	}
}
