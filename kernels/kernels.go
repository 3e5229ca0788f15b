// Package kernels holds the embedded compute kernels offloaded by the runner.
package kernels

import (
	_ "embed"
	"fmt"

	"github.com/notargets/vecoffload/runner/builder"
)

const (
	// VecAddEntry is the entry point of the vector addition kernel.
	VecAddEntry = "vecadd"
	// VecAddVersion is bumped whenever the kernel text changes.
	VecAddVersion = "1.0.0"
)

var (
	//go:embed vecadd.cl
	vecAddOpenCL string
	//go:embed vecadd.okl
	vecAddOKL string
)

// VecAddParams are the buffer arguments of the vector addition kernel in
// argument order: C[i] = A[i] + B[i].
func VecAddParams() []builder.ParamSpec {
	return []builder.ParamSpec{
		builder.Input("A").Type(builder.INT32).Spec,
		builder.Input("B").Type(builder.INT32).Spec,
		builder.Output("C").Type(builder.INT32).Spec,
	}
}

// VecAdd returns the vector addition kernel for dialect. Each of the N work
// items writes C[idx] = A[idx] + B[idx] and touches no other index.
//
// The OKL variant takes the element count as a trailing scalar argument since
// OCCA loops carry their own bounds.
func VecAdd(dialect builder.Dialect) (builder.KernelSource, error) {
	kb := builder.NewBuilder(builder.Config{IntType: builder.INT32})
	params := VecAddParams()
	switch dialect {
	case builder.DialectOpenCL:
		decl := builder.GenerateKernelDeclaration(dialect, VecAddEntry, params)
		return kb.Kernel(VecAddEntry, VecAddVersion, dialect, fmt.Sprintf(vecAddOpenCL, decl)), nil
	case builder.DialectOKL:
		decl := builder.GenerateKernelDeclaration(dialect, VecAddEntry, params, "const int N")
		return kb.Kernel(VecAddEntry, VecAddVersion, dialect, fmt.Sprintf(vecAddOKL, decl)), nil
	default:
		return builder.KernelSource{}, fmt.Errorf("no %s kernel for %s", VecAddEntry, dialect)
	}
}
