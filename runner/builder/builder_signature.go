package builder

import (
	"fmt"
	"strings"
)

// GenerateKernelSignature generates the parameter list for a kernel taking
// params in order. Buffer elements are declared as int_t for integer types
// so the preamble controls the width.
func GenerateKernelSignature(dialect Dialect, params []ParamSpec) string {
	list := make([]string, 0, len(params))
	for _, p := range params {
		constStr := ""
		if p.IsConst() {
			constStr = "const "
		}
		elem := p.DataType.CType()
		if p.DataType == INT32 || p.DataType == INT64 {
			elem = "int_t"
		}
		switch dialect {
		case DialectOpenCL:
			list = append(list, fmt.Sprintf("__global %s%s* %s", constStr, elem, p.Name))
		default:
			list = append(list, fmt.Sprintf("%s%s* %s", constStr, elem, p.Name))
		}
	}
	return strings.Join(list, ",\n\t")
}

// GenerateKernelDeclaration generates a complete kernel function declaration
func GenerateKernelDeclaration(dialect Dialect, kernelName string, params []ParamSpec, trailing ...string) string {
	sig := GenerateKernelSignature(dialect, params)
	if len(trailing) > 0 {
		sig += ",\n\t" + strings.Join(trailing, ",\n\t")
	}
	switch dialect {
	case DialectOpenCL:
		return fmt.Sprintf("__kernel void %s(\n\t%s\n)", kernelName, sig)
	default:
		return fmt.Sprintf("@kernel void %s(\n\t%s\n)", kernelName, sig)
	}
}
