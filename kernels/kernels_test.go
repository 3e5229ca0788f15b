package kernels

import (
	"strings"
	"testing"

	"github.com/notargets/vecoffload/runner/builder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVecAddOpenCL(t *testing.T) {
	src, err := VecAdd(builder.DialectOpenCL)
	require.NoError(t, err)
	require.NoError(t, src.Validate())
	assert.Equal(t, VecAddEntry, src.Entry)
	assert.Equal(t, VecAddVersion, src.Version)

	text := src.Text()
	for _, want := range []string{
		"typedef int int_t;",
		"__kernel void vecadd(",
		"__global const int_t* A",
		"__global const int_t* B",
		"__global int_t* C",
		"get_global_id(0)",
		"C[idx] = A[idx] + B[idx];",
	} {
		assert.Contains(t, text, want)
	}
	assert.NotContains(t, text, "%!")
}

func TestVecAddOKL(t *testing.T) {
	src, err := VecAdd(builder.DialectOKL)
	require.NoError(t, err)
	text := src.Text()
	assert.Contains(t, text, "@kernel void vecadd(")
	assert.Contains(t, text, "const int N\n)")
	assert.Contains(t, text, "@outer")
	assert.False(t, strings.Contains(text, "__global"))
}

func TestVecAddParams(t *testing.T) {
	params := VecAddParams()
	require.Len(t, params, 3)
	names := []string{"A", "B", "C"}
	for i, p := range params {
		assert.Equal(t, names[i], p.Name)
		assert.Equal(t, builder.INT32, p.DataType)
	}
	assert.True(t, params[0].IsConst())
	assert.True(t, params[1].IsConst())
	assert.Equal(t, builder.DirectionOutput, params[2].Direction)
}

func TestVecAddUnknownDialect(t *testing.T) {
	_, err := VecAdd(builder.Dialect(0))
	assert.Error(t, err)
}
