//go:build occa
// +build occa

package occa

import (
	"errors"
	"testing"

	"github.com/notargets/vecoffload/accel"
	"github.com/notargets/vecoffload/runner"
	"github.com/notargets/vecoffload/runner/builder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSerial(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New("Serial")
	require.NoError(t, err)
	platforms, err := rt.Platforms()
	require.NoError(t, err)
	if len(platforms) == 0 {
		t.Skip("OCCA Serial mode unavailable")
	}
	return rt
}

func TestPlatforms(t *testing.T) {
	rt := newSerial(t)
	platforms, err := rt.Platforms()
	require.NoError(t, err)
	assert.Equal(t, "OCCA Serial", platforms[0].Name)

	devices, err := rt.Devices(platforms[0], accel.DeviceTypeAll)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, accel.DeviceTypeCPU, devices[0].Type)

	gpus, err := rt.Devices(platforms[0], accel.DeviceTypeGPU)
	require.NoError(t, err)
	assert.Empty(t, gpus)
}

func TestRunEndToEnd(t *testing.T) {
	rt := newSerial(t)
	assert.Equal(t, builder.DialectOKL, accel.DialectOf(rt))

	rep, err := runner.NewRunnerWithRuntime(rt, runner.DefaultConfig()).Run()
	require.NoError(t, err)
	assert.True(t, rep.Correct)
	assert.Equal(t, 1024, rep.N)
}

func TestBuildFailureCarriesLog(t *testing.T) {
	rt := newSerial(t)
	cfg := runner.DefaultConfig()
	src := builder.NewBuilder(builder.Config{}).Kernel("vecadd", "bad", builder.DialectOKL,
		"@kernel void vecadd(const int_t* A, int_t* C, const int N) {\n\tfor (int i = 0; i < N; ++i; @tile(64, @outer, @inner)) {\n\t\tC[i] = undefined_symbol(A[i]);\n\t}\n}")
	cfg.Kernel = &src

	_, err := runner.NewRunnerWithRuntime(rt, cfg).Run()
	require.Error(t, err)
	assert.True(t, errors.Is(err, accel.BuildError))
	assert.NotEmpty(t, accel.BuildLog(err))
}

func TestOpenCLSourceRejected(t *testing.T) {
	rt := newSerial(t)
	cfg := runner.DefaultConfig()
	src := builder.NewBuilder(builder.Config{}).Kernel("vecadd", "cl", builder.DialectOpenCL, "__kernel void vecadd() {}")
	cfg.Kernel = &src
	_, err := runner.NewRunnerWithRuntime(rt, cfg).Run()
	assert.Contains(t, accel.BuildLog(err), "OCCA compiles OKL")
}

func TestSplitModes(t *testing.T) {
	assert.Equal(t, []string{"CUDA", "Serial"}, splitModes("CUDA + Serial+"))
	assert.Empty(t, splitModes(""))
}
