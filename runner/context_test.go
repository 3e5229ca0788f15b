package runner

import (
	"bytes"
	"errors"
	"testing"

	"github.com/notargets/vecoffload/accel"
	"github.com/notargets/vecoffload/accel/simdev"
	"github.com/notargets/vecoffload/kernels"
	"github.com/notargets/vecoffload/runner/builder"
	"github.com/notargets/vecoffload/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func firstDevice(t *testing.T, rt accel.Runtime) accel.Device {
	t.Helper()
	dev, err := (&Selector{Runtime: rt}).Discover()
	require.NoError(t, err)
	return dev
}

func vecAdd(t *testing.T) builder.KernelSource {
	t.Helper()
	src, err := kernels.VecAdd(builder.DialectOpenCL)
	require.NoError(t, err)
	return src
}

// undefinedKernel declares a kernel the device has no implementation for
func undefinedKernel() builder.KernelSource {
	kb := builder.NewBuilder(builder.Config{})
	return kb.Kernel("vecadd_v2", "0.1", builder.DialectOpenCL,
		"__kernel void vecadd_v2(__global const int_t* A) {\n}")
}

func TestAcquireRelease(t *testing.T) {
	rt := utils.CreateSimRuntime(simdev.Config{})
	ctx, err := Acquire(rt, firstDevice(t, rt), vecAdd(t), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"context": 1, "queue": 1, "program": 1, "kernel": 1}, rt.Live())

	require.NoError(t, ctx.Release())
	assert.Equal(t, 0, rt.LiveObjects())
	assert.Equal(t, []accel.Op{
		accel.OpReleaseKernel,
		accel.OpReleaseProgram,
		accel.OpReleaseQueue,
		accel.OpReleaseContext,
	}, rt.Timeline().ReleaseOrder())
	assert.Equal(t, 0, rt.Violations())

	assert.True(t, errors.Is(ctx.Release(), ErrReleased))
}

func TestAcquireBuildFailure(t *testing.T) {
	rt := utils.CreateSimRuntime(simdev.Config{})
	var out bytes.Buffer
	src := undefinedKernel()

	_, err := Acquire(rt, firstDevice(t, rt), src, &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, accel.BuildError))
	assert.Contains(t, err.Error(), "undefined symbol")
	assert.Contains(t, accel.BuildLog(err), "undefined symbol 'vecadd_v2'")

	printed := out.String()
	assert.Contains(t, printed, "Program build failed. Program Source:\n"+src.Text())
	assert.Contains(t, printed, "Error:\n<kernel>:")

	assert.Equal(t, 0, rt.LiveObjects(), "queue and context must be released")
	assert.Equal(t, []accel.Op{accel.OpReleaseQueue, accel.OpReleaseContext}, rt.Timeline().ReleaseOrder())
}

func TestAcquireCreationFailures(t *testing.T) {
	tests := []struct {
		op       accel.Op
		sentinel error
		released []accel.Op
	}{
		{accel.OpCreateContext, accel.ErrContextCreation, nil},
		{accel.OpCreateQueue, accel.ErrQueueCreation, []accel.Op{accel.OpReleaseContext}},
		{accel.OpCreateKernel, accel.ErrKernelCreation,
			[]accel.Op{accel.OpReleaseProgram, accel.OpReleaseQueue, accel.OpReleaseContext}},
	}
	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			rt := utils.CreateFaultyRuntime(tt.op, simdev.Fault{})
			_, err := Acquire(rt, firstDevice(t, rt), vecAdd(t), nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, accel.ResourceError))
			assert.True(t, errors.Is(err, tt.sentinel))
			assert.Equal(t, 0, rt.LiveObjects())
			assert.Equal(t, tt.released, rt.Timeline().ReleaseOrder())
		})
	}
}

func TestContextReleaseFailurePropagates(t *testing.T) {
	rt := utils.CreateFaultyRuntime(accel.OpReleaseQueue, simdev.Fault{Code: accel.CodeInvalidCommandQueue})
	ctx, err := Acquire(rt, firstDevice(t, rt), vecAdd(t), nil)
	require.NoError(t, err)

	err = ctx.Release()
	require.Error(t, err)
	ae, ok := accel.AsError(err)
	require.True(t, ok)
	assert.Equal(t, accel.OpReleaseQueue, ae.Op)
	assert.Equal(t, 36, accel.ExitCode(err))
	// the context release was still attempted, and refused with a live queue
	assert.Equal(t, map[string]int{"context": 1, "queue": 1}, rt.Live())
	assert.Equal(t, 1, rt.Violations())
}

func TestContextReleasesOutstandingBuffers(t *testing.T) {
	rt := utils.CreateSimRuntime(simdev.Config{})
	ctx, err := Acquire(rt, firstDevice(t, rt), vecAdd(t), nil)
	require.NoError(t, err)
	host, err := NewHostBuffers(64)
	require.NoError(t, err)
	_, err = AllocateDeviceBuffers(ctx, host)
	require.NoError(t, err)

	require.NoError(t, ctx.Release())
	assert.Equal(t, 0, rt.LiveObjects())
	order := rt.Timeline().ReleaseOrder()
	require.Len(t, order, 7)
	assert.Equal(t, []accel.Op{accel.OpReleaseBuffer, accel.OpReleaseBuffer, accel.OpReleaseBuffer}, order[:3])
}

func TestAllocateDeviceBuffers(t *testing.T) {
	rt := utils.CreateSimRuntime(simdev.Config{})
	ctx, err := Acquire(rt, firstDevice(t, rt), vecAdd(t), nil)
	require.NoError(t, err)
	host, err := NewHostBuffers(1024)
	require.NoError(t, err)

	bufs, err := AllocateDeviceBuffers(ctx, host)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), bufs.Bytes)
	for _, b := range bufs.Args() {
		assert.Equal(t, int64(1024*4), rt.BufferSize(b))
	}
	assert.Equal(t, accel.ReadOnly, rt.BufferMode(bufs.A))
	assert.Equal(t, accel.ReadOnly, rt.BufferMode(bufs.B))
	assert.Equal(t, accel.WriteOnly, rt.BufferMode(bufs.C))

	require.NoError(t, bufs.Release())
	assert.Equal(t, 0, rt.Live()["buffer"])
	assert.True(t, errors.Is(bufs.Release(), ErrReleased))
	require.NoError(t, ctx.Release())
}

func TestAllocateDeviceBuffersPartialFailure(t *testing.T) {
	rt := utils.CreateFaultyRuntime(accel.OpCreateBuffer, simdev.Fault{After: 2, Code: accel.CodeMemObjectAllocationFailure})
	ctx, err := Acquire(rt, firstDevice(t, rt), vecAdd(t), nil)
	require.NoError(t, err)
	host, err := NewHostBuffers(128)
	require.NoError(t, err)

	_, err = AllocateDeviceBuffers(ctx, host)
	require.Error(t, err)
	assert.True(t, errors.Is(err, accel.ErrAllocation))
	assert.Equal(t, 4, accel.ExitCode(err))
	assert.Equal(t, 0, rt.Live()["buffer"], "A and B are released when C fails")
	require.NoError(t, ctx.Release())
}
