package runner

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/notargets/vecoffload/accel"
	"github.com/notargets/vecoffload/accel/simdev"
	"github.com/notargets/vecoffload/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipelineSetup struct {
	rt   *simdev.Runtime
	ctx  *Context
	host *HostBuffers
	bufs *DeviceBuffers
}

func newPipelineSetup(t *testing.T, rt *simdev.Runtime, n int) *pipelineSetup {
	t.Helper()
	ctx, err := Acquire(rt, firstDevice(t, rt), vecAdd(t), nil)
	require.NoError(t, err)
	host, err := NewHostBuffers(n)
	require.NoError(t, err)
	bufs, err := AllocateDeviceBuffers(ctx, host)
	require.NoError(t, err)
	return &pipelineSetup{rt: rt, ctx: ctx, host: host, bufs: bufs}
}

func (s *pipelineSetup) release(t *testing.T) {
	t.Helper()
	require.NoError(t, s.bufs.Release())
	require.NoError(t, s.ctx.Release())
	assert.Equal(t, 0, s.rt.LiveObjects())
}

func TestPipelineRun(t *testing.T) {
	s := newPipelineSetup(t, utils.CreateSlowRuntime(2*time.Millisecond), 1024)
	var out bytes.Buffer
	p := NewPipeline(s.ctx, s.host, s.bufs, &out)
	assert.Equal(t, Idle, p.State())

	require.NoError(t, p.Run())
	assert.Equal(t, Complete, p.State())
	assert.Equal(t, []State{Idle, Uploading, Dispatched, ReadingBack, Complete}, p.History())
	assert.True(t, Verify(s.host))
	assert.Equal(t, 0, s.rt.LiveEvents(), "every event is consumed")
	assert.Equal(t, 0, s.rt.Violations())
	assert.Equal(t, "Uploading buffers from host to device...\n"+
		"Executing kernel on device...\n"+
		"Downloading buffer from device to host...\n", out.String())
	assert.Greater(t, p.Timings.Total(), time.Duration(0))

	assert.True(t, errors.Is(p.Run(), ErrPipelineUsed))
	s.release(t)
}

func TestPipelineOrdering(t *testing.T) {
	s := newPipelineSetup(t, utils.CreateSlowRuntime(3*time.Millisecond), 256)
	require.NoError(t, NewPipeline(s.ctx, s.host, s.bufs, nil).Run())
	tl := s.rt.Timeline()

	writes := tl.Find(simdev.StageCompleted, accel.OpEnqueueWrite)
	require.Len(t, writes, 2)
	kEnq, ok := tl.First(simdev.StageEnqueued, accel.OpEnqueueKernel)
	require.True(t, ok)
	kStart, ok := tl.First(simdev.StageStarted, accel.OpEnqueueKernel)
	require.True(t, ok)
	kDone, ok := tl.First(simdev.StageCompleted, accel.OpEnqueueKernel)
	require.True(t, ok)
	rStart, ok := tl.First(simdev.StageStarted, accel.OpEnqueueRead)
	require.True(t, ok)
	finish, ok := tl.First(simdev.StageCompleted, accel.OpFinish)
	require.True(t, ok)

	t.Run("DispatchAfterBothUploads", func(t *testing.T) {
		for _, w := range writes {
			assert.Less(t, w.Seq, kStart.Seq)
		}
	})
	t.Run("ReadbackAfterDispatch", func(t *testing.T) {
		assert.Less(t, kDone.Seq, rStart.Seq)
	})
	t.Run("UploadTokensReleasedAfterEnqueue", func(t *testing.T) {
		var released int
		for _, r := range tl.Find(simdev.StageReleased, accel.OpReleaseEvent) {
			if strings.HasPrefix(r.Event, string(accel.OpEnqueueWrite)) {
				released++
				assert.Greater(t, r.Seq, kEnq.Seq, "upload token released before the kernel was enqueued")
			}
		}
		assert.Equal(t, 2, released)
	})
	t.Run("KernelTokenReleasedBeforeDrain", func(t *testing.T) {
		var kRel []simdev.Record
		for _, r := range tl.Find(simdev.StageReleased, accel.OpReleaseEvent) {
			if strings.HasPrefix(r.Event, string(accel.OpEnqueueKernel)) {
				kRel = append(kRel, r)
			}
		}
		require.Len(t, kRel, 1)
		assert.Less(t, kRel[0].Seq, finish.Seq)
	})
	s.release(t)
}

func TestPipelineFailures(t *testing.T) {
	tests := []struct {
		name    string
		op      accel.Op
		fault   simdev.Fault
		kind    accel.Kind
		failsIn State
	}{
		{"UploadEnqueue", accel.OpEnqueueWrite, simdev.Fault{After: 1}, accel.TransferError, Uploading},
		{"SetArg", accel.OpSetKernelArg, simdev.Fault{After: 2}, accel.DispatchError, Dispatched},
		{"DispatchEnqueue", accel.OpEnqueueKernel, simdev.Fault{}, accel.DispatchError, Dispatched},
		{"UploadTokenRelease", accel.OpReleaseEvent, simdev.Fault{}, accel.SyncError, Dispatched},
		{"AsyncKernel", accel.OpEnqueueKernel, simdev.Fault{Async: true}, accel.TransferError, ReadingBack},
		{"Readback", accel.OpEnqueueRead, simdev.Fault{Code: accel.CodeOutOfResources}, accel.TransferError, ReadingBack},
		{"Drain", accel.OpFinish, simdev.Fault{}, accel.SyncError, ReadingBack},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newPipelineSetup(t, utils.CreateFaultyRuntime(tt.op, tt.fault), 64)
			p := NewPipeline(s.ctx, s.host, s.bufs, nil)
			err := p.Run()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
			assert.Equal(t, Failed, p.State())

			h := p.History()
			assert.Equal(t, tt.failsIn, h[len(h)-2])
			assert.Equal(t, 0, s.rt.LiveEvents(), "outstanding tokens are released on failure")
			assert.Equal(t, 0, s.rt.Violations())
			assert.True(t, errors.Is(p.Run(), ErrPipelineUsed))
			s.release(t)
		})
	}
}
