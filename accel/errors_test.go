package accel

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	cases := map[Op]Kind{
		OpPlatforms:      DiscoveryError,
		OpDevices:        DiscoveryError,
		OpCreateContext:  ResourceError,
		OpCreateQueue:    ResourceError,
		OpCreateBuffer:   ResourceError,
		OpCreateKernel:   ResourceError,
		OpReleaseContext: ResourceError,
		OpBuildProgram:   BuildError,
		OpEnqueueKernel:  DispatchError,
		OpSetKernelArg:   DispatchError,
		OpEnqueueWrite:   TransferError,
		OpEnqueueRead:    TransferError,
		OpWaitForEvents:  SyncError,
		OpReleaseEvent:   SyncError,
		OpFinish:         SyncError,
	}
	for op, want := range cases {
		assert.Equal(t, want, KindOf(op), "op %s", op)
	}
}

func TestErrorMatching(t *testing.T) {
	base := NewError(OpBuildProgram, CodeBuildProgramFailure, ErrProgramBuild)
	base.Log = "vecadd.cl:3: error: undefined symbol 'foo'"
	wrapped := fmt.Errorf("acquire: %w", base)

	t.Run("Kind", func(t *testing.T) {
		assert.True(t, errors.Is(wrapped, BuildError))
		assert.False(t, errors.Is(wrapped, SyncError))
	})
	t.Run("Sentinel", func(t *testing.T) {
		assert.True(t, errors.Is(wrapped, ErrProgramBuild))
	})
	t.Run("As", func(t *testing.T) {
		ae, ok := AsError(wrapped)
		require.True(t, ok)
		assert.Equal(t, OpBuildProgram, ae.Op)
		assert.Equal(t, CodeBuildProgramFailure, ae.Code)
	})
	t.Run("MessageCarriesLog", func(t *testing.T) {
		msg := wrapped.Error()
		assert.Contains(t, msg, "BuildError: BuildProgram failed with code -11")
		assert.Contains(t, msg, "undefined symbol 'foo'")
		assert.Equal(t, base.Log, BuildLog(wrapped))
	})
	t.Run("NoLog", func(t *testing.T) {
		assert.Empty(t, BuildLog(errors.New("plain")))
		msg := NewError(OpFinish, CodeOutOfResources, nil).Error()
		assert.False(t, strings.Contains(msg, "build log"))
	})
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("not a runtime error")))
	assert.Equal(t, 11, ExitCode(NewError(OpBuildProgram, CodeBuildProgramFailure, nil)))
	assert.Equal(t, 58, ExitCode(fmt.Errorf("x: %w", NewError(OpReleaseEvent, CodeInvalidEvent, nil))))
	assert.Equal(t, 1001&0xff, ExitCode(NewError(OpPlatforms, CodePlatformNotFound, nil)))
	assert.Equal(t, 1, ExitCode(NewError(OpFinish, CodeSuccess, nil)))
	assert.Equal(t, 1, ExitCode(NewError(OpFinish, -256, nil)))
}
