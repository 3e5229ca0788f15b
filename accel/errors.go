package accel

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind classifies a runtime failure. A Kind is itself an error so callers can
// test with errors.Is(err, accel.BuildError).
type Kind int

const (
	DiscoveryError Kind = iota + 1
	ResourceError
	BuildError
	DispatchError
	TransferError
	SyncError
)

var kindNames = map[Kind]string{
	DiscoveryError: "DiscoveryError",
	ResourceError:  "ResourceError",
	BuildError:     "BuildError",
	DispatchError:  "DispatchError",
	TransferError:  "TransferError",
	SyncError:      "SyncError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) Error() string { return k.String() }

// Op names the runtime call a failure originated from.
type Op string

const (
	OpPlatforms      Op = "GetPlatformIDs"
	OpDevices        Op = "GetDeviceIDs"
	OpCreateContext  Op = "CreateContext"
	OpCreateQueue    Op = "CreateCommandQueue"
	OpBuildProgram   Op = "BuildProgram"
	OpCreateKernel   Op = "CreateKernel"
	OpSetKernelArg   Op = "SetKernelArg"
	OpCreateBuffer   Op = "CreateBuffer"
	OpEnqueueWrite   Op = "EnqueueWriteBuffer"
	OpEnqueueKernel  Op = "EnqueueNDRangeKernel"
	OpEnqueueRead    Op = "EnqueueReadBuffer"
	OpWaitForEvents  Op = "WaitForEvents"
	OpReleaseEvent   Op = "ReleaseEvent"
	OpFinish         Op = "Finish"
	OpReleaseBuffer  Op = "ReleaseMemObject"
	OpReleaseKernel  Op = "ReleaseKernel"
	OpReleaseProgram Op = "ReleaseProgram"
	OpReleaseQueue   Op = "ReleaseCommandQueue"
	OpReleaseContext Op = "ReleaseContext"
)

// KindOf returns the failure class an Op reports under.
func KindOf(op Op) Kind {
	switch op {
	case OpPlatforms, OpDevices:
		return DiscoveryError
	case OpBuildProgram:
		return BuildError
	case OpEnqueueKernel, OpSetKernelArg:
		return DispatchError
	case OpEnqueueWrite, OpEnqueueRead:
		return TransferError
	case OpWaitForEvents, OpReleaseEvent, OpFinish:
		return SyncError
	default:
		return ResourceError
	}
}

// Status codes, numerically compatible with OpenCL.
const (
	CodeSuccess                    int32 = 0
	CodeDeviceNotFound             int32 = -1
	CodeDeviceNotAvailable         int32 = -2
	CodeMemObjectAllocationFailure int32 = -4
	CodeOutOfResources             int32 = -5
	CodeOutOfHostMemory            int32 = -6
	CodeBuildProgramFailure        int32 = -11
	CodeExecStatusError            int32 = -14
	CodeInvalidValue               int32 = -30
	CodeInvalidPlatform            int32 = -32
	CodeInvalidDevice              int32 = -33
	CodeInvalidContext             int32 = -34
	CodeInvalidCommandQueue        int32 = -36
	CodeInvalidMemObject           int32 = -38
	CodeInvalidProgram             int32 = -44
	CodeInvalidKernelName          int32 = -46
	CodeInvalidKernel              int32 = -48
	CodeInvalidArgIndex            int32 = -49
	CodeInvalidEventWaitList       int32 = -57
	CodeInvalidEvent               int32 = -58
	CodePlatformNotFound           int32 = -1001
)

var (
	ErrNoPlatform      = errors.New("no accelerator platform found")
	ErrNoDevice        = errors.New("platform exposes no device of the requested type")
	ErrContextCreation = errors.New("context creation failed")
	ErrQueueCreation   = errors.New("command queue creation failed")
	ErrProgramBuild    = errors.New("program build failed")
	ErrKernelCreation  = errors.New("kernel creation failed")
	ErrAllocation      = errors.New("device buffer allocation failed")
	ErrEventReleased   = errors.New("event used after release")
	ErrNilEvent        = errors.New("nil event in wait list")
	ErrInvalidHandle   = errors.New("invalid or released handle")
)

// Error is a failed runtime call.
type Error struct {
	Kind Kind
	Op   Op
	Code int32
	// Log holds the full device build log for BuildError failures.
	Log string
	Err error
}

// NewError builds an *Error for op, deriving Kind from the op.
func NewError(op Op, code int32, err error) *Error {
	return &Error{Kind: KindOf(op), Op: op, Code: code, Err: err}
}

func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s failed with code %d", e.Kind, e.Op, e.Code)
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	if e.Log != "" {
		fmt.Fprintf(&sb, "\nbuild log:\n%s", e.Log)
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the Kind of e so errors.Is(err, accel.SyncError) holds for any
// wrapped *Error of that class.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// AsError extracts the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// BuildLog returns the device build log carried by err, if any.
func BuildLog(err error) string {
	if ae, ok := AsError(err); ok {
		return ae.Log
	}
	return ""
}

// ExitCode maps err to a non-zero process status derived from the failing
// call's status code. A nil error maps to 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	ae, ok := AsError(err)
	if !ok || ae.Code == CodeSuccess {
		return 1
	}
	code := int(ae.Code)
	if code < 0 {
		code = -code
	}
	if code&0xff == 0 {
		return 1
	}
	return code & 0xff
}
