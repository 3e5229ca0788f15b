// Package accel defines the contract between the offload pipeline and an
// accelerator runtime: platform and device enumeration, context, queue,
// program, kernel and buffer objects, asynchronous transfers and kernel
// dispatch, and the events that order them.
//
// Resource life-cycle management:
//
// Every object handed out by a Runtime must be released through the matching
// Release call. Objects derived from a Context (queues, programs, kernels,
// buffers) must be released before the Context itself.
package accel

import (
	"fmt"

	"github.com/notargets/vecoffload/runner/builder"
)

// Handle is an opaque reference to an object owned by a Runtime. The zero
// Handle is never valid.
type Handle struct {
	ID    uint64
	Label string
}

// Valid reports whether the handle refers to an object.
func (h Handle) Valid() bool { return h.ID != 0 }

func (h Handle) String() string {
	if h.Label == "" {
		return fmt.Sprintf("#%d", h.ID)
	}
	return fmt.Sprintf("%s#%d", h.Label, h.ID)
}

type (
	Context Handle
	Queue   Handle
	Program Handle
	Kernel  Handle
	Buffer  Handle
)

// DeviceType is the class of a compute device.
type DeviceType int

const (
	DeviceTypeAll DeviceType = iota
	DeviceTypeCPU
	DeviceTypeGPU
	DeviceTypeAccelerator
)

func (dt DeviceType) String() string {
	switch dt {
	case DeviceTypeAll:
		return "ALL"
	case DeviceTypeCPU:
		return "CPU"
	case DeviceTypeGPU:
		return "GPU"
	case DeviceTypeAccelerator:
		return "ACCELERATOR"
	default:
		return fmt.Sprintf("DeviceType(%d)", int(dt))
	}
}

// ParseDeviceType accepts the names printed by DeviceType.String in upper or
// lower case. The empty string means DeviceTypeAll.
func ParseDeviceType(s string) (DeviceType, error) {
	switch s {
	case "", "ALL", "all":
		return DeviceTypeAll, nil
	case "CPU", "cpu":
		return DeviceTypeCPU, nil
	case "GPU", "gpu":
		return DeviceTypeGPU, nil
	case "ACCELERATOR", "accelerator":
		return DeviceTypeAccelerator, nil
	}
	return DeviceTypeAll, fmt.Errorf("unknown device type %q", s)
}

// Matches reports whether a device of type dt satisfies a request for want.
func (dt DeviceType) Matches(want DeviceType) bool {
	return want == DeviceTypeAll || want == dt
}

// AccessMode is the kernel-side access of a device buffer.
type AccessMode int

const (
	ReadOnly AccessMode = iota + 1
	WriteOnly
	ReadWrite
)

func (m AccessMode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case WriteOnly:
		return "write-only"
	case ReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("AccessMode(%d)", int(m))
	}
}

// Platform is a vendor runtime instance discovered by enumeration.
type Platform struct {
	Handle
	Name    string
	Vendor  string
	Version string
}

// Device is a compute device exposed by a Platform.
type Device struct {
	Handle
	Platform        Platform
	Name            string
	Type            DeviceType
	MaxComputeUnits int
	GlobalMemBytes  uint64
}

// Runtime is the accelerator driver the pipeline calls into. Every call may
// fail; failures are returned as *Error.
type Runtime interface {
	Name() string

	Platforms() ([]Platform, error)
	Devices(p Platform, t DeviceType) ([]Device, error)

	CreateContext(d Device) (Context, error)
	CreateQueue(c Context, d Device) (Queue, error)
	// BuildProgram compiles src for d and blocks until done. A failed build
	// returns an *Error with Kind BuildError and the device build log.
	BuildProgram(c Context, d Device, src builder.KernelSource) (Program, error)
	CreateKernel(p Program, name string) (Kernel, error)
	SetKernelArg(k Kernel, index int, b Buffer) error
	CreateBuffer(c Context, mode AccessMode, size int64) (Buffer, error)

	// EnqueueWrite copies src into b once every event in wait has completed.
	// Non-blocking calls return immediately; src must stay untouched until the
	// returned event completes.
	EnqueueWrite(q Queue, b Buffer, blocking bool, src []byte, wait []*Event) (*Event, error)
	// EnqueueKernel runs k over globalSize work items after wait completes.
	EnqueueKernel(q Queue, k Kernel, globalSize int, wait []*Event) (*Event, error)
	EnqueueRead(q Queue, b Buffer, blocking bool, dst []byte, wait []*Event) (*Event, error)
	// Finish blocks until every operation enqueued on q has completed.
	Finish(q Queue) error

	ReleaseBuffer(b Buffer) error
	ReleaseKernel(k Kernel) error
	ReleaseProgram(p Program) error
	ReleaseQueue(q Queue) error
	ReleaseContext(c Context) error
}

// Compiler is implemented by runtimes that compile a kernel dialect other
// than OpenCL C.
type Compiler interface {
	Dialect() builder.Dialect
}

// DialectOf returns the kernel dialect rt compiles.
func DialectOf(rt Runtime) builder.Dialect {
	if c, ok := rt.(Compiler); ok {
		return c.Dialect()
	}
	return builder.DialectOpenCL
}
