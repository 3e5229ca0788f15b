//go:build occa
// +build occa

// Package occa implements accel.Runtime on top of OCCA through gocca. Each
// OCCA backend mode that can open a device is reported as a platform; a
// context and its queue share one OCCA device.
//
// OCCA orders operations on a device stream, so transfers and launches are
// issued synchronously once their wait lists have completed, and the events
// handed back are already complete.
package occa

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/notargets/gocca"
	"github.com/notargets/vecoffload/accel"
	"github.com/notargets/vecoffload/runner/builder"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Available reports whether the binary was built with OCCA support.
func Available() bool { return true }

type deviceSpec struct {
	mode     string
	deviceID int
}

func (ds deviceSpec) props() string {
	switch ds.mode {
	case "Serial", "OpenMP":
		return fmt.Sprintf(`{"mode": %q}`, ds.mode)
	case "OpenCL":
		return fmt.Sprintf(`{"mode": "OpenCL", "platform_id": 0, "device_id": %d}`, ds.deviceID)
	default:
		return fmt.Sprintf(`{"mode": %q, "device_id": %d}`, ds.mode, ds.deviceID)
	}
}

type kernelEntry struct {
	kernel *gocca.OCCAKernel
	args   map[int]uint64
	ctx    uint64
}

// Runtime drives OCCA devices.
type Runtime struct {
	modes      []string
	maxDevices int

	mu        sync.Mutex
	nextID    uint64
	platforms []accel.Platform
	specs     map[uint64]deviceSpec // device handle -> spec
	devices   map[uint64]*gocca.OCCADevice
	queues    map[uint64]uint64 // queue -> context
	programs  map[uint64]*kernelEntry
	kernels   map[uint64]*kernelEntry
	buffers   map[uint64]*gocca.OCCAMemory
	bufCtx    map[uint64]uint64
	bufSize   map[uint64]int64
}

var _ accel.Runtime = (*Runtime)(nil)

// New creates an OCCA runtime probing modes; an empty list probes the
// usual backends in order of preference.
func New(config string) (*Runtime, error) {
	modes := []string{"CUDA", "HIP", "OpenCL", "OpenMP", "Serial"}
	if config != "" {
		modes = splitModes(config)
	}
	return &Runtime{
		modes:      modes,
		maxDevices: 8,
		specs:      make(map[uint64]deviceSpec),
		devices:    make(map[uint64]*gocca.OCCADevice),
		queues:     make(map[uint64]uint64),
		programs:   make(map[uint64]*kernelEntry),
		kernels:    make(map[uint64]*kernelEntry),
		buffers:    make(map[uint64]*gocca.OCCAMemory),
		bufCtx:     make(map[uint64]uint64),
		bufSize:    make(map[uint64]int64),
	}, nil
}

func (rt *Runtime) Name() string { return RuntimeName }

// Dialect reports that OCCA compiles OKL.
func (rt *Runtime) Dialect() builder.Dialect { return builder.DialectOKL }

func open(config string) (accel.Runtime, error) {
	return New(config)
}

func (rt *Runtime) newID() uint64 {
	rt.nextID++
	return rt.nextID
}

// probe opens and frees a device to test that spec is usable.
func probe(spec deviceSpec) (string, bool) {
	dev, err := gocca.NewDevice(spec.props())
	if err != nil {
		return "", false
	}
	defer dev.Free()
	return dev.Mode(), true
}

// Platforms reports each OCCA mode able to open device 0.
func (rt *Runtime) Platforms() ([]accel.Platform, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.platforms == nil {
		rt.platforms = []accel.Platform{}
		for _, mode := range rt.modes {
			if _, ok := probe(deviceSpec{mode: mode}); !ok {
				klog.V(1).Infof("occa: mode %s unavailable", mode)
				continue
			}
			rt.platforms = append(rt.platforms, accel.Platform{
				Handle: accel.Handle{ID: rt.newID(), Label: "platform"},
				Name:   "OCCA " + mode,
				Vendor: "OCCA",
			})
		}
	}
	return append([]accel.Platform(nil), rt.platforms...), nil
}

func modeOf(p accel.Platform) string {
	const prefix = "OCCA "
	if len(p.Name) > len(prefix) {
		return p.Name[len(prefix):]
	}
	return p.Name
}

func deviceType(mode string) accel.DeviceType {
	switch mode {
	case "Serial", "OpenMP":
		return accel.DeviceTypeCPU
	case "CUDA", "HIP", "Metal":
		return accel.DeviceTypeGPU
	default:
		return accel.DeviceTypeAccelerator
	}
}

// Devices probes device ids of p's mode until one fails to open.
func (rt *Runtime) Devices(p accel.Platform, t accel.DeviceType) ([]accel.Device, error) {
	mode := modeOf(p)
	n := rt.maxDevices
	if mode == "Serial" || mode == "OpenMP" {
		n = 1
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []accel.Device
	for id := 0; id < n; id++ {
		spec := deviceSpec{mode: mode, deviceID: id}
		if _, ok := probe(spec); !ok {
			break
		}
		dt := deviceType(mode)
		if !dt.Matches(t) {
			continue
		}
		h := accel.Handle{ID: rt.newID(), Label: "device"}
		rt.specs[h.ID] = spec
		out = append(out, accel.Device{
			Handle:   h,
			Platform: p,
			Name:     fmt.Sprintf("%s device %d", mode, id),
			Type:     dt,
		})
	}
	return out, nil
}

// CreateContext opens the OCCA device behind d.
func (rt *Runtime) CreateContext(d accel.Device) (accel.Context, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	spec, ok := rt.specs[d.ID]
	if !ok {
		return accel.Context{}, accel.NewError(accel.OpCreateContext, accel.CodeInvalidDevice,
			errors.Wrapf(accel.ErrInvalidHandle, "device %s", d.Handle))
	}
	dev, err := gocca.NewDevice(spec.props())
	if err != nil {
		return accel.Context{}, accel.NewError(accel.OpCreateContext, accel.CodeDeviceNotAvailable,
			errors.Wrapf(accel.ErrContextCreation, "%s: %v", spec.props(), err))
	}
	id := rt.newID()
	rt.devices[id] = dev
	return accel.Context{ID: id, Label: dev.Mode()}, nil
}

// CreateQueue returns a queue handle bound to the context's device stream.
func (rt *Runtime) CreateQueue(c accel.Context, d accel.Device) (accel.Queue, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.devices[c.ID]; !ok {
		return accel.Queue{}, accel.NewError(accel.OpCreateQueue, accel.CodeInvalidContext,
			errors.Wrapf(accel.ErrQueueCreation, "context %s", accel.Handle(c)))
	}
	id := rt.newID()
	rt.queues[id] = c.ID
	return accel.Queue{ID: id, Label: "queue"}, nil
}

// BuildProgram compiles the entry kernel of src. OCCA builds kernels one at a
// time, so the program holds the compiled entry point.
func (rt *Runtime) BuildProgram(c accel.Context, d accel.Device, src builder.KernelSource) (accel.Program, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	dev, ok := rt.devices[c.ID]
	if !ok {
		return accel.Program{}, accel.NewError(accel.OpBuildProgram, accel.CodeInvalidContext,
			errors.Wrapf(accel.ErrInvalidHandle, "context %s", accel.Handle(c)))
	}
	if src.Dialect != builder.DialectOKL {
		e := accel.NewError(accel.OpBuildProgram, accel.CodeBuildProgramFailure, accel.ErrProgramBuild)
		e.Log = fmt.Sprintf("error: OCCA compiles OKL, got %s source\n", src.Dialect)
		return accel.Program{}, e
	}

	var (
		kernel *gocca.OCCAKernel
		err    error
	)
	if dev.Mode() == "OpenMP" {
		// OpenMP doesn't get the default -O3 flag
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		kernel, err = dev.BuildKernelFromString(src.Text(), src.Entry, props)
	} else {
		kernel, err = dev.BuildKernelFromString(src.Text(), src.Entry, nil)
	}
	if err != nil || kernel == nil {
		e := accel.NewError(accel.OpBuildProgram, accel.CodeBuildProgramFailure, accel.ErrProgramBuild)
		if err != nil {
			e.Log = err.Error()
		} else {
			e.Log = fmt.Sprintf("kernel build returned nil for %s", src.Entry)
		}
		return accel.Program{}, e
	}
	id := rt.newID()
	rt.programs[id] = &kernelEntry{kernel: kernel, ctx: c.ID}
	return accel.Program{ID: id, Label: src.Entry}, nil
}

// CreateKernel hands out the kernel compiled by BuildProgram. The program
// keeps ownership of the OCCA kernel.
func (rt *Runtime) CreateKernel(p accel.Program, name string) (accel.Kernel, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	prog, ok := rt.programs[p.ID]
	if !ok {
		return accel.Kernel{}, accel.NewError(accel.OpCreateKernel, accel.CodeInvalidProgram,
			errors.Wrapf(accel.ErrKernelCreation, "program %s", accel.Handle(p)))
	}
	if name != p.Label {
		return accel.Kernel{}, accel.NewError(accel.OpCreateKernel, accel.CodeInvalidKernelName,
			errors.Wrapf(accel.ErrKernelCreation, "no kernel %q in program %s", name, accel.Handle(p)))
	}
	id := rt.newID()
	rt.kernels[id] = &kernelEntry{kernel: prog.kernel, ctx: prog.ctx, args: make(map[int]uint64)}
	return accel.Kernel{ID: id, Label: name}, nil
}

// SetKernelArg records b as argument index of k.
func (rt *Runtime) SetKernelArg(k accel.Kernel, index int, b accel.Buffer) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	kern, ok := rt.kernels[k.ID]
	if !ok {
		return accel.NewError(accel.OpSetKernelArg, accel.CodeInvalidKernel,
			errors.Wrapf(accel.ErrInvalidHandle, "kernel %s", accel.Handle(k)))
	}
	if _, ok := rt.buffers[b.ID]; !ok {
		return accel.NewError(accel.OpSetKernelArg, accel.CodeInvalidMemObject,
			errors.Wrapf(accel.ErrInvalidHandle, "buffer %s", accel.Handle(b)))
	}
	if index < 0 {
		return accel.NewError(accel.OpSetKernelArg, accel.CodeInvalidArgIndex, errors.Errorf("argument %d", index))
	}
	kern.args[index] = b.ID
	return nil
}

// CreateBuffer allocates uninitialized device memory.
func (rt *Runtime) CreateBuffer(c accel.Context, mode accel.AccessMode, size int64) (accel.Buffer, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	dev, ok := rt.devices[c.ID]
	if !ok {
		return accel.Buffer{}, accel.NewError(accel.OpCreateBuffer, accel.CodeInvalidContext,
			errors.Wrapf(accel.ErrAllocation, "context %s", accel.Handle(c)))
	}
	if size <= 0 {
		return accel.Buffer{}, accel.NewError(accel.OpCreateBuffer, accel.CodeInvalidValue,
			errors.Wrapf(accel.ErrAllocation, "invalid buffer size %d", size))
	}
	mem := dev.Malloc(size, nil, nil)
	if mem == nil {
		return accel.Buffer{}, accel.NewError(accel.OpCreateBuffer, accel.CodeMemObjectAllocationFailure,
			errors.Wrapf(accel.ErrAllocation, "%d bytes (%v)", size, mode))
	}
	id := rt.newID()
	rt.buffers[id] = mem
	rt.bufCtx[id] = c.ID
	rt.bufSize[id] = size
	return accel.Buffer{ID: id, Label: "buffer"}, nil
}

func (rt *Runtime) transferTarget(op accel.Op, q accel.Queue, b accel.Buffer, n int) (*gocca.OCCAMemory, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ctx, ok := rt.queues[q.ID]
	if !ok {
		return nil, accel.NewError(op, accel.CodeInvalidCommandQueue, errors.Wrapf(accel.ErrInvalidHandle, "queue %s", accel.Handle(q)))
	}
	mem, ok := rt.buffers[b.ID]
	if !ok || rt.bufCtx[b.ID] != ctx {
		return nil, accel.NewError(op, accel.CodeInvalidMemObject, errors.Wrapf(accel.ErrInvalidHandle, "buffer %s", accel.Handle(b)))
	}
	if int64(n) != rt.bufSize[b.ID] {
		return nil, accel.NewError(op, accel.CodeInvalidValue,
			errors.Errorf("transfer of %d bytes does not match buffer size %d", n, rt.bufSize[b.ID]))
	}
	return mem, nil
}

func completed(op accel.Op, object uint64) *accel.Event {
	ev, done := accel.NewEvent(fmt.Sprintf("%s#%d", op, object), nil)
	done(nil)
	return ev
}

func awaitDeps(op accel.Op, wait []*accel.Event) error {
	if err := accel.CheckWaitList(op, wait); err != nil {
		return err
	}
	if err := accel.WaitAll(wait); err != nil {
		return accel.NewError(op, accel.CodeExecStatusError, errors.Wrap(err, "dependency failed"))
	}
	return nil
}

// EnqueueWrite copies src to b once wait has completed.
func (rt *Runtime) EnqueueWrite(q accel.Queue, b accel.Buffer, blocking bool, src []byte, wait []*accel.Event) (*accel.Event, error) {
	mem, err := rt.transferTarget(accel.OpEnqueueWrite, q, b, len(src))
	if err != nil {
		return nil, err
	}
	if err := awaitDeps(accel.OpEnqueueWrite, wait); err != nil {
		return nil, err
	}
	mem.CopyFrom(unsafe.Pointer(&src[0]), int64(len(src)))
	return completed(accel.OpEnqueueWrite, b.ID), nil
}

// EnqueueRead copies b to dst once wait has completed.
func (rt *Runtime) EnqueueRead(q accel.Queue, b accel.Buffer, blocking bool, dst []byte, wait []*accel.Event) (*accel.Event, error) {
	mem, err := rt.transferTarget(accel.OpEnqueueRead, q, b, len(dst))
	if err != nil {
		return nil, err
	}
	if err := awaitDeps(accel.OpEnqueueRead, wait); err != nil {
		return nil, err
	}
	mem.CopyTo(unsafe.Pointer(&dst[0]), int64(len(dst)))
	return completed(accel.OpEnqueueRead, b.ID), nil
}

// EnqueueKernel launches k with its buffer arguments followed by globalSize
// as an int scalar, which the OKL kernel uses as its loop bound.
func (rt *Runtime) EnqueueKernel(q accel.Queue, k accel.Kernel, globalSize int, wait []*accel.Event) (*accel.Event, error) {
	const op = accel.OpEnqueueKernel
	rt.mu.Lock()
	kern, ok := rt.kernels[k.ID]
	var args []interface{}
	if ok {
		for i := 0; i < len(kern.args); i++ {
			id, set := kern.args[i]
			if !set {
				rt.mu.Unlock()
				return nil, accel.NewError(op, accel.CodeInvalidArgIndex, errors.Errorf("kernel argument %d not set", i))
			}
			mem, live := rt.buffers[id]
			if !live {
				rt.mu.Unlock()
				return nil, accel.NewError(op, accel.CodeInvalidMemObject, errors.Errorf("kernel argument %d refers to a released buffer", i))
			}
			args = append(args, mem)
		}
	}
	_, queueOK := rt.queues[q.ID]
	rt.mu.Unlock()
	if !ok || !queueOK {
		return nil, accel.NewError(op, accel.CodeInvalidKernel, errors.Wrapf(accel.ErrInvalidHandle, "kernel %s on queue %s", accel.Handle(k), accel.Handle(q)))
	}
	if globalSize <= 0 {
		return nil, accel.NewError(op, accel.CodeInvalidValue, errors.Errorf("invalid global size %d", globalSize))
	}
	if err := awaitDeps(op, wait); err != nil {
		return nil, err
	}
	args = append(args, int32(globalSize))
	if err := kern.kernel.RunWithArgs(args...); err != nil {
		return nil, accel.NewError(op, accel.CodeOutOfResources, errors.Wrap(err, "kernel execution failed"))
	}
	return completed(op, k.ID), nil
}

// Finish drains the device behind q.
func (rt *Runtime) Finish(q accel.Queue) error {
	rt.mu.Lock()
	ctx, ok := rt.queues[q.ID]
	dev := rt.devices[ctx]
	rt.mu.Unlock()
	if !ok || dev == nil {
		return accel.NewError(accel.OpFinish, accel.CodeInvalidCommandQueue, errors.Wrapf(accel.ErrInvalidHandle, "queue %s", accel.Handle(q)))
	}
	dev.Finish()
	return nil
}

func (rt *Runtime) ReleaseBuffer(b accel.Buffer) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	mem, ok := rt.buffers[b.ID]
	if !ok {
		return accel.NewError(accel.OpReleaseBuffer, accel.CodeInvalidMemObject, errors.Wrapf(accel.ErrInvalidHandle, "buffer %s", accel.Handle(b)))
	}
	mem.Free()
	delete(rt.buffers, b.ID)
	delete(rt.bufCtx, b.ID)
	delete(rt.bufSize, b.ID)
	return nil
}

func (rt *Runtime) ReleaseKernel(k accel.Kernel) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.kernels[k.ID]; !ok {
		return accel.NewError(accel.OpReleaseKernel, accel.CodeInvalidKernel, errors.Wrapf(accel.ErrInvalidHandle, "kernel %s", accel.Handle(k)))
	}
	delete(rt.kernels, k.ID)
	return nil
}

func (rt *Runtime) ReleaseProgram(p accel.Program) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	prog, ok := rt.programs[p.ID]
	if !ok {
		return accel.NewError(accel.OpReleaseProgram, accel.CodeInvalidProgram, errors.Wrapf(accel.ErrInvalidHandle, "program %s", accel.Handle(p)))
	}
	for _, k := range rt.kernels {
		if k.kernel == prog.kernel {
			return accel.NewError(accel.OpReleaseProgram, accel.CodeInvalidProgram, errors.Errorf("program %s has live kernels", accel.Handle(p)))
		}
	}
	prog.kernel.Free()
	delete(rt.programs, p.ID)
	return nil
}

func (rt *Runtime) ReleaseQueue(q accel.Queue) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.queues[q.ID]; !ok {
		return accel.NewError(accel.OpReleaseQueue, accel.CodeInvalidCommandQueue, errors.Wrapf(accel.ErrInvalidHandle, "queue %s", accel.Handle(q)))
	}
	delete(rt.queues, q.ID)
	return nil
}

// ReleaseContext frees the OCCA device. Everything created from it must have
// been released first.
func (rt *Runtime) ReleaseContext(c accel.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	dev, ok := rt.devices[c.ID]
	if !ok {
		return accel.NewError(accel.OpReleaseContext, accel.CodeInvalidContext, errors.Wrapf(accel.ErrInvalidHandle, "context %s", accel.Handle(c)))
	}
	live := 0
	for _, ctx := range rt.queues {
		if ctx == c.ID {
			live++
		}
	}
	for _, ctx := range rt.bufCtx {
		if ctx == c.ID {
			live++
		}
	}
	for _, p := range rt.programs {
		if p.ctx == c.ID {
			live++
		}
	}
	if live > 0 {
		return accel.NewError(accel.OpReleaseContext, accel.CodeInvalidContext, errors.Errorf("context %s released with %d live objects", accel.Handle(c), live))
	}
	dev.Free()
	delete(rt.devices, c.ID)
	return nil
}
