// Package simdev implements accel.Runtime on the host. Device memory is plain
// Go memory, the command queue is out-of-order (operations run on their own
// goroutines and are ordered only by their wait lists), and kernels are Go
// functions run over the index space by a pool of workers.
//
// Every operation is recorded on a Timeline, live objects and events are
// counted, and faults can be injected per operation, so the runtime doubles
// as a test fixture for code driving an accelerator.
package simdev

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/notargets/vecoffload/accel"
	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"
	"k8s.io/klog/v2"
)

// RuntimeName is the registry name of the simulated runtime.
const RuntimeName = "sim"

func init() {
	accel.Register(RuntimeName, func(config string) (accel.Runtime, error) {
		cfg, err := ParseConfig(config)
		if err != nil {
			return nil, err
		}
		return New(cfg), nil
	})
}

// DeviceSpec describes one simulated device.
type DeviceSpec struct {
	Name           string
	Type           accel.DeviceType
	ComputeUnits   int
	GlobalMemBytes uint64
}

// PlatformSpec describes one simulated platform and its devices.
type PlatformSpec struct {
	Name    string
	Vendor  string
	Version string
	Devices []DeviceSpec
}

// Fault makes an operation fail. The first After calls of the operation
// succeed. Async faults let the enqueue succeed and fail the operation on the
// device instead, surfacing through its event.
type Fault struct {
	Code  int32
	Log   string
	After int
	Async bool
}

// Config configures a simulated runtime.
type Config struct {
	// Platforms to expose. Nil means DefaultPlatforms; an empty non-nil slice
	// exposes none.
	Platforms       []PlatformSpec
	Faults          map[accel.Op]Fault
	Kernels         map[string]KernelImpl
	TransferLatency time.Duration
	KernelLatency   time.Duration
	// Workers running the work items of one kernel launch. Defaults to GOMAXPROCS.
	Workers int
}

// DefaultPlatforms is a single platform with a simulated GPU and the host CPU.
func DefaultPlatforms() []PlatformSpec {
	return []PlatformSpec{{
		Name:    "Simulated Platform",
		Vendor:  "vecoffload",
		Version: "OpenCL 3.0 sim",
		Devices: []DeviceSpec{
			{Name: "Simulated GPU", Type: accel.DeviceTypeGPU, ComputeUnits: 64, GlobalMemBytes: 4 << 30},
			{Name: hostDeviceName(), Type: accel.DeviceTypeCPU, ComputeUnits: runtime.NumCPU(), GlobalMemBytes: 1 << 30},
		},
	}}
}

func hostDeviceName() string {
	var feats []string
	switch {
	case cpu.X86.HasAVX512F:
		feats = append(feats, "avx512f")
	case cpu.X86.HasAVX2:
		feats = append(feats, "avx2")
	case cpu.X86.HasSSE42:
		feats = append(feats, "sse4.2")
	}
	if cpu.ARM64.HasASIMD {
		feats = append(feats, "asimd")
	}
	if len(feats) == 0 {
		return fmt.Sprintf("Host CPU (%s)", runtime.GOARCH)
	}
	return fmt.Sprintf("Host CPU (%s %s)", runtime.GOARCH, strings.Join(feats, ","))
}

// ParseConfig parses a comma separated "key=value" list: platforms (0 hides
// every platform), devices (0 leaves the default platform without devices),
// latency and kernel_latency (durations), workers.
func ParseConfig(s string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(s) == "" {
		return cfg, nil
	}
	for _, kv := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok {
			return cfg, fmt.Errorf("simdev: malformed option %q, want key=value", kv)
		}
		switch key {
		case "platforms":
			n, err := strconv.Atoi(value)
			if err != nil || n != 0 {
				return cfg, fmt.Errorf("simdev: platforms only accepts 0, got %q", value)
			}
			cfg.Platforms = []PlatformSpec{}
		case "devices":
			n, err := strconv.Atoi(value)
			if err != nil || n != 0 {
				return cfg, fmt.Errorf("simdev: devices only accepts 0, got %q", value)
			}
			p := DefaultPlatforms()[0]
			p.Devices = nil
			cfg.Platforms = []PlatformSpec{p}
		case "latency":
			d, err := time.ParseDuration(value)
			if err != nil {
				return cfg, fmt.Errorf("simdev: latency: %w", err)
			}
			cfg.TransferLatency = d
		case "kernel_latency":
			d, err := time.ParseDuration(value)
			if err != nil {
				return cfg, fmt.Errorf("simdev: kernel_latency: %w", err)
			}
			cfg.KernelLatency = d
		case "workers":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return cfg, fmt.Errorf("simdev: workers must be a positive integer, got %q", value)
			}
			cfg.Workers = n
		default:
			return cfg, fmt.Errorf("simdev: unknown option %q", key)
		}
	}
	return cfg, nil
}

type objKind int

const (
	kindContext objKind = iota + 1
	kindQueue
	kindProgram
	kindKernel
	kindBuffer
)

var objKindNames = map[objKind]string{
	kindContext: "context",
	kindQueue:   "queue",
	kindProgram: "program",
	kindKernel:  "kernel",
	kindBuffer:  "buffer",
}

func (k objKind) String() string { return objKindNames[k] }

type object struct {
	id     uint64
	kind   objKind
	parent uint64 // owning context, 0 for contexts
	device accel.Device

	// buffers
	mode accel.AccessMode
	data []byte

	// programs
	entries []string

	// kernels
	impl KernelImpl
	args map[int]uint64

	// queues
	pending sync.WaitGroup
}

// Runtime is a simulated accelerator runtime.
type Runtime struct {
	cfg      Config
	timeline *Timeline

	mu        sync.Mutex
	nextID    uint64
	platforms []accel.Platform
	devices   map[uint64][]accel.Device
	objects   map[uint64]*object
	calls     map[accel.Op]int
	kernels   map[string]KernelImpl

	liveEvents atomic.Int64
	violations atomic.Int64
}

var _ accel.Runtime = (*Runtime)(nil)

// New creates a simulated runtime.
func New(cfg Config) *Runtime {
	if cfg.Platforms == nil {
		cfg.Platforms = DefaultPlatforms()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	rt := &Runtime{
		cfg:      cfg,
		timeline: &Timeline{},
		devices:  make(map[uint64][]accel.Device),
		objects:  make(map[uint64]*object),
		calls:    make(map[accel.Op]int),
		kernels:  builtinKernels(),
	}
	for name, impl := range cfg.Kernels {
		rt.kernels[name] = impl
	}
	for _, ps := range cfg.Platforms {
		p := accel.Platform{
			Handle:  accel.Handle{ID: rt.newID(), Label: "platform"},
			Name:    ps.Name,
			Vendor:  ps.Vendor,
			Version: ps.Version,
		}
		rt.platforms = append(rt.platforms, p)
		for _, ds := range ps.Devices {
			rt.devices[p.ID] = append(rt.devices[p.ID], accel.Device{
				Handle:          accel.Handle{ID: rt.newID(), Label: "device"},
				Platform:        p,
				Name:            ds.Name,
				Type:            ds.Type,
				MaxComputeUnits: ds.ComputeUnits,
				GlobalMemBytes:  ds.GlobalMemBytes,
			})
		}
	}
	return rt
}

// Name returns the registry name of the runtime.
func (rt *Runtime) Name() string { return RuntimeName }

// Timeline returns the record of every operation issued so far.
func (rt *Runtime) Timeline() *Timeline { return rt.timeline }

// Live returns the number of live objects per kind ("context", "queue",
// "program", "kernel", "buffer").
func (rt *Runtime) Live() map[string]int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	live := make(map[string]int)
	for _, obj := range rt.objects {
		live[obj.kind.String()]++
	}
	return live
}

// LiveObjects returns the total number of unreleased objects.
func (rt *Runtime) LiveObjects() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.objects)
}

// LiveEvents returns the number of events created and not yet released.
func (rt *Runtime) LiveEvents() int { return int(rt.liveEvents.Load()) }

// Violations counts rejected uses of released or foreign objects and events.
func (rt *Runtime) Violations() int { return int(rt.violations.Load()) }

// Calls returns how many times op has been issued.
func (rt *Runtime) Calls(op accel.Op) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.calls[op]
}

func (rt *Runtime) newID() uint64 {
	rt.nextID++
	return rt.nextID
}

// call counts op and returns the injected fault for this call, if any.
// rt.mu must be held.
func (rt *Runtime) call(op accel.Op) (Fault, bool) {
	n := rt.calls[op]
	rt.calls[op] = n + 1
	f, ok := rt.cfg.Faults[op]
	if !ok || n < f.After {
		return Fault{}, false
	}
	return f, true
}

func (rt *Runtime) faultError(op accel.Op, f Fault) *accel.Error {
	code := f.Code
	if code == accel.CodeSuccess {
		code = accel.CodeOutOfResources
	}
	e := accel.NewError(op, code, errors.Wrap(sentinel(op), "injected fault"))
	e.Log = f.Log
	return e
}

func sentinel(op accel.Op) error {
	switch op {
	case accel.OpPlatforms:
		return accel.ErrNoPlatform
	case accel.OpDevices:
		return accel.ErrNoDevice
	case accel.OpCreateContext:
		return accel.ErrContextCreation
	case accel.OpCreateQueue:
		return accel.ErrQueueCreation
	case accel.OpBuildProgram:
		return accel.ErrProgramBuild
	case accel.OpCreateKernel:
		return accel.ErrKernelCreation
	case accel.OpCreateBuffer:
		return accel.ErrAllocation
	default:
		return errors.Errorf("%s failed on device", op)
	}
}

func (rt *Runtime) invalid(op accel.Op, code int32, format string, args ...interface{}) *accel.Error {
	rt.violations.Add(1)
	return accel.NewError(op, code, errors.Wrapf(accel.ErrInvalidHandle, format, args...))
}

// lookup returns the live object h of kind k. rt.mu must be held.
func (rt *Runtime) lookup(op accel.Op, h accel.Handle, k objKind, code int32) (*object, error) {
	obj, ok := rt.objects[h.ID]
	if !ok || obj.kind != k {
		return nil, rt.invalid(op, code, "%s %s", k, h)
	}
	return obj, nil
}

func (rt *Runtime) addObject(obj *object, label string) accel.Handle {
	obj.id = rt.newID()
	rt.objects[obj.id] = obj
	klog.V(2).Infof("simdev: created %s#%d", obj.kind, obj.id)
	return accel.Handle{ID: obj.id, Label: label}
}

// Platforms enumerates the configured platforms.
func (rt *Runtime) Platforms() ([]accel.Platform, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if f, ok := rt.call(accel.OpPlatforms); ok {
		return nil, rt.faultError(accel.OpPlatforms, f)
	}
	return append([]accel.Platform(nil), rt.platforms...), nil
}

// Devices enumerates the devices of p matching t.
func (rt *Runtime) Devices(p accel.Platform, t accel.DeviceType) ([]accel.Device, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if f, ok := rt.call(accel.OpDevices); ok {
		return nil, rt.faultError(accel.OpDevices, f)
	}
	all, ok := rt.devices[p.ID]
	if !ok {
		known := false
		for _, q := range rt.platforms {
			known = known || q.ID == p.ID
		}
		if !known {
			return nil, rt.invalid(accel.OpDevices, accel.CodeInvalidPlatform, "platform %s", p.Handle)
		}
	}
	var out []accel.Device
	for _, d := range all {
		if d.Type.Matches(t) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (rt *Runtime) knownDevice(d accel.Device) bool {
	for _, p := range rt.platforms {
		for _, dd := range rt.devices[p.ID] {
			if dd.ID == d.ID {
				return true
			}
		}
	}
	return false
}

// CreateContext creates an execution context bound to d.
func (rt *Runtime) CreateContext(d accel.Device) (accel.Context, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.knownDevice(d) {
		return accel.Context{}, rt.invalid(accel.OpCreateContext, accel.CodeInvalidDevice, "device %s", d.Handle)
	}
	if f, ok := rt.call(accel.OpCreateContext); ok {
		return accel.Context{}, rt.faultError(accel.OpCreateContext, f)
	}
	h := rt.addObject(&object{kind: kindContext, device: d}, "context")
	rt.timeline.add(StageCreated, accel.OpCreateContext, h.ID, "")
	return accel.Context(h), nil
}

// CreateQueue creates a command queue on c for d.
func (rt *Runtime) CreateQueue(c accel.Context, d accel.Device) (accel.Queue, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ctx, err := rt.lookup(accel.OpCreateQueue, accel.Handle(c), kindContext, accel.CodeInvalidContext)
	if err != nil {
		return accel.Queue{}, err
	}
	if ctx.device.ID != d.ID {
		return accel.Queue{}, rt.invalid(accel.OpCreateQueue, accel.CodeInvalidDevice, "device %s not in context %s", d.Handle, accel.Handle(c))
	}
	if f, ok := rt.call(accel.OpCreateQueue); ok {
		return accel.Queue{}, rt.faultError(accel.OpCreateQueue, f)
	}
	h := rt.addObject(&object{kind: kindQueue, parent: c.ID, device: d}, "queue")
	rt.timeline.add(StageCreated, accel.OpCreateQueue, h.ID, "")
	return accel.Queue(h), nil
}

// CreateKernel creates the kernel name from a built program.
func (rt *Runtime) CreateKernel(p accel.Program, name string) (accel.Kernel, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	prog, err := rt.lookup(accel.OpCreateKernel, accel.Handle(p), kindProgram, accel.CodeInvalidProgram)
	if err != nil {
		return accel.Kernel{}, err
	}
	if f, ok := rt.call(accel.OpCreateKernel); ok {
		return accel.Kernel{}, rt.faultError(accel.OpCreateKernel, f)
	}
	found := false
	for _, e := range prog.entries {
		found = found || e == name
	}
	impl, ok := rt.kernels[name]
	if !found || !ok {
		return accel.Kernel{}, accel.NewError(accel.OpCreateKernel, accel.CodeInvalidKernelName,
			errors.Wrapf(accel.ErrKernelCreation, "no kernel %q in program %s", name, accel.Handle(p)))
	}
	h := rt.addObject(&object{kind: kindKernel, parent: prog.parent, impl: impl, args: make(map[int]uint64)}, name)
	rt.timeline.add(StageCreated, accel.OpCreateKernel, h.ID, "")
	return accel.Kernel(h), nil
}

// SetKernelArg binds buffer b as argument index of k.
func (rt *Runtime) SetKernelArg(k accel.Kernel, index int, b accel.Buffer) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	kern, err := rt.lookup(accel.OpSetKernelArg, accel.Handle(k), kindKernel, accel.CodeInvalidKernel)
	if err != nil {
		return err
	}
	buf, err := rt.lookup(accel.OpSetKernelArg, accel.Handle(b), kindBuffer, accel.CodeInvalidMemObject)
	if err != nil {
		return err
	}
	if index < 0 || index >= kern.impl.Arity {
		return accel.NewError(accel.OpSetKernelArg, accel.CodeInvalidArgIndex,
			errors.Errorf("argument %d out of range for kernel of arity %d", index, kern.impl.Arity))
	}
	if buf.parent != kern.parent {
		return rt.invalid(accel.OpSetKernelArg, accel.CodeInvalidContext, "buffer %s belongs to another context", accel.Handle(b))
	}
	if f, ok := rt.call(accel.OpSetKernelArg); ok {
		return rt.faultError(accel.OpSetKernelArg, f)
	}
	kern.args[index] = buf.id
	return nil
}

// CreateBuffer allocates size bytes of device memory in c.
func (rt *Runtime) CreateBuffer(c accel.Context, mode accel.AccessMode, size int64) (accel.Buffer, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ctx, err := rt.lookup(accel.OpCreateBuffer, accel.Handle(c), kindContext, accel.CodeInvalidContext)
	if err != nil {
		return accel.Buffer{}, err
	}
	if size <= 0 {
		return accel.Buffer{}, accel.NewError(accel.OpCreateBuffer, accel.CodeInvalidValue,
			errors.Wrapf(accel.ErrAllocation, "invalid buffer size %d", size))
	}
	if mode < accel.ReadOnly || mode > accel.ReadWrite {
		return accel.Buffer{}, accel.NewError(accel.OpCreateBuffer, accel.CodeInvalidValue,
			errors.Wrapf(accel.ErrAllocation, "invalid access mode %v", mode))
	}
	if ctx.device.GlobalMemBytes > 0 && uint64(size) > ctx.device.GlobalMemBytes {
		return accel.Buffer{}, accel.NewError(accel.OpCreateBuffer, accel.CodeMemObjectAllocationFailure,
			errors.Wrapf(accel.ErrAllocation, "%d bytes exceeds device memory", size))
	}
	if f, ok := rt.call(accel.OpCreateBuffer); ok {
		return accel.Buffer{}, rt.faultError(accel.OpCreateBuffer, f)
	}
	h := rt.addObject(&object{kind: kindBuffer, parent: c.ID, mode: mode, data: make([]byte, size)}, "buffer")
	rt.timeline.add(StageCreated, accel.OpCreateBuffer, h.ID, "")
	return accel.Buffer(h), nil
}

// BufferSize returns the allocated size of b, or -1 if b is not live.
func (rt *Runtime) BufferSize(b accel.Buffer) int64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	obj, ok := rt.objects[b.ID]
	if !ok || obj.kind != kindBuffer {
		return -1
	}
	return int64(len(obj.data))
}

// BufferMode returns the access mode b was created with.
func (rt *Runtime) BufferMode(b accel.Buffer) accel.AccessMode {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if obj, ok := rt.objects[b.ID]; ok && obj.kind == kindBuffer {
		return obj.mode
	}
	return 0
}

func (rt *Runtime) release(op accel.Op, h accel.Handle, k objKind, code int32) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	obj, err := rt.lookup(op, h, k, code)
	if err != nil {
		return err
	}
	if k == kindContext {
		children := 0
		for _, o := range rt.objects {
			if o.parent == obj.id {
				children++
			}
		}
		if children > 0 {
			rt.violations.Add(1)
			return accel.NewError(op, accel.CodeInvalidContext,
				errors.Errorf("context %s released with %d live objects", h, children))
		}
	}
	if f, ok := rt.call(op); ok {
		return rt.faultError(op, f)
	}
	delete(rt.objects, obj.id)
	rt.timeline.add(StageReleased, op, obj.id, "")
	klog.V(2).Infof("simdev: released %s#%d", obj.kind, obj.id)
	return nil
}

// ReleaseBuffer frees b.
func (rt *Runtime) ReleaseBuffer(b accel.Buffer) error {
	return rt.release(accel.OpReleaseBuffer, accel.Handle(b), kindBuffer, accel.CodeInvalidMemObject)
}

// ReleaseKernel frees k.
func (rt *Runtime) ReleaseKernel(k accel.Kernel) error {
	return rt.release(accel.OpReleaseKernel, accel.Handle(k), kindKernel, accel.CodeInvalidKernel)
}

// ReleaseProgram frees p.
func (rt *Runtime) ReleaseProgram(p accel.Program) error {
	return rt.release(accel.OpReleaseProgram, accel.Handle(p), kindProgram, accel.CodeInvalidProgram)
}

// ReleaseQueue frees q. Operations still pending on q keep running.
func (rt *Runtime) ReleaseQueue(q accel.Queue) error {
	return rt.release(accel.OpReleaseQueue, accel.Handle(q), kindQueue, accel.CodeInvalidCommandQueue)
}

// ReleaseContext frees c. It fails while objects created in c are still live.
func (rt *Runtime) ReleaseContext(c accel.Context) error {
	return rt.release(accel.OpReleaseContext, accel.Handle(c), kindContext, accel.CodeInvalidContext)
}
