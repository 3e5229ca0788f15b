package runner

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/notargets/vecoffload/accel"
	"k8s.io/klog/v2"
)

// Runner drives complete vector addition runs on one runtime
type Runner struct {
	Config  Config
	Runtime accel.Runtime
}

// Report is the outcome of a successful run
type Report struct {
	RunID    uuid.UUID
	Runtime  string
	Device   accel.Device
	N        int
	Correct  bool
	Mismatch int // first mismatching index, -1 when Correct
	States   []State
	Timings  PhaseTimings
}

func (r *Report) String() string {
	verdict := "correct"
	if !r.Correct {
		verdict = fmt.Sprintf("incorrect at %d", r.Mismatch)
	}
	return fmt.Sprintf("run %s: %d elements on %s (%s): %s in %v",
		r.RunID, r.N, r.Device.Name, r.Runtime, verdict, r.Timings.Total())
}

// NewRunner opens the runtime named by cfg.Runtime
func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt, err := accel.New(cfg.Runtime)
	if err != nil {
		return nil, fmt.Errorf("failed to open runtime: %w", err)
	}
	return &Runner{Config: cfg, Runtime: rt}, nil
}

// NewRunnerWithRuntime runs on an already opened runtime
func NewRunnerWithRuntime(rt accel.Runtime, cfg Config) *Runner {
	return &Runner{Config: cfg, Runtime: rt}
}

func (r *Runner) out() io.Writer {
	if r.Config.Out == nil {
		return io.Discard
	}
	return r.Config.Out
}

// Run selects a device, acquires the context, moves the data through the
// pipeline, releases every resource and verifies the output. The first
// failure is returned and no report is produced; release failures are
// returned when nothing failed before them.
func (r *Runner) Run() (*Report, error) {
	cfg := r.Config
	out := r.out()
	runID := uuid.New()
	log := klog.LoggerWithValues(klog.Background(), "run", runID.String())

	policy, err := PolicyByName(cfg.Policy)
	if err != nil {
		return nil, err
	}
	sel := &Selector{Runtime: r.Runtime, Type: cfg.DeviceType, Policy: policy, Out: out}
	dev, err := sel.Discover()
	if err != nil {
		return nil, err
	}
	src, err := cfg.KernelSource(accel.DialectOf(r.Runtime))
	if err != nil {
		return nil, err
	}

	fmt.Fprintln(out, "Initializing host data...")
	host, err := NewHostBuffers(cfg.N)
	if err != nil {
		return nil, err
	}
	log.V(1).Info("starting run", "runtime", r.Runtime.Name(), "device", dev.Name,
		"elements", host.N, "bytes", humanize.Bytes(uint64(3*host.Bytes())))

	ctx, err := Acquire(r.Runtime, dev, src, out)
	if err != nil {
		return nil, err
	}
	bufs, err := AllocateDeviceBuffers(ctx, host)
	if err != nil {
		if relErr := ctx.Release(); relErr != nil {
			klog.Warningf("failed to release context after allocation failure: %v", relErr)
		}
		return nil, err
	}

	p := NewPipeline(ctx, host, bufs, out)
	runErr := p.Run()

	fmt.Fprintln(out, "Releasing device resources...")
	first := runErr
	for _, release := range []func() error{bufs.Release, ctx.Release} {
		if err := release(); err != nil {
			if first == nil {
				first = err
			} else {
				klog.Warningf("release after failed run: %v", err)
			}
		}
	}
	if first != nil {
		return nil, first
	}

	mismatch := FirstMismatch(host)
	rep := &Report{
		RunID:    runID,
		Runtime:  r.Runtime.Name(),
		Device:   dev,
		N:        host.N,
		Correct:  mismatch < 0,
		Mismatch: mismatch,
		States:   p.History(),
		Timings:  p.Timings,
	}
	if !rep.Correct {
		log.Info("output mismatch", "index", mismatch, "got", host.C[mismatch], "want", Expected(mismatch))
	}
	log.V(1).Info("run finished", "total", rep.Timings.Total())
	return rep, nil
}

// Benchmark performs Config.Repeat complete runs and summarizes their phase
// timings. It stops at the first failing run.
func (r *Runner) Benchmark() ([]*Report, Stats, error) {
	n := r.Config.Repeat
	if n < 1 {
		n = 1
	}
	reports := make([]*Report, 0, n)
	timings := make([]PhaseTimings, 0, n)
	for i := 0; i < n; i++ {
		rep, err := r.Run()
		if err != nil {
			return reports, Summarize(timings), fmt.Errorf("run %d of %d: %w", i+1, n, err)
		}
		reports = append(reports, rep)
		timings = append(timings, rep.Timings)
	}
	return reports, Summarize(timings), nil
}
