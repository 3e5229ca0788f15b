package runner

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/notargets/vecoffload/accel"
	"k8s.io/klog/v2"
)

// ErrPipelineUsed is returned when Run is called on a pipeline that has
// already left Idle.
var ErrPipelineUsed = errors.New("pipeline has already run")

// State is a step of the execution pipeline
type State int

const (
	Idle State = iota
	Uploading
	Dispatched
	ReadingBack
	Complete
	Failed
)

var stateNames = [...]string{"Idle", "Uploading", "Dispatched", "ReadingBack", "Complete", "Failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can leave s
func (s State) Terminal() bool { return s == Complete || s == Failed }

// PhaseTimings holds the wall time of each pipeline step
type PhaseTimings struct {
	Upload   time.Duration
	Dispatch time.Duration
	Readback time.Duration
}

// Total is the wall time of the whole run
func (pt PhaseTimings) Total() time.Duration {
	return pt.Upload + pt.Dispatch + pt.Readback
}

// Pipeline moves the host inputs to the device, runs the kernel over every
// element and reads the output back. Dispatch waits on exactly the two upload
// events and readback waits on the kernel event; no other ordering is
// assumed of the queue.
type Pipeline struct {
	ctx  *Context
	host *HostBuffers
	dev  *DeviceBuffers
	out  io.Writer

	state   State
	history []State
	Timings PhaseTimings

	// events issued but not yet consumed
	uploads    []*accel.Event
	kernelDone *accel.Event
	drained    bool
}

// NewPipeline prepares a run over host and dev. Phase banners go to out.
func NewPipeline(ctx *Context, host *HostBuffers, dev *DeviceBuffers, out io.Writer) *Pipeline {
	if out == nil {
		out = io.Discard
	}
	return &Pipeline{
		ctx:     ctx,
		host:    host,
		dev:     dev,
		out:     out,
		state:   Idle,
		history: []State{Idle},
	}
}

// State returns the current state
func (p *Pipeline) State() State { return p.state }

// History returns every state the pipeline has been in, in order
func (p *Pipeline) History() []State {
	return append([]State(nil), p.history...)
}

func (p *Pipeline) transition(s State) {
	klog.V(2).Infof("pipeline %v -> %v", p.state, s)
	p.state = s
	p.history = append(p.history, s)
}

// Run executes upload, dispatch and readback. The first failing step moves
// the pipeline to Failed and its error is returned; events still held are
// released and the queue is drained before returning.
func (p *Pipeline) Run() error {
	if p.state != Idle {
		return ErrPipelineUsed
	}
	steps := []struct {
		state  State
		banner string
		run    func() error
		timing *time.Duration
	}{
		{Uploading, "Uploading buffers from host to device...", p.upload, &p.Timings.Upload},
		{Dispatched, "Executing kernel on device...", p.dispatch, &p.Timings.Dispatch},
		{ReadingBack, "Downloading buffer from device to host...", p.readback, &p.Timings.Readback},
	}
	for _, step := range steps {
		p.transition(step.state)
		fmt.Fprintln(p.out, step.banner)
		start := time.Now()
		if err := step.run(); err != nil {
			p.fail(err)
			return err
		}
		*step.timing = time.Since(start)
	}
	p.transition(Complete)
	return nil
}

func (p *Pipeline) upload() error {
	rt, q := p.ctx.rt, p.ctx.Queue
	for _, in := range []struct {
		name string
		buf  accel.Buffer
		data []int32
	}{
		{"A", p.dev.A, p.host.A},
		{"B", p.dev.B, p.host.B},
	} {
		ev, err := rt.EnqueueWrite(q, in.buf, false, int32Bytes(in.data), nil)
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", in.name, err)
		}
		p.uploads = append(p.uploads, ev)
	}
	return nil
}

func (p *Pipeline) dispatch() error {
	rt, q, k := p.ctx.rt, p.ctx.Queue, p.ctx.Kernel
	for i, b := range p.dev.Args() {
		if err := rt.SetKernelArg(k, i, b); err != nil {
			return fmt.Errorf("failed to set kernel argument %d (%s): %w", i, p.dev.Params[i].Name, err)
		}
	}
	ev, err := rt.EnqueueKernel(q, k, p.host.N, p.uploads)
	if err != nil {
		return fmt.Errorf("failed to enqueue kernel %s over %d items: %w", p.ctx.Source.Entry, p.host.N, err)
	}
	p.kernelDone = ev

	uploads := p.uploads
	p.uploads = nil
	var first error
	for _, up := range uploads {
		if err := up.Release(); err != nil && first == nil {
			first = fmt.Errorf("failed to release upload event %s: %w", up, err)
		}
	}
	return first
}

func (p *Pipeline) readback() error {
	rt, q := p.ctx.rt, p.ctx.Queue
	ev, err := rt.EnqueueRead(q, p.dev.C, true, int32Bytes(p.host.C), []*accel.Event{p.kernelDone})
	if err != nil {
		return fmt.Errorf("failed to read back C: %w", err)
	}
	readErr := ev.Release()

	kernelDone := p.kernelDone
	p.kernelDone = nil
	if err := kernelDone.Release(); err != nil {
		return fmt.Errorf("failed to release kernel event %s: %w", kernelDone, err)
	}
	if readErr != nil {
		return fmt.Errorf("failed to release readback event %s: %w", ev, readErr)
	}

	p.drained = true
	if err := rt.Finish(q); err != nil {
		return fmt.Errorf("failed to drain command queue: %w", err)
	}
	return nil
}

// fail releases whatever events the failed step left behind and waits for
// operations already on the queue.
func (p *Pipeline) fail(cause error) {
	klog.Errorf("pipeline failed in %v: %v", p.state, cause)
	p.transition(Failed)

	held := p.uploads
	if p.kernelDone != nil {
		held = append(held, p.kernelDone)
	}
	p.uploads, p.kernelDone = nil, nil
	for _, ev := range held {
		if err := ev.Release(); err != nil {
			klog.Warningf("failed to release event %s: %v", ev, err)
		}
	}
	if !p.drained {
		p.drained = true
		if err := p.ctx.rt.Finish(p.ctx.Queue); err != nil {
			klog.Warningf("failed to drain command queue: %v", err)
		}
	}
}
