package runner

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/notargets/vecoffload/accel"
	"github.com/notargets/vecoffload/runner/builder"
	"k8s.io/klog/v2"
)

// ErrReleased is returned when a released Context or DeviceBuffers is used.
var ErrReleased = errors.New("resource already released")

type releaseStep struct {
	name string
	fn   func() error
}

// releaser runs release calls in reverse acquisition order. Every call is
// made even after a failure; the first failure is returned and the rest are
// logged.
type releaser struct {
	steps []releaseStep
}

func (r *releaser) push(name string, fn func() error) {
	r.steps = append(r.steps, releaseStep{name: name, fn: fn})
}

func (r *releaser) releaseAll() error {
	var first error
	for i := len(r.steps) - 1; i >= 0; i-- {
		step := r.steps[i]
		if err := step.fn(); err != nil {
			if first == nil {
				first = fmt.Errorf("failed to release %s: %w", step.name, err)
			} else {
				klog.Warningf("failed to release %s: %v", step.name, err)
			}
			continue
		}
		klog.V(2).Infof("released %s", step.name)
	}
	r.steps = nil
	return first
}

// Context owns a device context, a command queue, the built program and the
// kernel created from it, all bound to one device. The device context
// outlives everything derived from it: Release tears down any buffers still
// allocated, then kernel, program, queue and context.
type Context struct {
	rt     accel.Runtime
	Device accel.Device
	Source builder.KernelSource

	ctx     accel.Context
	Queue   accel.Queue
	program accel.Program
	Kernel  accel.Kernel

	teardown releaser
	buffers  map[uint64]accel.Buffer
	released bool
}

// Acquire creates the context, queue, program and kernel for dev. The build
// is synchronous. On failure everything created so far is released and a
// build failure prints the kernel source and full build log to out.
func Acquire(rt accel.Runtime, dev accel.Device, src builder.KernelSource, out io.Writer) (*Context, error) {
	if out == nil {
		out = io.Discard
	}
	c := &Context{
		rt:      rt,
		Device:  dev,
		Source:  src,
		buffers: make(map[uint64]accel.Buffer),
	}

	fail := func(err error) (*Context, error) {
		if relErr := c.teardown.releaseAll(); relErr != nil {
			klog.Errorf("cleanup after failed acquire: %v", relErr)
		}
		c.released = true
		return nil, err
	}

	var err error
	if c.ctx, err = rt.CreateContext(dev); err != nil {
		return fail(fmt.Errorf("failed to create context on %s: %w", dev.Name, err))
	}
	c.teardown.push("context "+accel.Handle(c.ctx).String(), func() error { return rt.ReleaseContext(c.ctx) })

	if c.Queue, err = rt.CreateQueue(c.ctx, dev); err != nil {
		return fail(fmt.Errorf("failed to create command queue: %w", err))
	}
	c.teardown.push("queue "+accel.Handle(c.Queue).String(), func() error { return rt.ReleaseQueue(c.Queue) })

	if c.program, err = rt.BuildProgram(c.ctx, dev, src); err != nil {
		if log := accel.BuildLog(err); log != "" {
			fmt.Fprintf(out, "Program build failed. Program Source:\n%s\nError:\n%s\n", src.Text(), log)
		}
		return fail(fmt.Errorf("failed to build program %s: %w", src, err))
	}
	c.teardown.push("program "+accel.Handle(c.program).String(), func() error { return rt.ReleaseProgram(c.program) })

	if c.Kernel, err = rt.CreateKernel(c.program, src.Entry); err != nil {
		return fail(fmt.Errorf("failed to create kernel %s: %w", src.Entry, err))
	}
	c.teardown.push("kernel "+accel.Handle(c.Kernel).String(), func() error { return rt.ReleaseKernel(c.Kernel) })

	klog.V(1).Infof("acquired %s on %s (%s)", src, dev.Name, rt.Name())
	return c, nil
}

// Runtime returns the runtime the context was acquired from
func (c *Context) Runtime() accel.Runtime { return c.rt }

// allocate creates a buffer owned by the context
func (c *Context) allocate(mode accel.AccessMode, size int64) (accel.Buffer, error) {
	if c.released {
		return accel.Buffer{}, ErrReleased
	}
	b, err := c.rt.CreateBuffer(c.ctx, mode, size)
	if err != nil {
		return accel.Buffer{}, err
	}
	c.buffers[b.ID] = b
	klog.V(2).Infof("allocated %s %s buffer %s", humanize.Bytes(uint64(size)), mode, accel.Handle(b))
	return b, nil
}

// free releases a buffer allocated by the context
func (c *Context) free(b accel.Buffer) error {
	if err := c.rt.ReleaseBuffer(b); err != nil {
		return err
	}
	delete(c.buffers, b.ID)
	return nil
}

// Release tears down, in order, any buffers still allocated, the kernel, the
// program, the queue and the context. Every release is attempted; the first
// failure is returned.
func (c *Context) Release() error {
	if c.released {
		return ErrReleased
	}
	c.released = true

	var first error
	for _, b := range c.buffers {
		klog.Warningf("buffer %s still allocated at context release", accel.Handle(b))
		if err := c.free(b); err != nil && first == nil {
			first = fmt.Errorf("failed to release buffer %s: %w", accel.Handle(b), err)
		}
	}
	if err := c.teardown.releaseAll(); err != nil && first == nil {
		first = err
	}
	return first
}
