package simdev

import (
	"fmt"
	"sync"
	"time"

	"github.com/notargets/vecoffload/accel"
	"github.com/pkg/errors"
)

// newEvent creates an event tracked by the live-event count. rt.mu must be held.
func (rt *Runtime) newEvent(op accel.Op, object uint64) (*accel.Event, func(error)) {
	label := fmt.Sprintf("%s#%d/ev%d", op, object, rt.newID())
	rt.liveEvents.Add(1)
	return accel.NewEvent(label, func() error {
		rt.liveEvents.Add(-1)
		rt.timeline.add(StageReleased, accel.OpReleaseEvent, object, label)
		rt.mu.Lock()
		f, ok := rt.call(accel.OpReleaseEvent)
		rt.mu.Unlock()
		if ok {
			return rt.faultError(accel.OpReleaseEvent, f)
		}
		return nil
	})
}

// launch runs work on its own goroutine once every event in wait has
// completed. rt.mu must be held.
func (rt *Runtime) launch(op accel.Op, queue *object, object uint64, wait []*accel.Event,
	fault *Fault, latency time.Duration, work func()) *accel.Event {
	ev, done := rt.newEvent(op, object)
	queue.pending.Add(1)
	rt.timeline.add(StageEnqueued, op, object, ev.Label())
	deps := append([]*accel.Event(nil), wait...)
	go func() {
		defer queue.pending.Done()
		if err := accel.WaitAll(deps); err != nil {
			rt.timeline.add(StageFailed, op, object, ev.Label())
			done(errors.Wrapf(err, "%s: dependency failed", op))
			return
		}
		rt.timeline.add(StageStarted, op, object, ev.Label())
		if latency > 0 {
			time.Sleep(latency)
		}
		if fault != nil {
			rt.timeline.add(StageFailed, op, object, ev.Label())
			done(rt.faultError(op, *fault))
			return
		}
		work()
		rt.timeline.add(StageCompleted, op, object, ev.Label())
		done(nil)
	}()
	return ev
}

// block waits for a blocking enqueue. A failed operation releases its event
// and reports the device status.
func (rt *Runtime) block(op accel.Op, ev *accel.Event) (*accel.Event, error) {
	if status := ev.Status(); status != nil {
		if err := ev.Release(); err != nil {
			return nil, err
		}
		return nil, accel.NewError(op, accel.CodeExecStatusError, status)
	}
	return ev, nil
}

func (rt *Runtime) enqueueTransfer(op accel.Op, q accel.Queue, b accel.Buffer, n int,
	wait []*accel.Event, work func(mem []byte)) (*accel.Event, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	queue, err := rt.lookup(op, accel.Handle(q), kindQueue, accel.CodeInvalidCommandQueue)
	if err != nil {
		return nil, err
	}
	buf, err := rt.lookup(op, accel.Handle(b), kindBuffer, accel.CodeInvalidMemObject)
	if err != nil {
		return nil, err
	}
	if buf.parent != queue.parent {
		return nil, rt.invalid(op, accel.CodeInvalidContext, "buffer %s and queue %s belong to different contexts", accel.Handle(b), accel.Handle(q))
	}
	if err := accel.CheckWaitList(op, wait); err != nil {
		rt.violations.Add(1)
		return nil, err
	}
	if n != len(buf.data) {
		return nil, accel.NewError(op, accel.CodeInvalidValue,
			errors.Errorf("transfer of %d bytes does not match buffer size %d", n, len(buf.data)))
	}
	var async *Fault
	if f, ok := rt.call(op); ok {
		if !f.Async {
			return nil, rt.faultError(op, f)
		}
		async = &f
	}
	mem := buf.data
	return rt.launch(op, queue, buf.id, wait, async, rt.cfg.TransferLatency, func() { work(mem) }), nil
}

// EnqueueWrite copies src into b after wait completes.
func (rt *Runtime) EnqueueWrite(q accel.Queue, b accel.Buffer, blocking bool, src []byte, wait []*accel.Event) (*accel.Event, error) {
	ev, err := rt.enqueueTransfer(accel.OpEnqueueWrite, q, b, len(src), wait, func(mem []byte) { copy(mem, src) })
	if err != nil || !blocking {
		return ev, err
	}
	return rt.block(accel.OpEnqueueWrite, ev)
}

// EnqueueRead copies b into dst after wait completes.
func (rt *Runtime) EnqueueRead(q accel.Queue, b accel.Buffer, blocking bool, dst []byte, wait []*accel.Event) (*accel.Event, error) {
	ev, err := rt.enqueueTransfer(accel.OpEnqueueRead, q, b, len(dst), wait, func(mem []byte) { copy(dst, mem) })
	if err != nil || !blocking {
		return ev, err
	}
	return rt.block(accel.OpEnqueueRead, ev)
}

// EnqueueKernel runs k over globalSize work items after wait completes.
func (rt *Runtime) EnqueueKernel(q accel.Queue, k accel.Kernel, globalSize int, wait []*accel.Event) (*accel.Event, error) {
	const op = accel.OpEnqueueKernel
	rt.mu.Lock()
	defer rt.mu.Unlock()
	queue, err := rt.lookup(op, accel.Handle(q), kindQueue, accel.CodeInvalidCommandQueue)
	if err != nil {
		return nil, err
	}
	kern, err := rt.lookup(op, accel.Handle(k), kindKernel, accel.CodeInvalidKernel)
	if err != nil {
		return nil, err
	}
	if kern.parent != queue.parent {
		return nil, rt.invalid(op, accel.CodeInvalidContext, "kernel %s and queue %s belong to different contexts", accel.Handle(k), accel.Handle(q))
	}
	if err := accel.CheckWaitList(op, wait); err != nil {
		rt.violations.Add(1)
		return nil, err
	}
	if globalSize <= 0 {
		return nil, accel.NewError(op, accel.CodeInvalidValue, errors.Errorf("invalid global size %d", globalSize))
	}
	args := make([][]byte, kern.impl.Arity)
	for i := range args {
		id, ok := kern.args[i]
		if !ok {
			return nil, accel.NewError(op, accel.CodeInvalidArgIndex, errors.Errorf("kernel argument %d not set", i))
		}
		buf, ok := rt.objects[id]
		if !ok {
			return nil, rt.invalid(op, accel.CodeInvalidMemObject, "kernel argument %d refers to a released buffer", i)
		}
		if need := globalSize * kern.impl.ElemSize; len(buf.data) < need {
			return nil, accel.NewError(op, accel.CodeInvalidValue,
				errors.Errorf("kernel argument %d holds %d bytes, launch needs %d", i, len(buf.data), need))
		}
		args[i] = buf.data
	}
	var async *Fault
	if f, ok := rt.call(op); ok {
		if !f.Async {
			return nil, rt.faultError(op, f)
		}
		async = &f
	}
	fn, workers := kern.impl.Func, rt.cfg.Workers
	return rt.launch(op, queue, kern.id, wait, async, rt.cfg.KernelLatency, func() {
		runWorkItems(globalSize, workers, func(gid int) { fn(gid, args) })
	}), nil
}

// runWorkItems splits [0, n) into contiguous chunks run by up to workers goroutines.
func runWorkItems(n, workers int, item func(gid int)) {
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for gid := lo; gid < hi; gid++ {
				item(gid)
			}
		}(start, end)
	}
	wg.Wait()
}

// Finish blocks until every operation enqueued on q has completed.
func (rt *Runtime) Finish(q accel.Queue) error {
	rt.mu.Lock()
	queue, err := rt.lookup(accel.OpFinish, accel.Handle(q), kindQueue, accel.CodeInvalidCommandQueue)
	if err != nil {
		rt.mu.Unlock()
		return err
	}
	f, faulted := rt.call(accel.OpFinish)
	rt.mu.Unlock()

	queue.pending.Wait()
	rt.timeline.add(StageCompleted, accel.OpFinish, queue.id, "")
	if faulted {
		return rt.faultError(accel.OpFinish, f)
	}
	return nil
}
