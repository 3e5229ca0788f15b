package accel

import (
	"sync"
	"sync/atomic"
)

// Event is a single-use token for the completion of one asynchronous device
// operation. It can be listed in the wait list of later operations any number
// of times while live. Wait and Release both consume it; any use afterwards
// fails with a SyncError wrapping ErrEventReleased.
type Event struct {
	label     string
	done      chan struct{}
	once      sync.Once
	err       error
	released  atomic.Bool
	onRelease func() error
}

// NewEvent creates a live event and the function the backend calls exactly
// once when the operation finishes; a non-nil status marks a device-side
// failure. onRelease, if set, runs when the event is consumed.
func NewEvent(label string, onRelease func() error) (*Event, func(status error)) {
	ev := &Event{
		label:     label,
		done:      make(chan struct{}),
		onRelease: onRelease,
	}
	return ev, ev.complete
}

func (ev *Event) complete(status error) {
	ev.once.Do(func() {
		ev.err = status
		close(ev.done)
	})
}

func (ev *Event) String() string { return ev.label }

// Label identifies the operation the event tracks.
func (ev *Event) Label() string { return ev.label }

// Done is closed when the operation has finished, successfully or not.
func (ev *Event) Done() <-chan struct{} { return ev.done }

// Completed reports whether the operation has finished.
func (ev *Event) Completed() bool {
	select {
	case <-ev.done:
		return true
	default:
		return false
	}
}

// Status returns the device-side result, valid once Done is closed.
func (ev *Event) Status() error {
	<-ev.done
	return ev.err
}

// Released reports whether the event has been consumed.
func (ev *Event) Released() bool { return ev.released.Load() }

// Check fails if the event may no longer be referenced.
func (ev *Event) Check(op Op) error {
	if ev == nil {
		return &Error{Kind: SyncError, Op: op, Code: CodeInvalidEventWaitList, Err: ErrNilEvent}
	}
	if ev.released.Load() {
		return &Error{Kind: SyncError, Op: op, Code: CodeInvalidEvent, Err: ErrEventReleased}
	}
	return nil
}

// Wait blocks until the operation finishes, then releases the event. The
// device-side status of the operation is returned ahead of a release failure.
func (ev *Event) Wait() error {
	if err := ev.Check(OpWaitForEvents); err != nil {
		return err
	}
	<-ev.done
	status := ev.err
	relErr := ev.Release()
	if status != nil {
		return &Error{Kind: SyncError, Op: OpWaitForEvents, Code: CodeExecStatusError, Err: status}
	}
	return relErr
}

// Release consumes the event without waiting for it.
func (ev *Event) Release() error {
	if ev == nil {
		return &Error{Kind: SyncError, Op: OpReleaseEvent, Code: CodeInvalidEvent, Err: ErrNilEvent}
	}
	if !ev.released.CompareAndSwap(false, true) {
		return &Error{Kind: SyncError, Op: OpReleaseEvent, Code: CodeInvalidEvent, Err: ErrEventReleased}
	}
	if ev.onRelease != nil {
		return ev.onRelease()
	}
	return nil
}

// CheckWaitList validates every event of a wait list for op.
func CheckWaitList(op Op, wait []*Event) error {
	for _, ev := range wait {
		if err := ev.Check(op); err != nil {
			return err
		}
	}
	return nil
}

// WaitAll blocks until every event in wait has finished without consuming
// them. The first device-side failure is returned.
func WaitAll(wait []*Event) error {
	var first error
	for _, ev := range wait {
		<-ev.done
		if ev.err != nil && first == nil {
			first = ev.err
		}
	}
	return first
}
