package simdev

import (
	"fmt"
	"strings"
	"sync"

	"github.com/notargets/vecoffload/accel"
)

// Stage is a point in the life of an operation or object.
type Stage int

const (
	StageCreated Stage = iota + 1
	StageEnqueued
	StageStarted
	StageCompleted
	StageFailed
	StageReleased
)

func (s Stage) String() string {
	switch s {
	case StageCreated:
		return "created"
	case StageEnqueued:
		return "enqueued"
	case StageStarted:
		return "started"
	case StageCompleted:
		return "completed"
	case StageFailed:
		return "failed"
	case StageReleased:
		return "released"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Record is one entry of a Timeline. Seq is strictly increasing in the order
// the runtime observed the entries.
type Record struct {
	Seq    int
	Stage  Stage
	Op     accel.Op
	Object uint64
	Event  string
}

func (r Record) String() string {
	if r.Event != "" {
		return fmt.Sprintf("%d %s %s #%d [%s]", r.Seq, r.Stage, r.Op, r.Object, r.Event)
	}
	return fmt.Sprintf("%d %s %s #%d", r.Seq, r.Stage, r.Op, r.Object)
}

// Timeline is a concurrency-safe, append-only log of runtime activity.
type Timeline struct {
	mu      sync.Mutex
	records []Record
}

func (tl *Timeline) add(stage Stage, op accel.Op, object uint64, event string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.records = append(tl.records, Record{
		Seq:    len(tl.records) + 1,
		Stage:  stage,
		Op:     op,
		Object: object,
		Event:  event,
	})
}

// Records returns a snapshot of the log.
func (tl *Timeline) Records() []Record {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]Record(nil), tl.records...)
}

// Find returns the records matching stage and op, in order.
func (tl *Timeline) Find(stage Stage, op accel.Op) []Record {
	var out []Record
	for _, r := range tl.Records() {
		if r.Stage == stage && r.Op == op {
			out = append(out, r)
		}
	}
	return out
}

// First returns the first record matching stage and op.
func (tl *Timeline) First(stage Stage, op accel.Op) (Record, bool) {
	recs := tl.Find(stage, op)
	if len(recs) == 0 {
		return Record{}, false
	}
	return recs[0], true
}

// ReleaseOrder returns the ops of every release record, in order.
func (tl *Timeline) ReleaseOrder() []accel.Op {
	var ops []accel.Op
	for _, r := range tl.Records() {
		if r.Stage == StageReleased && r.Op != accel.OpReleaseEvent {
			ops = append(ops, r.Op)
		}
	}
	return ops
}

func (tl *Timeline) String() string {
	var sb strings.Builder
	for _, r := range tl.Records() {
		sb.WriteString(r.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
