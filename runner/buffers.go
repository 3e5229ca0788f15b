package runner

import (
	"fmt"

	"github.com/notargets/vecoffload/accel"
	"github.com/notargets/vecoffload/kernels"
	"github.com/notargets/vecoffload/runner/builder"
	"k8s.io/klog/v2"
)

// DeviceBuffers are the three device-side vectors of a run. A and B are
// read-only inputs and C is the write-only output; each holds exactly Bytes
// bytes.
type DeviceBuffers struct {
	A, B, C accel.Buffer
	Bytes   int64

	// Params are the kernel parameters bound to the host vectors, in
	// argument order
	Params []builder.ParamSpec

	ctx      *Context
	released bool
}

// accessMode maps a parameter direction onto the device access flags
func accessMode(d builder.Direction) accel.AccessMode {
	switch d {
	case builder.DirectionInput:
		return accel.ReadOnly
	case builder.DirectionOutput:
		return accel.WriteOnly
	default:
		return accel.ReadWrite
	}
}

// AllocateDeviceBuffers creates one device buffer per kernel parameter, sized
// to match the host vectors. When an allocation fails the buffers already
// created are released before returning.
func AllocateDeviceBuffers(ctx *Context, host *HostBuffers) (*DeviceBuffers, error) {
	bindings := map[string][]int32{"A": host.A, "B": host.B, "C": host.C}

	var params []builder.ParamSpec
	for _, p := range kernels.VecAddParams() {
		pb := &builder.ParamBuilder{Spec: p}
		spec, err := pb.Bind(bindings[p.Name]).Build()
		if err != nil {
			return nil, fmt.Errorf("invalid kernel parameter %s: %w", p.Name, err)
		}
		if spec.DataType != ElementType {
			return nil, fmt.Errorf("kernel parameter %s is %v, host data is %v", spec.Name, spec.DataType, ElementType)
		}
		params = append(params, spec)
	}

	db := &DeviceBuffers{Bytes: host.Bytes(), Params: params, ctx: ctx}
	created := make([]accel.Buffer, 0, len(params))
	for _, p := range params {
		b, err := ctx.allocate(accessMode(p.Direction), p.Bytes())
		if err != nil {
			for i := len(created) - 1; i >= 0; i-- {
				if relErr := ctx.free(created[i]); relErr != nil {
					klog.Warningf("failed to release partial buffer %s: %v", accel.Handle(created[i]), relErr)
				}
			}
			return nil, fmt.Errorf("failed to allocate device buffer %s (%d bytes): %w", p.Name, p.Bytes(), err)
		}
		created = append(created, b)
	}
	db.A, db.B, db.C = created[0], created[1], created[2]
	return db, nil
}

// Args returns the buffers in kernel argument order
func (db *DeviceBuffers) Args() []accel.Buffer {
	return []accel.Buffer{db.A, db.B, db.C}
}

// Release frees A, B and C. Every release is attempted; the first failure
// is returned.
func (db *DeviceBuffers) Release() error {
	if db.released {
		return ErrReleased
	}
	db.released = true

	var first error
	for i, b := range db.Args() {
		if err := db.ctx.free(b); err != nil {
			err = fmt.Errorf("failed to release device buffer %s: %w", db.Params[i].Name, err)
			if first == nil {
				first = err
			} else {
				klog.Warning(err)
			}
		}
	}
	return first
}
