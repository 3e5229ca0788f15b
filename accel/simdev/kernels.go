package simdev

import "unsafe"

// KernelImpl is the Go body of a device kernel. Func runs once per work item
// gid with the kernel's buffer arguments in index order; work items run
// concurrently and in no particular order. ElemSize is the number of bytes
// each work item touches per argument, used to bounds-check launches.
type KernelImpl struct {
	Arity    int
	ElemSize int
	Func     func(gid int, args [][]byte)
}

func builtinKernels() map[string]KernelImpl {
	return map[string]KernelImpl{
		"vecadd": {Arity: 3, ElemSize: 4, Func: vecAdd},
	}
}

func vecAdd(gid int, args [][]byte) {
	a, b, c := Int32s(args[0]), Int32s(args[1]), Int32s(args[2])
	c[gid] = a[gid] + b[gid]
}

// Int32s views device memory as int32 values in host byte order.
func Int32s(b []byte) []int32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&b[0])), len(b)/4)
}
