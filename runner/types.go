// runner/types.go
package runner

import (
	"unsafe"

	"github.com/notargets/vecoffload/runner/builder"
)

// ElementType is the device element type of every vector the runner moves
const ElementType = builder.INT32

// MaxElements bounds N so that C[i] = 2*i stays representable as int32
const MaxElements = 1 << 30

// int32Bytes views s as raw bytes in host byte order, sharing its memory
func int32Bytes(s []int32) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(ElementType.Size()))
}
