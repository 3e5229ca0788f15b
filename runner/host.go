package runner

import (
	"fmt"
)

// HostBuffers owns the host side of one run: inputs A and B filled with
// A[i] = B[i] = i, and the output C, which holds zeros until readback.
type HostBuffers struct {
	N int
	A []int32
	B []int32
	C []int32
}

// NewHostBuffers allocates and initializes host vectors of n elements
func NewHostBuffers(n int) (*HostBuffers, error) {
	if n <= 0 {
		return nil, fmt.Errorf("element count must be positive, got %d", n)
	}
	if n > MaxElements {
		return nil, fmt.Errorf("element count %d exceeds %d", n, MaxElements)
	}
	hb := &HostBuffers{
		N: n,
		A: make([]int32, n),
		B: make([]int32, n),
		C: make([]int32, n),
	}
	for i := 0; i < n; i++ {
		hb.A[i] = int32(i)
		hb.B[i] = int32(i)
	}
	return hb, nil
}

// ElementSize returns the size in bytes of one element
func (hb *HostBuffers) ElementSize() int64 {
	return ElementType.Size()
}

// Bytes returns the size in bytes of each vector
func (hb *HostBuffers) Bytes() int64 {
	return int64(hb.N) * hb.ElementSize()
}
