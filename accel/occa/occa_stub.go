//go:build !occa
// +build !occa

// Package occa implements accel.Runtime on top of OCCA through gocca. This is
// the stub compiled without the occa build tag.
package occa

import (
	"errors"

	"github.com/notargets/vecoffload/accel"
)

// ErrNotAvailable is returned when the binary was built without OCCA support.
var ErrNotAvailable = errors.New("occa: OCCA support requires building with '-tags occa'")

// Available reports whether the binary was built with OCCA support.
func Available() bool { return false }

func open(config string) (accel.Runtime, error) {
	_ = splitModes(config)
	return nil, ErrNotAvailable
}
