//go:build !occa
// +build !occa

package occa

import (
	"errors"
	"testing"

	"github.com/notargets/vecoffload/accel"
)

func TestStub(t *testing.T) {
	if Available() {
		t.Fatal("stub reports OCCA available")
	}
	if _, err := accel.New(RuntimeName + ":Serial"); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("expected ErrNotAvailable, got %v", err)
	}
}
