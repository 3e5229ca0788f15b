package utils

import (
	"fmt"
	"time"

	"github.com/notargets/vecoffload/accel"
	"github.com/notargets/vecoffload/accel/occa"
	"github.com/notargets/vecoffload/accel/simdev"
)

// CreateTestDevice opens a runtime for testing, preferring real OCCA backends
// and falling back to the simulated runtime.
func CreateTestDevice() accel.Runtime {
	backends := []string{
		occa.RuntimeName + ":OpenMP",
		occa.RuntimeName + ":CUDA",
		occa.RuntimeName + ":Serial",
	}
	if occa.Available() {
		for _, config := range backends {
			rt, err := accel.New(config)
			if err != nil {
				continue
			}
			if platforms, err := rt.Platforms(); err == nil && len(platforms) > 0 {
				fmt.Printf("Created %s runtime (%s)\n", rt.Name(), platforms[0].Name)
				return rt
			}
		}
	}
	return CreateSimRuntime(simdev.Config{})
}

// CreateSimRuntime creates a simulated runtime
func CreateSimRuntime(cfg simdev.Config) *simdev.Runtime {
	return simdev.New(cfg)
}

// CreateFaultyRuntime creates a simulated runtime where op fails with fault
func CreateFaultyRuntime(op accel.Op, fault simdev.Fault) *simdev.Runtime {
	return simdev.New(simdev.Config{Faults: map[accel.Op]simdev.Fault{op: fault}})
}

// CreateSlowRuntime creates a simulated runtime whose transfers and kernels
// take at least latency, making ordering violations observable
func CreateSlowRuntime(latency time.Duration) *simdev.Runtime {
	return simdev.New(simdev.Config{TransferLatency: latency, KernelLatency: latency})
}

// CreateEmptyRuntime creates a simulated runtime exposing no platforms
func CreateEmptyRuntime() *simdev.Runtime {
	return simdev.New(simdev.Config{Platforms: []simdev.PlatformSpec{}})
}
