package runner

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/notargets/vecoffload/accel"
	"k8s.io/klog/v2"
)

// DevicePolicy picks one of the enumerated devices of the first platform by
// index. It is the hook for callers wanting capability-ranked selection.
type DevicePolicy func(devices []accel.Device) int

// FirstDevice always picks device 0
func FirstDevice(devices []accel.Device) int { return 0 }

// LargestMemory picks the device with the most global memory, the first one
// on ties.
func LargestMemory(devices []accel.Device) int {
	best := 0
	for i, d := range devices {
		if d.GlobalMemBytes > devices[best].GlobalMemBytes {
			best = i
		}
	}
	return best
}

// PolicyByName resolves "first" (or "") and "largest_memory"
func PolicyByName(name string) (DevicePolicy, error) {
	switch name {
	case "", "first":
		return FirstDevice, nil
	case "largest_memory":
		return LargestMemory, nil
	default:
		return nil, fmt.Errorf("unknown device policy %q", name)
	}
}

// Selector enumerates platforms and devices and selects one device. It always
// uses platform 0; the device is chosen by Policy (FirstDevice when nil).
type Selector struct {
	Runtime accel.Runtime
	Type    accel.DeviceType
	Policy  DevicePolicy
	Out     io.Writer
}

// Discover selects a device, printing the platform name and every
// enumerated device name to Out.
func (s *Selector) Discover() (accel.Device, error) {
	out := s.Out
	if out == nil {
		out = io.Discard
	}

	platforms, err := s.Runtime.Platforms()
	if err != nil {
		return accel.Device{}, fmt.Errorf("failed to enumerate platforms: %w", err)
	}
	if len(platforms) == 0 {
		return accel.Device{}, &accel.Error{
			Kind: accel.DiscoveryError,
			Op:   accel.OpPlatforms,
			Code: accel.CodePlatformNotFound,
			Err:  accel.ErrNoPlatform,
		}
	}
	platform := platforms[0]
	fmt.Fprintf(out, "Platform name: %s\n", platform.Name)

	devices, err := s.Runtime.Devices(platform, s.Type)
	if err != nil {
		return accel.Device{}, fmt.Errorf("failed to enumerate devices of %s: %w", platform.Name, err)
	}
	if len(devices) == 0 {
		return accel.Device{}, &accel.Error{
			Kind: accel.DiscoveryError,
			Op:   accel.OpDevices,
			Code: accel.CodeDeviceNotFound,
			Err:  fmt.Errorf("%w: platform %q, type %v", accel.ErrNoDevice, platform.Name, s.Type),
		}
	}
	for _, d := range devices {
		fmt.Fprintf(out, "Device name: %s\n", d.Name)
		klog.V(1).Infof("device %s: type=%v compute_units=%d memory=%s",
			d.Name, d.Type, d.MaxComputeUnits, humanize.IBytes(d.GlobalMemBytes))
	}

	policy := s.Policy
	if policy == nil {
		policy = FirstDevice
	}
	idx := policy(devices)
	if idx < 0 || idx >= len(devices) {
		return accel.Device{}, fmt.Errorf("device policy picked index %d of %d devices", idx, len(devices))
	}
	return devices[idx], nil
}
