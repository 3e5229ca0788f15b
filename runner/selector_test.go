package runner

import (
	"bytes"
	"errors"
	"testing"

	"github.com/notargets/vecoffload/accel"
	"github.com/notargets/vecoffload/accel/simdev"
	"github.com/notargets/vecoffload/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover(t *testing.T) {
	rt := utils.CreateSimRuntime(simdev.Config{})
	var out bytes.Buffer
	sel := &Selector{Runtime: rt, Out: &out}

	dev, err := sel.Discover()
	require.NoError(t, err)
	assert.Equal(t, "Simulated GPU", dev.Name)
	assert.Contains(t, out.String(), "Platform name: Simulated Platform\n")
	assert.Contains(t, out.String(), "Device name: Simulated GPU\n")
	assert.Contains(t, out.String(), "Device name: Host CPU")

	t.Run("Deterministic", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			again, err := sel.Discover()
			require.NoError(t, err)
			assert.Equal(t, dev, again)
		}
	})
	t.Run("DeviceType", func(t *testing.T) {
		cpuSel := &Selector{Runtime: rt, Type: accel.DeviceTypeCPU}
		cpuDev, err := cpuSel.Discover()
		require.NoError(t, err)
		assert.Equal(t, accel.DeviceTypeCPU, cpuDev.Type)
	})
	t.Run("Policy", func(t *testing.T) {
		policySel := &Selector{Runtime: rt, Policy: LargestMemory}
		big, err := policySel.Discover()
		require.NoError(t, err)
		assert.Equal(t, uint64(4<<30), big.GlobalMemBytes)

		badSel := &Selector{Runtime: rt, Policy: func([]accel.Device) int { return 7 }}
		_, err = badSel.Discover()
		assert.Error(t, err)
	})
}

func TestDiscoverNoPlatform(t *testing.T) {
	rt := utils.CreateEmptyRuntime()
	var out bytes.Buffer
	_, err := (&Selector{Runtime: rt, Out: &out}).Discover()
	require.Error(t, err)
	assert.True(t, errors.Is(err, accel.DiscoveryError))
	assert.True(t, errors.Is(err, accel.ErrNoPlatform))
	ae, ok := accel.AsError(err)
	require.True(t, ok)
	assert.Equal(t, accel.OpPlatforms, ae.Op)
	assert.Empty(t, out.String())
}

func TestDiscoverNoDevice(t *testing.T) {
	rt := utils.CreateSimRuntime(simdev.Config{Platforms: []simdev.PlatformSpec{{Name: "Empty"}}})
	_, err := (&Selector{Runtime: rt}).Discover()
	require.Error(t, err)
	assert.True(t, errors.Is(err, accel.DiscoveryError))
	assert.True(t, errors.Is(err, accel.ErrNoDevice))

	gpuOnly := utils.CreateSimRuntime(simdev.Config{Platforms: []simdev.PlatformSpec{{
		Name:    "GPU only",
		Devices: []simdev.DeviceSpec{{Name: "gpu0", Type: accel.DeviceTypeGPU}},
	}}})
	_, err = (&Selector{Runtime: gpuOnly, Type: accel.DeviceTypeCPU}).Discover()
	assert.True(t, errors.Is(err, accel.ErrNoDevice))
}

func TestDiscoverEnumerationFault(t *testing.T) {
	rt := utils.CreateFaultyRuntime(accel.OpPlatforms, simdev.Fault{Code: accel.CodeOutOfHostMemory})
	_, err := (&Selector{Runtime: rt}).Discover()
	assert.True(t, errors.Is(err, accel.DiscoveryError))
	assert.Equal(t, 6, accel.ExitCode(err))
}

func TestPolicyByName(t *testing.T) {
	devices := []accel.Device{
		{Name: "small", GlobalMemBytes: 1 << 20},
		{Name: "big", GlobalMemBytes: 1 << 30},
		{Name: "big2", GlobalMemBytes: 1 << 30},
	}
	for name, want := range map[string]int{"": 0, "first": 0, "largest_memory": 1} {
		p, err := PolicyByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, p(devices), name)
	}
	_, err := PolicyByName("fastest")
	assert.Error(t, err)
}
