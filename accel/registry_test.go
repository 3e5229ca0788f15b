package accel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	var gotConfig string
	Register("broken", func(string) (Runtime, error) {
		return nil, errors.New("driver not loaded")
	})
	Register("fake", func(config string) (Runtime, error) {
		gotConfig = config
		return nil, nil
	})
	assert.Contains(t, Registered(), "fake")

	t.Run("NameOnly", func(t *testing.T) {
		_, err := New("fake")
		require.NoError(t, err)
		assert.Empty(t, gotConfig)
	})
	t.Run("WithConfig", func(t *testing.T) {
		_, err := New("fake:latency=1ms,workers=2")
		require.NoError(t, err)
		assert.Equal(t, "latency=1ms,workers=2", gotConfig)
	})
	t.Run("FromEnvironment", func(t *testing.T) {
		t.Setenv(EnvRuntime, "fake:from-env")
		_, err := New("")
		require.NoError(t, err)
		assert.Equal(t, "from-env", gotConfig)
	})
	t.Run("FallbackSkipsUnavailable", func(t *testing.T) {
		t.Setenv(EnvRuntime, "")
		gotConfig = "unset"
		_, err := New("")
		require.NoError(t, err)
		assert.Empty(t, gotConfig)
	})
	t.Run("Unavailable", func(t *testing.T) {
		_, err := New("broken")
		assert.EqualError(t, err, "driver not loaded")
	})
	t.Run("Unknown", func(t *testing.T) {
		_, err := New("nope")
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"nope"`)
	})
}

func TestParseDeviceType(t *testing.T) {
	for in, want := range map[string]DeviceType{
		"":            DeviceTypeAll,
		"all":         DeviceTypeAll,
		"GPU":         DeviceTypeGPU,
		"cpu":         DeviceTypeCPU,
		"accelerator": DeviceTypeAccelerator,
	} {
		got, err := ParseDeviceType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDeviceType("fpga")
	assert.Error(t, err)

	assert.True(t, DeviceTypeGPU.Matches(DeviceTypeAll))
	assert.True(t, DeviceTypeGPU.Matches(DeviceTypeGPU))
	assert.False(t, DeviceTypeCPU.Matches(DeviceTypeGPU))
}
