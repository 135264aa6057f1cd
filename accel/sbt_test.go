package accel

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"

	"github.com/vkforge/rendercore/gpu"
)

func TestShaderBindingTableLayout(t *testing.T) {
	// Fake device: handle size 32, handle alignment 32, base alignment 64.
	device, _, m := testManager(t, Options{})
	require.Equal(t, 32, device.RayTracing.ShaderGroupHandleSize)

	layout := m.ShaderBindingTableLayout(2, 3, 0)

	require.Equal(t, TableRegion{Offset: 0, Stride: 32, Size: 32, Count: 1}, layout.RayGen)
	require.Equal(t, TableRegion{Offset: 64, Stride: 32, Size: 64, Count: 2}, layout.Miss)
	require.Equal(t, TableRegion{Offset: 128, Stride: 32, Size: 96, Count: 3}, layout.Hit)
	require.Equal(t, TableRegion{Offset: 224, Stride: 32, Size: 0, Count: 0}, layout.Callable)
	require.Equal(t, 224, layout.TotalSize)

	// Occupied region starts respect the base alignment; strides the handle
	// alignment. The empty callable region never reaches the device, so its
	// offset carries no alignment obligation.
	for _, region := range []TableRegion{layout.RayGen, layout.Miss, layout.Hit} {
		require.Zero(t, region.Offset%64)
		require.Zero(t, region.Stride%32)
	}
}

func TestShaderBindingTableLayoutEmptyRegionsAddNoPadding(t *testing.T) {
	_, _, m := testManager(t, Options{})

	layout := m.ShaderBindingTableLayout(0, 0, 0)

	require.Equal(t, TableRegion{Offset: 0, Stride: 32, Size: 32, Count: 1}, layout.RayGen)
	require.Equal(t, 0, layout.Miss.Count)
	require.Equal(t, 0, layout.Hit.Count)
	require.Equal(t, 0, layout.Callable.Count)
	require.Equal(t, 32, layout.TotalSize)
}

func TestTraceRaysResolvesRegions(t *testing.T) {
	device, reg, m := testManager(t, Options{})
	cb := recordingBuffer(t, device)

	layout := m.ShaderBindingTableLayout(1, 1, 0)
	table, _, err := reg.CreateBuffer(layout.TotalSize,
		core1_0.BufferUsageStorageBuffer,
		core1_0.MemoryPropertyDeviceLocal)
	require.NoError(t, err)

	require.NoError(t, m.TraceRays(cb, table, layout, 1920, 1080, 1))

	require.Len(t, cb.Traces, 1)
	address, err := reg.BufferDeviceAddress(table)
	require.NoError(t, err)

	trace := cb.Traces[0]
	require.Equal(t, address, trace.RayGen.DeviceAddress)
	require.Equal(t, address+uint64(layout.Miss.Offset), trace.Miss.DeviceAddress)
	require.Equal(t, address+uint64(layout.Hit.Offset), trace.Hit.DeviceAddress)
	// An empty region carries no address at all.
	require.Equal(t, gpu.StridedRegion{}, trace.Callable)
}

func TestTraceRaysRejectsUndersizedTable(t *testing.T) {
	device, reg, m := testManager(t, Options{})
	cb := recordingBuffer(t, device)

	layout := m.ShaderBindingTableLayout(4, 4, 4)
	table, _, err := reg.CreateBuffer(64,
		core1_0.BufferUsageStorageBuffer,
		core1_0.MemoryPropertyDeviceLocal)
	require.NoError(t, err)

	require.Error(t, m.TraceRays(cb, table, layout, 64, 64, 1))
	require.Empty(t, cb.Traces)
}
