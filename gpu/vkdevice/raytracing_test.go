package vkdevice

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vkforge/rendercore/gpu"
)

func TestRayTracingOperationsFailWithoutExtensions(t *testing.T) {
	d := &Device{}
	require.False(t, d.rayTracing.supported())
	require.Equal(t, gpu.RayTracingProperties{}, d.RayTracingProperties())

	_, _, err := d.CreateAccelerationStructure(gpu.AccelerationStructureCreateInfo{})
	require.Error(t, err)

	cb := &vulkanCommandBuffer{adapter: d}
	require.Error(t, cb.CmdBuildAccelerationStructure(gpu.AccelerationStructureBuildInfo{}))
	require.Error(t, cb.CmdTraceRays(gpu.ShaderBindingRegions{}, 1, 1, 1))
}
