package vkdevice

/*
#cgo windows LDFLAGS: -lvulkan-1
#cgo linux freebsd LDFLAGS: -lvulkan
#cgo darwin LDFLAGS: -framework MoltenVK

#include <stdlib.h>
#include <string.h>
#include "vulkan/vulkan.h"

static void rayTracingPipelineProperties(VkPhysicalDevice physicalDevice, VkPhysicalDeviceRayTracingPipelinePropertiesKHR *rayProperties) {
	VkPhysicalDeviceProperties2 properties;
	memset(&properties, 0, sizeof(properties));
	memset(rayProperties, 0, sizeof(*rayProperties));
	properties.sType = VK_STRUCTURE_TYPE_PHYSICAL_DEVICE_PROPERTIES_2;
	properties.pNext = rayProperties;
	rayProperties->sType = VK_STRUCTURE_TYPE_PHYSICAL_DEVICE_RAY_TRACING_PIPELINE_PROPERTIES_KHR;

	vkGetPhysicalDeviceProperties2(physicalDevice, &properties);
}

static VkResult createAccelerationStructure(PFN_vkVoidFunction proc, VkDevice device,
	VkBuffer buffer, VkDeviceSize offset, VkDeviceSize size, VkAccelerationStructureTypeKHR type,
	VkAccelerationStructureKHR *structure) {

	VkAccelerationStructureCreateInfoKHR createInfo;
	memset(&createInfo, 0, sizeof(createInfo));
	createInfo.sType = VK_STRUCTURE_TYPE_ACCELERATION_STRUCTURE_CREATE_INFO_KHR;
	createInfo.buffer = buffer;
	createInfo.offset = offset;
	createInfo.size = size;
	createInfo.type = type;

	return ((PFN_vkCreateAccelerationStructureKHR)proc)(device, &createInfo, NULL, structure);
}

static void destroyAccelerationStructure(PFN_vkVoidFunction proc, VkDevice device, VkAccelerationStructureKHR structure) {
	((PFN_vkDestroyAccelerationStructureKHR)proc)(device, structure, NULL);
}

static VkDeviceAddress accelerationStructureDeviceAddress(PFN_vkVoidFunction proc, VkDevice device, VkAccelerationStructureKHR structure) {
	VkAccelerationStructureDeviceAddressInfoKHR addressInfo;
	memset(&addressInfo, 0, sizeof(addressInfo));
	addressInfo.sType = VK_STRUCTURE_TYPE_ACCELERATION_STRUCTURE_DEVICE_ADDRESS_INFO_KHR;
	addressInfo.accelerationStructure = structure;

	return ((PFN_vkGetAccelerationStructureDeviceAddressKHR)proc)(device, &addressInfo);
}

static void setTriangleGeometry(VkAccelerationStructureGeometryKHR *geometry,
	VkDeviceAddress vertexData, VkDeviceSize vertexStride, uint32_t maxVertex,
	VkIndexType indexType, VkDeviceAddress indexData) {

	memset(geometry, 0, sizeof(*geometry));
	geometry->sType = VK_STRUCTURE_TYPE_ACCELERATION_STRUCTURE_GEOMETRY_KHR;
	geometry->geometryType = VK_GEOMETRY_TYPE_TRIANGLES_KHR;
	geometry->geometry.triangles.sType = VK_STRUCTURE_TYPE_ACCELERATION_STRUCTURE_GEOMETRY_TRIANGLES_DATA_KHR;
	geometry->geometry.triangles.vertexFormat = VK_FORMAT_R32G32B32_SFLOAT;
	geometry->geometry.triangles.vertexData.deviceAddress = vertexData;
	geometry->geometry.triangles.vertexStride = vertexStride;
	geometry->geometry.triangles.maxVertex = maxVertex;
	geometry->geometry.triangles.indexType = indexType;
	geometry->geometry.triangles.indexData.deviceAddress = indexData;
}

static void setInstanceGeometry(VkAccelerationStructureGeometryKHR *geometry, VkDeviceAddress instanceData) {
	memset(geometry, 0, sizeof(*geometry));
	geometry->sType = VK_STRUCTURE_TYPE_ACCELERATION_STRUCTURE_GEOMETRY_KHR;
	geometry->geometryType = VK_GEOMETRY_TYPE_INSTANCES_KHR;
	geometry->geometry.instances.sType = VK_STRUCTURE_TYPE_ACCELERATION_STRUCTURE_GEOMETRY_INSTANCES_DATA_KHR;
	geometry->geometry.instances.data.deviceAddress = instanceData;
}

static void buildAccelerationStructures(PFN_vkVoidFunction proc, VkCommandBuffer commandBuffer,
	VkAccelerationStructureTypeKHR type, VkBuildAccelerationStructureFlagsKHR flags,
	VkBuildAccelerationStructureModeKHR mode,
	VkAccelerationStructureKHR src, VkAccelerationStructureKHR dst,
	uint32_t geometryCount, const VkAccelerationStructureGeometryKHR *geometries,
	VkDeviceAddress scratch, const VkAccelerationStructureBuildRangeInfoKHR *ranges) {

	VkAccelerationStructureBuildGeometryInfoKHR buildInfo;
	memset(&buildInfo, 0, sizeof(buildInfo));
	buildInfo.sType = VK_STRUCTURE_TYPE_ACCELERATION_STRUCTURE_BUILD_GEOMETRY_INFO_KHR;
	buildInfo.type = type;
	buildInfo.flags = flags;
	buildInfo.mode = mode;
	buildInfo.srcAccelerationStructure = src;
	buildInfo.dstAccelerationStructure = dst;
	buildInfo.geometryCount = geometryCount;
	buildInfo.pGeometries = geometries;
	buildInfo.scratchData.deviceAddress = scratch;

	((PFN_vkCmdBuildAccelerationStructuresKHR)proc)(commandBuffer, 1, &buildInfo, &ranges);
}

static void traceRays(PFN_vkVoidFunction proc, VkCommandBuffer commandBuffer,
	const VkStridedDeviceAddressRegionKHR *rayGen, const VkStridedDeviceAddressRegionKHR *miss,
	const VkStridedDeviceAddressRegionKHR *hit, const VkStridedDeviceAddressRegionKHR *callable,
	uint32_t width, uint32_t height, uint32_t depth) {

	((PFN_vkCmdTraceRaysKHR)proc)(commandBuffer, rayGen, miss, hit, callable, width, height, depth);
}
*/
import "C"

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"

	"github.com/vkforge/rendercore/gpu"
)

// rayTracingProcs holds the VK_KHR_acceleration_structure and
// VK_KHR_ray_tracing_pipeline device commands, resolved through
// vkGetDeviceProcAddr. Extension commands are not exported by the loader, so
// they cannot be linked the way the core entry points are.
type rayTracingProcs struct {
	createAccelerationStructure    C.PFN_vkVoidFunction
	destroyAccelerationStructure   C.PFN_vkVoidFunction
	accelerationStructureAddress   C.PFN_vkVoidFunction
	cmdBuildAccelerationStructures C.PFN_vkVoidFunction
	cmdTraceRays                   C.PFN_vkVoidFunction
}

func (p *rayTracingProcs) supported() bool {
	return p.createAccelerationStructure != nil
}

// loadRayTracingProcs resolves the ray tracing entry points from a device
// created with the two extensions enabled. A device without them resolves
// nothing and the zero value is returned; the adapter then reports zero
// ray tracing properties and fails acceleration-structure operations.
func loadRayTracingProcs(device driver.VkDevice) rayTracingProcs {
	load := func(name string) C.PFN_vkVoidFunction {
		cName := C.CString(name)
		defer C.free(unsafe.Pointer(cName))
		return C.vkGetDeviceProcAddr(cDeviceHandle(device), cName)
	}

	procs := rayTracingProcs{
		createAccelerationStructure:    load("vkCreateAccelerationStructureKHR"),
		destroyAccelerationStructure:   load("vkDestroyAccelerationStructureKHR"),
		accelerationStructureAddress:   load("vkGetAccelerationStructureDeviceAddressKHR"),
		cmdBuildAccelerationStructures: load("vkCmdBuildAccelerationStructuresKHR"),
		cmdTraceRays:                   load("vkCmdTraceRaysKHR"),
	}
	if procs.createAccelerationStructure == nil ||
		procs.destroyAccelerationStructure == nil ||
		procs.accelerationStructureAddress == nil ||
		procs.cmdBuildAccelerationStructures == nil ||
		procs.cmdTraceRays == nil {
		return rayTracingProcs{}
	}
	return procs
}

func (d *Device) queryRayTracingProperties() {
	var rayProperties C.VkPhysicalDeviceRayTracingPipelinePropertiesKHR
	C.rayTracingPipelineProperties(cPhysicalDeviceHandle(d.physicalDevice.Handle()), &rayProperties)

	d.rayTracingProperties = gpu.RayTracingProperties{
		ShaderGroupHandleSize:      int(rayProperties.shaderGroupHandleSize),
		ShaderGroupHandleAlignment: uint(rayProperties.shaderGroupHandleAlignment),
		ShaderGroupBaseAlignment:   uint(rayProperties.shaderGroupBaseAlignment),
	}
}

func (d *Device) CreateAccelerationStructure(createInfo gpu.AccelerationStructureCreateInfo) (gpu.AccelerationStructure, common.VkResult, error) {
	if !d.rayTracing.supported() {
		return nil, core1_0.VKErrorExtensionNotPresent, errors.New("device does not expose VK_KHR_acceleration_structure")
	}

	var structure C.VkAccelerationStructureKHR
	res := common.VkResult(C.createAccelerationStructure(
		d.rayTracing.createAccelerationStructure,
		cDeviceHandle(d.device.Handle()),
		cBufferHandle(createInfo.Buffer.(*vulkanBuffer).buffer.Handle()),
		C.VkDeviceSize(createInfo.Offset),
		C.VkDeviceSize(createInfo.Size),
		accelerationStructureTypeToVk(createInfo.Type),
		&structure,
	))
	if err := res.ToError(); err != nil {
		return nil, res, err
	}

	address := C.accelerationStructureDeviceAddress(
		d.rayTracing.accelerationStructureAddress,
		cDeviceHandle(d.device.Handle()),
		structure,
	)
	return &vulkanAccelerationStructure{adapter: d, structure: structure, address: uint64(address)}, res, nil
}

type vulkanAccelerationStructure struct {
	adapter   *Device
	structure C.VkAccelerationStructureKHR
	address   uint64
}

func (a *vulkanAccelerationStructure) DeviceAddress() uint64 {
	return a.address
}

func (a *vulkanAccelerationStructure) Destroy() {
	C.destroyAccelerationStructure(
		a.adapter.rayTracing.destroyAccelerationStructure,
		cDeviceHandle(a.adapter.device.Handle()),
		a.structure,
	)
}

func (c *vulkanCommandBuffer) CmdBuildAccelerationStructure(buildInfo gpu.AccelerationStructureBuildInfo) error {
	procs := &c.adapter.rayTracing
	if !procs.supported() {
		return errors.New("device does not expose VK_KHR_acceleration_structure")
	}

	mode := C.VkBuildAccelerationStructureModeKHR(C.VK_BUILD_ACCELERATION_STRUCTURE_MODE_BUILD_KHR)
	var src C.VkAccelerationStructureKHR
	if buildInfo.Mode == gpu.BuildModeUpdate {
		mode = C.VkBuildAccelerationStructureModeKHR(C.VK_BUILD_ACCELERATION_STRUCTURE_MODE_UPDATE_KHR)
		src = buildInfo.Src.(*vulkanAccelerationStructure).structure
	}

	var flags C.VkBuildAccelerationStructureFlagsKHR
	if buildInfo.AllowUpdate {
		flags |= C.VkBuildAccelerationStructureFlagsKHR(C.VK_BUILD_ACCELERATION_STRUCTURE_ALLOW_UPDATE_BIT_KHR)
	}

	geometryCount := len(buildInfo.Geometries)
	if buildInfo.Type == gpu.AccelerationStructureTypeTopLevel {
		geometryCount = 1
	}
	if geometryCount == 0 {
		return errors.New("bottom-level build requires at least one geometry")
	}

	// The command copies its parameters at record time, so the arrays only
	// need to outlive the call.
	geometries := (*C.VkAccelerationStructureGeometryKHR)(C.calloc(C.size_t(geometryCount), C.sizeof_VkAccelerationStructureGeometryKHR))
	defer C.free(unsafe.Pointer(geometries))
	ranges := (*C.VkAccelerationStructureBuildRangeInfoKHR)(C.calloc(C.size_t(geometryCount), C.sizeof_VkAccelerationStructureBuildRangeInfoKHR))
	defer C.free(unsafe.Pointer(ranges))

	geometrySlice := unsafe.Slice(geometries, geometryCount)
	rangeSlice := unsafe.Slice(ranges, geometryCount)

	if buildInfo.Type == gpu.AccelerationStructureTypeTopLevel {
		C.setInstanceGeometry(&geometrySlice[0], C.VkDeviceAddress(buildInfo.InstanceAddress))
		rangeSlice[0].primitiveCount = C.uint32_t(buildInfo.InstanceCount)
	} else {
		for i, geometry := range buildInfo.Geometries {
			C.setTriangleGeometry(&geometrySlice[i],
				C.VkDeviceAddress(geometry.VertexAddress),
				C.VkDeviceSize(geometry.VertexStride),
				C.uint32_t(geometry.VertexCount-1),
				indexTypeForSize(geometry.IndexElementSize),
				C.VkDeviceAddress(geometry.IndexAddress),
			)
			rangeSlice[i].primitiveCount = C.uint32_t(geometry.IndexCount / 3)
		}
	}

	C.buildAccelerationStructures(procs.cmdBuildAccelerationStructures,
		cCommandBufferHandle(c.commandBuffer.Handle()),
		accelerationStructureTypeToVk(buildInfo.Type),
		flags, mode, src,
		buildInfo.Dst.(*vulkanAccelerationStructure).structure,
		C.uint32_t(geometryCount), geometries,
		C.VkDeviceAddress(buildInfo.ScratchAddress), ranges,
	)
	return nil
}

func (c *vulkanCommandBuffer) CmdTraceRays(regions gpu.ShaderBindingRegions, width, height, depth int) error {
	procs := &c.adapter.rayTracing
	if !procs.supported() {
		return errors.New("device does not expose VK_KHR_ray_tracing_pipeline")
	}

	rayGen := stridedRegionToVk(regions.RayGen)
	miss := stridedRegionToVk(regions.Miss)
	hit := stridedRegionToVk(regions.Hit)
	callable := stridedRegionToVk(regions.Callable)

	C.traceRays(procs.cmdTraceRays,
		cCommandBufferHandle(c.commandBuffer.Handle()),
		&rayGen, &miss, &hit, &callable,
		C.uint32_t(width), C.uint32_t(height), C.uint32_t(depth),
	)
	return nil
}

func stridedRegionToVk(region gpu.StridedRegion) C.VkStridedDeviceAddressRegionKHR {
	return C.VkStridedDeviceAddressRegionKHR{
		deviceAddress: C.VkDeviceAddress(region.DeviceAddress),
		stride:        C.VkDeviceSize(region.Stride),
		size:          C.VkDeviceSize(region.Size),
	}
}

func accelerationStructureTypeToVk(structureType gpu.AccelerationStructureType) C.VkAccelerationStructureTypeKHR {
	if structureType == gpu.AccelerationStructureTypeTopLevel {
		return C.VkAccelerationStructureTypeKHR(C.VK_ACCELERATION_STRUCTURE_TYPE_TOP_LEVEL_KHR)
	}
	return C.VkAccelerationStructureTypeKHR(C.VK_ACCELERATION_STRUCTURE_TYPE_BOTTOM_LEVEL_KHR)
}

func indexTypeForSize(indexElementSize int) C.VkIndexType {
	if indexElementSize == 2 {
		return C.VkIndexType(C.VK_INDEX_TYPE_UINT16)
	}
	return C.VkIndexType(C.VK_INDEX_TYPE_UINT32)
}

// driver.VulkanHandle is a uintptr holding the raw handle value. Dispatchable
// and 64-bit non-dispatchable handles are both pointer typedefs in vulkan.h.

func cDeviceHandle(handle driver.VkDevice) C.VkDevice {
	return (C.VkDevice)(unsafe.Pointer(uintptr(handle)))
}

func cPhysicalDeviceHandle(handle driver.VkPhysicalDevice) C.VkPhysicalDevice {
	return (C.VkPhysicalDevice)(unsafe.Pointer(uintptr(handle)))
}

func cCommandBufferHandle(handle driver.VkCommandBuffer) C.VkCommandBuffer {
	return (C.VkCommandBuffer)(unsafe.Pointer(uintptr(handle)))
}

func cBufferHandle(handle driver.VkBuffer) C.VkBuffer {
	return (C.VkBuffer)(unsafe.Pointer(uintptr(handle)))
}
