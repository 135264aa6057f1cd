package gpu

import (
	"time"
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// NoTimeout can be passed to Fence.Wait to wait until the fence signals, however
// long that takes. A fence that never signals indicates a fatal device or driver
// fault, so an unbounded wait is the correct behavior for frame pacing.
const NoTimeout = time.Duration(^uint64(0) >> 1)

// Device is the single context object through which every component in this module
// reaches the graphics API. There is no global dispatch table: a Device is
// constructed once by the embedder (gpu/vkdevice for real hardware) and passed by
// reference to the allocator, registry, pacer, and acceleration-structure manager.
// Tests substitute an in-memory implementation.
//
// Parameter and flag types are the core1_0 vocabulary so that the production
// implementation is a thin forwarding layer rather than a translation layer.
type Device interface {
	// MemoryProperties returns the memory types and heaps exposed by the physical
	// device. The returned pointer is owned by the Device and must not be mutated.
	MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties
	// DeviceProperties returns the physical device properties, primarily for
	// Limits.NonCoherentAtomSize and Limits.BufferImageGranularity.
	DeviceProperties() *core1_0.PhysicalDeviceProperties
	// RayTracingProperties returns the device's shader-group handle layout
	// requirements. Devices without ray-tracing support return the zero value.
	RayTracingProperties() RayTracingProperties

	AllocateMemory(allocateInfo core1_0.MemoryAllocateInfo) (DeviceMemory, common.VkResult, error)
	CreateBuffer(createInfo core1_0.BufferCreateInfo) (Buffer, common.VkResult, error)
	CreateImage(createInfo core1_0.ImageCreateInfo) (Image, common.VkResult, error)

	CreateFence(signaled bool) (Fence, common.VkResult, error)
	CreateSemaphore() (Semaphore, common.VkResult, error)
	// AllocateCommandBuffers allocates primary command buffers from the device's
	// internal command pool.
	AllocateCommandBuffers(count int) ([]CommandBuffer, common.VkResult, error)
	FreeCommandBuffers(commandBuffers []CommandBuffer)

	// SurfaceCapabilities queries the current capabilities of the surface this
	// device presents to. Capabilities change when the window is resized, so this
	// is re-queried on every swapchain (re)creation.
	SurfaceCapabilities() (SurfaceCapabilities, common.VkResult, error)
	CreateSwapchain(createInfo SwapchainCreateInfo) (Swapchain, common.VkResult, error)

	CreateAccelerationStructure(createInfo AccelerationStructureCreateInfo) (AccelerationStructure, common.VkResult, error)

	// SubmitQueue submits command buffers to the graphics queue. Submission
	// returns immediately; completion is observed through the provided fence.
	SubmitQueue(submit SubmitInfo, fence Fence) (common.VkResult, error)
	// PresentQueue presents a swapchain image. VKErrorOutOfDate and
	// VKSuboptimal are returned without a wrapping error, since both are
	// recoverable outcomes of the present protocol.
	PresentQueue(present PresentInfo) (common.VkResult, error)
	// WaitIdle blocks until all outstanding GPU work on the device completes.
	WaitIdle() (common.VkResult, error)
}

// DeviceMemory is a single device memory object: the backing store of one memory
// pool, or of one dedicated allocation.
type DeviceMemory interface {
	// Map maps a range of the memory into host address space. size may be
	// WholeSize to map from offset to the end of the object.
	Map(offset, size int) (unsafe.Pointer, common.VkResult, error)
	Unmap()
	// Flush makes host writes to a mapped range visible to the device. Only
	// required for non-HOST_COHERENT memory; callers are expected to check.
	Flush(offset, size int) (common.VkResult, error)
	// Invalidate makes device writes to a mapped range visible to the host.
	Invalidate(offset, size int) (common.VkResult, error)
	Free()
}

// WholeSize maps or flushes from the provided offset to the end of the memory object.
const WholeSize = -1

type Buffer interface {
	MemoryRequirements() core1_0.MemoryRequirements
	BindMemory(memory DeviceMemory, offset int) (common.VkResult, error)
	// DeviceAddress returns the buffer's GPU virtual address. Only valid for
	// buffers created with core1_2.BufferUsageShaderDeviceAddress.
	DeviceAddress() uint64
	Destroy()
}

type Image interface {
	MemoryRequirements() core1_0.MemoryRequirements
	BindMemory(memory DeviceMemory, offset int) (common.VkResult, error)
	Destroy()
}

// Fence is a CPU-observable synchronization primitive signaled by the GPU on
// completion of submitted work.
type Fence interface {
	Wait(timeout time.Duration) (common.VkResult, error)
	Reset() (common.VkResult, error)
	Destroy()
}

// Semaphore is a GPU-side synchronization primitive ordering one queue operation
// after another. It is not observable from the CPU.
type Semaphore interface {
	Destroy()
}

// CommandBuffer records GPU work. A command buffer is recorded by exactly one
// thread at a time and must never be submitted while still recording.
type CommandBuffer interface {
	Begin() (common.VkResult, error)
	End() (common.VkResult, error)
	Reset() (common.VkResult, error)

	CmdCopyBuffer(src, dst Buffer, regions []core1_0.BufferCopy) error
	CmdBuildAccelerationStructure(buildInfo AccelerationStructureBuildInfo) error
	CmdTraceRays(regions ShaderBindingRegions, width, height, depth int) error
}

// Swapchain is the set of presentable images cycled between rendering and display.
type Swapchain interface {
	// AcquireNextImage acquires the index of the next presentable image,
	// signaling the provided semaphore when the image is actually ready.
	// VKErrorOutOfDate and VKSuboptimal are recoverable results.
	AcquireNextImage(timeout time.Duration, semaphore Semaphore, fence Fence) (int, common.VkResult, error)
	ImageCount() int
	Destroy()
}

// AccelerationStructure is the device object for a BLAS or TLAS. Its geometry
// lives in a buffer owned by the caller; Destroy releases only the API object.
type AccelerationStructure interface {
	DeviceAddress() uint64
	Destroy()
}
