// Package vkdevice adapts a live Vulkan device, wrapped by vkngwrapper, to the
// gpu.Device seam the rest of the module is written against. Everything above
// this package talks to interfaces; this is the only place real API handles
// appear.
package vkdevice

import (
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_buffer_device_address"
	"github.com/vkngwrapper/extensions/v2/khr_surface"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"

	"github.com/vkforge/rendercore/gpu"
)

// CreateInfo carries the live API objects the adapter wraps. The embedder owns
// instance/device creation, queue selection, and the window surface.
type CreateInfo struct {
	PhysicalDevice core1_0.PhysicalDevice
	Device         core1_0.Device
	// Queue serves both submit and present. Single-queue renderers are the
	// common case for this subsystem; multi-queue setups wrap two adapters.
	Queue            core1_0.Queue
	QueueFamilyIndex int

	Surface khr_surface.Surface

	SurfaceFormat core1_0.Format
}

// Device implements gpu.Device on a live Vulkan device.
type Device struct {
	physicalDevice core1_0.PhysicalDevice
	device         core1_0.Device
	queue          core1_0.Queue
	surface        khr_surface.Surface
	surfaceFormat  core1_0.Format

	commandPool core1_0.CommandPool

	swapchainExtension khr_swapchain.Extension
	addressExtension   khr_buffer_device_address.Extension
	rayTracing         rayTracingProcs

	deviceProperties     *core1_0.PhysicalDeviceProperties
	rayTracingProperties gpu.RayTracingProperties
}

var _ gpu.Device = (*Device)(nil)

// New wraps live API objects, creates the adapter's command pool, and loads the
// swapchain and ray tracing extension entry points.
func New(createInfo CreateInfo) (*Device, error) {
	if createInfo.Device == nil || createInfo.PhysicalDevice == nil || createInfo.Queue == nil {
		return nil, errors.New("vkdevice.New requires a physical device, device, and queue")
	}

	d := &Device{
		physicalDevice: createInfo.PhysicalDevice,
		device:         createInfo.Device,
		queue:          createInfo.Queue,
		surface:        createInfo.Surface,
		surfaceFormat:  createInfo.SurfaceFormat,

		swapchainExtension: khr_swapchain.CreateExtensionFromDevice(createInfo.Device),
		addressExtension:   khr_buffer_device_address.CreateExtensionFromDevice(createInfo.Device),

		rayTracing: loadRayTracingProcs(createInfo.Device.Handle()),
	}

	pool, _, err := createInfo.Device.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: createInfo.QueueFamilyIndex,
	})
	if err != nil {
		return nil, errors.Wrap(err, "command pool creation failed")
	}
	d.commandPool = pool

	d.deviceProperties, err = createInfo.PhysicalDevice.Properties()
	if err != nil {
		pool.Destroy(nil)
		return nil, errors.Wrap(err, "device property query failed")
	}

	// A device created without the ray tracing extensions resolves no entry
	// points and reports zero properties; acceleration-structure operations
	// then fail with a descriptive error.
	if d.rayTracing.supported() {
		d.queryRayTracingProperties()
	}
	return d, nil
}

func (d *Device) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return d.physicalDevice.MemoryProperties()
}

func (d *Device) DeviceProperties() *core1_0.PhysicalDeviceProperties {
	return d.deviceProperties
}

func (d *Device) RayTracingProperties() gpu.RayTracingProperties {
	return d.rayTracingProperties
}

func (d *Device) AllocateMemory(allocateInfo core1_0.MemoryAllocateInfo) (gpu.DeviceMemory, common.VkResult, error) {
	memory, res, err := d.device.AllocateMemory(nil, allocateInfo)
	if err != nil {
		return nil, res, err
	}
	return &deviceMemory{device: d.device, memory: memory}, res, nil
}

func (d *Device) CreateBuffer(createInfo core1_0.BufferCreateInfo) (gpu.Buffer, common.VkResult, error) {
	buffer, res, err := d.device.CreateBuffer(nil, createInfo)
	if err != nil {
		return nil, res, err
	}
	return &vulkanBuffer{adapter: d, buffer: buffer}, res, nil
}

func (d *Device) CreateImage(createInfo core1_0.ImageCreateInfo) (gpu.Image, common.VkResult, error) {
	image, res, err := d.device.CreateImage(nil, createInfo)
	if err != nil {
		return nil, res, err
	}
	return &vulkanImage{image: image}, res, nil
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, common.VkResult, error) {
	var flags core1_0.FenceCreateFlags
	if signaled {
		flags = core1_0.FenceCreateSignaled
	}

	fence, res, err := d.device.CreateFence(nil, core1_0.FenceCreateInfo{Flags: flags})
	if err != nil {
		return nil, res, err
	}
	return &vulkanFence{fence: fence}, res, nil
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, common.VkResult, error) {
	semaphore, res, err := d.device.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
	if err != nil {
		return nil, res, err
	}
	return &vulkanSemaphore{semaphore: semaphore}, res, nil
}

func (d *Device) AllocateCommandBuffers(count int) ([]gpu.CommandBuffer, common.VkResult, error) {
	commandBuffers, res, err := d.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        d.commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: count,
	})
	if err != nil {
		return nil, res, err
	}

	wrapped := make([]gpu.CommandBuffer, len(commandBuffers))
	for i, cb := range commandBuffers {
		wrapped[i] = &vulkanCommandBuffer{adapter: d, commandBuffer: cb}
	}
	return wrapped, res, nil
}

func (d *Device) FreeCommandBuffers(commandBuffers []gpu.CommandBuffer) {
	raw := make([]core1_0.CommandBuffer, len(commandBuffers))
	for i, cb := range commandBuffers {
		raw[i] = cb.(*vulkanCommandBuffer).commandBuffer
	}
	d.device.FreeCommandBuffers(raw)
}

func (d *Device) SurfaceCapabilities() (gpu.SurfaceCapabilities, common.VkResult, error) {
	capabilities, res, err := d.surface.PhysicalDeviceSurfaceCapabilities(d.physicalDevice)
	if err != nil {
		return gpu.SurfaceCapabilities{}, res, err
	}

	formats, _, err := d.surface.PhysicalDeviceSurfaceFormats(d.physicalDevice)
	if err != nil {
		return gpu.SurfaceCapabilities{}, res, err
	}
	presentModes, _, err := d.surface.PhysicalDeviceSurfacePresentModes(d.physicalDevice)
	if err != nil {
		return gpu.SurfaceCapabilities{}, res, err
	}

	out := gpu.SurfaceCapabilities{
		MinImageCount:  capabilities.MinImageCount,
		MaxImageCount:  capabilities.MaxImageCount,
		CurrentExtent:  capabilities.CurrentExtent,
		MinImageExtent: capabilities.MinImageExtent,
		MaxImageExtent: capabilities.MaxImageExtent,
	}
	for _, format := range formats {
		out.Formats = append(out.Formats, format.Format)
	}
	for _, mode := range presentModes {
		out.PresentModes = append(out.PresentModes, presentModeFromKHR(mode))
	}
	return out, res, nil
}

func (d *Device) CreateSwapchain(createInfo gpu.SwapchainCreateInfo) (gpu.Swapchain, common.VkResult, error) {
	var oldSwapchain khr_swapchain.Swapchain
	if createInfo.OldSwapchain != nil {
		oldSwapchain = createInfo.OldSwapchain.(*vulkanSwapchain).swapchain
	}

	swapchain, res, err := d.swapchainExtension.CreateSwapchain(d.device, nil, khr_swapchain.SwapchainCreateInfo{
		Surface:          d.surface,
		MinImageCount:    createInfo.MinImageCount,
		ImageFormat:      createInfo.ImageFormat,
		ImageColorSpace:  khr_surface.ColorSpaceSRGBNonlinear,
		ImageExtent:      createInfo.ImageExtent,
		ImageArrayLayers: 1,
		ImageUsage:       createInfo.ImageUsage,
		ImageSharingMode: core1_0.SharingModeExclusive,
		PresentMode:      presentModeToKHR(createInfo.PresentMode),
		PreTransform:     khr_surface.TransformIdentity,
		CompositeAlpha:   khr_surface.CompositeAlphaOpaque,
		Clipped:          true,
		OldSwapchain:     oldSwapchain,
	})
	if err != nil {
		return nil, res, err
	}

	images, _, err := swapchain.SwapchainImages()
	if err != nil {
		swapchain.Destroy(nil)
		return nil, core1_0.VKErrorUnknown, err
	}
	return &vulkanSwapchain{swapchain: swapchain, imageCount: len(images)}, res, nil
}

func (d *Device) SubmitQueue(submit gpu.SubmitInfo, fence gpu.Fence) (common.VkResult, error) {
	waitSemaphores := make([]core1_0.Semaphore, len(submit.WaitSemaphores))
	for i, semaphore := range submit.WaitSemaphores {
		waitSemaphores[i] = semaphore.(*vulkanSemaphore).semaphore
	}
	signalSemaphores := make([]core1_0.Semaphore, len(submit.SignalSemaphores))
	for i, semaphore := range submit.SignalSemaphores {
		signalSemaphores[i] = semaphore.(*vulkanSemaphore).semaphore
	}
	commandBuffers := make([]core1_0.CommandBuffer, len(submit.CommandBuffers))
	for i, cb := range submit.CommandBuffers {
		commandBuffers[i] = cb.(*vulkanCommandBuffer).commandBuffer
	}

	var rawFence core1_0.Fence
	if fence != nil {
		rawFence = fence.(*vulkanFence).fence
	}

	return d.queue.Submit(rawFence, []core1_0.SubmitInfo{
		{
			WaitSemaphores:   waitSemaphores,
			WaitDstStageMask: submit.WaitStages,
			CommandBuffers:   commandBuffers,
			SignalSemaphores: signalSemaphores,
		},
	})
}

func (d *Device) PresentQueue(present gpu.PresentInfo) (common.VkResult, error) {
	waitSemaphores := make([]core1_0.Semaphore, len(present.WaitSemaphores))
	for i, semaphore := range present.WaitSemaphores {
		waitSemaphores[i] = semaphore.(*vulkanSemaphore).semaphore
	}

	return d.swapchainExtension.QueuePresent(d.queue, khr_swapchain.PresentInfo{
		WaitSemaphores: waitSemaphores,
		Swapchains:     []khr_swapchain.Swapchain{present.Swapchain.(*vulkanSwapchain).swapchain},
		ImageIndices:   []int{present.ImageIndex},
	})
}

func (d *Device) WaitIdle() (common.VkResult, error) {
	return d.device.WaitIdle()
}

// Destroy releases the adapter's command pool. The wrapped device, queue, and
// surface belong to the embedder.
func (d *Device) Destroy() {
	d.commandPool.Destroy(nil)
}

func presentModeFromKHR(mode khr_surface.PresentMode) gpu.PresentMode {
	switch mode {
	case khr_surface.PresentModeMailbox:
		return gpu.PresentModeMailbox
	case khr_surface.PresentModeImmediate:
		return gpu.PresentModeImmediate
	default:
		return gpu.PresentModeFIFO
	}
}

func presentModeToKHR(mode gpu.PresentMode) khr_surface.PresentMode {
	switch mode {
	case gpu.PresentModeMailbox:
		return khr_surface.PresentModeMailbox
	case gpu.PresentModeImmediate:
		return khr_surface.PresentModeImmediate
	default:
		return khr_surface.PresentModeFIFO
	}
}

type deviceMemory struct {
	device core1_0.Device
	memory core1_0.DeviceMemory
}

func (m *deviceMemory) Map(offset, size int) (unsafe.Pointer, common.VkResult, error) {
	return m.memory.Map(offset, size, 0)
}

func (m *deviceMemory) Unmap() {
	m.memory.Unmap()
}

func (m *deviceMemory) Flush(offset, size int) (common.VkResult, error) {
	return m.device.FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{Memory: m.memory, Offset: offset, Size: size},
	})
}

func (m *deviceMemory) Invalidate(offset, size int) (common.VkResult, error) {
	return m.device.InvalidateMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{Memory: m.memory, Offset: offset, Size: size},
	})
}

func (m *deviceMemory) Free() {
	m.memory.Free(nil)
}

type vulkanBuffer struct {
	adapter *Device
	buffer  core1_0.Buffer
}

func (b *vulkanBuffer) MemoryRequirements() core1_0.MemoryRequirements {
	return *b.buffer.MemoryRequirements()
}

func (b *vulkanBuffer) BindMemory(memory gpu.DeviceMemory, offset int) (common.VkResult, error) {
	return b.buffer.BindBufferMemory(memory.(*deviceMemory).memory, offset)
}

// DeviceAddress panics on query failure. The query only fails when the buffer
// was created without shader-device-address usage, which is a caller bug, not
// a runtime condition.
func (b *vulkanBuffer) DeviceAddress() uint64 {
	address, err := b.adapter.addressExtension.GetBufferDeviceAddress(b.adapter.device, khr_buffer_device_address.BufferDeviceAddressInfo{
		Buffer: b.buffer,
	})
	if err != nil {
		panic(err)
	}
	return address
}

func (b *vulkanBuffer) Destroy() {
	b.buffer.Destroy(nil)
}

type vulkanImage struct {
	image core1_0.Image
}

func (i *vulkanImage) MemoryRequirements() core1_0.MemoryRequirements {
	return *i.image.MemoryRequirements()
}

func (i *vulkanImage) BindMemory(memory gpu.DeviceMemory, offset int) (common.VkResult, error) {
	return i.image.BindImageMemory(memory.(*deviceMemory).memory, offset)
}

func (i *vulkanImage) Destroy() {
	i.image.Destroy(nil)
}

type vulkanFence struct {
	fence core1_0.Fence
}

func (f *vulkanFence) Wait(timeout time.Duration) (common.VkResult, error) {
	return f.fence.Wait(timeout)
}

func (f *vulkanFence) Reset() (common.VkResult, error) {
	return f.fence.Reset()
}

func (f *vulkanFence) Destroy() {
	f.fence.Destroy(nil)
}

type vulkanSemaphore struct {
	semaphore core1_0.Semaphore
}

func (s *vulkanSemaphore) Destroy() {
	s.semaphore.Destroy(nil)
}

type vulkanSwapchain struct {
	swapchain  khr_swapchain.Swapchain
	imageCount int
}

func (s *vulkanSwapchain) AcquireNextImage(timeout time.Duration, semaphore gpu.Semaphore, fence gpu.Fence) (int, common.VkResult, error) {
	var rawSemaphore core1_0.Semaphore
	if semaphore != nil {
		rawSemaphore = semaphore.(*vulkanSemaphore).semaphore
	}
	var rawFence core1_0.Fence
	if fence != nil {
		rawFence = fence.(*vulkanFence).fence
	}
	return s.swapchain.AcquireNextImage(timeout, rawSemaphore, rawFence)
}

func (s *vulkanSwapchain) ImageCount() int {
	return s.imageCount
}

func (s *vulkanSwapchain) Destroy() {
	s.swapchain.Destroy(nil)
}

type vulkanCommandBuffer struct {
	adapter       *Device
	commandBuffer core1_0.CommandBuffer
}

func (c *vulkanCommandBuffer) Begin() (common.VkResult, error) {
	return c.commandBuffer.Begin(core1_0.CommandBufferBeginInfo{})
}

func (c *vulkanCommandBuffer) End() (common.VkResult, error) {
	return c.commandBuffer.End()
}

func (c *vulkanCommandBuffer) Reset() (common.VkResult, error) {
	return c.commandBuffer.Reset(0)
}

func (c *vulkanCommandBuffer) CmdCopyBuffer(src, dst gpu.Buffer, regions []core1_0.BufferCopy) error {
	return c.commandBuffer.CmdCopyBuffer(src.(*vulkanBuffer).buffer, dst.(*vulkanBuffer).buffer, regions)
}
