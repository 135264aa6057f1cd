package fake

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"

	"github.com/vkforge/rendercore/gpu"
)

// Device is an in-memory gpu.Device. Device memory is backed by host byte slices
// so mapping and flushing behave like a real HOST_VISIBLE heap, fences signal as
// soon as work is submitted (the fake GPU completes instantly), and swapchain
// acquire/present outcomes can be scripted per call. Every interesting call is
// appended to Events so tests can assert ordering across subsystems.
type Device struct {
	MemoryTypes []core1_0.MemoryType
	MemoryHeaps []core1_0.MemoryHeap
	Properties  core1_0.PhysicalDeviceProperties
	RayTracing  gpu.RayTracingProperties

	Capabilities gpu.SurfaceCapabilities

	// BufferAlignment is applied to every buffer's reported memory requirements.
	BufferAlignment int
	// AllocateError, when non-nil, fails the next AllocateMemory call and then
	// clears itself.
	AllocateError error

	// AcquireResults and PresentResults script the outcome of successive
	// swapchain acquire/present calls; once drained, calls succeed.
	AcquireResults []common.VkResult
	PresentResults []common.VkResult

	Events []string

	LiveMemoryCount int
	LiveBufferCount int
	WaitIdleCount   int

	nextAddress uint64
	nextFenceID int
	nextImage   int
}

// NewDevice returns a fake with three memory types: 0 DEVICE_LOCAL, 1
// HOST_VISIBLE|HOST_COHERENT, 2 HOST_VISIBLE (non-coherent).
func NewDevice() *Device {
	return &Device{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible, HeapIndex: 1},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 4 * 1024 * 1024 * 1024, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: 8 * 1024 * 1024 * 1024},
		},
		Properties: core1_0.PhysicalDeviceProperties{
			Limits: &core1_0.PhysicalDeviceLimits{
				NonCoherentAtomSize:    64,
				BufferImageGranularity: 1024,
			},
		},
		RayTracing: gpu.RayTracingProperties{
			ShaderGroupHandleSize:      32,
			ShaderGroupHandleAlignment: 32,
			ShaderGroupBaseAlignment:   64,
		},
		Capabilities: gpu.SurfaceCapabilities{
			MinImageCount:  2,
			MaxImageCount:  8,
			CurrentExtent:  core1_0.Extent2D{Width: 1280, Height: 720},
			MinImageExtent: core1_0.Extent2D{Width: 1, Height: 1},
			MaxImageExtent: core1_0.Extent2D{Width: 16384, Height: 16384},
			Formats:        []core1_0.Format{core1_0.FormatB8G8R8A8SRGB},
			PresentModes:   []gpu.PresentMode{gpu.PresentModeFIFO},
		},
		BufferAlignment: 256,
		nextAddress:     0x100000,
	}
}

func (d *Device) record(event string, args ...any) {
	d.Events = append(d.Events, fmt.Sprintf(event, args...))
}

func (d *Device) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: d.MemoryTypes,
		MemoryHeaps: d.MemoryHeaps,
	}
}

func (d *Device) DeviceProperties() *core1_0.PhysicalDeviceProperties {
	return &d.Properties
}

func (d *Device) RayTracingProperties() gpu.RayTracingProperties {
	return d.RayTracing
}

func (d *Device) AllocateMemory(allocateInfo core1_0.MemoryAllocateInfo) (gpu.DeviceMemory, common.VkResult, error) {
	if d.AllocateError != nil {
		err := d.AllocateError
		d.AllocateError = nil
		return nil, core1_0.VKErrorOutOfDeviceMemory, err
	}
	if allocateInfo.MemoryTypeIndex < 0 || allocateInfo.MemoryTypeIndex >= len(d.MemoryTypes) {
		return nil, core1_0.VKErrorUnknown, errors.Newf("fake device has no memory type %d", allocateInfo.MemoryTypeIndex)
	}

	d.LiveMemoryCount++
	d.record("allocate memory type=%d size=%d", allocateInfo.MemoryTypeIndex, allocateInfo.AllocationSize)
	return &Memory{
		device:          d,
		data:            make([]byte, allocateInfo.AllocationSize),
		memoryTypeIndex: allocateInfo.MemoryTypeIndex,
	}, core1_0.VKSuccess, nil
}

func (d *Device) CreateBuffer(createInfo core1_0.BufferCreateInfo) (gpu.Buffer, common.VkResult, error) {
	d.LiveBufferCount++
	address := d.nextAddress
	d.nextAddress += uint64(createInfo.Size) + 0x10000

	alignment := d.BufferAlignment
	if alignment == 0 {
		alignment = 256
	}

	return &Buffer{
		device:  d,
		size:    createInfo.Size,
		usage:   createInfo.Usage,
		address: address,
		requirements: core1_0.MemoryRequirements{
			Size:           alignUp(createInfo.Size, alignment),
			Alignment:      alignment,
			MemoryTypeBits: ^uint32(0),
		},
	}, core1_0.VKSuccess, nil
}

func (d *Device) CreateImage(createInfo core1_0.ImageCreateInfo) (gpu.Image, common.VkResult, error) {
	size := createInfo.Extent.Width * createInfo.Extent.Height * 4
	return &Image{
		device: d,
		requirements: core1_0.MemoryRequirements{
			Size:           alignUp(size, 4096),
			Alignment:      4096,
			MemoryTypeBits: 1, // images fit only the DEVICE_LOCAL type
		},
	}, core1_0.VKSuccess, nil
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, common.VkResult, error) {
	d.nextFenceID++
	return &Fence{device: d, id: d.nextFenceID, signaled: signaled}, core1_0.VKSuccess, nil
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, common.VkResult, error) {
	return &Semaphore{}, core1_0.VKSuccess, nil
}

func (d *Device) AllocateCommandBuffers(count int) ([]gpu.CommandBuffer, common.VkResult, error) {
	buffers := make([]gpu.CommandBuffer, count)
	for i := 0; i < count; i++ {
		buffers[i] = &CommandBuffer{device: d}
	}
	return buffers, core1_0.VKSuccess, nil
}

func (d *Device) FreeCommandBuffers(commandBuffers []gpu.CommandBuffer) {}

func (d *Device) SurfaceCapabilities() (gpu.SurfaceCapabilities, common.VkResult, error) {
	return d.Capabilities, core1_0.VKSuccess, nil
}

func (d *Device) CreateSwapchain(createInfo gpu.SwapchainCreateInfo) (gpu.Swapchain, common.VkResult, error) {
	d.record("create swapchain %dx%d", createInfo.ImageExtent.Width, createInfo.ImageExtent.Height)
	return &Swapchain{device: d, createInfo: createInfo}, core1_0.VKSuccess, nil
}

func (d *Device) CreateAccelerationStructure(createInfo gpu.AccelerationStructureCreateInfo) (gpu.AccelerationStructure, common.VkResult, error) {
	address := d.nextAddress
	d.nextAddress += uint64(createInfo.Size) + 0x10000
	d.record("create acceleration structure type=%s size=%d", createInfo.Type, createInfo.Size)
	return &AccelerationStructure{device: d, address: address}, core1_0.VKSuccess, nil
}

func (d *Device) SubmitQueue(submit gpu.SubmitInfo, fence gpu.Fence) (common.VkResult, error) {
	for _, cb := range submit.CommandBuffers {
		fakeCB := cb.(*CommandBuffer)
		if fakeCB.Recording {
			return core1_0.VKErrorUnknown, errors.New("submitted a command buffer that is still recording")
		}
	}

	d.record("submit")
	// The fake GPU retires work instantly.
	if fence != nil {
		fence.(*Fence).signaled = true
	}
	return core1_0.VKSuccess, nil
}

func (d *Device) PresentQueue(present gpu.PresentInfo) (common.VkResult, error) {
	res := core1_0.VKSuccess
	if len(d.PresentResults) > 0 {
		res = d.PresentResults[0]
		d.PresentResults = d.PresentResults[1:]
	}
	d.record("present image=%d res=%s", present.ImageIndex, res)

	if res == khr_swapchain.VKErrorOutOfDate {
		return res, res.ToError()
	}
	return res, nil
}

func (d *Device) WaitIdle() (common.VkResult, error) {
	d.WaitIdleCount++
	d.record("wait idle")
	return core1_0.VKSuccess, nil
}

func alignUp(value, alignment int) int {
	return (value + alignment - 1) &^ (alignment - 1)
}

type Memory struct {
	device          *Device
	data            []byte
	memoryTypeIndex int

	Mapped  bool
	Freed   bool
	Flushes []FlushRange
}

// FlushRange is one recorded Flush call against a Memory.
type FlushRange struct {
	Offset int
	Size   int
}

func (m *Memory) Map(offset, size int) (unsafe.Pointer, common.VkResult, error) {
	if m.Freed {
		return nil, core1_0.VKErrorUnknown, errors.New("mapped freed device memory")
	}
	if offset >= len(m.data) {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("map offset %d outside memory of size %d", offset, len(m.data))
	}
	m.Mapped = true
	return unsafe.Pointer(&m.data[offset]), core1_0.VKSuccess, nil
}

func (m *Memory) Unmap() {
	m.Mapped = false
}

func (m *Memory) Flush(offset, size int) (common.VkResult, error) {
	if offset < 0 || size < 0 || offset+size > len(m.data) {
		return core1_0.VKErrorUnknown, errors.Newf("flushed range [%d, %d) outside memory of size %d", offset, offset+size, len(m.data))
	}
	m.Flushes = append(m.Flushes, FlushRange{Offset: offset, Size: size})
	return core1_0.VKSuccess, nil
}

func (m *Memory) Invalidate(offset, size int) (common.VkResult, error) {
	if offset < 0 || size < 0 || offset+size > len(m.data) {
		return core1_0.VKErrorUnknown, errors.Newf("invalidated range [%d, %d) outside memory of size %d", offset, offset+size, len(m.data))
	}
	return core1_0.VKSuccess, nil
}

func (m *Memory) Free() {
	if m.Freed {
		panic("double free of fake device memory")
	}
	m.Freed = true
	m.device.LiveMemoryCount--
}

// Bytes exposes the backing store for test assertions.
func (m *Memory) Bytes() []byte { return m.data }

type Buffer struct {
	device       *Device
	size         int
	usage        core1_0.BufferUsageFlags
	address      uint64
	requirements core1_0.MemoryRequirements

	BoundMemory gpu.DeviceMemory
	BoundOffset int
	Destroyed   bool
}

func (b *Buffer) MemoryRequirements() core1_0.MemoryRequirements { return b.requirements }

func (b *Buffer) BindMemory(memory gpu.DeviceMemory, offset int) (common.VkResult, error) {
	if b.BoundMemory != nil {
		return core1_0.VKErrorUnknown, errors.New("buffer memory bound twice")
	}
	b.BoundMemory = memory
	b.BoundOffset = offset
	return core1_0.VKSuccess, nil
}

func (b *Buffer) DeviceAddress() uint64 { return b.address }

func (b *Buffer) Destroy() {
	if b.Destroyed {
		panic("double destroy of fake buffer")
	}
	b.Destroyed = true
	b.device.LiveBufferCount--
}

type Image struct {
	device       *Device
	requirements core1_0.MemoryRequirements

	BoundMemory gpu.DeviceMemory
	BoundOffset int
	Destroyed   bool
}

func (i *Image) MemoryRequirements() core1_0.MemoryRequirements { return i.requirements }

func (i *Image) BindMemory(memory gpu.DeviceMemory, offset int) (common.VkResult, error) {
	i.BoundMemory = memory
	i.BoundOffset = offset
	return core1_0.VKSuccess, nil
}

func (i *Image) Destroy() { i.Destroyed = true }

type Fence struct {
	device   *Device
	id       int
	signaled bool

	Destroyed bool
}

func (f *Fence) Wait(timeout time.Duration) (common.VkResult, error) {
	f.device.record("wait fence=%d signaled=%t", f.id, f.signaled)
	if !f.signaled {
		// The fake GPU never leaves work outstanding, so an unsignaled fence
		// here means the protocol is broken.
		return core1_0.VKTimeout, errors.Newf("waited on unsignaled fence %d", f.id)
	}
	return core1_0.VKSuccess, nil
}

func (f *Fence) Reset() (common.VkResult, error) {
	f.signaled = false
	return core1_0.VKSuccess, nil
}

func (f *Fence) Destroy() { f.Destroyed = true }

type Semaphore struct {
	Destroyed bool
}

func (s *Semaphore) Destroy() { s.Destroyed = true }

type CommandBuffer struct {
	device *Device

	Recording  bool
	BeginCount int
	EndCount   int
	ResetCount int

	Builds    []gpu.AccelerationStructureBuildInfo
	Traces    []gpu.ShaderBindingRegions
	Copies    []core1_0.BufferCopy
}

func (c *CommandBuffer) Begin() (common.VkResult, error) {
	if c.Recording {
		return core1_0.VKErrorUnknown, errors.New("Begin called on a command buffer already recording")
	}
	c.Recording = true
	c.BeginCount++
	return core1_0.VKSuccess, nil
}

func (c *CommandBuffer) End() (common.VkResult, error) {
	if !c.Recording {
		return core1_0.VKErrorUnknown, errors.New("End called on a command buffer that is not recording")
	}
	c.Recording = false
	c.EndCount++
	return core1_0.VKSuccess, nil
}

func (c *CommandBuffer) Reset() (common.VkResult, error) {
	c.Recording = false
	c.ResetCount++
	return core1_0.VKSuccess, nil
}

func (c *CommandBuffer) CmdCopyBuffer(src, dst gpu.Buffer, regions []core1_0.BufferCopy) error {
	if !c.Recording {
		return errors.New("CmdCopyBuffer recorded outside a recording scope")
	}
	c.Copies = append(c.Copies, regions...)
	return nil
}

func (c *CommandBuffer) CmdBuildAccelerationStructure(buildInfo gpu.AccelerationStructureBuildInfo) error {
	if !c.Recording {
		return errors.New("CmdBuildAccelerationStructure recorded outside a recording scope")
	}
	c.Builds = append(c.Builds, buildInfo)
	return nil
}

func (c *CommandBuffer) CmdTraceRays(regions gpu.ShaderBindingRegions, width, height, depth int) error {
	if !c.Recording {
		return errors.New("CmdTraceRays recorded outside a recording scope")
	}
	c.Traces = append(c.Traces, regions)
	return nil
}

type Swapchain struct {
	device     *Device
	createInfo gpu.SwapchainCreateInfo

	Destroyed bool
}

func (s *Swapchain) AcquireNextImage(timeout time.Duration, semaphore gpu.Semaphore, fence gpu.Fence) (int, common.VkResult, error) {
	res := core1_0.VKSuccess
	if len(s.device.AcquireResults) > 0 {
		res = s.device.AcquireResults[0]
		s.device.AcquireResults = s.device.AcquireResults[1:]
	}
	s.device.record("acquire res=%s", res)

	if res == khr_swapchain.VKErrorOutOfDate {
		return -1, res, res.ToError()
	}

	image := s.device.nextImage
	s.device.nextImage = (s.device.nextImage + 1) % s.ImageCount()
	return image, res, nil
}

func (s *Swapchain) ImageCount() int {
	count := s.createInfo.MinImageCount
	if count == 0 {
		count = 2
	}
	return count
}

func (s *Swapchain) Destroy() {
	if s.Destroyed {
		panic("double destroy of fake swapchain")
	}
	s.Destroyed = true
	s.device.record("destroy swapchain")
}

type AccelerationStructure struct {
	device  *Device
	address uint64

	Destroyed bool
}

func (a *AccelerationStructure) DeviceAddress() uint64 { return a.address }

func (a *AccelerationStructure) Destroy() { a.Destroyed = true }
