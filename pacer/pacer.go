package pacer

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
	"golang.org/x/exp/slog"

	"github.com/vkforge/rendercore/gpu"
	"github.com/vkforge/rendercore/registry"
)

// DefaultFramesInFlight is the ring size when Options.FramesInFlight is left
// zero: two frames may have outstanding GPU work simultaneously.
const DefaultFramesInFlight = 2

// DefaultUniformBufferSize is the per-frame uniform buffer capacity when
// Options.UniformBufferSize is left zero.
const DefaultUniformBufferSize = 64 * 1024

// Options configures a new FramePacer.
type Options struct {
	// Logger receives debug logging for frame pacing activity. slog.Default()
	// when nil.
	Logger *slog.Logger
	// FramesInFlight is the frame ring size. Defaults to DefaultFramesInFlight.
	FramesInFlight int
	// Width and Height are the requested swapchain extent, used when the
	// surface leaves the extent to the application.
	Width  int
	Height int
	// UniformBufferSize is the size of each frame slot's uniform buffer.
	// Defaults to DefaultUniformBufferSize.
	UniformBufferSize int
	// PresentMode defaults to FIFO, which every surface supports.
	PresentMode gpu.PresentMode
}

// Frame is one frame's recording context, valid between BeginFrame and
// EndFrame. The caller records into CommandBuffer and writes per-frame
// constants through UniformBuffer.
type Frame struct {
	CommandBuffer gpu.CommandBuffer
	// FrameIndex is the slot index in [0, FramesInFlight).
	FrameIndex int
	// ImageIndex is the acquired swapchain image.
	ImageIndex int
	// UniformBuffer is the slot's uniform buffer. It is safe to write once
	// BeginFrame returns: the slot's previous frame has fully retired.
	UniformBuffer registry.BufferHandle

	slot *frameSlot
}

// frameSlot owns the per-frame synchronization objects. Slot i may not be
// reused until the fence from its previous cycle has signaled.
type frameSlot struct {
	commandBuffer  gpu.CommandBuffer
	imageAvailable gpu.Semaphore
	renderFinished gpu.Semaphore
	inFlight       gpu.Fence
	uniformBuffer  registry.BufferHandle
}

// FramePacer owns the swapchain and the ring of frame slots, and drives the
// acquire, record, submit, present protocol. It is driven from a single render
// thread.
type FramePacer struct {
	logger   *slog.Logger
	device   gpu.Device
	registry *registry.Registry

	swapchain gpu.Swapchain
	extent    core1_0.Extent2D

	slots      []frameSlot
	frameIndex int

	requestedWidth  int
	requestedHeight int
	presentMode     gpu.PresentMode
	uniformSize     int

	needsRecreate bool
	recording     bool
}

// New creates the swapchain and the frame slot ring. Each slot gets a command
// buffer, an image-available and a render-finished semaphore, a fence created
// signaled (so the first wait on a never-submitted slot passes), and a
// host-visible uniform buffer from the resource registry.
func New(device gpu.Device, reg *registry.Registry, options Options) (*FramePacer, error) {
	if device == nil {
		return nil, errors.New("attempted to create a FramePacer with a nil device")
	}
	if reg == nil {
		return nil, errors.New("attempted to create a FramePacer with a nil registry")
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	framesInFlight := options.FramesInFlight
	if framesInFlight == 0 {
		framesInFlight = DefaultFramesInFlight
	}
	if framesInFlight < 1 {
		return nil, errors.Newf("provided FramesInFlight %d is not a positive integer", framesInFlight)
	}
	uniformSize := options.UniformBufferSize
	if uniformSize == 0 {
		uniformSize = DefaultUniformBufferSize
	}

	p := &FramePacer{
		logger:          logger,
		device:          device,
		registry:        reg,
		requestedWidth:  options.Width,
		requestedHeight: options.Height,
		presentMode:     options.PresentMode,
		uniformSize:     uniformSize,
	}

	err := p.createSwapchain(nil)
	if err != nil {
		return nil, err
	}

	commandBuffers, _, err := device.AllocateCommandBuffers(framesInFlight)
	if err != nil {
		return nil, err
	}

	p.slots = make([]frameSlot, framesInFlight)
	for i := 0; i < framesInFlight; i++ {
		imageAvailable, _, err := device.CreateSemaphore()
		if err != nil {
			return nil, err
		}
		renderFinished, _, err := device.CreateSemaphore()
		if err != nil {
			return nil, err
		}
		fence, _, err := device.CreateFence(true)
		if err != nil {
			return nil, err
		}
		uniformBuffer, _, err := reg.CreateBuffer(uniformSize,
			core1_0.BufferUsageUniformBuffer,
			core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent)
		if err != nil {
			return nil, err
		}

		p.slots[i] = frameSlot{
			commandBuffer:  commandBuffers[i],
			imageAvailable: imageAvailable,
			renderFinished: renderFinished,
			inFlight:       fence,
			uniformBuffer:  uniformBuffer,
		}
	}

	logger.Debug("FramePacer::New",
		slog.Int("FramesInFlight", framesInFlight),
		slog.Int("Width", p.extent.Width),
		slog.Int("Height", p.extent.Height),
	)
	return p, nil
}

// BeginFrame starts the next frame: wait for the slot's previous cycle to
// retire, acquire a swapchain image, reset the fence, and open the command
// buffer for recording.
//
// A nil Frame with a nil error means the frame was skipped because the
// swapchain went out of date; the swapchain has been recreated and the next
// BeginFrame proceeds normally. Callers pass a skipped frame straight to
// EndFrame, which no-ops.
func (p *FramePacer) BeginFrame() (*Frame, common.VkResult, error) {
	if p.recording {
		panic(errors.New("BeginFrame called while a frame is still recording"))
	}

	if p.needsRecreate {
		err := p.recreateSwapchain()
		if err != nil {
			return nil, core1_0.VKErrorUnknown, err
		}
	}

	slot := &p.slots[p.frameIndex]

	// An unbounded wait is deliberate: once this slot cannot be reused there is
	// no useful CPU work left, and a fence that never signals is a device fault.
	res, err := slot.inFlight.Wait(gpu.NoTimeout)
	if err != nil {
		return nil, res, errors.Wrap(err, "frame fence wait failed")
	}

	imageIndex, res, err := p.swapchain.AcquireNextImage(gpu.NoTimeout, slot.imageAvailable, nil)
	if res == khr_swapchain.VKErrorOutOfDate {
		// The fence is still signaled, so this slot's next BeginFrame passes.
		p.logger.Debug("FramePacer::BeginFrame swapchain out of date, skipping frame")
		err = p.recreateSwapchain()
		if err != nil {
			return nil, core1_0.VKErrorUnknown, err
		}
		return nil, core1_0.VKSuccess, nil
	}
	if err != nil {
		return nil, res, errors.Wrap(err, "swapchain image acquire failed")
	}
	if res == khr_swapchain.VKSuboptimal {
		p.needsRecreate = true
	}

	res, err = slot.inFlight.Reset()
	if err != nil {
		return nil, res, errors.Wrap(err, "frame fence reset failed")
	}

	_, err = slot.commandBuffer.Reset()
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	res, err = slot.commandBuffer.Begin()
	if err != nil {
		return nil, res, err
	}
	p.recording = true

	return &Frame{
		CommandBuffer: slot.commandBuffer,
		FrameIndex:    p.frameIndex,
		ImageIndex:    imageIndex,
		UniformBuffer: slot.uniformBuffer,
		slot:          slot,
	}, core1_0.VKSuccess, nil
}

// EndFrame closes the frame's recording scope, submits it, and presents the
// acquired image. A nil frame is a skipped frame and no-ops. A stale swapchain
// at present time flags recreation for the next BeginFrame; the frame still
// counts. Any other failure is fatal for the renderer.
func (p *FramePacer) EndFrame(frame *Frame) (common.VkResult, error) {
	if frame == nil {
		return core1_0.VKSuccess, nil
	}
	if !p.recording {
		panic(errors.New("EndFrame called without a frame recording"))
	}

	slot := frame.slot
	res, err := slot.commandBuffer.End()
	p.recording = false
	if err != nil {
		return res, err
	}

	res, err = p.device.SubmitQueue(gpu.SubmitInfo{
		WaitSemaphores:   []gpu.Semaphore{slot.imageAvailable},
		WaitStages:       []core1_0.PipelineStageFlags{core1_0.PipelineStageColorAttachmentOutput},
		CommandBuffers:   []gpu.CommandBuffer{slot.commandBuffer},
		SignalSemaphores: []gpu.Semaphore{slot.renderFinished},
	}, slot.inFlight)
	if err != nil {
		return res, errors.Wrap(err, "frame submit failed")
	}

	res, err = p.device.PresentQueue(gpu.PresentInfo{
		WaitSemaphores: []gpu.Semaphore{slot.renderFinished},
		Swapchain:      p.swapchain,
		ImageIndex:     frame.ImageIndex,
	})
	if res == khr_swapchain.VKErrorOutOfDate || res == khr_swapchain.VKSuboptimal {
		p.needsRecreate = true
	} else if err != nil {
		return res, errors.Wrap(err, "frame present failed")
	}

	p.frameIndex = (p.frameIndex + 1) % len(p.slots)
	return core1_0.VKSuccess, nil
}

// RenderFunc records one frame's commands.
type RenderFunc func(frame *Frame) error

// RenderFrame runs one full frame around fn. When fn fails mid-recording, the
// command buffer's recording scope is still closed and the slot's fence
// re-signaled before the error propagates, so no frame slot is left dangling.
func (p *FramePacer) RenderFrame(fn RenderFunc) (common.VkResult, error) {
	frame, res, err := p.BeginFrame()
	if err != nil {
		return res, err
	}
	if frame == nil {
		return res, nil
	}

	err = fn(frame)
	if err != nil {
		abortErr := p.abortFrame(frame)
		if abortErr != nil {
			return core1_0.VKErrorUnknown, errors.CombineErrors(err, abortErr)
		}
		return core1_0.VKErrorUnknown, err
	}

	return p.EndFrame(frame)
}

// abortFrame closes a frame that will not be presented. The recording scope is
// ended and an empty submit clears the pending image-available wait while
// re-signaling the slot's fence, leaving the slot reusable.
func (p *FramePacer) abortFrame(frame *Frame) error {
	p.logger.Debug("FramePacer::abortFrame", slog.Int("FrameIndex", frame.FrameIndex))

	slot := frame.slot
	_, err := slot.commandBuffer.End()
	p.recording = false
	if err != nil {
		return err
	}

	_, err = p.device.SubmitQueue(gpu.SubmitInfo{
		WaitSemaphores: []gpu.Semaphore{slot.imageAvailable},
		WaitStages:     []core1_0.PipelineStageFlags{core1_0.PipelineStageTopOfPipe},
	}, slot.inFlight)
	if err != nil {
		return errors.Wrap(err, "abort submit failed")
	}

	p.frameIndex = (p.frameIndex + 1) % len(p.slots)
	return nil
}

// Resize flags swapchain recreation at the requested extent. The rebuild
// happens at the next BeginFrame, never mid-frame.
func (p *FramePacer) Resize(width, height int) {
	p.logger.Debug("FramePacer::Resize",
		slog.Int("Width", width),
		slog.Int("Height", height),
	)

	p.requestedWidth = width
	p.requestedHeight = height
	p.needsRecreate = true
}

// Extent returns the swapchain's current extent.
func (p *FramePacer) Extent() core1_0.Extent2D {
	return p.extent
}

// FramesInFlight returns the frame ring size.
func (p *FramePacer) FramesInFlight() int {
	return len(p.slots)
}

func (p *FramePacer) recreateSwapchain() error {
	if p.recording {
		return errors.New("attempted swapchain recreation while a frame is recording")
	}

	p.logger.Debug("FramePacer::recreateSwapchain")

	_, err := p.device.WaitIdle()
	if err != nil {
		return errors.Wrap(err, "device idle wait before swapchain recreation failed")
	}

	old := p.swapchain
	err = p.createSwapchain(old)
	if err != nil {
		return err
	}
	if old != nil {
		old.Destroy()
	}

	p.needsRecreate = false
	return nil
}

func (p *FramePacer) createSwapchain(old gpu.Swapchain) error {
	capabilities, _, err := p.device.SurfaceCapabilities()
	if err != nil {
		return errors.Wrap(err, "surface capability query failed")
	}

	extent := chooseExtent(capabilities, p.requestedWidth, p.requestedHeight)
	imageCount := capabilities.MinImageCount + 1
	if capabilities.MaxImageCount > 0 && imageCount > capabilities.MaxImageCount {
		imageCount = capabilities.MaxImageCount
	}

	format := core1_0.FormatB8G8R8A8SRGB
	if len(capabilities.Formats) > 0 {
		format = capabilities.Formats[0]
	}

	swapchain, res, err := p.device.CreateSwapchain(gpu.SwapchainCreateInfo{
		MinImageCount: imageCount,
		ImageFormat:   format,
		ImageExtent:   extent,
		ImageUsage:    core1_0.ImageUsageColorAttachment,
		PresentMode:   p.presentMode,
		OldSwapchain:  old,
	})
	if err != nil {
		return errors.Wrapf(err, "swapchain creation failed with %s", res)
	}

	p.swapchain = swapchain
	p.extent = extent
	return nil
}

// chooseExtent picks the swapchain extent: the surface's current extent when
// the window system fixes it, otherwise the requested extent clamped to the
// surface's supported range.
func chooseExtent(capabilities gpu.SurfaceCapabilities, requestedWidth, requestedHeight int) core1_0.Extent2D {
	if capabilities.CurrentExtent.Width != gpu.UndefinedExtent {
		return capabilities.CurrentExtent
	}

	return core1_0.Extent2D{
		Width:  clamp(requestedWidth, capabilities.MinImageExtent.Width, capabilities.MaxImageExtent.Width),
		Height: clamp(requestedHeight, capabilities.MinImageExtent.Height, capabilities.MaxImageExtent.Height),
	}
}

func clamp(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

// Destroy waits for the device to go idle and releases the swapchain and every
// frame slot's synchronization objects and uniform buffer.
func (p *FramePacer) Destroy() error {
	if p.recording {
		return errors.New("attempted to destroy the FramePacer while a frame is recording")
	}

	p.logger.Debug("FramePacer::Destroy")

	_, err := p.device.WaitIdle()
	if err != nil {
		return errors.Wrap(err, "device idle wait before teardown failed")
	}

	commandBuffers := make([]gpu.CommandBuffer, 0, len(p.slots))
	for i := range p.slots {
		slot := &p.slots[i]
		commandBuffers = append(commandBuffers, slot.commandBuffer)
		slot.imageAvailable.Destroy()
		slot.renderFinished.Destroy()
		slot.inFlight.Destroy()

		err = p.registry.DestroyBuffer(slot.uniformBuffer)
		if err != nil {
			return err
		}
	}
	p.device.FreeCommandBuffers(commandBuffers)
	p.slots = nil

	if p.swapchain != nil {
		p.swapchain.Destroy()
		p.swapchain = nil
	}
	return nil
}
