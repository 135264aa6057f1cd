package pacer

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"

	"github.com/vkforge/rendercore/allocator"
	"github.com/vkforge/rendercore/gpu"
	"github.com/vkforge/rendercore/internal/fake"
	"github.com/vkforge/rendercore/registry"
)

func testPacer(t *testing.T, options Options) (*fake.Device, *registry.Registry, *FramePacer) {
	device := fake.NewDevice()
	alloc, err := allocator.New(device, allocator.CreateOptions{})
	require.NoError(t, err)
	reg, err := registry.New(device, alloc, registry.CreateOptions{})
	require.NoError(t, err)
	pacer, err := New(device, reg, options)
	require.NoError(t, err)
	return device, reg, pacer
}

func renderNoop(frame *Frame) error { return nil }

func countPrefix(events []string, prefix string) int {
	count := 0
	for _, event := range events {
		if strings.HasPrefix(event, prefix) {
			count++
		}
	}
	return count
}

func TestChooseExtent(t *testing.T) {
	capabilities := gpu.SurfaceCapabilities{
		CurrentExtent:  core1_0.Extent2D{Width: gpu.UndefinedExtent, Height: gpu.UndefinedExtent},
		MinImageExtent: core1_0.Extent2D{Width: 64, Height: 64},
		MaxImageExtent: core1_0.Extent2D{Width: 4096, Height: 4096},
	}

	tests := map[string]struct {
		width, height    int
		expectW, expectH int
	}{
		"WithinBounds": {1920, 1080, 1920, 1080},
		"ClampedLow":   {16, 16, 64, 64},
		"ClampedHigh":  {8192, 8192, 4096, 4096},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			extent := chooseExtent(capabilities, test.width, test.height)
			require.Equal(t, test.expectW, extent.Width)
			require.Equal(t, test.expectH, extent.Height)
		})
	}
}

func TestChooseExtentPrefersSurfaceExtent(t *testing.T) {
	// When the window system fixes the extent, the requested size is ignored.
	capabilities := gpu.SurfaceCapabilities{
		CurrentExtent:  core1_0.Extent2D{Width: 1280, Height: 720},
		MinImageExtent: core1_0.Extent2D{Width: 64, Height: 64},
		MaxImageExtent: core1_0.Extent2D{Width: 4096, Height: 4096},
	}

	extent := chooseExtent(capabilities, 1920, 1080)
	require.Equal(t, 1280, extent.Width)
	require.Equal(t, 720, extent.Height)
}

func TestFrameRingWaitsSlotFence(t *testing.T) {
	// For a ring of 2, frame k must wait on the fence last submitted by frame
	// k-2 (the same slot index, previous cycle) before recording begins.
	device, _, p := testPacer(t, Options{})

	for i := 0; i < 5; i++ {
		_, err := p.RenderFrame(renderNoop)
		require.NoError(t, err)
	}

	var waited []string
	for _, event := range device.Events {
		if strings.HasPrefix(event, "wait fence=") {
			waited = append(waited, event)
		}
	}
	require.Equal(t, []string{
		"wait fence=1 signaled=true",
		"wait fence=2 signaled=true",
		"wait fence=1 signaled=true",
		"wait fence=2 signaled=true",
		"wait fence=1 signaled=true",
	}, waited)
}

func TestFrameAdvancesThroughRing(t *testing.T) {
	_, _, p := testPacer(t, Options{FramesInFlight: 3})

	for i := 0; i < 6; i++ {
		frame, _, err := p.BeginFrame()
		require.NoError(t, err)
		require.NotNil(t, frame)
		require.Equal(t, i%3, frame.FrameIndex)
		_, err = p.EndFrame(frame)
		require.NoError(t, err)
	}
}

func TestOutOfDateAcquireSkipsFrame(t *testing.T) {
	device, _, p := testPacer(t, Options{})
	device.AcquireResults = []common.VkResult{khr_swapchain.VKErrorOutOfDate}

	frame, _, err := p.BeginFrame()
	require.NoError(t, err)
	require.Nil(t, frame)

	// The skipped frame is passed straight through EndFrame without submitting
	// or presenting.
	_, err = p.EndFrame(frame)
	require.NoError(t, err)
	require.NotContains(t, device.Events, "submit")

	// Recreation happened: idle wait plus a second swapchain.
	require.Equal(t, 1, device.WaitIdleCount)
	require.Equal(t, 2, countPrefix(device.Events, "create swapchain"))

	// The next frame proceeds normally.
	frame, _, err = p.BeginFrame()
	require.NoError(t, err)
	require.NotNil(t, frame)
	_, err = p.EndFrame(frame)
	require.NoError(t, err)
	require.Contains(t, device.Events, "submit")
}

func TestSuboptimalPresentFlagsRecreation(t *testing.T) {
	device, _, p := testPacer(t, Options{})
	device.PresentResults = []common.VkResult{khr_swapchain.VKSuboptimal}

	_, err := p.RenderFrame(renderNoop)
	require.NoError(t, err)
	require.Equal(t, 0, device.WaitIdleCount)

	// The rebuild is deferred to the next BeginFrame.
	_, err = p.RenderFrame(renderNoop)
	require.NoError(t, err)
	require.Equal(t, 1, device.WaitIdleCount)
	require.Equal(t, 2, countPrefix(device.Events, "create swapchain"))
}

func TestResizeRebuildsAtRequestedExtent(t *testing.T) {
	device := fake.NewDevice()
	device.Capabilities.CurrentExtent = core1_0.Extent2D{Width: gpu.UndefinedExtent, Height: gpu.UndefinedExtent}
	alloc, err := allocator.New(device, allocator.CreateOptions{})
	require.NoError(t, err)
	reg, err := registry.New(device, alloc, registry.CreateOptions{})
	require.NoError(t, err)
	p, err := New(device, reg, Options{Width: 800, Height: 600})
	require.NoError(t, err)
	require.Equal(t, core1_0.Extent2D{Width: 800, Height: 600}, p.Extent())

	p.Resize(1920, 1080)
	_, err = p.RenderFrame(renderNoop)
	require.NoError(t, err)
	require.Equal(t, core1_0.Extent2D{Width: 1920, Height: 1080}, p.Extent())
}

func TestRenderFrameClosesRecordingOnError(t *testing.T) {
	device, _, p := testPacer(t, Options{})

	renderErr := errors.New("shader blew up")
	_, err := p.RenderFrame(func(frame *Frame) error {
		return renderErr
	})
	require.ErrorIs(t, err, renderErr)

	// The frame was not presented, the recording scope was released, and the
	// slot's fence was re-signaled, so the loop can keep going.
	require.Equal(t, 0, countPrefix(device.Events, "present"))
	_, err = p.RenderFrame(renderNoop)
	require.NoError(t, err)
}

func TestBeginFrameWhileRecordingPanics(t *testing.T) {
	_, _, p := testPacer(t, Options{})

	frame, _, err := p.BeginFrame()
	require.NoError(t, err)
	require.Panics(t, func() {
		_, _, _ = p.BeginFrame()
	})
	_, err = p.EndFrame(frame)
	require.NoError(t, err)
}

func TestUniformBufferPerSlot(t *testing.T) {
	_, reg, p := testPacer(t, Options{UniformBufferSize: 1024})

	first, _, err := p.BeginFrame()
	require.NoError(t, err)
	size, err := reg.BufferSize(first.UniformBuffer)
	require.NoError(t, err)
	require.Equal(t, 1024, size)
	_, err = p.EndFrame(first)
	require.NoError(t, err)

	second, _, err := p.BeginFrame()
	require.NoError(t, err)
	require.NotEqual(t, first.UniformBuffer, second.UniformBuffer)
	_, err = p.EndFrame(second)
	require.NoError(t, err)
}

func TestDestroyReleasesSlots(t *testing.T) {
	device, reg, p := testPacer(t, Options{})

	_, err := p.RenderFrame(renderNoop)
	require.NoError(t, err)
	require.NoError(t, p.Destroy())

	buffers, images := reg.LiveCount()
	require.Equal(t, 0, buffers)
	require.Equal(t, 0, images)
	require.Contains(t, device.Events, "destroy swapchain")
}
