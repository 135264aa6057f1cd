package registry

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"

	"github.com/vkforge/rendercore/allocator"
	"github.com/vkforge/rendercore/internal/fake"
)

func testRegistry(t *testing.T) (*fake.Device, *Registry) {
	device := fake.NewDevice()
	alloc, err := allocator.New(device, allocator.CreateOptions{})
	require.NoError(t, err)
	reg, err := New(device, alloc, CreateOptions{})
	require.NoError(t, err)
	return device, reg
}

func createBuffer(t *testing.T, r *Registry, size int, memoryProperties core1_0.MemoryPropertyFlags) BufferHandle {
	handle, _, err := r.CreateBuffer(size, core1_0.BufferUsageStorageBuffer, memoryProperties)
	require.NoError(t, err)
	return handle
}

func TestCreateBufferBindsAllocation(t *testing.T) {
	device, r := testRegistry(t)

	handle := createBuffer(t, r, 4096, core1_0.MemoryPropertyDeviceLocal)

	buffer, err := r.Buffer(handle)
	require.NoError(t, err)
	fakeBuffer := buffer.(*fake.Buffer)
	require.NotNil(t, fakeBuffer.BoundMemory)
	require.Equal(t, 0, fakeBuffer.BoundOffset)

	size, err := r.BufferSize(handle)
	require.NoError(t, err)
	require.Equal(t, 4096, size)

	require.Equal(t, 1, device.LiveBufferCount)
	require.NoError(t, r.DestroyBuffer(handle))
	require.Equal(t, 0, device.LiveBufferCount)
}

func TestStaleHandleIsRejected(t *testing.T) {
	_, r := testRegistry(t)

	handle := createBuffer(t, r, 4096, core1_0.MemoryPropertyDeviceLocal)
	require.NoError(t, r.DestroyBuffer(handle))

	_, err := r.Buffer(handle)
	require.ErrorIs(t, err, ErrStaleHandle)
	require.ErrorIs(t, r.DestroyBuffer(handle), ErrStaleHandle)
}

func TestReusedSlotDoesNotAliasOldHandle(t *testing.T) {
	_, r := testRegistry(t)

	old := createBuffer(t, r, 4096, core1_0.MemoryPropertyDeviceLocal)
	require.NoError(t, r.DestroyBuffer(old))

	// The replacement reuses the retired arena slot but carries a fresh
	// generation, so the old handle stays dead.
	replacement := createBuffer(t, r, 8192, core1_0.MemoryPropertyDeviceLocal)
	require.Equal(t, old.index, replacement.index)
	require.NotEqual(t, old.generation, replacement.generation)

	_, err := r.BufferSize(old)
	require.ErrorIs(t, err, ErrStaleHandle)

	size, err := r.BufferSize(replacement)
	require.NoError(t, err)
	require.Equal(t, 8192, size)
}

func TestZeroHandleIsRejected(t *testing.T) {
	_, r := testRegistry(t)

	_, err := r.Buffer(BufferHandle{})
	require.ErrorIs(t, err, ErrStaleHandle)
	_, err = r.Image(ImageHandle{})
	require.ErrorIs(t, err, ErrStaleHandle)
}

func TestMapRoundTripsThroughBackingMemory(t *testing.T) {
	_, r := testRegistry(t)

	handle := createBuffer(t, r, 256, core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent)

	ptr, _, err := r.Map(handle)
	require.NoError(t, err)

	// Write through the mapped pointer and read it back via the handle's
	// buffer binding: same bytes, same offset.
	*(*uint32)(ptr) = 0xDEADBEEF

	buffer, err := r.Buffer(handle)
	require.NoError(t, err)
	fakeBuffer := buffer.(*fake.Buffer)
	backing := fakeBuffer.BoundMemory.(*fake.Memory).Bytes()
	word := *(*uint32)(unsafe.Pointer(&backing[fakeBuffer.BoundOffset]))
	require.Equal(t, uint32(0xDEADBEEF), word)

	require.NoError(t, r.Unmap(handle))
}

func TestDestroyMappedBufferFails(t *testing.T) {
	_, r := testRegistry(t)

	handle := createBuffer(t, r, 256, core1_0.MemoryPropertyHostVisible)
	_, _, err := r.Map(handle)
	require.NoError(t, err)

	require.Error(t, r.DestroyBuffer(handle))

	// The record survives the failed destroy and works once unmapped.
	require.NoError(t, r.Unmap(handle))
	require.NoError(t, r.DestroyBuffer(handle))
}

func TestFlushOnlyReachesNonCoherentMemory(t *testing.T) {
	_, r := testRegistry(t)

	coherent := createBuffer(t, r, 256, core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent)
	nonCoherent := createBuffer(t, r, 256, core1_0.MemoryPropertyHostVisible)

	_, err := r.Flush(coherent, 0, 256)
	require.NoError(t, err)
	_, err = r.Flush(nonCoherent, 0, 256)
	require.NoError(t, err)
	_, err = r.Invalidate(nonCoherent, 0, 256)
	require.NoError(t, err)

	flushes := func(handle BufferHandle) int {
		buffer, err := r.Buffer(handle)
		require.NoError(t, err)
		return len(buffer.(*fake.Buffer).BoundMemory.(*fake.Memory).Flushes)
	}
	require.Equal(t, 0, flushes(coherent))
	require.Equal(t, 1, flushes(nonCoherent))
}

func TestCreateImage(t *testing.T) {
	_, r := testRegistry(t)

	handle, _, err := r.CreateImage(1920, 1080, core1_0.FormatB8G8R8A8SRGB, core1_0.ImageUsageColorAttachment, core1_0.MemoryPropertyDeviceLocal)
	require.NoError(t, err)

	image, err := r.Image(handle)
	require.NoError(t, err)
	require.NotNil(t, image.(*fake.Image).BoundMemory)

	require.NoError(t, r.DestroyImage(handle))
	_, err = r.Image(handle)
	require.ErrorIs(t, err, ErrStaleHandle)
}

func TestCreateBufferAllocationFailureDestroysBuffer(t *testing.T) {
	device, r := testRegistry(t)

	device.AllocateError = core1_0.VKErrorOutOfDeviceMemory.ToError()
	_, _, err := r.CreateBuffer(4096, core1_0.BufferUsageStorageBuffer, core1_0.MemoryPropertyDeviceLocal)
	require.Error(t, err)

	// Nothing leaks from the half-built resource.
	require.Equal(t, 0, device.LiveBufferCount)
	require.Equal(t, 0, device.LiveMemoryCount)

	buffers, images := r.LiveCount()
	require.Equal(t, 0, buffers)
	require.Equal(t, 0, images)
}

func TestDestroyReapsLeakedResources(t *testing.T) {
	device, r := testRegistry(t)

	createBuffer(t, r, 4096, core1_0.MemoryPropertyDeviceLocal)
	_, _, err := r.CreateImage(64, 64, core1_0.FormatB8G8R8A8SRGB, core1_0.ImageUsageSampled, core1_0.MemoryPropertyDeviceLocal)
	require.NoError(t, err)

	require.NoError(t, r.Destroy())
	require.Equal(t, 0, device.LiveBufferCount)

	buffers, images := r.LiveCount()
	require.Equal(t, 0, buffers)
	require.Equal(t, 0, images)
}
