package registry

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkforge/rendercore/allocator"
	"github.com/vkforge/rendercore/gpu"
	"github.com/vkforge/rendercore/internal/utils"
)

// CreateOptions configures a new Registry. The zero value is usable.
type CreateOptions struct {
	// Logger receives debug logging for registry activity. slog.Default() when nil.
	Logger *slog.Logger
	// UseMutex makes the registry safe for concurrent use. Off by default, same
	// as the allocator it wraps.
	UseMutex bool
}

// Registry creates and destroys buffer and image resources, pairing every API
// object with an allocation from the memory allocator. Resources are addressed
// by generation-checked handles into internal record arenas: a handle to a
// destroyed resource is detected as stale instead of silently aliasing whatever
// record reused its slot. Records never escape the package as pointers.
type Registry struct {
	logger    *slog.Logger
	device    gpu.Device
	allocator *allocator.Allocator

	mutex utils.OptionalRWMutex

	buffers        []bufferRecord
	bufferFreeList []uint32
	images         []imageRecord
	imageFreeList  []uint32
}

type bufferRecord struct {
	generation uint32
	live       bool

	buffer     gpu.Buffer
	allocation *allocator.Allocation
	size       int
	usage      core1_0.BufferUsageFlags
}

type imageRecord struct {
	generation uint32
	live       bool

	image      gpu.Image
	allocation *allocator.Allocation
	width      int
	height     int
	format     core1_0.Format
}

// New builds a Registry that creates resources on device and backs them with
// memory from alloc.
func New(device gpu.Device, alloc *allocator.Allocator, options CreateOptions) (*Registry, error) {
	if device == nil {
		return nil, errors.New("attempted to create a Registry with a nil device")
	}
	if alloc == nil {
		return nil, errors.New("attempted to create a Registry with a nil allocator")
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		logger:    logger,
		device:    device,
		allocator: alloc,
		mutex:     utils.OptionalRWMutex{UseMutex: options.UseMutex},
	}, nil
}

// CreateBuffer creates a buffer of the given size and usage, allocates memory
// with the requested property flags, and binds the two together. The returned
// handle stays valid until DestroyBuffer.
func (r *Registry) CreateBuffer(size int, usage core1_0.BufferUsageFlags, memoryProperties core1_0.MemoryPropertyFlags) (BufferHandle, common.VkResult, error) {
	r.logger.Debug("Registry::CreateBuffer",
		slog.Int("Size", size),
	)

	if size < 1 {
		return BufferHandle{}, core1_0.VKErrorUnknown, errors.Newf("requested buffer size %d is not a positive integer", size)
	}

	buffer, res, err := r.device.CreateBuffer(core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return BufferHandle{}, res, err
	}

	alloc, res, err := r.allocator.Allocate(buffer.MemoryRequirements(), memoryProperties)
	if err != nil {
		buffer.Destroy()
		return BufferHandle{}, res, err
	}

	res, err = buffer.BindMemory(alloc.Memory(), alloc.Offset())
	if err != nil {
		_ = r.allocator.Free(alloc)
		buffer.Destroy()
		return BufferHandle{}, res, err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	index, generation := r.claimBufferSlot()
	r.buffers[index] = bufferRecord{
		generation: generation,
		live:       true,
		buffer:     buffer,
		allocation: alloc,
		size:       size,
		usage:      usage,
	}
	return BufferHandle{index: index, generation: generation}, core1_0.VKSuccess, nil
}

// CreateImage creates a 2D image, allocates memory with the requested property
// flags, and binds the two together.
func (r *Registry) CreateImage(width, height int, format core1_0.Format, usage core1_0.ImageUsageFlags, memoryProperties core1_0.MemoryPropertyFlags) (ImageHandle, common.VkResult, error) {
	r.logger.Debug("Registry::CreateImage",
		slog.Int("Width", width),
		slog.Int("Height", height),
	)

	if width < 1 || height < 1 {
		return ImageHandle{}, core1_0.VKErrorUnknown, errors.Newf("requested image extent %dx%d is not positive", width, height)
	}

	image, res, err := r.device.CreateImage(core1_0.ImageCreateInfo{
		ImageType: core1_0.ImageType2D,
		Format:    format,
		Extent: core1_0.Extent3D{
			Width:  width,
			Height: height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       core1_0.Samples1,
		Tiling:        core1_0.ImageTilingOptimal,
		Usage:         usage,
		SharingMode:   core1_0.SharingModeExclusive,
		InitialLayout: core1_0.ImageLayoutUndefined,
	})
	if err != nil {
		return ImageHandle{}, res, err
	}

	alloc, res, err := r.allocator.Allocate(image.MemoryRequirements(), memoryProperties)
	if err != nil {
		image.Destroy()
		return ImageHandle{}, res, err
	}

	res, err = image.BindMemory(alloc.Memory(), alloc.Offset())
	if err != nil {
		_ = r.allocator.Free(alloc)
		image.Destroy()
		return ImageHandle{}, res, err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	index, generation := r.claimImageSlot()
	r.images[index] = imageRecord{
		generation: generation,
		live:       true,
		image:      image,
		allocation: alloc,
		width:      width,
		height:     height,
		format:     format,
	}
	return ImageHandle{index: index, generation: generation}, core1_0.VKSuccess, nil
}

// DestroyBuffer destroys the API object and frees its allocation, then retires
// the handle. The handle must not have live mappings. Callers are responsible
// for ensuring GPU work referencing the buffer has completed.
func (r *Registry) DestroyBuffer(handle BufferHandle) error {
	r.logger.Debug("Registry::DestroyBuffer")

	r.mutex.Lock()
	defer r.mutex.Unlock()

	record, err := r.bufferRecord(handle)
	if err != nil {
		return err
	}
	if record.allocation.IsMapped() {
		return errors.New("destroyed a buffer with live mappings")
	}

	record.buffer.Destroy()
	err = r.allocator.Free(record.allocation)
	if err != nil {
		return err
	}

	record.live = false
	record.buffer = nil
	record.allocation = nil
	r.bufferFreeList = append(r.bufferFreeList, handle.index)
	return nil
}

// DestroyImage destroys the API object and frees its allocation, then retires
// the handle.
func (r *Registry) DestroyImage(handle ImageHandle) error {
	r.logger.Debug("Registry::DestroyImage")

	r.mutex.Lock()
	defer r.mutex.Unlock()

	record, err := r.imageRecord(handle)
	if err != nil {
		return err
	}
	if record.allocation.IsMapped() {
		return errors.New("destroyed an image with live mappings")
	}

	record.image.Destroy()
	err = r.allocator.Free(record.allocation)
	if err != nil {
		return err
	}

	record.live = false
	record.image = nil
	record.allocation = nil
	r.imageFreeList = append(r.imageFreeList, handle.index)
	return nil
}

// Map maps a buffer's memory into host address space. Mapping is idempotent;
// every Map must be balanced by an Unmap before the buffer is destroyed.
func (r *Registry) Map(handle BufferHandle) (unsafe.Pointer, common.VkResult, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	record, err := r.bufferRecord(handle)
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	return record.allocation.Map()
}

func (r *Registry) Unmap(handle BufferHandle) error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	record, err := r.bufferRecord(handle)
	if err != nil {
		return err
	}
	return record.allocation.Unmap()
}

// Flush makes host writes to a buffer range visible to the device. No-op on
// host-coherent memory.
func (r *Registry) Flush(handle BufferHandle, offset, size int) (common.VkResult, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	record, err := r.bufferRecord(handle)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}
	return record.allocation.Flush(offset, size)
}

// Invalidate makes device writes to a buffer range visible to the host. No-op
// on host-coherent memory.
func (r *Registry) Invalidate(handle BufferHandle, offset, size int) (common.VkResult, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	record, err := r.bufferRecord(handle)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}
	return record.allocation.Invalidate(offset, size)
}

// Buffer returns the API object behind a handle, for recording commands that
// reference it.
func (r *Registry) Buffer(handle BufferHandle) (gpu.Buffer, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	record, err := r.bufferRecord(handle)
	if err != nil {
		return nil, err
	}
	return record.buffer, nil
}

// BufferDeviceAddress returns the device address of a buffer, for
// device-address-based indexing in acceleration structure builds and shader
// binding tables.
func (r *Registry) BufferDeviceAddress(handle BufferHandle) (uint64, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	record, err := r.bufferRecord(handle)
	if err != nil {
		return 0, err
	}
	return record.buffer.DeviceAddress(), nil
}

func (r *Registry) BufferSize(handle BufferHandle) (int, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	record, err := r.bufferRecord(handle)
	if err != nil {
		return 0, err
	}
	return record.size, nil
}

// Image returns the API object behind a handle.
func (r *Registry) Image(handle ImageHandle) (gpu.Image, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	record, err := r.imageRecord(handle)
	if err != nil {
		return nil, err
	}
	return record.image, nil
}

// LiveCount reports the number of live buffer and image records, for leak
// checks at teardown.
func (r *Registry) LiveCount() (buffers, images int) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for i := range r.buffers {
		if r.buffers[i].live {
			buffers++
		}
	}
	for i := range r.images {
		if r.images[i].live {
			images++
		}
	}
	return buffers, images
}

// Destroy tears down every remaining live resource. Resources are normally
// destroyed by their owners; this is the teardown backstop, and it logs each
// record it reaps so leaks are visible.
func (r *Registry) Destroy() error {
	r.logger.Debug("Registry::Destroy")

	r.mutex.Lock()
	defer r.mutex.Unlock()

	for i := range r.buffers {
		record := &r.buffers[i]
		if !record.live {
			continue
		}
		r.logger.Debug("    Registry::Destroy reaping leaked buffer", slog.Int("Index", i), slog.Int("Size", record.size))

		record.buffer.Destroy()
		err := r.allocator.Free(record.allocation)
		if err != nil {
			return err
		}
		record.live = false
		record.buffer = nil
		record.allocation = nil
	}
	for i := range r.images {
		record := &r.images[i]
		if !record.live {
			continue
		}
		r.logger.Debug("    Registry::Destroy reaping leaked image", slog.Int("Index", i))

		record.image.Destroy()
		err := r.allocator.Free(record.allocation)
		if err != nil {
			return err
		}
		record.live = false
		record.image = nil
		record.allocation = nil
	}

	r.buffers = nil
	r.images = nil
	r.bufferFreeList = nil
	r.imageFreeList = nil
	return nil
}

// claimBufferSlot pops a retired slot from the free list or grows the arena.
// Generations start at 1 so the zero handle never matches a record.
func (r *Registry) claimBufferSlot() (uint32, uint32) {
	if n := len(r.bufferFreeList); n > 0 {
		index := r.bufferFreeList[n-1]
		r.bufferFreeList = r.bufferFreeList[:n-1]
		return index, r.buffers[index].generation + 1
	}
	r.buffers = append(r.buffers, bufferRecord{})
	return uint32(len(r.buffers) - 1), 1
}

func (r *Registry) claimImageSlot() (uint32, uint32) {
	if n := len(r.imageFreeList); n > 0 {
		index := r.imageFreeList[n-1]
		r.imageFreeList = r.imageFreeList[:n-1]
		return index, r.images[index].generation + 1
	}
	r.images = append(r.images, imageRecord{})
	return uint32(len(r.images) - 1), 1
}

func (r *Registry) bufferRecord(handle BufferHandle) (*bufferRecord, error) {
	if handle.IsZero() || int(handle.index) >= len(r.buffers) {
		return nil, errors.WithStack(ErrStaleHandle)
	}
	record := &r.buffers[handle.index]
	if !record.live || record.generation != handle.generation {
		return nil, errors.WithStack(ErrStaleHandle)
	}
	return record, nil
}

func (r *Registry) imageRecord(handle ImageHandle) (*imageRecord, error) {
	if handle.IsZero() || int(handle.index) >= len(r.images) {
		return nil, errors.WithStack(ErrStaleHandle)
	}
	record := &r.images[handle.index]
	if !record.live || record.generation != handle.generation {
		return nil, errors.WithStack(ErrStaleHandle)
	}
	return record, nil
}
