package allocator

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"

	"github.com/vkforge/rendercore/gpu"
	"github.com/vkforge/rendercore/memutils"
)

// Allocation is a single range of device memory handed out by an Allocator. It is
// exclusively owned by the resource that requested it and returned to the
// allocator exactly once, via Allocator.Free.
type Allocation struct {
	parent *Allocator

	// pool is nil for dedicated allocations, which own their DeviceMemory outright.
	pool   *memoryPool
	memory gpu.DeviceMemory

	// blockOffset is the start of the backing block; offset is the aligned start
	// of the caller-visible range. The gap between them is alignment padding that
	// belongs to this allocation's block.
	blockOffset int
	offset      int
	size        int
	alignment   uint

	memoryTypeIndex int
	propertyFlags   core1_0.MemoryPropertyFlags

	mapRefs int
	mapPtr  unsafe.Pointer

	name string

	// dedicated-allocation list links
	nextAlloc *Allocation
	prevAlloc *Allocation
}

func (a *Allocation) Offset() int { return a.offset }

func (a *Allocation) Size() int { return a.size }

func (a *Allocation) MemoryTypeIndex() int { return a.memoryTypeIndex }

// Memory returns the device memory object backing this allocation, for binding
// buffers and images at Offset.
func (a *Allocation) Memory() gpu.DeviceMemory { return a.memory }

// IsDedicated reports whether this allocation owns a standalone device memory
// object rather than a range of a pool.
func (a *Allocation) IsDedicated() bool { return a.pool == nil }

// IsHostCoherent reports whether the backing memory type is HOST_COHERENT, in
// which case Flush and Invalidate are unnecessary and no-op.
func (a *Allocation) IsHostCoherent() bool {
	return a.propertyFlags&core1_0.MemoryPropertyHostCoherent != 0
}

// IsMapped reports whether the allocation has live host mappings.
func (a *Allocation) IsMapped() bool { return a.mapRefs > 0 }

func (a *Allocation) SetName(name string) { a.name = name }

func (a *Allocation) Name() string { return a.name }

// Map maps this allocation into host address space and returns a pointer to its
// first byte. Mapping is reference-counted and idempotent: mapping an
// already-mapped allocation returns the existing pointer. Every Map must be
// balanced by an Unmap.
func (a *Allocation) Map() (unsafe.Pointer, common.VkResult, error) {
	if a.propertyFlags&core1_0.MemoryPropertyHostVisible == 0 {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("allocation of memory type %d is not host-visible", a.memoryTypeIndex)
	}

	// Sibling allocations of one pool share the pool's mapping refcount, so
	// this takes the allocator lock even though the allocation itself is
	// exclusively owned.
	a.parent.mutex.Lock()
	defer a.parent.mutex.Unlock()

	if a.mapRefs > 0 {
		a.mapRefs++
		return a.mapPtr, core1_0.VKSuccess, nil
	}

	var base unsafe.Pointer
	var res common.VkResult
	var err error
	if a.pool != nil {
		base, res, err = a.pool.mapMemory()
	} else {
		base, res, err = a.memory.Map(0, gpu.WholeSize)
	}
	if err != nil {
		return nil, res, err
	}

	a.mapPtr = unsafe.Add(base, a.offset)
	a.mapRefs = 1
	return a.mapPtr, res, nil
}

func (a *Allocation) Unmap() error {
	a.parent.mutex.Lock()
	defer a.parent.mutex.Unlock()

	if a.mapRefs == 0 {
		return errors.New("unmapped an allocation with no live mappings")
	}

	a.mapRefs--
	if a.mapRefs > 0 {
		return nil
	}

	a.mapPtr = nil
	if a.pool != nil {
		a.pool.unmapMemory()
		return nil
	}
	a.memory.Unmap()
	return nil
}

// Flush makes host writes to the range [offset, offset+size) of this allocation
// visible to the device. For HOST_COHERENT memory this is a no-op. On
// non-coherent types the range is expanded to the device's non-coherent atom
// size before the API call.
func (a *Allocation) Flush(offset, size int) (common.VkResult, error) {
	if a.IsHostCoherent() {
		return core1_0.VKSuccess, nil
	}

	rangeOffset, rangeSize := a.coherenceRange(offset, size)
	return a.memory.Flush(rangeOffset, rangeSize)
}

// Invalidate makes device writes to the range [offset, offset+size) of this
// allocation visible to the host. No-op for HOST_COHERENT memory.
func (a *Allocation) Invalidate(offset, size int) (common.VkResult, error) {
	if a.IsHostCoherent() {
		return core1_0.VKSuccess, nil
	}

	rangeOffset, rangeSize := a.coherenceRange(offset, size)
	return a.memory.Invalidate(rangeOffset, rangeSize)
}

func (a *Allocation) coherenceRange(offset, size int) (int, int) {
	if size == gpu.WholeSize {
		size = a.size - offset
	}
	if offset < 0 || size < 0 || offset+size > a.size {
		panic(errors.Newf("flush/invalidate range [%d, %d) is outside allocation of size %d", offset, offset+size, a.size))
	}

	atomSize := uint(a.parent.nonCoherentAtomSize)
	start := memutils.AlignDown(a.offset+offset, atomSize)
	end := memutils.AlignUp(a.offset+offset+size, atomSize)

	// Atom rounding must not push the range past the end of the underlying
	// memory object: a dedicated allocation's memory is exactly its own size,
	// which need not be an atom multiple.
	memorySize := a.size
	if a.pool != nil {
		memorySize = a.pool.size
	}
	if end > memorySize {
		end = memorySize
	}

	return start, end - start
}
