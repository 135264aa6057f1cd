package allocator

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"

	"github.com/vkforge/rendercore/gpu"
	"github.com/vkforge/rendercore/memutils"
)

// minBlockSize is the smallest free block worth keeping: when splitting a free
// block would leave a tail below this threshold, the whole block is consumed so
// the pool does not accumulate unusable slivers.
const minBlockSize = 256

// memoryBlock is one contiguous range of a pool. The blocks of a pool cover
// [0, pool.size) exactly, in offset order, with no overlap.
type memoryBlock struct {
	offset int
	size   int
	free   bool
	// alloc is the owning allocation while the block is live, nil while free.
	alloc *Allocation
}

// memoryPool sub-allocates one device memory object. Pools are keyed by memory
// type index, created lazily, and never shrink.
type memoryPool struct {
	id              int
	memoryTypeIndex int
	size            int
	memory          gpu.DeviceMemory

	blocks []memoryBlock

	// Whole-memory persistent mapping, reference-counted across every mapped
	// allocation in the pool.
	mapRefs int
	mapPtr  unsafe.Pointer
}

func newMemoryPool(device gpu.Device, id, memoryTypeIndex, size int) (*memoryPool, common.VkResult, error) {
	memory, res, err := device.AllocateMemory(core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: memoryTypeIndex,
		AllocationSize:  size,
	})
	if err != nil {
		return nil, res, err
	}

	return &memoryPool{
		id:              id,
		memoryTypeIndex: memoryTypeIndex,
		size:            size,
		memory:          memory,
		blocks: []memoryBlock{
			{offset: 0, size: size, free: true},
		},
	}, res, nil
}

// allocate finds the best-fit free block for a request and commits it, filling
// in the allocation's placement fields. It returns false when no free block can
// hold the request.
//
// Best-fit means the smallest free block whose size covers the request plus the
// padding needed to align the block's offset; ties are broken by least padding.
func (p *memoryPool) allocate(size int, alignment uint, alloc *Allocation) bool {
	bestIndex := -1
	bestPadding := 0

	for i := 0; i < len(p.blocks); i++ {
		block := &p.blocks[i]
		if !block.free {
			continue
		}

		padding := memutils.AlignUp(block.offset, alignment) - block.offset
		if padding+size > block.size {
			continue
		}

		if bestIndex < 0 ||
			block.size < p.blocks[bestIndex].size ||
			(block.size == p.blocks[bestIndex].size && padding < bestPadding) {
			bestIndex = i
			bestPadding = padding
		}
	}

	if bestIndex < 0 {
		return false
	}

	block := &p.blocks[bestIndex]
	usedSize := bestPadding + size
	tail := block.size - usedSize

	if tail >= minBlockSize {
		// Split: the request (plus its alignment padding) becomes a live block
		// and the remainder stays free.
		newFree := memoryBlock{
			offset: block.offset + usedSize,
			size:   tail,
			free:   true,
		}
		block.size = usedSize
		p.blocks = append(p.blocks, memoryBlock{})
		copy(p.blocks[bestIndex+2:], p.blocks[bestIndex+1:])
		p.blocks[bestIndex+1] = newFree
		block = &p.blocks[bestIndex]
	}

	block.free = false
	block.alloc = alloc

	alloc.pool = p
	alloc.memory = p.memory
	alloc.blockOffset = block.offset
	alloc.offset = block.offset + bestPadding
	alloc.size = size
	alloc.alignment = alignment
	alloc.memoryTypeIndex = p.memoryTypeIndex

	memutils.DebugValidate(p)
	return true
}

// free returns an allocation's block to the pool and eagerly coalesces it with
// free neighbors, so adjacent free space is always merged. Freeing a range the
// pool does not track is a caller bug and panics.
func (p *memoryPool) free(alloc *Allocation) {
	index := p.findBlock(alloc.blockOffset)
	if index < 0 {
		panic(errors.Newf("freed an allocation at offset %d that pool %d does not track", alloc.offset, p.id))
	}

	block := &p.blocks[index]
	if block.free || block.alloc != alloc {
		panic(errors.Newf("freed an allocation at offset %d that does not own its block", alloc.offset))
	}

	block.free = true
	block.alloc = nil

	// Merge the following block first, then fold into the preceding one, so any
	// run of free neighbors collapses to a single block.
	if index+1 < len(p.blocks) && p.blocks[index+1].free {
		block.size += p.blocks[index+1].size
		p.blocks = append(p.blocks[:index+1], p.blocks[index+2:]...)
	}
	if index > 0 && p.blocks[index-1].free {
		p.blocks[index-1].size += block.size
		p.blocks = append(p.blocks[:index], p.blocks[index+1:]...)
	}

	memutils.DebugValidate(p)
}

// findBlock locates the block starting at offset via binary search; blocks are
// ordered by offset.
func (p *memoryPool) findBlock(offset int) int {
	low, high := 0, len(p.blocks)-1
	for low <= high {
		mid := (low + high) / 2
		switch {
		case p.blocks[mid].offset == offset:
			return mid
		case p.blocks[mid].offset < offset:
			low = mid + 1
		default:
			high = mid - 1
		}
	}
	return -1
}

func (p *memoryPool) isEmpty() bool {
	return len(p.blocks) == 1 && p.blocks[0].free
}

func (p *memoryPool) mapMemory() (unsafe.Pointer, common.VkResult, error) {
	if p.mapRefs > 0 {
		p.mapRefs++
		return p.mapPtr, core1_0.VKSuccess, nil
	}

	ptr, res, err := p.memory.Map(0, gpu.WholeSize)
	if err != nil {
		return nil, res, err
	}

	p.mapPtr = ptr
	p.mapRefs = 1
	return ptr, res, nil
}

func (p *memoryPool) unmapMemory() {
	if p.mapRefs == 0 {
		panic(errors.Newf("unbalanced unmap of pool %d", p.id))
	}

	p.mapRefs--
	if p.mapRefs == 0 {
		p.memory.Unmap()
		p.mapPtr = nil
	}
}

func (p *memoryPool) destroy() {
	if p.mapRefs > 0 {
		p.memory.Unmap()
		p.mapRefs = 0
		p.mapPtr = nil
	}
	p.memory.Free()
	p.blocks = nil
}

// Validate checks the pool's structural invariant: blocks are contiguous,
// non-overlapping, cover [0, size) exactly, and no two free blocks are adjacent.
func (p *memoryPool) Validate() error {
	if len(p.blocks) == 0 {
		return errors.Newf("pool %d has no blocks", p.id)
	}
	if p.blocks[0].offset != 0 {
		return errors.Newf("pool %d: first block starts at %d, not 0", p.id, p.blocks[0].offset)
	}

	expectedOffset := 0
	previousFree := false
	for i, block := range p.blocks {
		if block.offset != expectedOffset {
			return errors.Newf("pool %d: block %d starts at %d, expected %d", p.id, i, block.offset, expectedOffset)
		}
		if block.size <= 0 {
			return errors.Newf("pool %d: block %d has non-positive size %d", p.id, i, block.size)
		}
		if block.free && previousFree {
			return errors.Newf("pool %d: blocks %d and %d are both free but not coalesced", p.id, i-1, i)
		}
		if !block.free && block.alloc == nil {
			return errors.Newf("pool %d: live block %d has no owning allocation", p.id, i)
		}

		previousFree = block.free
		expectedOffset += block.size
	}

	if expectedOffset != p.size {
		return errors.Newf("pool %d: block sizes sum to %d, expected pool size %d", p.id, expectedOffset, p.size)
	}
	return nil
}

func (p *memoryPool) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.PoolCount++
	stats.PoolBytes += p.size

	for _, block := range p.blocks {
		if block.free {
			stats.AddUnusedRange(block.size)
		} else {
			stats.AddAllocation(block.alloc.size)
		}
	}
}
