package allocator

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/vkforge/rendercore/memutils"
)

// Relocation describes one allocation moved by Defragment. The allocation's
// Offset already reports the new placement; OldOffset is where the data still
// lives until the owner copies it. Owners must copy [OldOffset, OldOffset+Size)
// to [NewOffset, ...) and rebind any API objects before the next use of the
// resource; an allocation handle is never invalidated silently.
type Relocation struct {
	Allocation *Allocation
	OldOffset  int
	NewOffset  int
}

// Defragment best-effort compacts the pools of one memory type by sliding live
// blocks toward offset zero. Only moves whose source and destination ranges do
// not overlap are performed, so the returned relocations can be applied with
// plain buffer copies in any order. Allocations with live mappings are never
// moved. Dedicated allocations are not involved, as they have nothing to compact.
func (a *Allocator) Defragment(memoryTypeIndex int) ([]Relocation, error) {
	a.logger.Debug("Allocator::Defragment", slog.Int("MemoryTypeIndex", memoryTypeIndex))

	if memoryTypeIndex < 0 || memoryTypeIndex >= len(a.memoryProperties.MemoryTypes) {
		return nil, errors.Newf("memory type index %d is out of range", memoryTypeIndex)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	var relocations []Relocation
	for _, pool := range a.pools[memoryTypeIndex] {
		relocations = pool.compact(relocations)
		memutils.DebugValidate(pool)
	}
	return relocations, nil
}

// compact rebuilds the pool's block sequence with live blocks packed from the
// front. A live block only moves when its destination does not overlap its
// current range and it has no live mappings; blocks that cannot move are kept at
// their current offset, with a free block filling any gap before them.
func (p *memoryPool) compact(relocations []Relocation) []Relocation {
	newBlocks := make([]memoryBlock, 0, len(p.blocks))
	cursor := 0

	appendFreeGap := func(until int) {
		if until > cursor {
			// Merge into a preceding free block when one is already queued.
			if n := len(newBlocks); n > 0 && newBlocks[n-1].free {
				newBlocks[n-1].size += until - cursor
			} else {
				newBlocks = append(newBlocks, memoryBlock{offset: cursor, size: until - cursor, free: true})
			}
			cursor = until
		}
	}

	for _, block := range p.blocks {
		if block.free {
			continue
		}

		alloc := block.alloc
		padding := memutils.AlignUp(cursor, alloc.alignment) - cursor
		newBlockOffset := cursor
		newOffset := cursor + padding
		movable := alloc.mapRefs == 0 &&
			newBlockOffset < block.offset &&
			newOffset+alloc.size <= alloc.offset // destination must not overlap source data

		if !movable {
			appendFreeGap(block.offset)
			newBlocks = append(newBlocks, block)
			cursor = block.offset + block.size
			continue
		}

		relocations = append(relocations, Relocation{
			Allocation: alloc,
			OldOffset:  alloc.offset,
			NewOffset:  newOffset,
		})

		size := padding + alloc.size
		newBlocks = append(newBlocks, memoryBlock{
			offset: newBlockOffset,
			size:   size,
			alloc:  alloc,
		})
		alloc.blockOffset = newBlockOffset
		alloc.offset = newOffset
		cursor += size
	}

	appendFreeGap(p.size)
	p.blocks = newBlocks
	return relocations
}
