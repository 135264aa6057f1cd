package allocator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefragmentCompactsTowardZero(t *testing.T) {
	_, a := testAllocator(t)

	first := allocate(t, a, 1*mib)
	middle := allocate(t, a, 4*mib)
	last := allocate(t, a, 2*mib)
	pool := first.pool

	require.NoError(t, a.Free(middle))

	relocations, err := a.Defragment(deviceLocalType)
	require.NoError(t, err)
	require.Len(t, relocations, 1)
	require.Same(t, last, relocations[0].Allocation)
	require.Equal(t, 5*mib, relocations[0].OldOffset)
	require.Equal(t, 1*mib, relocations[0].NewOffset)

	// The handle already reports the new placement; the pool is packed with a
	// single trailing free region.
	require.Equal(t, 1*mib, last.Offset())
	require.NoError(t, pool.Validate())
	require.Len(t, pool.blocks, 3)
	require.True(t, pool.blocks[2].free)
	require.Equal(t, 61*mib, pool.blocks[2].size)
}

func TestDefragmentMovesDoNotOverlap(t *testing.T) {
	// Every returned relocation must be copyable in isolation: the destination
	// range may never overlap the source range, so an allocation whose packed
	// position would overlap its current data stays put.
	_, a := testAllocator(t)

	first := allocate(t, a, 4*mib)
	second := allocate(t, a, 3*mib)
	pool := first.pool

	require.NoError(t, a.Free(first))

	// second sits at [4 MiB, 7 MiB); packed it would sit at [0, 3 MiB), which
	// does not touch its current range, so the move happens.
	relocations, err := a.Defragment(deviceLocalType)
	require.NoError(t, err)
	require.Len(t, relocations, 1)

	for _, reloc := range relocations {
		size := reloc.Allocation.Size()
		require.True(t, reloc.NewOffset+size <= reloc.OldOffset,
			"relocation [%d, %d) overlaps its source at %d", reloc.NewOffset, reloc.NewOffset+size, reloc.OldOffset)
	}
	require.NoError(t, pool.Validate())
	_ = second
}

func TestDefragmentKeepsOverlappingMoveInPlace(t *testing.T) {
	_, a := testAllocator(t)

	first := allocate(t, a, 1*mib)
	second := allocate(t, a, 4*mib)
	pool := first.pool

	require.NoError(t, a.Free(first))

	// Packed, second would move from [1 MiB, 5 MiB) to [0, 4 MiB), which
	// overlaps its own data. It must stay where it is.
	relocations, err := a.Defragment(deviceLocalType)
	require.NoError(t, err)
	require.Empty(t, relocations)
	require.Equal(t, 1*mib, second.Offset())
	require.NoError(t, pool.Validate())
}

func TestDefragmentSkipsMappedAllocations(t *testing.T) {
	_, a := testAllocator(t)

	first, _, err := a.AllocateForType(1*mib, 256, hostCoherentType)
	require.NoError(t, err)
	pinned, _, err := a.AllocateForType(1*mib, 256, hostCoherentType)
	require.NoError(t, err)
	trailing, _, err := a.AllocateForType(1*mib, 256, hostCoherentType)
	require.NoError(t, err)

	require.NoError(t, a.Free(first))
	_, _, err = pinned.Map()
	require.NoError(t, err)

	relocations, err := a.Defragment(hostCoherentType)
	require.NoError(t, err)

	// The mapped allocation holds its pointer, so the hole before it survives
	// and the trailing allocation's packed position is the one it already has.
	require.Equal(t, 1*mib, pinned.Offset())
	for _, reloc := range relocations {
		require.NotSame(t, pinned, reloc.Allocation)
	}
	require.NoError(t, pinned.pool.Validate())

	require.NoError(t, pinned.Unmap())
	_ = trailing
}

func TestDefragmentOutOfRangeType(t *testing.T) {
	_, a := testAllocator(t)

	_, err := a.Defragment(99)
	require.Error(t, err)
}
