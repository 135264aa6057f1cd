package allocator

import (
	"strings"
	"sync"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"

	"github.com/vkforge/rendercore/gpu"
	"github.com/vkforge/rendercore/internal/fake"
	"github.com/vkforge/rendercore/memutils"
)

const (
	mib = 1024 * 1024

	deviceLocalType  = 0
	hostCoherentType = 1
	hostVisibleType  = 2
)

func testAllocator(t *testing.T) (*fake.Device, *Allocator) {
	device := fake.NewDevice()
	alloc, err := New(device, CreateOptions{})
	require.NoError(t, err)
	return device, alloc
}

func allocate(t *testing.T, a *Allocator, size int) *Allocation {
	alloc, _, err := a.AllocateForType(size, 256, deviceLocalType)
	require.NoError(t, err)
	return alloc
}

// requireNoOverlap checks the pool invariant from the outside: every live
// allocation's range is disjoint from every other and within pool bounds.
func requireNoOverlap(t *testing.T, allocs []*Allocation) {
	for i := 0; i < len(allocs); i++ {
		for j := i + 1; j < len(allocs); j++ {
			iStart, iEnd := allocs[i].Offset(), allocs[i].Offset()+allocs[i].Size()
			jStart, jEnd := allocs[j].Offset(), allocs[j].Offset()+allocs[j].Size()
			require.True(t, iEnd <= jStart || jEnd <= iStart,
				"allocations [%d, %d) and [%d, %d) overlap", iStart, iEnd, jStart, jEnd)
		}
	}
}

func TestAllocateBasicLayout(t *testing.T) {
	// Pool capacity 64 MiB; allocate 1 MiB, 4 MiB, 2 MiB at 256-byte alignment.
	// Expect three non-overlapping blocks and a single trailing free region.
	_, a := testAllocator(t)

	allocs := []*Allocation{
		allocate(t, a, 1*mib),
		allocate(t, a, 4*mib),
		allocate(t, a, 2*mib),
	}
	requireNoOverlap(t, allocs)

	require.Equal(t, 0, allocs[0].Offset())
	require.Equal(t, 1*mib, allocs[1].Offset())
	require.Equal(t, 5*mib, allocs[2].Offset())

	pool := allocs[0].pool
	require.NoError(t, pool.Validate())
	require.Len(t, pool.blocks, 4)

	trailing := pool.blocks[3]
	require.True(t, trailing.free)
	require.Equal(t, 7*mib, trailing.offset)
	require.Equal(t, 57*mib, trailing.size)

	var stats memutils.DetailedStatistics
	a.CalculateStatistics(&stats)
	require.Equal(t, 3, stats.AllocationCount)
	require.Equal(t, 7*mib, stats.AllocationBytes)
	require.Equal(t, 1, stats.UnusedRangeCount)
}

func TestAllocateBestFitNotFirstFit(t *testing.T) {
	// Free the middle 4 MiB hole, then ask for 6 MiB: the hole cannot hold it,
	// so the request must come from the trailing free region, leaving the hole
	// intact as a distinct free block.
	_, a := testAllocator(t)

	first := allocate(t, a, 1*mib)
	second := allocate(t, a, 4*mib)
	third := allocate(t, a, 2*mib)
	pool := first.pool

	require.NoError(t, a.Free(second))

	big := allocate(t, a, 6*mib)
	require.Equal(t, 7*mib, big.Offset())
	require.NoError(t, pool.Validate())

	hole := pool.blocks[pool.findBlock(1*mib)]
	require.True(t, hole.free)
	require.Equal(t, 4*mib, hole.size)

	requireNoOverlap(t, []*Allocation{first, third, big})
}

func TestBestFitPrefersSmallestBlock(t *testing.T) {
	// Carve the pool into a small hole and a large trailing region, then verify
	// a request that fits both is served from the smaller.
	_, a := testAllocator(t)

	keep1 := allocate(t, a, 1*mib)
	hole := allocate(t, a, 2*mib)
	keep2 := allocate(t, a, 1*mib)
	require.NoError(t, a.Free(hole))

	// The 2 MiB hole and the ~60 MiB tail are both free; 1 MiB fits both.
	small := allocate(t, a, 1*mib)
	require.Equal(t, 1*mib, small.Offset())

	_ = keep1
	_ = keep2
}

func TestFreeCoalescesEitherOrder(t *testing.T) {
	for name, freeOrder := range map[string][2]int{
		"Forward":  {0, 1},
		"Backward": {1, 0},
	} {
		t.Run(name, func(t *testing.T) {
			_, a := testAllocator(t)

			allocs := []*Allocation{
				allocate(t, a, 1*mib),
				allocate(t, a, 1*mib),
				allocate(t, a, 1*mib), // guard so the pair cannot merge into the tail
			}
			pool := allocs[0].pool

			require.NoError(t, a.Free(allocs[freeOrder[0]]))
			require.NoError(t, a.Free(allocs[freeOrder[1]]))
			require.NoError(t, pool.Validate())

			// Adjacent frees must have merged; a request of the combined size
			// must succeed in the same pool without growing it.
			merged := allocate(t, a, 2*mib)
			require.Equal(t, 0, merged.Offset())
			require.Same(t, pool, merged.pool)
		})
	}
}

func TestSmallTailIsConsumedWholly(t *testing.T) {
	// When splitting would leave a tail under the minimum block size, the whole
	// block is consumed instead: the allocation's block absorbs the sliver.
	device := fake.NewDevice()
	a, err := New(device, CreateOptions{PoolSize: 4096})
	require.NoError(t, err)

	alloc, _, err := a.AllocateForType(4096-minBlockSize/2, 1, deviceLocalType)
	require.NoError(t, err)

	pool := alloc.pool
	require.Len(t, pool.blocks, 1)
	require.False(t, pool.blocks[0].free)
	require.NoError(t, pool.Validate())
}

func TestAllocateGrowsSecondPool(t *testing.T) {
	device := fake.NewDevice()
	a, err := New(device, CreateOptions{PoolSize: 8 * mib})
	require.NoError(t, err)

	first, _, err := a.AllocateForType(6*mib, 256, deviceLocalType)
	require.NoError(t, err)
	second, _, err := a.AllocateForType(6*mib, 256, deviceLocalType)
	require.NoError(t, err)

	require.NotSame(t, first.pool, second.pool)
	require.Equal(t, 2, device.LiveMemoryCount)
}

func TestAllocateDedicatedFallback(t *testing.T) {
	device := fake.NewDevice()
	a, err := New(device, CreateOptions{PoolSize: 8 * mib})
	require.NoError(t, err)

	big, _, err := a.AllocateForType(32*mib, 256, deviceLocalType)
	require.NoError(t, err)
	require.True(t, big.IsDedicated())
	require.Equal(t, 0, big.Offset())

	require.NoError(t, a.Free(big))
	require.Equal(t, 0, device.LiveMemoryCount)
}

func TestPoolSizedAlignedRequestStaysPooled(t *testing.T) {
	// A request of exactly the pool capacity fits a fresh pool at offset zero,
	// which satisfies any alignment; it must not fall back to dedicated memory.
	device := fake.NewDevice()
	a, err := New(device, CreateOptions{PoolSize: 8 * mib})
	require.NoError(t, err)

	alloc, _, err := a.AllocateForType(8*mib, 256, deviceLocalType)
	require.NoError(t, err)
	require.False(t, alloc.IsDedicated())
	require.Equal(t, 0, alloc.Offset())

	require.NoError(t, a.Free(alloc))
}

func TestAllocateOutOfMemoryIsNotRetried(t *testing.T) {
	device := fake.NewDevice()
	a, err := New(device, CreateOptions{PoolSize: 8 * mib})
	require.NoError(t, err)

	device.AllocateError = core1_0.VKErrorOutOfDeviceMemory.ToError()
	_, res, err := a.AllocateForType(1*mib, 256, deviceLocalType)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.Equal(t, 0, device.LiveMemoryCount)
}

func TestFindMemoryTypeIndex(t *testing.T) {
	_, a := testAllocator(t)

	index, _, err := a.FindMemoryTypeIndex(^uint32(0), core1_0.MemoryPropertyHostVisible)
	require.NoError(t, err)
	// Type 2 is bare HOST_VISIBLE; type 1 carries an extra HOST_COHERENT flag
	// and must lose the tie.
	require.Equal(t, hostVisibleType, index)

	_, _, err = a.FindMemoryTypeIndex(^uint32(0), core1_0.MemoryPropertyLazilyAllocated)
	require.ErrorIs(t, err, ErrNoSuitableMemoryType)
}

func TestFreeUntrackedPanics(t *testing.T) {
	_, a := testAllocator(t)

	alloc := allocate(t, a, 1*mib)
	require.NoError(t, a.Free(alloc))

	require.Panics(t, func() {
		_ = a.Free(alloc)
	})
}

func TestMapIsIdempotent(t *testing.T) {
	_, a := testAllocator(t)

	alloc, _, err := a.AllocateForType(4096, 256, hostCoherentType)
	require.NoError(t, err)

	ptr1, _, err := alloc.Map()
	require.NoError(t, err)
	ptr2, _, err := alloc.Map()
	require.NoError(t, err)
	require.Equal(t, ptr1, ptr2)

	require.NoError(t, alloc.Unmap())
	require.NoError(t, alloc.Unmap())
	require.Error(t, alloc.Unmap())
}

func TestPoolMappingIsShared(t *testing.T) {
	_, a := testAllocator(t)

	first, _, err := a.AllocateForType(4096, 256, hostCoherentType)
	require.NoError(t, err)
	second, _, err := a.AllocateForType(4096, 256, hostCoherentType)
	require.NoError(t, err)
	require.Same(t, first.pool, second.pool)

	_, _, err = first.Map()
	require.NoError(t, err)
	_, _, err = second.Map()
	require.NoError(t, err)
	require.Equal(t, 2, first.pool.mapRefs)

	require.NoError(t, first.Unmap())
	require.NoError(t, second.Unmap())
	require.Equal(t, 0, first.pool.mapRefs)
}

func TestConcurrentPoolMappingWithMutex(t *testing.T) {
	// Sibling allocations of one pool share the pool's mapping refcount, so
	// with UseMutex on, goroutines mapping and unmapping them must not race.
	device := fake.NewDevice()
	a, err := New(device, CreateOptions{UseMutex: true})
	require.NoError(t, err)

	first, _, err := a.AllocateForType(4096, 256, hostCoherentType)
	require.NoError(t, err)
	second, _, err := a.AllocateForType(4096, 256, hostCoherentType)
	require.NoError(t, err)
	require.Same(t, first.pool, second.pool)

	var wg sync.WaitGroup
	for _, alloc := range []*Allocation{first, second} {
		alloc := alloc
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if _, _, err := alloc.Map(); err != nil {
					t.Error(err)
					return
				}
				if err := alloc.Unmap(); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 0, first.pool.mapRefs)
	require.NoError(t, a.Free(first))
	require.NoError(t, a.Free(second))
}

func TestFreeMappedAllocationFails(t *testing.T) {
	_, a := testAllocator(t)

	alloc, _, err := a.AllocateForType(4096, 256, hostCoherentType)
	require.NoError(t, err)
	_, _, err = alloc.Map()
	require.NoError(t, err)

	require.Error(t, a.Free(alloc))
	require.NoError(t, alloc.Unmap())
	require.NoError(t, a.Free(alloc))
}

func TestFlushNoOpsOnCoherentMemory(t *testing.T) {
	_, a := testAllocator(t)

	coherent, _, err := a.AllocateForType(4096, 256, hostCoherentType)
	require.NoError(t, err)
	_, err = coherent.Flush(0, 4096)
	require.NoError(t, err)
	require.Empty(t, coherent.memory.(*fake.Memory).Flushes)

	nonCoherent, _, err := a.AllocateForType(4096, 256, hostVisibleType)
	require.NoError(t, err)
	_, err = nonCoherent.Flush(0, 4096)
	require.NoError(t, err)
	require.Len(t, nonCoherent.memory.(*fake.Memory).Flushes, 1)
}

func TestFlushClampsToDedicatedMemorySize(t *testing.T) {
	device := fake.NewDevice()
	a, err := New(device, CreateOptions{PoolSize: 4096})
	require.NoError(t, err)

	// 8193 bytes is larger than any pool and not a multiple of the 64-byte
	// non-coherent atom, so rounding the flush range up to the atom would run
	// past the end of the dedicated memory object.
	alloc, _, err := a.AllocateForType(8193, 256, hostVisibleType)
	require.NoError(t, err)
	require.True(t, alloc.IsDedicated())

	_, err = alloc.Flush(0, gpu.WholeSize)
	require.NoError(t, err)
	require.Equal(t, []fake.FlushRange{{Offset: 0, Size: 8193}}, alloc.memory.(*fake.Memory).Flushes)

	require.NoError(t, a.Free(alloc))
}

func TestMapNotHostVisibleFails(t *testing.T) {
	_, a := testAllocator(t)

	alloc := allocate(t, a, 4096)
	_, res, err := alloc.Map()
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorMemoryMapFailed, res)
}

func TestDestroyRefusesLiveAllocations(t *testing.T) {
	_, a := testAllocator(t)

	alloc := allocate(t, a, 1*mib)
	require.Error(t, a.Destroy())

	require.NoError(t, a.Free(alloc))
	require.NoError(t, a.Destroy())
}

func TestBuildStatsString(t *testing.T) {
	_, a := testAllocator(t)

	alloc := allocate(t, a, 1*mib)
	alloc.SetName("scene vertices")

	writer := jwriter.NewWriter()
	a.BuildStatsString(&writer)
	require.NoError(t, writer.Error())

	output := string(writer.Bytes())
	require.True(t, strings.Contains(output, "scene vertices"))
	require.True(t, strings.Contains(output, "\"AllocationCount\":1"))
}
