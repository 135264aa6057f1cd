package allocator

import (
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkforge/rendercore/gpu"
	"github.com/vkforge/rendercore/internal/utils"
	"github.com/vkforge/rendercore/memutils"
)

// DefaultPoolSize is the capacity of each lazily-created memory pool when
// CreateOptions.PoolSize is left zero.
const DefaultPoolSize = 64 * 1024 * 1024

// ErrNoSuitableMemoryType is returned when the device exposes no memory type
// matching the requested property flags. This is a configuration error, not a
// transient out-of-memory condition.
var ErrNoSuitableMemoryType = errors.New("no device memory type supports the requested property flags")

// CreateOptions configures a new Allocator. The zero value is usable.
type CreateOptions struct {
	// Logger receives debug logging for allocator activity. slog.Default() when nil.
	Logger *slog.Logger
	// PoolSize is the capacity of each memory pool. Defaults to DefaultPoolSize.
	// Requests larger than this become dedicated allocations.
	PoolSize int
	// UseMutex makes the allocator safe for concurrent use. The render loop is
	// single-threaded, so this is off by default; turn it on when asset
	// streaming allocates from worker goroutines.
	UseMutex bool
}

// Allocator sub-allocates device memory from fixed-size pools keyed by memory
// type index. Pools are created lazily on the first request for a type and never
// shrink. Requests that cannot be pooled fall back to dedicated device memory
// objects that bypass the pool bookkeeping entirely.
type Allocator struct {
	logger *slog.Logger
	device gpu.Device

	memoryProperties    *core1_0.PhysicalDeviceMemoryProperties
	nonCoherentAtomSize int
	poolSize            int

	mutex      utils.OptionalRWMutex
	pools      [common.MaxMemoryTypes][]*memoryPool
	dedicated  [common.MaxMemoryTypes]dedicatedAllocationList
	nextPoolID int
}

// New builds an Allocator for a device. The device object is the explicit
// context every call goes through; the allocator holds no global state.
func New(device gpu.Device, options CreateOptions) (*Allocator, error) {
	if device == nil {
		return nil, errors.New("attempted to create an Allocator with a nil device")
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poolSize := options.PoolSize
	if poolSize == 0 {
		poolSize = DefaultPoolSize
	}
	if poolSize < 0 {
		return nil, errors.Newf("provided PoolSize %d is not a positive integer", poolSize)
	}

	memoryProperties := device.MemoryProperties()
	if len(memoryProperties.MemoryTypes) == 0 {
		return nil, errors.New("device reports no memory types")
	}

	atomSize := device.DeviceProperties().Limits.NonCoherentAtomSize
	err := memutils.CheckPow2(atomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	return &Allocator{
		logger:              logger,
		device:              device,
		memoryProperties:    memoryProperties,
		nonCoherentAtomSize: atomSize,
		poolSize:            poolSize,
		mutex:               utils.OptionalRWMutex{UseMutex: options.UseMutex},
	}, nil
}

// FindMemoryTypeIndex selects the memory type for an allocation: the type must
// be permitted by typeBits and carry every requested property flag. Among
// matching types, the one carrying the fewest extra flags wins, so a
// HOST_VISIBLE request is not served from precious DEVICE_LOCAL|HOST_VISIBLE
// memory when a plainer type exists.
func (a *Allocator) FindMemoryTypeIndex(typeBits uint32, requiredFlags core1_0.MemoryPropertyFlags) (int, common.VkResult, error) {
	bestIndex := -1
	bestCost := 0

	for memTypeIndex := 0; memTypeIndex < len(a.memoryProperties.MemoryTypes); memTypeIndex++ {
		memTypeBit := uint32(1 << memTypeIndex)
		if memTypeBit&typeBits == 0 {
			continue
		}

		flags := a.memoryProperties.MemoryTypes[memTypeIndex].PropertyFlags
		if requiredFlags&flags != requiredFlags {
			continue
		}

		cost := bits.OnesCount32(uint32(flags &^ requiredFlags))
		if bestIndex < 0 || cost < bestCost {
			bestIndex = memTypeIndex
			bestCost = cost
		}
	}

	if bestIndex < 0 {
		return -1, core1_0.VKErrorFeatureNotPresent, errors.Wrapf(ErrNoSuitableMemoryType, "type bits 0x%x, flags %s", typeBits, requiredFlags)
	}
	return bestIndex, core1_0.VKSuccess, nil
}

// Allocate serves a memory request described by API-reported requirements and
// the caller's property flags. Pool allocation is attempted first; requests that
// no pool can hold fall back to a dedicated device memory object. Failure of
// both is out-of-memory for this request and is not retried.
func (a *Allocator) Allocate(memoryRequirements core1_0.MemoryRequirements, requiredFlags core1_0.MemoryPropertyFlags) (*Allocation, common.VkResult, error) {
	memoryTypeIndex, res, err := a.FindMemoryTypeIndex(memoryRequirements.MemoryTypeBits, requiredFlags)
	if err != nil {
		return nil, res, err
	}

	return a.AllocateForType(memoryRequirements.Size, uint(memoryRequirements.Alignment), memoryTypeIndex)
}

// AllocateForType serves a memory request from the pools of a specific memory
// type index.
func (a *Allocator) AllocateForType(size int, alignment uint, memoryTypeIndex int) (*Allocation, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateForType",
		slog.Int("Size", size),
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
	)

	if size < 1 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("requested allocation size %d is not a positive integer", size)
	}
	if alignment == 0 {
		alignment = 1
	}
	err := memutils.CheckPow2(alignment, "allocation alignment")
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(a.memoryProperties.MemoryTypes) {
		return nil, core1_0.VKErrorUnknown, errors.Newf("memory type index %d is out of range", memoryTypeIndex)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	alloc := &Allocation{
		parent:        a,
		propertyFlags: a.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags,
	}

	// Best-fit within the type's existing pools, in creation order.
	for _, pool := range a.pools[memoryTypeIndex] {
		if pool.allocate(size, alignment, alloc) {
			return alloc, core1_0.VKSuccess, nil
		}
	}

	// No existing pool can hold the request; grow the type by one pool as long
	// as the request can ever fit one. A fresh pool's free block starts at
	// offset zero, which satisfies any alignment, so only the size matters.
	if size <= a.poolSize {
		pool, res, err := a.createPool(memoryTypeIndex)
		if err != nil {
			a.logger.Debug("    Allocator::AllocateForType pool creation FAILED", slog.Any("error", err))
			return nil, res, err
		}
		if !pool.allocate(size, alignment, alloc) {
			panic(errors.Newf("fresh pool of size %d rejected an allocation of size %d", a.poolSize, size))
		}
		return alloc, core1_0.VKSuccess, nil
	}

	// Larger than any pool: dedicated device memory, untouched by the pool
	// split/coalesce machinery.
	return a.allocateDedicated(size, memoryTypeIndex, alloc)
}

func (a *Allocator) createPool(memoryTypeIndex int) (*memoryPool, common.VkResult, error) {
	a.nextPoolID++
	pool, res, err := newMemoryPool(a.device, a.nextPoolID, memoryTypeIndex, a.poolSize)
	if err != nil {
		return nil, res, err
	}

	a.pools[memoryTypeIndex] = append(a.pools[memoryTypeIndex], pool)
	a.logger.Debug("Allocator::createPool",
		slog.Int("PoolId", pool.id),
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.Int("Size", a.poolSize),
	)
	return pool, res, nil
}

func (a *Allocator) allocateDedicated(size, memoryTypeIndex int, alloc *Allocation) (*Allocation, common.VkResult, error) {
	memory, res, err := a.device.AllocateMemory(core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: memoryTypeIndex,
		AllocationSize:  size,
	})
	if err != nil {
		a.logger.Debug("    Allocator::allocateDedicated FAILED", slog.Any("error", err))
		return nil, res, err
	}

	alloc.pool = nil
	alloc.memory = memory
	alloc.blockOffset = 0
	alloc.offset = 0
	alloc.size = size
	alloc.alignment = 1
	alloc.memoryTypeIndex = memoryTypeIndex

	a.dedicated[memoryTypeIndex].Register(alloc)

	a.logger.Debug("    Allocated as DedicatedMemory", slog.Int("MemoryTypeIndex", memoryTypeIndex), slog.Int("Size", size))
	return alloc, core1_0.VKSuccess, nil
}

// Free returns an allocation to its pool, coalescing with free neighbors, or
// releases the underlying memory object outright for dedicated allocations.
// Freeing an allocation the allocator does not track panics.
func (a *Allocator) Free(alloc *Allocation) error {
	a.logger.Debug("Allocator::Free")

	if alloc == nil {
		return errors.New("attempted to free a nil allocation")
	}
	if alloc.parent != a {
		panic(errors.New("freed an allocation that belongs to a different allocator"))
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if alloc.mapRefs > 0 {
		return errors.Newf("freed an allocation with %d live mappings", alloc.mapRefs)
	}

	if alloc.pool != nil {
		alloc.pool.free(alloc)
	} else {
		a.dedicated[alloc.memoryTypeIndex].Unregister(alloc)
		alloc.memory.Free()
	}

	alloc.parent = nil
	alloc.memory = nil
	return nil
}

// CalculateStatistics sums the allocation state of every pool and dedicated
// allocation into stats.
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats.Clear()
	for memTypeIndex := 0; memTypeIndex < len(a.memoryProperties.MemoryTypes); memTypeIndex++ {
		for _, pool := range a.pools[memTypeIndex] {
			pool.addDetailedStatistics(stats)
		}
		a.dedicated[memTypeIndex].addDetailedStatistics(stats)
	}
}

// Destroy releases every pool's device memory. It fails if any allocation is
// still live, since freeing memory under a live resource is the use-after-free
// the pool system exists to prevent.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	for memTypeIndex := 0; memTypeIndex < len(a.memoryProperties.MemoryTypes); memTypeIndex++ {
		if !a.dedicated[memTypeIndex].IsEmpty() {
			return errors.Newf("memory type %d still has %d live dedicated allocations", memTypeIndex, a.dedicated[memTypeIndex].count)
		}
		for _, pool := range a.pools[memTypeIndex] {
			if !pool.isEmpty() {
				return errors.Newf("pool %d of memory type %d still has live allocations", pool.id, memTypeIndex)
			}
		}
	}

	for memTypeIndex := 0; memTypeIndex < len(a.memoryProperties.MemoryTypes); memTypeIndex++ {
		for _, pool := range a.pools[memTypeIndex] {
			pool.destroy()
		}
		a.pools[memTypeIndex] = nil
	}
	return nil
}
