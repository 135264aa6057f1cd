package allocator

import (
	"github.com/cockroachdb/errors"

	"github.com/vkforge/rendercore/memutils"
)

// dedicatedAllocationList tracks the dedicated allocations of one memory type as
// an intrusive doubly-linked list, so registration and removal are O(1) without
// extra bookkeeping objects.
type dedicatedAllocationList struct {
	count              int
	allocationListHead *Allocation
	allocationListTail *Allocation
}

func (l *dedicatedAllocationList) Validate() error {
	actualCount := 0
	for alloc := l.allocationListHead; alloc != nil; alloc = alloc.nextAlloc {
		actualCount++
	}

	if l.count != actualCount {
		return errors.Newf("the listed number of dedicated allocations (%d) does not match the actual number (%d)", l.count, actualCount)
	}
	return nil
}

func (l *dedicatedAllocationList) IsEmpty() bool {
	return l.count == 0
}

func (l *dedicatedAllocationList) Register(alloc *Allocation) {
	alloc.prevAlloc = l.allocationListTail
	alloc.nextAlloc = nil

	if l.allocationListTail != nil {
		l.allocationListTail.nextAlloc = alloc
	} else {
		l.allocationListHead = alloc
	}
	l.allocationListTail = alloc
	l.count++

	memutils.DebugValidate(l)
}

func (l *dedicatedAllocationList) Unregister(alloc *Allocation) {
	if !l.contains(alloc) {
		panic(errors.New("freed a dedicated allocation that is not tracked by this allocator"))
	}

	if alloc.prevAlloc != nil {
		alloc.prevAlloc.nextAlloc = alloc.nextAlloc
	} else {
		l.allocationListHead = alloc.nextAlloc
	}
	if alloc.nextAlloc != nil {
		alloc.nextAlloc.prevAlloc = alloc.prevAlloc
	} else {
		l.allocationListTail = alloc.prevAlloc
	}

	alloc.nextAlloc = nil
	alloc.prevAlloc = nil
	l.count--

	memutils.DebugValidate(l)
}

func (l *dedicatedAllocationList) contains(alloc *Allocation) bool {
	for item := l.allocationListHead; item != nil; item = item.nextAlloc {
		if item == alloc {
			return true
		}
	}
	return false
}

func (l *dedicatedAllocationList) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	for item := l.allocationListHead; item != nil; item = item.nextAlloc {
		stats.PoolCount++
		stats.PoolBytes += item.size
		stats.AddAllocation(item.size)
	}
}
