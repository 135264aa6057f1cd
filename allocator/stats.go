package allocator

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/vkforge/rendercore/memutils"
)

// BuildStatsString writes a JSON description of every pool and dedicated
// allocation to the provided writer. This is a diagnostic aid for chasing
// fragmentation and leaks; it walks every block and is not cheap.
func (a *Allocator) BuildStatsString(writer *jwriter.Writer) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	root := writer.Object()
	defer root.End()

	var total memutils.DetailedStatistics
	total.Clear()
	for memTypeIndex := 0; memTypeIndex < len(a.memoryProperties.MemoryTypes); memTypeIndex++ {
		for _, pool := range a.pools[memTypeIndex] {
			pool.addDetailedStatistics(&total)
		}
		a.dedicated[memTypeIndex].addDetailedStatistics(&total)
	}

	totalObj := root.Name("Total").Object()
	totalObj.Name("PoolCount").Int(total.PoolCount)
	totalObj.Name("PoolBytes").Int(total.PoolBytes)
	totalObj.Name("AllocationCount").Int(total.AllocationCount)
	totalObj.Name("AllocationBytes").Int(total.AllocationBytes)
	totalObj.Name("UnusedRangeCount").Int(total.UnusedRangeCount)
	totalObj.End()

	typesArray := root.Name("MemoryTypes").Array()
	for memTypeIndex := 0; memTypeIndex < len(a.memoryProperties.MemoryTypes); memTypeIndex++ {
		if len(a.pools[memTypeIndex]) == 0 && a.dedicated[memTypeIndex].IsEmpty() {
			continue
		}

		typeObj := typesArray.Object()
		typeObj.Name("MemoryTypeIndex").Int(memTypeIndex)
		typeObj.Name("DedicatedCount").Int(a.dedicated[memTypeIndex].count)

		poolsArray := typeObj.Name("Pools").Array()
		for _, pool := range a.pools[memTypeIndex] {
			poolObj := poolsArray.Object()
			poolObj.Name("Id").Int(pool.id)
			poolObj.Name("TotalBytes").Int(pool.size)

			blocksArray := poolObj.Name("Blocks").Array()
			for _, block := range pool.blocks {
				blockObj := blocksArray.Object()
				blockObj.Name("Offset").Int(block.offset)
				blockObj.Name("Size").Int(block.size)
				blockObj.Name("Free").Bool(block.free)
				if block.alloc != nil && block.alloc.name != "" {
					blockObj.Name("Name").String(block.alloc.name)
				}
				blockObj.End()
			}
			blocksArray.End()
			poolObj.End()
		}
		poolsArray.End()
		typeObj.End()
	}
	typesArray.End()
}
