package memutils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, AlignUp(0, 256))
	require.Equal(t, 256, AlignUp(1, 256))
	require.Equal(t, 256, AlignUp(256, 256))
	require.Equal(t, 512, AlignUp(257, 256))
	require.Equal(t, 17, AlignUp(17, 1))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 0, AlignDown(255, 256))
	require.Equal(t, 256, AlignDown(256, 256))
	require.Equal(t, 256, AlignDown(511, 256))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, CheckPow2(64, "value"))
	require.NoError(t, CheckPow2(1, "value"))
	require.ErrorIs(t, CheckPow2(65, "value"), PowerOfTwoError)
}

func TestDetailedStatisticsAccumulate(t *testing.T) {
	var stats DetailedStatistics
	stats.Clear()

	stats.AddAllocation(256)
	stats.AddAllocation(1024)
	stats.AddUnusedRange(4096)

	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 1280, stats.AllocationBytes)
	require.Equal(t, 256, stats.AllocationSizeMin)
	require.Equal(t, 1024, stats.AllocationSizeMax)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 4096, stats.UnusedRangeSizeMin)
}
