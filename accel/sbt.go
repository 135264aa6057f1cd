package accel

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/vkforge/rendercore/gpu"
	"github.com/vkforge/rendercore/memutils"
	"github.com/vkforge/rendercore/registry"
)

// TableRegion is one shader-binding-table region within the table buffer.
type TableRegion struct {
	Offset int
	Stride int
	Size   int
	// Count is the number of shader records in the region.
	Count int
}

// TableLayout is the four-region shader binding table layout: offsets and
// strides are fixed at pipeline creation time and derived from the device's
// handle size and alignment rules. Regions are never resized afterward.
type TableLayout struct {
	RayGen   TableRegion
	Miss     TableRegion
	Hit      TableRegion
	Callable TableRegion

	// TotalSize is the buffer capacity the layout requires.
	TotalSize int
}

// ShaderBindingTableLayout computes the packed region layout for one ray
// generation record and the given numbers of miss, hit group, and callable
// records. Record strides are the device handle size rounded to the handle
// alignment; each region starts on the device's group base alignment.
func (m *Manager) ShaderBindingTableLayout(missCount, hitCount, callableCount int) TableLayout {
	stride := memutils.AlignUp(m.properties.ShaderGroupHandleSize, m.properties.ShaderGroupHandleAlignment)
	base := m.properties.ShaderGroupBaseAlignment

	var layout TableLayout
	offset := 0

	place := func(count int) TableRegion {
		// An empty region occupies no space and imposes no alignment.
		if count == 0 {
			return TableRegion{Offset: offset, Stride: stride}
		}

		region := TableRegion{
			Offset: memutils.AlignUp(offset, base),
			Stride: stride,
			Size:   count * stride,
			Count:  count,
		}
		offset = region.Offset + region.Size
		return region
	}

	layout.RayGen = place(1)
	layout.Miss = place(missCount)
	layout.Hit = place(hitCount)
	layout.Callable = place(callableCount)
	layout.TotalSize = offset

	m.logger.Debug("Manager::ShaderBindingTableLayout",
		slog.Int("Stride", stride),
		slog.Int("TotalSize", layout.TotalSize),
	)
	return layout
}

// TraceRays records a ray tracing dispatch of width x height x depth into cb,
// resolving the layout's regions against the table buffer's device address.
func (m *Manager) TraceRays(cb gpu.CommandBuffer, table registry.BufferHandle, layout TableLayout, width, height, depth int) error {
	if width < 1 || height < 1 || depth < 1 {
		return errors.Newf("trace dispatch %dx%dx%d is not positive", width, height, depth)
	}

	size, err := m.registry.BufferSize(table)
	if err != nil {
		return err
	}
	if size < layout.TotalSize {
		return errors.Newf("shader binding table buffer of %d bytes cannot hold a layout of %d bytes", size, layout.TotalSize)
	}

	address, err := m.registry.BufferDeviceAddress(table)
	if err != nil {
		return err
	}

	regions := gpu.ShaderBindingRegions{
		RayGen:   stridedRegion(address, layout.RayGen),
		Miss:     stridedRegion(address, layout.Miss),
		Hit:      stridedRegion(address, layout.Hit),
		Callable: stridedRegion(address, layout.Callable),
	}
	return cb.CmdTraceRays(regions, width, height, depth)
}

func stridedRegion(base uint64, region TableRegion) gpu.StridedRegion {
	if region.Count == 0 {
		return gpu.StridedRegion{}
	}
	return gpu.StridedRegion{
		DeviceAddress: base + uint64(region.Offset),
		Stride:        region.Stride,
		Size:          region.Size,
	}
}
