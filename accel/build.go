package accel

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkforge/rendercore/gpu"
	"github.com/vkforge/rendercore/memutils"
	"github.com/vkforge/rendercore/registry"
)

// scratchAlignment is the granularity of scratch placements: every request is
// rounded up to a multiple of 256 bytes, so every returned address stays
// aligned to the device's scratch alignment requirement.
const scratchAlignment = 256

// ErrScratchExhausted is returned when no scratch buffer has capacity for a
// build. The pool never grows: size it for peak per-frame work, or ResetScratch
// more often.
var ErrScratchExhausted = errors.New("no scratch buffer has capacity for the requested build")

// scratchBuffer is one bump-pointer scratch region. Placements are never
// individually freed; ResetScratch rewinds the whole pool.
type scratchBuffer struct {
	buffer   registry.BufferHandle
	address  uint64
	capacity int
	used     int
}

func (m *Manager) createScratchPool(size, count int) error {
	size = memutils.AlignUp(size, scratchAlignment)
	for i := 0; i < count; i++ {
		handle, _, err := m.registry.CreateBuffer(size,
			core1_0.BufferUsageStorageBuffer,
			core1_0.MemoryPropertyDeviceLocal)
		if err != nil {
			return err
		}
		address, err := m.registry.BufferDeviceAddress(handle)
		if err != nil {
			return err
		}
		m.scratch = append(m.scratch, scratchBuffer{
			buffer:   handle,
			address:  address,
			capacity: size,
		})
	}
	return nil
}

// allocScratch places a request in the first scratch buffer with enough
// remaining capacity and returns the placement's device address. The request is
// rounded up to the scratch alignment, so consecutive placements stay aligned.
func (m *Manager) allocScratch(size int) (uint64, error) {
	size = memutils.AlignUp(size, scratchAlignment)

	for i := range m.scratch {
		scratch := &m.scratch[i]
		if scratch.capacity-scratch.used < size {
			continue
		}
		address := scratch.address + uint64(scratch.used)
		scratch.used += size
		return address, nil
	}
	return 0, errors.Wrapf(ErrScratchExhausted, "requested %d bytes", size)
}

// ResetScratch rewinds every scratch buffer's bump pointer. Call it at a frame
// boundary, once the GPU work consuming the previous frame's scratch has
// retired.
func (m *Manager) ResetScratch() {
	for i := range m.scratch {
		m.scratch[i].used = 0
	}
}

// Build records a full build of a structure into cb. Legal from StateCreated
// and, as a fresh rebuild that replaces the old contents entirely, from
// StateReady. The structure is Ready once the recorded work completes; the
// scratch placement stays reserved until ResetScratch.
func (m *Manager) Build(as *AccelerationStructure, cb gpu.CommandBuffer) error {
	m.logger.Debug("Manager::Build")

	err := m.checkTracked(as)
	if err != nil {
		return err
	}
	if as.state != StateCreated && as.state != StateReady {
		return errors.Wrapf(ErrInvalidStateTransition, "build from %s", as.state)
	}

	scratchAddress, err := m.allocScratch(as.scratchSize)
	if err != nil {
		return err
	}

	as.state = StateBuilding
	err = m.recordBuild(as, cb, gpu.BuildModeBuild, scratchAddress)
	if err != nil {
		as.state = StateCreated
		return err
	}

	as.state = StateReady
	return nil
}

// Update records an incremental refit of a structure into cb. Legal only from
// StateReady, and only when the structure was created with allowUpdate; a
// structure that was never built cannot be refit.
func (m *Manager) Update(as *AccelerationStructure, cb gpu.CommandBuffer) error {
	m.logger.Debug("Manager::Update")

	err := m.checkTracked(as)
	if err != nil {
		return err
	}
	if as.state != StateReady {
		return errors.Wrapf(ErrInvalidStateTransition, "update from %s", as.state)
	}
	if !as.allowUpdate {
		return errors.Wrap(ErrInvalidStateTransition, "structure was not created with allowUpdate")
	}

	scratchAddress, err := m.allocScratch(as.scratchSize)
	if err != nil {
		return err
	}

	as.state = StateUpdating
	err = m.recordBuild(as, cb, gpu.BuildModeUpdate, scratchAddress)
	if err != nil {
		as.state = StateReady
		return err
	}

	as.state = StateReady
	return nil
}

func (m *Manager) recordBuild(as *AccelerationStructure, cb gpu.CommandBuffer, mode gpu.BuildMode, scratchAddress uint64) error {
	buildInfo := gpu.AccelerationStructureBuildInfo{
		Type:           as.asType,
		Mode:           mode,
		AllowUpdate:    as.allowUpdate,
		Dst:            as.handle,
		ScratchAddress: scratchAddress,
	}
	if mode == gpu.BuildModeUpdate {
		buildInfo.Src = as.handle
	}

	switch as.asType {
	case gpu.AccelerationStructureTypeBottomLevel:
		buildInfo.Geometries = as.geometries
	case gpu.AccelerationStructureTypeTopLevel:
		instanceAddress, err := m.registry.BufferDeviceAddress(as.instanceBuffer)
		if err != nil {
			return err
		}
		buildInfo.InstanceAddress = instanceAddress
		buildInfo.InstanceCount = as.instanceCount
	}

	m.logger.Debug("    Manager::recordBuild",
		slog.String("Type", as.asType.String()),
		slog.String("Mode", mode.String()),
	)
	return cb.CmdBuildAccelerationStructure(buildInfo)
}
