package accel

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkforge/rendercore/gpu"
	"github.com/vkforge/rendercore/registry"
)

const (
	// estimatePadding is the fixed slack added to every structure size estimate
	// so the estimate is never tighter than the device's build-size query.
	estimatePadding = 1024
	// instanceRecordSize is the size of one serialized top-level instance record.
	instanceRecordSize = 64

	// DefaultScratchBufferSize is the capacity of each scratch buffer when
	// Options.ScratchBufferSize is left zero.
	DefaultScratchBufferSize = 16 * 1024 * 1024
	// DefaultScratchBufferCount is the number of scratch buffers when
	// Options.ScratchBufferCount is left zero.
	DefaultScratchBufferCount = 1
)

// ErrInvalidStateTransition is returned when an operation is not legal in the
// structure's current state, such as updating a structure that was never built.
var ErrInvalidStateTransition = errors.New("operation is not valid in the acceleration structure's current state")

// ErrUnknownStructure is returned when a structure was not created by this
// manager or has already been destroyed.
var ErrUnknownStructure = errors.New("acceleration structure is not tracked by this manager")

// State is the lifecycle state of an AccelerationStructure.
type State int

const (
	StateCreated State = iota
	StateBuilding
	StateReady
	StateUpdating
	StateDestroyed
)

var stateMapping = map[State]string{
	StateCreated:   "StateCreated",
	StateBuilding:  "StateBuilding",
	StateReady:     "StateReady",
	StateUpdating:  "StateUpdating",
	StateDestroyed: "StateDestroyed",
}

func (s State) String() string {
	str, ok := stateMapping[s]
	if !ok {
		return "unknown State"
	}
	return str
}

// AccelerationStructure is one bottom- or top-level structure and its backing
// storage. It is created in StateCreated, becomes Ready after its first Build,
// and alternates Ready/Updating until destroyed.
type AccelerationStructure struct {
	manager *Manager

	asType      gpu.AccelerationStructureType
	state       State
	allowUpdate bool

	handle gpu.AccelerationStructure
	buffer registry.BufferHandle
	size   int
	// scratchSize is the conservative scratch requirement of a build or update.
	scratchSize int

	geometries []gpu.TriangleGeometryData

	// Top-level only: the serialized instance records.
	instanceBuffer registry.BufferHandle
	instanceCount  int
}

// State returns the structure's lifecycle state.
func (as *AccelerationStructure) State() State { return as.state }

// Type returns whether the structure is bottom- or top-level.
func (as *AccelerationStructure) Type() gpu.AccelerationStructureType { return as.asType }

// Size returns the conservatively estimated storage size of the structure.
func (as *AccelerationStructure) Size() int { return as.size }

// DeviceAddress returns the structure's device address, for referencing
// bottom-level structures from top-level instance records.
func (as *AccelerationStructure) DeviceAddress() uint64 { return as.handle.DeviceAddress() }

// Options configures a new Manager.
type Options struct {
	// Logger receives debug logging for acceleration structure activity.
	// slog.Default() when nil.
	Logger *slog.Logger
	// ScratchBufferSize is the capacity of each scratch buffer. Defaults to
	// DefaultScratchBufferSize.
	ScratchBufferSize int
	// ScratchBufferCount is the number of scratch buffers. The pool never
	// grows: builds that do not fit the remaining scratch fail with
	// ErrScratchExhausted, so the pool must be sized for peak per-frame
	// acceleration structure work. Defaults to DefaultScratchBufferCount.
	ScratchBufferCount int
}

// Manager builds and updates acceleration structures using buffers from the
// resource registry, and lays out the shader binding table consumed by trace
// dispatches. Every live structure is tracked, so operations on foreign or
// destroyed structures fail loudly instead of touching freed GPU objects.
type Manager struct {
	logger   *slog.Logger
	device   gpu.Device
	registry *registry.Registry

	properties gpu.RayTracingProperties

	live    *swiss.Map[*AccelerationStructure, struct{}]
	scratch []scratchBuffer
}

// New builds a Manager and its fixed scratch pool.
func New(device gpu.Device, reg *registry.Registry, options Options) (*Manager, error) {
	if device == nil {
		return nil, errors.New("attempted to create a Manager with a nil device")
	}
	if reg == nil {
		return nil, errors.New("attempted to create a Manager with a nil registry")
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scratchSize := options.ScratchBufferSize
	if scratchSize == 0 {
		scratchSize = DefaultScratchBufferSize
	}
	scratchCount := options.ScratchBufferCount
	if scratchCount == 0 {
		scratchCount = DefaultScratchBufferCount
	}
	if scratchSize < scratchAlignment || scratchCount < 1 {
		return nil, errors.Newf("scratch pool of %d buffers of %d bytes is not usable", scratchCount, scratchSize)
	}

	m := &Manager{
		logger:     logger,
		device:     device,
		registry:   reg,
		properties: device.RayTracingProperties(),
		live:       swiss.NewMap[*AccelerationStructure, struct{}](8),
	}

	err := m.createScratchPool(scratchSize, scratchCount)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// EstimateBottomLevelSize conservatively bounds the storage a bottom-level
// structure needs for the given geometries: the full vertex and index payload
// plus fixed padding. The real device-reported build size is never larger in
// typical use.
func EstimateBottomLevelSize(geometries []gpu.TriangleGeometryData) int {
	size := 0
	for _, geometry := range geometries {
		size += geometry.VertexCount*geometry.VertexStride + geometry.IndexCount*geometry.IndexElementSize
	}
	return size + estimatePadding
}

// EstimateTopLevelSize conservatively bounds the storage a top-level structure
// needs for instanceCount instances.
func EstimateTopLevelSize(instanceCount int) int {
	return instanceCount*instanceRecordSize + estimatePadding
}

// CreateBottomLevel creates a bottom-level structure sized for the given
// triangle geometries. The structure is in StateCreated until built.
func (m *Manager) CreateBottomLevel(geometries []gpu.TriangleGeometryData, allowUpdate bool) (*AccelerationStructure, common.VkResult, error) {
	m.logger.Debug("Manager::CreateBottomLevel",
		slog.Int("GeometryCount", len(geometries)),
	)

	if len(geometries) == 0 {
		return nil, core1_0.VKErrorUnknown, errors.New("bottom-level structure requested with no geometries")
	}

	size := EstimateBottomLevelSize(geometries)
	as := &AccelerationStructure{
		manager:     m,
		asType:      gpu.AccelerationStructureTypeBottomLevel,
		state:       StateCreated,
		allowUpdate: allowUpdate,
		size:        size,
		scratchSize: size,
		geometries:  append([]gpu.TriangleGeometryData(nil), geometries...),
	}

	res, err := m.createStorage(as)
	if err != nil {
		return nil, res, err
	}

	m.live.Put(as, struct{}{})
	return as, core1_0.VKSuccess, nil
}

// CreateTopLevel creates a top-level structure over the given instances. The
// instance records are serialized into a host-visible buffer that the build
// reads by device address. The structure is in StateCreated until built.
func (m *Manager) CreateTopLevel(instances []Instance, allowUpdate bool) (*AccelerationStructure, common.VkResult, error) {
	m.logger.Debug("Manager::CreateTopLevel",
		slog.Int("InstanceCount", len(instances)),
	)

	if len(instances) == 0 {
		return nil, core1_0.VKErrorUnknown, errors.New("top-level structure requested with no instances")
	}

	size := EstimateTopLevelSize(len(instances))
	as := &AccelerationStructure{
		manager:       m,
		asType:        gpu.AccelerationStructureTypeTopLevel,
		state:         StateCreated,
		allowUpdate:   allowUpdate,
		size:          size,
		scratchSize:   size,
		instanceCount: len(instances),
	}

	instanceBuffer, res, err := m.writeInstanceBuffer(instances)
	if err != nil {
		return nil, res, err
	}
	as.instanceBuffer = instanceBuffer

	res, err = m.createStorage(as)
	if err != nil {
		_ = m.registry.DestroyBuffer(instanceBuffer)
		return nil, res, err
	}

	m.live.Put(as, struct{}{})
	return as, core1_0.VKSuccess, nil
}

// createStorage creates the structure's backing buffer and API object.
func (m *Manager) createStorage(as *AccelerationStructure) (common.VkResult, error) {
	buffer, res, err := m.registry.CreateBuffer(as.size,
		core1_0.BufferUsageStorageBuffer,
		core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		return res, err
	}

	apiBuffer, err := m.registry.Buffer(buffer)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	handle, res, err := m.device.CreateAccelerationStructure(gpu.AccelerationStructureCreateInfo{
		Type:   as.asType,
		Buffer: apiBuffer,
		Offset: 0,
		Size:   as.size,
	})
	if err != nil {
		_ = m.registry.DestroyBuffer(buffer)
		return res, err
	}

	as.buffer = buffer
	as.handle = handle
	return core1_0.VKSuccess, nil
}

// Destroy releases a structure's API object and buffers in any state except
// Destroyed. The caller is responsible for ensuring GPU work referencing the
// structure has completed.
func (m *Manager) Destroy(as *AccelerationStructure) error {
	m.logger.Debug("Manager::Destroy")

	err := m.checkTracked(as)
	if err != nil {
		return err
	}

	as.handle.Destroy()
	err = m.registry.DestroyBuffer(as.buffer)
	if err != nil {
		return err
	}
	if !as.instanceBuffer.IsZero() {
		err = m.registry.DestroyBuffer(as.instanceBuffer)
		if err != nil {
			return err
		}
	}

	m.live.Delete(as)
	as.state = StateDestroyed
	as.handle = nil
	return nil
}

// LiveCount reports the number of live structures, for leak checks at teardown.
func (m *Manager) LiveCount() int {
	return m.live.Count()
}

// DestroyAll tears down every remaining live structure and the scratch pool.
func (m *Manager) DestroyAll() error {
	m.logger.Debug("Manager::DestroyAll")

	var leaked []*AccelerationStructure
	m.live.Iter(func(as *AccelerationStructure, _ struct{}) bool {
		leaked = append(leaked, as)
		return false
	})
	for _, as := range leaked {
		err := m.Destroy(as)
		if err != nil {
			return err
		}
	}

	for i := range m.scratch {
		err := m.registry.DestroyBuffer(m.scratch[i].buffer)
		if err != nil {
			return err
		}
	}
	m.scratch = nil
	return nil
}

func (m *Manager) checkTracked(as *AccelerationStructure) error {
	if as == nil {
		return errors.New("nil acceleration structure")
	}
	if as.manager != m || !m.live.Has(as) {
		return errors.WithStack(ErrUnknownStructure)
	}
	return nil
}
