package gpu

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// UndefinedExtent is the sentinel width/height a surface reports when the window
// system leaves the swapchain extent up to the application. The API's 0xFFFFFFFF
// sentinel arrives as -1 through the signed extent fields.
const UndefinedExtent = -1

// SurfaceCapabilities mirrors the subset of khr_surface capabilities the frame
// pacer needs to size and rebuild the swapchain.
type SurfaceCapabilities struct {
	MinImageCount int
	// MaxImageCount is 0 when the surface imposes no upper bound.
	MaxImageCount int

	CurrentExtent  core1_0.Extent2D
	MinImageExtent core1_0.Extent2D
	MaxImageExtent core1_0.Extent2D

	Formats      []core1_0.Format
	PresentModes []PresentMode
}

type PresentMode int32

const (
	PresentModeFIFO PresentMode = iota
	PresentModeMailbox
	PresentModeImmediate
)

var presentModeMapping = map[PresentMode]string{
	PresentModeFIFO:      "PresentModeFIFO",
	PresentModeMailbox:   "PresentModeMailbox",
	PresentModeImmediate: "PresentModeImmediate",
}

func (m PresentMode) String() string {
	str, ok := presentModeMapping[m]
	if !ok {
		return "unknown PresentMode"
	}
	return str
}

type SwapchainCreateInfo struct {
	MinImageCount int
	ImageFormat   core1_0.Format
	ImageExtent   core1_0.Extent2D
	ImageUsage    core1_0.ImageUsageFlags
	PresentMode   PresentMode

	// OldSwapchain allows the driver to reuse presentable images across a
	// recreation. May be nil.
	OldSwapchain Swapchain
}

type SubmitInfo struct {
	WaitSemaphores []Semaphore
	// WaitStages has one entry per wait semaphore: the pipeline stage at which
	// execution pauses until the matching semaphore signals.
	WaitStages       []core1_0.PipelineStageFlags
	CommandBuffers   []CommandBuffer
	SignalSemaphores []Semaphore
}

type PresentInfo struct {
	WaitSemaphores []Semaphore
	Swapchain      Swapchain
	ImageIndex     int
}

// RayTracingProperties carries the device limits that constrain shader-binding-table
// layout and acceleration-structure scratch placement.
type RayTracingProperties struct {
	ShaderGroupHandleSize      int
	ShaderGroupHandleAlignment uint
	ShaderGroupBaseAlignment   uint
}

type AccelerationStructureType int32

const (
	AccelerationStructureTypeBottomLevel AccelerationStructureType = iota
	AccelerationStructureTypeTopLevel
)

var accelerationStructureTypeMapping = map[AccelerationStructureType]string{
	AccelerationStructureTypeBottomLevel: "AccelerationStructureTypeBottomLevel",
	AccelerationStructureTypeTopLevel:    "AccelerationStructureTypeTopLevel",
}

func (t AccelerationStructureType) String() string {
	str, ok := accelerationStructureTypeMapping[t]
	if !ok {
		return "unknown AccelerationStructureType"
	}
	return str
}

type BuildMode int32

const (
	BuildModeBuild BuildMode = iota
	BuildModeUpdate
)

var buildModeMapping = map[BuildMode]string{
	BuildModeBuild:  "BuildModeBuild",
	BuildModeUpdate: "BuildModeUpdate",
}

func (m BuildMode) String() string {
	str, ok := buildModeMapping[m]
	if !ok {
		return "unknown BuildMode"
	}
	return str
}

type AccelerationStructureCreateInfo struct {
	Type AccelerationStructureType
	// Buffer and Offset locate the structure's storage within a buffer created
	// with acceleration-structure-storage usage.
	Buffer Buffer
	Offset int
	Size   int
}

// TriangleGeometryData describes one triangle geometry of a bottom-level build in
// device-address form. Counts are in elements, not bytes.
type TriangleGeometryData struct {
	VertexAddress uint64
	VertexStride  int
	VertexCount   int

	IndexAddress     uint64
	IndexElementSize int
	IndexCount       int
}

// AccelerationStructureBuildInfo is the payload recorded into a command buffer for
// a single acceleration-structure build or update.
type AccelerationStructureBuildInfo struct {
	Type AccelerationStructureType
	Mode BuildMode
	// AllowUpdate requests a structure layout that supports incremental updates.
	AllowUpdate bool

	Dst AccelerationStructure
	// Src is the structure being refit when Mode is BuildModeUpdate; nil otherwise.
	Src AccelerationStructure

	// Geometries is populated for bottom-level builds.
	Geometries []TriangleGeometryData
	// InstanceAddress/InstanceCount describe the instance buffer for top-level builds.
	InstanceAddress uint64
	InstanceCount   int

	ScratchAddress uint64
}

// StridedRegion is one shader-binding-table region in device-address form.
type StridedRegion struct {
	DeviceAddress uint64
	Stride        int
	Size          int
}

// ShaderBindingRegions is the four-region shader binding table consumed by a
// trace-rays dispatch.
type ShaderBindingRegions struct {
	RayGen   StridedRegion
	Miss     StridedRegion
	Hit      StridedRegion
	Callable StridedRegion
}
