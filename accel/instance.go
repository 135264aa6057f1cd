package accel

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"

	"github.com/vkforge/rendercore/registry"
)

// Instance places one bottom-level structure in a top-level structure.
type Instance struct {
	// Transform is the object-to-world transform. Only the upper 3x4 portion
	// is serialized; the last row is assumed to be (0, 0, 0, 1).
	Transform mgl32.Mat4
	// BottomLevel must be a Ready (or at least created) structure from the
	// same manager.
	BottomLevel *AccelerationStructure
	// CustomIndex is delivered to hit shaders. Only the low 24 bits are used.
	CustomIndex int
	// Mask is matched against the trace call's cull mask. A zero mask makes
	// the instance invisible to every ray.
	Mask uint8
	// HitGroupOffset selects the instance's hit group records in the shader
	// binding table. Only the low 24 bits are used.
	HitGroupOffset int
}

// writeInstanceBuffer serializes instance records into a fresh host-visible
// buffer and returns its handle. Each record is 64 bytes: a row-major 3x4
// transform, packed index/mask words, and the bottom-level structure's device
// address.
func (m *Manager) writeInstanceBuffer(instances []Instance) (registry.BufferHandle, common.VkResult, error) {
	handle, res, err := m.registry.CreateBuffer(len(instances)*instanceRecordSize,
		core1_0.BufferUsageStorageBuffer,
		core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent)
	if err != nil {
		return registry.BufferHandle{}, res, err
	}

	ptr, res, err := m.registry.Map(handle)
	if err != nil {
		_ = m.registry.DestroyBuffer(handle)
		return registry.BufferHandle{}, res, err
	}

	data := unsafe.Slice((*byte)(ptr), len(instances)*instanceRecordSize)
	for i, instance := range instances {
		serializeInstance(data[i*instanceRecordSize:(i+1)*instanceRecordSize], instance)
	}

	_, err = m.registry.Flush(handle, 0, len(data))
	if err != nil {
		_ = m.registry.Unmap(handle)
		_ = m.registry.DestroyBuffer(handle)
		return registry.BufferHandle{}, core1_0.VKErrorUnknown, err
	}
	err = m.registry.Unmap(handle)
	if err != nil {
		_ = m.registry.DestroyBuffer(handle)
		return registry.BufferHandle{}, core1_0.VKErrorUnknown, err
	}

	return handle, core1_0.VKSuccess, nil
}

// serializeInstance packs one instance into a 64-byte record. mgl32 matrices
// are column-major; the record wants the upper three rows in row-major order.
func serializeInstance(record []byte, instance Instance) {
	offset := 0
	for row := 0; row < 3; row++ {
		for col := 0; col < 4; col++ {
			value := instance.Transform.At(row, col)
			binary.LittleEndian.PutUint32(record[offset:], math.Float32bits(value))
			offset += 4
		}
	}

	customAndMask := uint32(instance.CustomIndex)&0xFFFFFF | uint32(instance.Mask)<<24
	binary.LittleEndian.PutUint32(record[offset:], customAndMask)
	offset += 4

	hitGroupAndFlags := uint32(instance.HitGroupOffset) & 0xFFFFFF
	binary.LittleEndian.PutUint32(record[offset:], hitGroupAndFlags)
	offset += 4

	var address uint64
	if instance.BottomLevel != nil {
		address = instance.BottomLevel.DeviceAddress()
	}
	binary.LittleEndian.PutUint64(record[offset:], address)
}
