package registry

import "github.com/cockroachdb/errors"

// ErrStaleHandle is returned when a handle refers to a record that has been
// destroyed, or was never issued by this registry. Handles are generation
// checked, so a destroyed-and-reused slot never aliases an unrelated resource.
var ErrStaleHandle = errors.New("resource handle is stale or was never issued")

// BufferHandle identifies a buffer resource. The zero value is invalid and is
// rejected by every registry method.
type BufferHandle struct {
	index      uint32
	generation uint32
}

// IsZero reports whether the handle is the invalid zero value.
func (h BufferHandle) IsZero() bool { return h.generation == 0 }

// ImageHandle identifies an image resource. The zero value is invalid.
type ImageHandle struct {
	index      uint32
	generation uint32
}

func (h ImageHandle) IsZero() bool { return h.generation == 0 }
