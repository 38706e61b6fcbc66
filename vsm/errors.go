package vsm

import "github.com/pkg/errors"

// ErrNoCompatibleMemoryType is returned when the PhysicalDevice has no memory type that
// satisfies both the resource's memory requirements and the property flags the allocator
// needs for it.
var ErrNoCompatibleMemoryType error = errors.New("no memory type satisfies the resource's requirements")

// ErrImageDimensionsTooLarge is returned when a requested image exceeds the device's
// maximum image dimension, either along a single axis or in total texel count.
var ErrImageDimensionsTooLarge error = errors.New("image dimensions exceed the device's limits")
