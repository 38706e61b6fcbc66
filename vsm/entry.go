package vsm

import "github.com/vkngwrapper/core/v2/core1_0"

// FlushState tracks how far a resource has progressed toward being usable on the device.
// It only ever moves forward: once a resource is FlushStateFullyCreated, later partial
// flushes do not move it back.
type FlushState uint32

const (
	// FlushStateNone indicates the resource's data only exists in its staging block
	FlushStateNone FlushState = iota
	// FlushStateStagingFlushed indicates the staging block's mapped range has been flushed
	// to the driver, but no device copy has been recorded
	FlushStateStagingFlushed
	// FlushStateFullyCreated indicates a copy to the device-local resource has been
	// recorded and submitted
	FlushStateFullyCreated
)

var flushStateMapping = map[FlushState]string{
	FlushStateNone:           "FlushStateNone",
	FlushStateStagingFlushed: "FlushStateStagingFlushed",
	FlushStateFullyCreated:   "FlushStateFullyCreated",
}

func (s FlushState) String() string {
	return flushStateMapping[s]
}

// bufferCacheEntry pairs a host-visible staging block with the device-local block that
// shadows it. Both blocks are carved when the entry is created, so a later flush can
// record the copy without allocating.
type bufferCacheEntry struct {
	staging *Block
	device  *Block
	state   FlushState
}

// shaderStorageCacheEntry extends bufferCacheEntry with the descriptor set that exposes
// the device block as a storage buffer. The descriptor set is bound on the entry's first
// full flush and reused afterward.
type shaderStorageCacheEntry struct {
	bufferCacheEntry
	descriptorSet *DescriptorSetGroup
}

// ImageEntryData describes the image a block of staging memory will be uploaded into.
type ImageEntryData struct {
	Width     int
	Height    int
	Depth     int
	Is3D      bool
	Flags     ImageFlags
	MipLevels int
}

// imageCacheEntry pairs a staging block with the device-local image it populates. The
// image owns its memory block separately from the staging block, since images bind
// whole sub-ranges of image-compatible pages.
type imageCacheEntry struct {
	staging     *Block
	image       core1_0.Image
	imageMemory *Block
	data        ImageEntryData
	state       FlushState
}
