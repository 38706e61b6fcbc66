package vsm

import (
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/stockpile/memutils"
)

const imageTexelSize = 4

// AllocateBufferMemory reserves size bytes of host-writable staging memory paired with a
// device-local buffer block of the same size. initialData, when provided, is copied into
// the staging memory and must not be larger than size.
//
// The returned slice is the consumer's handle for all later operations on this resource:
// pass it to Flush to move its contents to the device and to Free to release it.
func (a *Allocator) AllocateBufferMemory(initialData []byte, size int) ([]byte, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateBufferMemory", slog.Int("size", size))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	staging, device, res, err := a.allocateBufferPair(a.stagingBufferPages, a.deviceBufferPages, initialData, size)
	if err != nil {
		return nil, res, err
	}

	entry := &bufferCacheEntry{
		staging: staging,
		device:  device,
		state:   FlushStateNone,
	}
	hostMemory := staging.Bytes()
	a.registry.addBuffer(registryKey(hostMemory), entry)

	return hostMemory, res, nil
}

// AllocateShaderStorageMemory reserves size bytes of host-writable staging memory paired
// with a device-local storage-buffer block. The storage-buffer descriptor set for the
// device block is bound lazily, on the resource's first full flush.
func (a *Allocator) AllocateShaderStorageMemory(initialData []byte, size int) ([]byte, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateShaderStorageMemory", slog.Int("size", size))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	staging, device, res, err := a.allocateBufferPair(a.stagingBufferPages, a.shaderStoragePages, initialData, size)
	if err != nil {
		return nil, res, err
	}

	entry := &shaderStorageCacheEntry{
		bufferCacheEntry: bufferCacheEntry{
			staging: staging,
			device:  device,
			state:   FlushStateNone,
		},
	}
	hostMemory := staging.Bytes()
	a.registry.addShaderStorage(registryKey(hostMemory), entry)

	return hostMemory, res, nil
}

// allocateBufferPair carves the staging and device-local blocks for one buffer resource.
// Both blocks are reserved eagerly so a later flush can record its copy without
// allocating.
func (a *Allocator) allocateBufferPair(stagingCache, deviceCache *pageCache, initialData []byte, size int) (staging *Block, device *Block, res common.VkResult, err error) {
	if size < 1 {
		return nil, nil, core1_0.VKErrorUnknown, errors.Newf("invalid allocation size %d", size)
	}
	if len(initialData) > size {
		return nil, nil, core1_0.VKErrorUnknown, errors.Newf("initial data (%d bytes) does not fit the allocation (%d bytes)", len(initialData), size)
	}

	staging, res, err = stagingCache.acquireBlock(size, a.limits.NonCoherentAtomAlignment)
	if err != nil {
		return nil, nil, res, err
	}
	defer func() {
		if err != nil {
			_ = stagingCache.releaseBlock(staging)
		}
	}()

	device, res, err = deviceCache.acquireBlock(size, deviceBlockAlignment)
	if err != nil {
		return nil, nil, res, err
	}

	copy(staging.Bytes(), initialData)
	return staging, device, res, nil
}

// AllocateImageMemory reserves host-writable staging memory for an RGBA image of the
// provided dimensions, along with a device-local image bound to image page memory.
// initialData, when provided, is copied into the staging memory in tightly-packed RGBA
// order.
//
// 2D images get a full mip chain, generated at flush time, unless flags contains
// ImageNoMipmaps or the device cannot blit the image format.
func (a *Allocator) AllocateImageMemory(initialData []byte, width, height, depth int, is3D bool, flags ImageFlags) ([]byte, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateImageMemory",
		slog.Int("width", width),
		slog.Int("height", height),
		slog.Int("depth", depth),
	)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if width < 1 || height < 1 || depth < 1 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("invalid image dimensions %dx%dx%d", width, height, depth)
	}

	maxDimension := a.limits.MaxImageDimension
	if width > maxDimension || height > maxDimension || depth > maxDimension ||
		width*height*depth > maxDimension*maxDimension {
		return nil, core1_0.VKErrorUnknown, errors.Wrapf(ErrImageDimensionsTooLarge, "%dx%dx%d", width, height, depth)
	}

	stagingSize := width * height * depth * imageTexelSize
	if len(initialData) > stagingSize {
		return nil, core1_0.VKErrorUnknown, errors.Newf("initial data (%d bytes) does not fit the image (%d bytes)", len(initialData), stagingSize)
	}

	data := ImageEntryData{
		Width:     width,
		Height:    height,
		Depth:     depth,
		Is3D:      is3D,
		Flags:     flags,
		MipLevels: a.mipLevelsFor(width, height, is3D, flags),
	}

	image, imageMemory, res, err := a.createDeviceImage(data)
	if err != nil {
		return nil, res, err
	}
	defer func() {
		if err != nil {
			image.Destroy(a.callbacks)
			_ = imageMemory.page.cache.releaseBlock(imageMemory)
		}
	}()

	staging, res, err := a.stagingImagePages.acquireBlock(stagingSize, a.limits.OptimalImageCopyAlignment)
	if err != nil {
		return nil, res, err
	}

	copy(staging.Bytes(), initialData)

	entry := &imageCacheEntry{
		staging:     staging,
		image:       image,
		imageMemory: imageMemory,
		data:        data,
		state:       FlushStateNone,
	}
	hostMemory := staging.Bytes()
	a.registry.addImage(registryKey(hostMemory), entry)

	return hostMemory, res, nil
}

func (a *Allocator) mipLevelsFor(width, height int, is3D bool, flags ImageFlags) int {
	if is3D || flags&ImageNoMipmaps != 0 || !a.limits.OptimalImageBlitting {
		return 1
	}

	largest := width
	if height > largest {
		largest = height
	}
	return bits.Len(uint(largest))
}

func (a *Allocator) createDeviceImage(data ImageEntryData) (image core1_0.Image, imageMemory *Block, res common.VkResult, err error) {
	imageType := core1_0.ImageType2D
	if data.Is3D {
		imageType = core1_0.ImageType3D
	}

	image, res, err = a.device.CreateImage(a.callbacks, core1_0.ImageCreateInfo{
		ImageType: imageType,
		Format:    core1_0.FormatR8G8B8A8UnsignedNormalized,
		Extent: core1_0.Extent3D{
			Width:  data.Width,
			Height: data.Height,
			Depth:  data.Depth,
		},
		MipLevels:     data.MipLevels,
		ArrayLayers:   1,
		Samples:       core1_0.Samples1,
		Tiling:        core1_0.ImageTilingOptimal,
		Usage:         core1_0.ImageUsageTransferSrc | core1_0.ImageUsageTransferDst | core1_0.ImageUsageSampled,
		SharingMode:   core1_0.SharingModeExclusive,
		InitialLayout: core1_0.ImageLayoutUndefined,
	})
	if err != nil {
		return nil, nil, res, err
	}
	defer func() {
		if err != nil {
			image.Destroy(a.callbacks)
		}
	}()

	memReqs := image.MemoryRequirements()

	cache, ok := a.imagePages[memReqs.MemoryTypeBits]
	if !ok {
		cache = newPageCache(a.logger, a.device, a.deviceMemory, a.callbacks, pageCacheOptions{
			name:               "images",
			pageSize:           a.stagingImagePages.pageSize,
			requiredProperties: core1_0.MemoryPropertyDeviceLocal,
			memoryTypeBits:     memReqs.MemoryTypeBits,
		})
		a.imagePages[memReqs.MemoryTypeBits] = cache
	}

	imageMemory, res, err = cache.acquireBlock(memReqs.Size, uint(memReqs.Alignment))
	if err != nil {
		return nil, nil, res, err
	}
	defer func() {
		if err != nil {
			_ = cache.releaseBlock(imageMemory)
		}
	}()

	res, err = imageMemory.page.memory.BindVulkanImage(imageMemory.AlignedOffset(), image, nil)
	if err != nil {
		return nil, nil, res, err
	}

	return image, imageMemory, res, nil
}

// Flush makes the host's writes to the provided memory visible to the device. A partial
// flush (full == false) only flushes the staging block's mapped range. A full flush also
// records and submits the copy to the resource's device-local counterpart, returning the
// fence and command buffer of the submission- the caller must wait on the fence before
// using the resource or flushing again.
//
// Flush panics if the provided memory was not allocated from this allocator.
func (a *Allocator) Flush(hostMemory []byte, full bool) (core1_0.Fence, core1_0.CommandBuffer, common.VkResult, error) {
	a.logger.Debug("Allocator::Flush", slog.Bool("full", full))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	key := registryKey(hostMemory)
	kind := a.registry.mustLookup(key, "Allocator::Flush")

	switch kind {
	case resourceKindBuffer:
		return a.flushBuffer(a.registry.buffers[key], full)
	case resourceKindShaderStorage:
		return a.flushShaderStorage(a.registry.shaderStorage[key], full)
	case resourceKindImage:
		return a.flushImage(a.registry.images[key], full)
	}

	return nil, nil, core1_0.VKErrorUnknown, errors.Newf("unhandled resource kind %d", uint32(kind))
}

func (a *Allocator) flushStagingBlock(staging *Block) (common.VkResult, error) {
	page := staging.page
	return a.deviceMemory.FlushMappedRange(page.memory, page.memTypeIndex, staging.AlignedOffset(), staging.Size())
}

// markPartialFlush advances a resource's state after a staging-only flush. The state
// machine only moves forward, so a resource that is already fully created stays fully
// created.
func markPartialFlush(state FlushState) FlushState {
	if state == FlushStateNone {
		return FlushStateStagingFlushed
	}
	return state
}

func (a *Allocator) flushBuffer(entry *bufferCacheEntry, full bool) (core1_0.Fence, core1_0.CommandBuffer, common.VkResult, error) {
	res, err := a.flushStagingBlock(entry.staging)
	if err != nil {
		return nil, nil, res, err
	}

	if !full {
		entry.state = markPartialFlush(entry.state)
		return nil, nil, res, nil
	}

	res, err = a.transfer.begin()
	if err != nil {
		return nil, nil, res, err
	}

	a.transfer.recordBufferCopy(entry.staging, entry.device)

	res, err = a.transfer.submit()
	if err != nil {
		return nil, nil, res, err
	}

	entry.state = FlushStateFullyCreated
	return a.transfer.fence, a.transfer.commandBuffer, res, nil
}

func (a *Allocator) flushShaderStorage(entry *shaderStorageCacheEntry, full bool) (core1_0.Fence, core1_0.CommandBuffer, common.VkResult, error) {
	res, err := a.flushStagingBlock(entry.staging)
	if err != nil {
		return nil, nil, res, err
	}

	if !full {
		entry.state = markPartialFlush(entry.state)
		return nil, nil, res, nil
	}

	if entry.descriptorSet == nil {
		group, res, err := a.bindShaderStorageDescriptorSet(entry.device)
		if err != nil {
			return nil, nil, res, err
		}
		entry.descriptorSet = group
	}

	res, err = a.transfer.begin()
	if err != nil {
		return nil, nil, res, err
	}

	a.transfer.recordBufferCopy(entry.staging, entry.device)

	res, err = a.transfer.submit()
	if err != nil {
		return nil, nil, res, err
	}

	entry.state = FlushStateFullyCreated
	return a.transfer.fence, a.transfer.commandBuffer, res, nil
}

func (a *Allocator) bindShaderStorageDescriptorSet(device *Block) (*DescriptorSetGroup, common.VkResult, error) {
	groups, res, err := a.shaderStoragePools.Allocate(1, a.shaderStorageLayout)
	if err != nil {
		return nil, res, err
	}

	group := &groups[0]
	err = a.device.UpdateDescriptorSets([]core1_0.WriteDescriptorSet{
		{
			DstSet:          group.Sets[0],
			DstBinding:      0,
			DstArrayElement: 0,
			DescriptorType:  core1_0.DescriptorTypeStorageBuffer,
			BufferInfo: []core1_0.DescriptorBufferInfo{
				{
					Buffer: device.Buffer(),
					Offset: device.AlignedOffset(),
					Range:  device.Size(),
				},
			},
		},
	}, nil)
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}

	return group, res, nil
}

func (a *Allocator) flushImage(entry *imageCacheEntry, full bool) (core1_0.Fence, core1_0.CommandBuffer, common.VkResult, error) {
	res, err := a.flushStagingBlock(entry.staging)
	if err != nil {
		return nil, nil, res, err
	}

	if !full {
		entry.state = markPartialFlush(entry.state)
		return nil, nil, res, nil
	}

	res, err = a.transfer.begin()
	if err != nil {
		return nil, nil, res, err
	}

	a.transfer.recordImageUpload(entry.staging, entry.image, entry.data)

	res, err = a.transfer.submit()
	if err != nil {
		return nil, nil, res, err
	}

	entry.state = FlushStateFullyCreated
	return a.transfer.fence, a.transfer.commandBuffer, res, nil
}

// Free releases the resource behind the provided memory: its staging block, its
// device-local counterpart, and, for images, the image itself. The memory must not be
// used after Free returns.
//
// Free panics if the provided memory was not allocated from this allocator.
func (a *Allocator) Free(hostMemory []byte) error {
	a.logger.Debug("Allocator::Free")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	key := registryKey(hostMemory)
	kind := a.registry.mustLookup(key, "Allocator::Free")

	switch kind {
	case resourceKindBuffer:
		entry := a.registry.removeBuffer(key)
		err := a.stagingBufferPages.releaseBlock(entry.staging)
		if err != nil {
			return err
		}
		return a.deviceBufferPages.releaseBlock(entry.device)

	case resourceKindShaderStorage:
		entry := a.registry.removeShaderStorage(key)
		// Descriptor sets are not returned to their pool- pool counts only grow
		err := a.stagingBufferPages.releaseBlock(entry.staging)
		if err != nil {
			return err
		}
		return a.shaderStoragePages.releaseBlock(entry.device)

	case resourceKindImage:
		entry := a.registry.removeImage(key)
		entry.image.Destroy(a.callbacks)

		err := a.stagingImagePages.releaseBlock(entry.staging)
		if err != nil {
			return err
		}

		return entry.imageMemory.page.cache.releaseBlock(entry.imageMemory)
	}

	return errors.Newf("unhandled resource kind %d", uint32(kind))
}

// HasBufferMemory returns whether the provided memory is a live buffer allocation from
// this allocator.
func (a *Allocator) HasBufferMemory(hostMemory []byte) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	_, ok := a.registry.buffers[registryKey(hostMemory)]
	return ok
}

// HasShaderStorageMemory returns whether the provided memory is a live shader storage
// allocation from this allocator.
func (a *Allocator) HasShaderStorageMemory(hostMemory []byte) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	_, ok := a.registry.shaderStorage[registryKey(hostMemory)]
	return ok
}

// HasImageMemory returns whether the provided memory is a live image allocation from
// this allocator.
func (a *Allocator) HasImageMemory(hostMemory []byte) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	_, ok := a.registry.images[registryKey(hostMemory)]
	return ok
}

// ImageMemoryInfo describes a live image allocation.
type ImageMemoryInfo struct {
	Image core1_0.Image
	ImageEntryData
	State FlushState
}

// ImageMemoryInfo returns the image and upload state behind the provided memory, or
// ok=false when the memory is not a live image allocation.
func (a *Allocator) ImageMemoryInfo(hostMemory []byte) (info ImageMemoryInfo, ok bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	entry, ok := a.registry.images[registryKey(hostMemory)]
	if !ok {
		return ImageMemoryInfo{}, false
	}

	return ImageMemoryInfo{
		Image:          entry.image,
		ImageEntryData: entry.data,
		State:          entry.state,
	}, true
}

// MemoryFlushState returns the upload state of the resource behind the provided memory,
// or ok=false when the memory is not a live allocation.
func (a *Allocator) MemoryFlushState(hostMemory []byte) (state FlushState, ok bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	key := registryKey(hostMemory)
	switch a.registry.lookup(key) {
	case resourceKindBuffer:
		return a.registry.buffers[key].state, true
	case resourceKindShaderStorage:
		return a.registry.shaderStorage[key].state, true
	case resourceKindImage:
		return a.registry.images[key].state, true
	}

	return FlushStateNone, false
}

// ShaderStorageDescriptorSet returns the storage-buffer descriptor set group bound to
// the provided shader storage memory. ok is false when the memory is not a live shader
// storage allocation or when no full flush has bound a descriptor set yet.
func (a *Allocator) ShaderStorageDescriptorSet(hostMemory []byte) (group *DescriptorSetGroup, ok bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	entry, ok := a.registry.shaderStorage[registryKey(hostMemory)]
	if !ok || entry.descriptorSet == nil {
		return nil, false
	}
	return entry.descriptorSet, true
}

// AllocateDescriptorSets hands out setCount descriptor sets of the provided layout from
// the provided pools, splitting across driver-level pools as needed.
func (a *Allocator) AllocateDescriptorSets(pools *DeviceDescriptorPools, setCount int, layout core1_0.DescriptorSetLayout) ([]DescriptorSetGroup, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateDescriptorSets", slog.Int("setCount", setCount))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return pools.Allocate(setCount, layout)
}

// PurgeImageCaches destroys every image page cache and its pages, including the staging
// pages for image uploads. All image allocations must have been freed first: pages with
// live blocks are logged and abandoned.
func (a *Allocator) PurgeImageCaches() {
	a.logger.Debug("Allocator::PurgeImageCaches")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.stagingImagePages.destroy()
	for memoryTypeBits, cache := range a.imagePages {
		cache.destroy()
		delete(a.imagePages, memoryTypeBits)
	}
}

// Statistics sums page and block counts across every cache the allocator owns.
func (a *Allocator) Statistics() memutils.Statistics {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats memutils.Statistics
	a.stagingBufferPages.addStatistics(&stats)
	a.stagingImagePages.addStatistics(&stats)
	a.deviceBufferPages.addStatistics(&stats)
	a.shaderStoragePages.addStatistics(&stats)
	for _, cache := range a.imagePages {
		cache.addStatistics(&stats)
	}

	return stats
}
