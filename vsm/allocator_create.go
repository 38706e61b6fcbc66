package vsm

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/stockpile/vsm/internal/utils"
	"github.com/vkngwrapper/stockpile/vsm/internal/vulkan"
)

const (
	// defaultBufferPageSize is the page size used for buffer page caches when none is
	// provided via CreateOptions. It is equal to 8Mb.
	defaultBufferPageSize int = 8 * 1024 * 1024
	// defaultImagePageSize is the page size used for image page caches when none is
	// provided via CreateOptions. It holds two 1024x1024 RGBA images.
	defaultImagePageSize int = 1024 * 1024 * 4 * 2
	// defaultDescriptorPoolCapacity is the number of descriptor sets each driver-level
	// descriptor pool is created with when none is provided via CreateOptions
	defaultDescriptorPoolCapacity int = 128

	// deviceBlockAlignment is the minimum alignment applied to blocks in device-local
	// pages
	deviceBlockAlignment uint = 16
	// minStagingAlignment is the floor for staging block alignment, applied even when the
	// device's alignment limits are smaller
	minStagingAlignment uint = 16
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// BufferPageSize is the page size for buffer page caches. Leave it 0 to use the 8Mb
	// default.
	BufferPageSize int
	// ImagePageSize is the page size for image page caches. Leave it 0 to use the default
	// of two 1024x1024 RGBA images.
	ImagePageSize int
	// DescriptorPoolCapacity is the number of descriptor sets each driver-level
	// descriptor pool is created with. Leave it 0 to use the default of 128.
	DescriptorPoolCapacity int

	// VulkanCallbacks is an optional set of callbacks that will be executed from Vulkan
	// on objects created from this allocator
	VulkanCallbacks *driver.AllocationCallbacks
}

// Limits collects the device limits the allocator consults on every allocation, derived
// once at creation time.
type Limits struct {
	// MaxImageDimension is the largest legal extent along any image axis
	MaxImageDimension int
	// NonCoherentAtomAlignment is the device's nonCoherentAtomSize, floored at
	// minStagingAlignment
	NonCoherentAtomAlignment uint
	// OptimalImageCopyAlignment is the device's optimalBufferCopyOffsetAlignment combined
	// with NonCoherentAtomAlignment
	OptimalImageCopyAlignment uint
	// OptimalImageBlitting is whether the device supports linear-filtered blits on RGBA
	// images, which the allocator needs for mip chain generation
	OptimalImageBlitting bool
}

// Allocator is the top-level object for staging-based resource memory management. Create
// one with New.
//
// Consumers allocate host-writable memory for buffers, shader storage, and images, fill
// it, and flush it to get device-local copies. All resource state is keyed by the
// address of the returned memory.
type Allocator struct {
	useMutex bool
	mutex    utils.OptionalMutex
	logger   *slog.Logger

	device         core1_0.Device
	physicalDevice core1_0.PhysicalDevice
	callbacks      *driver.AllocationCallbacks
	deviceMemory   *vulkan.DeviceMemoryProperties
	extensionData  *vulkan.ExtensionData
	limits         Limits

	stagingBufferPages *pageCache
	stagingImagePages  *pageCache
	deviceBufferPages  *pageCache
	shaderStoragePages *pageCache
	// imagePages buckets device-local image pages by the memoryTypeBits of the images
	// placed in them, since images with different requirements cannot share pages
	imagePages map[uint32]*pageCache

	registry pointerRegistry
	transfer *transferEngine

	shaderStoragePools  *DeviceDescriptorPools
	shaderStorageLayout core1_0.DescriptorSetLayout
}

// New creates a new Allocator that uploads through the provided queue. The queue must
// support transfer operations and belong to queueFamilyIndex. shaderStorageLayout is the
// descriptor set layout used for the storage-buffer descriptor sets bound to shader
// storage allocations.
func New(
	logger *slog.Logger,
	physicalDevice core1_0.PhysicalDevice,
	device core1_0.Device,
	queue core1_0.Queue,
	queueFamilyIndex int,
	shaderStorageLayout core1_0.DescriptorSetLayout,
	options CreateOptions,
) (*Allocator, error) {
	logger.Debug("Allocator::New")

	if physicalDevice == nil {
		return nil, errors.New("attempted to create an Allocator with a nil PhysicalDevice")
	}
	if device == nil {
		return nil, errors.New("attempted to create an Allocator with a nil Device")
	}
	if queue == nil {
		return nil, errors.New("attempted to create an Allocator with a nil Queue")
	}

	bufferPageSize := options.BufferPageSize
	if bufferPageSize == 0 {
		bufferPageSize = defaultBufferPageSize
	}
	imagePageSize := options.ImagePageSize
	if imagePageSize == 0 {
		imagePageSize = defaultImagePageSize
	}
	descriptorPoolCapacity := options.DescriptorPoolCapacity
	if descriptorPoolCapacity == 0 {
		descriptorPoolCapacity = defaultDescriptorPoolCapacity
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	extensionData := vulkan.NewExtensionData(device)
	deviceMemory, err := vulkan.NewDeviceMemoryProperties(
		useMutex,
		options.VulkanCallbacks,
		device,
		physicalDevice,
		extensionData,
	)
	if err != nil {
		return nil, err
	}

	allocator := &Allocator{
		useMutex: useMutex,
		mutex:    utils.OptionalMutex{UseMutex: useMutex},
		logger:   logger,

		device:         device,
		physicalDevice: physicalDevice,
		callbacks:      options.VulkanCallbacks,
		deviceMemory:   deviceMemory,
		extensionData:  extensionData,
		limits:         deriveLimits(physicalDevice, deviceMemory),

		imagePages: make(map[uint32]*pageCache),
		registry:   newPointerRegistry(),

		shaderStorageLayout: shaderStorageLayout,
	}

	allocator.stagingBufferPages = newPageCache(logger, device, deviceMemory, options.VulkanCallbacks, pageCacheOptions{
		name:                "stagingBuffers",
		pageSize:            bufferPageSize,
		bufferUsage:         core1_0.BufferUsageTransferSrc,
		requiredProperties:  core1_0.MemoryPropertyHostVisible,
		preferredProperties: core1_0.MemoryPropertyHostCoherent,
		mapped:              true,
	})
	allocator.stagingImagePages = newPageCache(logger, device, deviceMemory, options.VulkanCallbacks, pageCacheOptions{
		name:                "stagingImages",
		pageSize:            imagePageSize,
		bufferUsage:         core1_0.BufferUsageTransferSrc,
		requiredProperties:  core1_0.MemoryPropertyHostVisible,
		preferredProperties: core1_0.MemoryPropertyHostCoherent,
		mapped:              true,
	})
	allocator.deviceBufferPages = newPageCache(logger, device, deviceMemory, options.VulkanCallbacks, pageCacheOptions{
		name:     "deviceBuffers",
		pageSize: bufferPageSize,
		bufferUsage: core1_0.BufferUsageTransferDst | core1_0.BufferUsageVertexBuffer |
			core1_0.BufferUsageIndexBuffer | core1_0.BufferUsageUniformBuffer,
		requiredProperties: core1_0.MemoryPropertyDeviceLocal,
	})
	allocator.shaderStoragePages = newPageCache(logger, device, deviceMemory, options.VulkanCallbacks, pageCacheOptions{
		name:               "shaderStorage",
		pageSize:           bufferPageSize,
		bufferUsage:        core1_0.BufferUsageTransferDst | core1_0.BufferUsageStorageBuffer,
		requiredProperties: core1_0.MemoryPropertyDeviceLocal,
	})

	allocator.shaderStoragePools = NewDeviceDescriptorPools(
		logger, device, options.VulkanCallbacks,
		DescriptorPoolKindStorageBuffer, descriptorPoolCapacity,
	)

	allocator.transfer, _, err = newTransferEngine(logger, device, queue, queueFamilyIndex, options.VulkanCallbacks)
	if err != nil {
		return nil, err
	}

	return allocator, nil
}

func deriveLimits(physicalDevice core1_0.PhysicalDevice, deviceMemory *vulkan.DeviceMemoryProperties) Limits {
	deviceLimits := deviceMemory.DeviceProperties().Limits

	limits := Limits{
		MaxImageDimension:        deviceLimits.MaxImageDimension2D,
		NonCoherentAtomAlignment: uint(deviceMemory.NonCoherentAtomSize()),
	}

	if limits.NonCoherentAtomAlignment < minStagingAlignment {
		limits.NonCoherentAtomAlignment = minStagingAlignment
	}

	limits.OptimalImageCopyAlignment = uint(deviceLimits.OptimalBufferCopyOffsetAlignment)
	if limits.OptimalImageCopyAlignment < limits.NonCoherentAtomAlignment {
		limits.OptimalImageCopyAlignment = limits.NonCoherentAtomAlignment
	}

	// Mip chains are generated with linear-filtered blits, so images stay at one mip
	// level on devices that can't blit the upload format
	formatProperties := physicalDevice.FormatProperties(core1_0.FormatR8G8B8A8UnsignedNormalized)
	requiredFeatures := core1_0.FormatFeatureBlitSource | core1_0.FormatFeatureBlitDestination |
		core1_0.FormatFeatureSampledImageFilterLinear
	limits.OptimalImageBlitting = formatProperties.OptimalTilingFeatures&requiredFeatures == requiredFeatures

	return limits
}

// Limits returns the device limits this allocator derived at creation time.
func (a *Allocator) Limits() Limits {
	return a.limits
}

// Destroy tears down every cache, pool, and transfer object the allocator owns. Any
// still-live allocations are logged and abandoned. The allocator may not be used after
// Destroy returns.
func (a *Allocator) Destroy() {
	a.logger.Debug("Allocator::Destroy")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	liveAllocations := len(a.registry.buffers) + len(a.registry.shaderStorage) + len(a.registry.images)
	if liveAllocations > 0 {
		a.logger.Warn("destroying an allocator with unreleased allocations",
			slog.Int("liveAllocations", liveAllocations),
		)
	}

	for key, entry := range a.registry.images {
		entry.image.Destroy(a.callbacks)
		delete(a.registry.images, key)
	}
	a.registry.buffers = make(map[uintptr]*bufferCacheEntry)
	a.registry.shaderStorage = make(map[uintptr]*shaderStorageCacheEntry)

	a.transfer.destroy()
	a.shaderStoragePools.Destroy()

	a.stagingBufferPages.destroy()
	a.stagingImagePages.destroy()
	a.deviceBufferPages.destroy()
	a.shaderStoragePages.destroy()
	for memoryTypeBits, cache := range a.imagePages {
		cache.destroy()
		delete(a.imagePages, memoryTypeBits)
	}
}
