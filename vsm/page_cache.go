package vsm

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/stockpile/memutils"
	"github.com/vkngwrapper/stockpile/memutils/metadata"
	"github.com/vkngwrapper/stockpile/vsm/internal/vulkan"
)

// Page is one driver-level memory allocation, carved into blocks by free-list metadata.
// Buffer pages own a page-spanning Buffer that blocks are sub-ranges of. Image pages
// have no buffer: each image binds directly to the page memory at its block's offset.
type Page struct {
	cache        *pageCache
	memory       *vulkan.SynchronizedMemory
	buffer       core1_0.Buffer
	memTypeIndex int
	metadata     *metadata.FreeListMetadata
}

type pageCacheOptions struct {
	name     string
	pageSize int
	// bufferUsage is 0 for image page caches, which create no page-spanning buffer
	bufferUsage        core1_0.BufferUsageFlags
	requiredProperties core1_0.MemoryPropertyFlags
	// preferredProperties are wanted but not mandatory: memory type selection tries
	// required|preferred first and falls back to required alone
	preferredProperties core1_0.MemoryPropertyFlags
	// memoryTypeBits restricts the eligible memory types for image page caches, which
	// have no buffer to query requirements from
	memoryTypeBits uint32
	mapped         bool
}

// pageCache manages every page of a single class: one combination of size, usage, and
// memory properties. Blocks are placed first-fit across existing pages, and a new page
// is created only when no existing page can hold the request.
type pageCache struct {
	pageCacheOptions

	logger       *slog.Logger
	device       core1_0.Device
	deviceMemory *vulkan.DeviceMemoryProperties
	callbacks    *driver.AllocationCallbacks

	pages []*Page
}

func newPageCache(
	logger *slog.Logger,
	device core1_0.Device,
	deviceMemory *vulkan.DeviceMemoryProperties,
	callbacks *driver.AllocationCallbacks,
	options pageCacheOptions,
) *pageCache {
	return &pageCache{
		pageCacheOptions: options,

		logger:       logger,
		device:       device,
		deviceMemory: deviceMemory,
		callbacks:    callbacks,
	}
}

// acquireBlock reserves a block of the requested size and alignment, walking existing
// pages in creation order and creating a new page when none can hold the request.
// Requests larger than the cache's page size get a page sized to the request.
func (c *pageCache) acquireBlock(size int, alignment uint) (*Block, common.VkResult, error) {
	c.logger.Debug("pageCache::acquireBlock",
		slog.String("cache", c.name),
		slog.Int("size", size),
	)

	if size < 1 {
		return nil, core1_0.VKErrorUnknown, errors.Errorf("invalid block size %d requested from page cache %s", size, c.name)
	}
	memutils.DebugCheckPow2(alignment, "block alignment")

	for _, page := range c.pages {
		block, err := c.allocateFromPage(page, size, alignment)
		if err == nil {
			return block, core1_0.VKSuccess, nil
		} else if !errors.Is(err, metadata.NoSpaceError) {
			return nil, core1_0.VKErrorUnknown, err
		}
	}

	page, res, err := c.createPage(size + memutils.DebugMargin)
	if err != nil {
		return nil, res, err
	}

	block, err := c.allocateFromPage(page, size, alignment)
	if err != nil {
		return nil, core1_0.VKErrorUnknown, errors.Wrapf(err, "newly-created page in cache %s could not hold a block of size %d", c.name, size)
	}

	return block, core1_0.VKSuccess, nil
}

func (c *pageCache) allocateFromPage(page *Page, size int, alignment uint) (*Block, error) {
	offset, padding, err := page.metadata.Allocate(size+memutils.DebugMargin, alignment)
	if err != nil {
		return nil, err
	}

	block := &Block{
		page:         page,
		offset:       offset,
		alignPadding: padding,
		size:         size,
	}

	mapData := page.memory.MappedData()
	if mapData != nil {
		blockPtr := unsafe.Add(mapData, block.AlignedOffset())
		block.mapped = unsafe.Slice((*byte)(blockPtr), size)

		if memutils.DebugMargin > 0 {
			memutils.WriteMagicValue(mapData, block.AlignedOffset()+size)
		}
	}

	return block, nil
}

func (c *pageCache) createPage(minSize int) (page *Page, res common.VkResult, err error) {
	pageSize := c.pageSize
	if minSize > pageSize {
		pageSize = minSize
	}

	c.logger.Debug("pageCache::createPage",
		slog.String("cache", c.name),
		slog.Int("pageSize", pageSize),
	)

	allocationSize := pageSize
	memoryTypeBits := c.memoryTypeBits

	var buffer core1_0.Buffer
	if c.bufferUsage != 0 {
		buffer, res, err = c.device.CreateBuffer(c.callbacks, core1_0.BufferCreateInfo{
			Size:        pageSize,
			Usage:       c.bufferUsage,
			SharingMode: core1_0.SharingModeExclusive,
		})
		if err != nil {
			return nil, res, err
		}
		defer func() {
			if err != nil {
				buffer.Destroy(c.callbacks)
			}
		}()

		memReqs := buffer.MemoryRequirements()
		memoryTypeBits = memReqs.MemoryTypeBits
		if memReqs.Size > allocationSize {
			allocationSize = memReqs.Size
		}
	}

	memTypeIndex, ok := c.deviceMemory.FindMemoryTypeIndex(memoryTypeBits, c.requiredProperties|c.preferredProperties)
	if !ok {
		memTypeIndex, ok = c.deviceMemory.FindMemoryTypeIndex(memoryTypeBits, c.requiredProperties)
	}
	if !ok {
		return nil, core1_0.VKErrorFeatureNotPresent, errors.Wrapf(ErrNoCompatibleMemoryType, "page cache %s", c.name)
	}

	memory, res, err := c.deviceMemory.AllocateVulkanMemory(core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: memTypeIndex,
		AllocationSize:  allocationSize,
	})
	if err != nil {
		return nil, res, err
	}
	defer func() {
		if err != nil {
			c.deviceMemory.FreeVulkanMemory(memTypeIndex, allocationSize, memory)
		}
	}()

	if buffer != nil {
		res, err = memory.BindVulkanBuffer(0, buffer, nil)
		if err != nil {
			return nil, res, err
		}
	}

	if c.mapped {
		_, res, err = memory.MapWhole()
		if err != nil {
			return nil, res, err
		}
	}

	page = &Page{
		cache:        c,
		memory:       memory,
		buffer:       buffer,
		memTypeIndex: memTypeIndex,
		metadata:     metadata.NewFreeListMetadata(pageSize),
	}
	c.pages = append(c.pages, page)

	return page, core1_0.VKSuccess, nil
}

// releaseBlock returns a block's reservation to its page. Empty pages are kept alive for
// reuse until the cache itself is destroyed.
func (c *pageCache) releaseBlock(block *Block) error {
	if memutils.DebugMargin > 0 {
		mapData := block.page.memory.MappedData()
		if mapData != nil && !memutils.ValidateMagicValue(mapData, block.AlignedOffset()+block.size) {
			panic("MEMORY CORRUPTION DETECTED AROUND FREED ALLOCATION")
		}
	}

	err := block.page.metadata.Free(block.offset, block.alignPadding+block.size+memutils.DebugMargin)
	if err != nil {
		return errors.Wrapf(err, "page cache %s", c.name)
	}

	memutils.DebugValidate(block.page.metadata)
	return nil
}

// destroy tears down every page in the cache. Blocks still live in a page are logged and
// abandoned along with it.
func (c *pageCache) destroy() {
	c.logger.Debug("pageCache::destroy", slog.String("cache", c.name))

	for _, page := range c.pages {
		if !page.metadata.IsEmpty() {
			c.logger.Warn("destroying a page with unreleased blocks",
				slog.String("cache", c.name),
				slog.Int("liveBlocks", page.metadata.BlockCount()),
			)
		}

		if page.buffer != nil {
			page.buffer.Destroy(c.callbacks)
		}
		c.deviceMemory.FreeVulkanMemory(page.memTypeIndex, page.memory.Size(), page.memory)
	}

	c.pages = nil
}

func (c *pageCache) addStatistics(stats *memutils.Statistics) {
	for _, page := range c.pages {
		stats.PageCount++
		stats.PageBytes += page.metadata.Size()
		stats.BlockCount += page.metadata.BlockCount()
		stats.BlockBytes += page.metadata.Size() - page.metadata.SumFreeSize()
	}
}

func (c *pageCache) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, page := range c.pages {
		page.metadata.AddDetailedStatistics(stats)
		stats.BlockCount += page.metadata.BlockCount()
		stats.BlockBytes += page.metadata.Size() - page.metadata.SumFreeSize()
	}
}
