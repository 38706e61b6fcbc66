package vsm

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/vkngwrapper/stockpile/memutils"
)

// BuildStatsString dumps the allocator's current state as a JSON string for logging or
// inspection. When detailed is true, the dump includes every page's free ranges in
// addition to the per-cache totals.
func (a *Allocator) BuildStatsString(detailed bool) string {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	generalObj := obj.Name("General").Object()
	generalObj.Name("DeviceAllocations").Int(int(a.deviceMemory.AllocationCount()))
	generalObj.Name("LiveBuffers").Int(len(a.registry.buffers))
	generalObj.Name("LiveShaderStorage").Int(len(a.registry.shaderStorage))
	generalObj.Name("LiveImages").Int(len(a.registry.images))
	generalObj.End()

	cachesObj := obj.Name("Caches").Object()
	a.stagingBufferPages.writeStats(&cachesObj, detailed)
	a.stagingImagePages.writeStats(&cachesObj, detailed)
	a.deviceBufferPages.writeStats(&cachesObj, detailed)
	a.shaderStoragePages.writeStats(&cachesObj, detailed)
	for memoryTypeBits, cache := range a.imagePages {
		imageObj := cachesObj.Name("images-0x" + strconv.FormatUint(uint64(memoryTypeBits), 16)).Object()
		cache.writeStatsBody(&imageObj, detailed)
		imageObj.End()
	}
	cachesObj.End()

	poolsObj := obj.Name("DescriptorPools").Object()
	storageObj := poolsObj.Name(a.shaderStoragePools.Kind.String()).Object()
	storageObj.Name("PoolCount").Int(a.shaderStoragePools.PoolCount())
	storageObj.Name("SetCount").Int(a.shaderStoragePools.SetCount())
	storageObj.End()
	poolsObj.End()

	obj.End()
	return string(writer.Bytes())
}

func (c *pageCache) writeStats(json *jwriter.ObjectState, detailed bool) {
	cacheObj := json.Name(c.name).Object()
	c.writeStatsBody(&cacheObj, detailed)
	cacheObj.End()
}

func (c *pageCache) writeStatsBody(json *jwriter.ObjectState, detailed bool) {
	if !detailed {
		var stats memutils.Statistics
		c.addStatistics(&stats)

		json.Name("PageCount").Int(stats.PageCount)
		json.Name("BlockCount").Int(stats.BlockCount)
		json.Name("PageBytes").Int(stats.PageBytes)
		json.Name("BlockBytes").Int(stats.BlockBytes)
		return
	}

	var stats memutils.DetailedStatistics
	stats.Clear()
	c.addDetailedStatistics(&stats)

	json.Name("PageCount").Int(stats.PageCount)
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("PageBytes").Int(stats.PageBytes)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("FreeRangeCount").Int(stats.FreeRangeCount)
	if stats.FreeRangeCount > 0 {
		json.Name("FreeRangeSizeMin").Int(stats.FreeRangeSizeMin)
		json.Name("FreeRangeSizeMax").Int(stats.FreeRangeSizeMax)
	}

	pagesObj := json.Name("Pages").Object()
	for pageIndex, page := range c.pages {
		pageObj := pagesObj.Name(strconv.Itoa(pageIndex)).Object()
		pageObj.Name("Size").Int(page.metadata.Size())
		pageObj.Name("BlockCount").Int(page.metadata.BlockCount())

		freeArray := pageObj.Name("FreeRanges").Array()
		_ = page.metadata.VisitFreeRegions(func(offset, size int) error {
			rangeObj := freeArray.Object()
			rangeObj.Name("Offset").Int(offset)
			rangeObj.Name("Size").Int(size)
			rangeObj.End()
			return nil
		})
		freeArray.End()

		pageObj.End()
	}
	pagesObj.End()
}
