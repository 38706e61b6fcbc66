package vulkan

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"

	"github.com/vkngwrapper/stockpile/memutils"
)

// DeviceMemoryProperties wraps a Device and its PhysicalDevice's memory layout. It is the
// single gateway for vkAllocateMemory and vkFreeMemory calls: it enforces the device's
// maxMemoryAllocationCount, keeps per-heap usage counters, and answers memory-type
// selection queries for page creation.
type DeviceMemoryProperties struct {
	// Number of driver-level allocations currently live, across all heaps
	memoryCount uint32
	// Number of driver-level allocations that have been made from each heap
	blockCount [common.MaxMemoryHeaps]int32
	// Size of driver-level allocations that have been made from each heap
	blockBytes [common.MaxMemoryHeaps]int64

	// Whether the SynchronizedMemory objects created from this object should use a mutex to
	// control access
	useMutex            bool
	allocationCallbacks *driver.AllocationCallbacks

	device           core1_0.Device
	physicalDevice   core1_0.PhysicalDevice
	deviceProperties *core1_0.PhysicalDeviceProperties
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
	extensionData    *ExtensionData
}

func NewDeviceMemoryProperties(
	useMutex bool,
	allocationCallbacks *driver.AllocationCallbacks,
	device core1_0.Device,
	physicalDevice core1_0.PhysicalDevice,
	extensionData *ExtensionData,
) (*DeviceMemoryProperties, error) {
	deviceMemory := &DeviceMemoryProperties{
		useMutex:            useMutex,
		allocationCallbacks: allocationCallbacks,

		device:         device,
		physicalDevice: physicalDevice,
		extensionData:  extensionData,
	}

	var err error
	deviceMemory.deviceProperties, err = physicalDevice.Properties()
	if err != nil {
		return nil, err
	}

	deviceMemory.memoryProperties = physicalDevice.MemoryProperties()

	err = memutils.CheckPow2(deviceMemory.deviceProperties.Limits.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	return deviceMemory, nil
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.memoryProperties.MemoryTypes)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memTypeIndex].HeapIndex
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memTypeIndex int) core1_0.MemoryType {
	return m.memoryProperties.MemoryTypes[memTypeIndex]
}

func (m *DeviceMemoryProperties) DeviceProperties() *core1_0.PhysicalDeviceProperties {
	return m.deviceProperties
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostNonCoherent(memTypeIndex int) bool {
	flags := m.memoryProperties.MemoryTypes[memTypeIndex].PropertyFlags

	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

// NonCoherentAtomSize returns the device's nonCoherentAtomSize limit, clamped to a
// minimum of 1.
func (m *DeviceMemoryProperties) NonCoherentAtomSize() int {
	atomSize := m.deviceProperties.Limits.NonCoherentAtomSize
	if atomSize < 1 {
		return 1
	}
	return atomSize
}

// FindMemoryTypeIndex locates the first memory type that is permitted by typeBits and
// carries all of requiredFlags. It returns ok=false when no memory type qualifies.
func (m *DeviceMemoryProperties) FindMemoryTypeIndex(typeBits uint32, requiredFlags core1_0.MemoryPropertyFlags) (memTypeIndex int, ok bool) {
	for memTypeIndex = 0; memTypeIndex < m.MemoryTypeCount(); memTypeIndex++ {
		if typeBits&(1<<memTypeIndex) == 0 {
			continue
		}

		if m.memoryProperties.MemoryTypes[memTypeIndex].PropertyFlags&requiredFlags == requiredFlags {
			return memTypeIndex, true
		}
	}

	return 0, false
}

func (m *DeviceMemoryProperties) addBlockAllocation(heapIndex int, allocationSize int) {
	atomic.AddInt64(&m.blockBytes[heapIndex], int64(allocationSize))
	atomic.AddInt32(&m.blockCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) removeBlockAllocation(heapIndex, allocationSize int) {
	newVal := atomic.AddInt64(&m.blockBytes[heapIndex], int64(-allocationSize))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.blockCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count for heapIndex %d went negative", heapIndex))
	}
}

// AllocateVulkanMemory performs a driver-level memory allocation for a new page,
// enforcing the device's maxMemoryAllocationCount limit.
func (m *DeviceMemoryProperties) AllocateVulkanMemory(
	allocateInfo core1_0.MemoryAllocateInfo,
) (mem *SynchronizedMemory, res common.VkResult, err error) {
	newDeviceCount := atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		// If we failed out, roll back the device increment
		if err != nil {
			// Decrement
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()

	if int(newDeviceCount) > m.deviceProperties.Limits.MaxMemoryAllocationCount {
		return nil, core1_0.VKErrorTooManyObjects, core1_0.VKErrorTooManyObjects.ToError()
	}

	mem, res, err = allocateSynchronizedMemory(m.device, m.useMutex, m.allocationCallbacks, m.extensionData, allocateInfo)
	if err != nil {
		return nil, res, err
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(allocateInfo.MemoryTypeIndex)
	m.addBlockAllocation(heapIndex, allocateInfo.AllocationSize)

	return mem, res, nil
}

// FreeVulkanMemory returns page memory to the driver and unwinds the counters that
// AllocateVulkanMemory applied.
func (m *DeviceMemoryProperties) FreeVulkanMemory(memTypeIndex int, size int, memory *SynchronizedMemory) {
	memory.FreeMemory()

	heapIndex := m.MemoryTypeIndexToHeapIndex(memTypeIndex)
	m.removeBlockAllocation(heapIndex, size)
	// Decrement
	atomic.AddUint32(&m.memoryCount, ^uint32(0))
}

// FlushMappedRange flushes a mapped byte range of non-coherent memory, expanding the
// range to the device's nonCoherentAtomSize and clamping it to the allocation's size. It
// no-ops for coherent memory types.
func (m *DeviceMemoryProperties) FlushMappedRange(memory *SynchronizedMemory, memTypeIndex int, offset, size int) (common.VkResult, error) {
	if !m.IsMemoryTypeHostNonCoherent(memTypeIndex) {
		return core1_0.VKSuccess, nil
	}

	atomSize := uint(m.NonCoherentAtomSize())
	allocationSize := memory.Size()

	alignedOffset := memutils.AlignDown(offset, atomSize)
	alignedEnd := memutils.AlignUp(offset+size, atomSize)
	if alignedEnd > allocationSize {
		alignedEnd = allocationSize
	}

	return m.device.FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: memory.VulkanDeviceMemory(),
			Offset: alignedOffset,
			Size:   alignedEnd - alignedOffset,
		},
	})
}

func (m *DeviceMemoryProperties) AllocationCount() uint32 {
	return atomic.LoadUint32(&m.memoryCount)
}

// AddHeapStatistics accumulates the driver-level allocation counters for every heap into
// the provided statistics object.
func (m *DeviceMemoryProperties) AddHeapStatistics(stats *memutils.Statistics) {
	for heapIndex := 0; heapIndex < len(m.memoryProperties.MemoryHeaps); heapIndex++ {
		stats.PageCount += int(atomic.LoadInt32(&m.blockCount[heapIndex]))
		stats.PageBytes += int(atomic.LoadInt64(&m.blockBytes[heapIndex]))
	}
}

func (m *DeviceMemoryProperties) HeapStatistics(heapIndex int) (blockCount int, blockBytes int) {
	if heapIndex < 0 || heapIndex >= len(m.memoryProperties.MemoryHeaps) {
		panic(errors.Newf("attempted to query statistics for invalid heap index %d", heapIndex))
	}

	return int(atomic.LoadInt32(&m.blockCount[heapIndex])), int(atomic.LoadInt64(&m.blockBytes[heapIndex]))
}
