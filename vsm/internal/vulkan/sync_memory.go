package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/driver"

	"github.com/vkngwrapper/stockpile/vsm/internal/utils"
)

// SynchronizedMemory is a single driver-level DeviceMemory allocation backing one page.
// Staging pages are mapped once, in full, when the page is created and stay mapped until
// the page is destroyed. Device-local pages are never mapped.
type SynchronizedMemory struct {
	mapData unsafe.Pointer
	size    int

	mapMutex      utils.OptionalMutex
	memory        core1_0.DeviceMemory
	extensionData *ExtensionData

	allocationCallbacks *driver.AllocationCallbacks
}

func allocateSynchronizedMemory(device core1_0.Device, useMutex bool, callbacks *driver.AllocationCallbacks, extensionData *ExtensionData, allocateInfo core1_0.MemoryAllocateInfo) (*SynchronizedMemory, common.VkResult, error) {
	memory, res, err := device.AllocateMemory(callbacks, allocateInfo)
	if err != nil {
		return nil, res, err
	}

	return &SynchronizedMemory{
		memory: memory,
		size:   allocateInfo.AllocationSize,
		mapMutex: utils.OptionalMutex{
			UseMutex: useMutex,
		},
		extensionData:       extensionData,
		allocationCallbacks: callbacks,
	}, res, nil
}

func (m *SynchronizedMemory) VulkanDeviceMemory() core1_0.DeviceMemory {
	return m.memory
}

// Size returns the size of the driver-level allocation in bytes.
func (m *SynchronizedMemory) Size() int {
	return m.size
}

// MappedData returns the host pointer to the start of the allocation, or nil if the
// allocation has not been mapped.
func (m *SynchronizedMemory) MappedData() unsafe.Pointer {
	return m.mapData
}

// MapWhole maps the entire allocation and retains the mapping for the allocation's
// lifetime. It is an error to call it on an allocation that is already mapped.
func (m *SynchronizedMemory) MapWhole() (unsafe.Pointer, common.VkResult, error) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapData != nil {
		return nil, core1_0.VKErrorUnknown, errors.New("attempted to map page memory that is already mapped")
	}

	mappedData, res, err := m.memory.Map(0, common.WholeSize, core1_0.MemoryMapFlags(0))
	if err != nil {
		return nil, res, err
	}

	m.mapData = mappedData
	return mappedData, res, nil
}

func (m *SynchronizedMemory) BindVulkanBuffer(offset int, buffer core1_0.Buffer, next common.Options) (common.VkResult, error) {
	if next != nil && m.extensionData.BindMemory2 == nil {
		// We included a next pointer for BindBufferMemory2 but it isn't active
		return core1_0.VKErrorExtensionNotPresent, core1_0.VKErrorExtensionNotPresent.ToError()
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if next != nil {
		return m.extensionData.BindMemory2.BindBufferMemory2([]core1_1.BindBufferMemoryInfo{
			{
				Buffer:       buffer,
				Memory:       m.memory,
				MemoryOffset: offset,
				NextOptions:  common.NextOptions{Next: next},
			},
		})
	}

	return buffer.BindBufferMemory(m.memory, offset)
}

func (m *SynchronizedMemory) BindVulkanImage(offset int, image core1_0.Image, next common.Options) (common.VkResult, error) {
	if next != nil && m.extensionData.BindMemory2 == nil {
		// We included a next pointer for BindImageMemory2 but it isn't active
		return core1_0.VKErrorExtensionNotPresent, core1_0.VKErrorExtensionNotPresent.ToError()
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if next != nil {
		return m.extensionData.BindMemory2.BindImageMemory2([]core1_1.BindImageMemoryInfo{
			{
				Image:        image,
				MemoryOffset: uint64(offset),
				Memory:       m.memory,
				NextOptions:  common.NextOptions{Next: next},
			},
		})
	}

	return image.BindImageMemory(m.memory, offset)
}

// FreeMemory unmaps the allocation if necessary and returns it to the driver.
func (m *SynchronizedMemory) FreeMemory() {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapData != nil {
		m.memory.Unmap()
		m.mapData = nil
	}

	m.memory.Free(m.allocationCallbacks)
}
