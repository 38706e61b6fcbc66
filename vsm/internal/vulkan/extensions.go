package vulkan

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/extensions/v2/khr_bind_memory2"
	khr_bind_memory2_shim "github.com/vkngwrapper/extensions/v2/khr_bind_memory2/shim"
)

// ExtensionData collects the optional device capabilities the allocator can take
// advantage of, promoted from core versions where available and from extensions
// otherwise.
type ExtensionData struct {
	BindMemory2 khr_bind_memory2_shim.Shim
}

func NewExtensionData(device core1_0.Device) *ExtensionData {
	data := &ExtensionData{}

	// Apply device capabilities- add core or extension capabilities to the allocator
	device11 := core1_1.PromoteDevice(device)
	if device11 != nil {
		data.BindMemory2 = device11
	}

	// khr_bind_memory2 if core 1.1 is not active
	if data.BindMemory2 == nil && device.IsDeviceExtensionActive(khr_bind_memory2.ExtensionName) {
		extension := khr_bind_memory2.CreateExtensionFromDevice(device)
		data.BindMemory2 = khr_bind_memory2_shim.NewShim(device, extension)
	}

	return data
}
