package vsm

import (
	"io"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/mocks"
	"github.com/golang/mock/gomock"
	"golang.org/x/exp/slog"
)

const testQueueFamilyIndex = 3

type AllocatorSetup struct {
	MemoryTypes      []core1_0.MemoryType
	MemoryHeaps      []core1_0.MemoryHeap
	DeviceProperties core1_0.PhysicalDeviceProperties
	FormatFeatures   core1_0.FormatFeatureFlags
	AllocatorOptions CreateOptions
}

// defaultSetup is a discrete-GPU-shaped device: memory type 0 is device-local on heap 0,
// memory type 1 is host-visible and coherent on heap 1.
func defaultSetup() AllocatorSetup {
	return AllocatorSetup{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     1,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{
				Size:  1024 * 1024 * 1024,
				Flags: core1_0.MemoryHeapDeviceLocal,
			},
			{
				Size:  1024 * 1024 * 1024,
				Flags: 0,
			},
		},
		DeviceProperties: core1_0.PhysicalDeviceProperties{
			DriverType: core1_0.PhysicalDeviceTypeDiscreteGPU,
			Limits: &core1_0.PhysicalDeviceLimits{
				NonCoherentAtomSize:              1,
				MaxMemoryAllocationCount:         4096,
				MaxImageDimension2D:              4096,
				OptimalBufferCopyOffsetAlignment: 4,
			},
		},
		FormatFeatures: core1_0.FormatFeatureBlitSource | core1_0.FormatFeatureBlitDestination |
			core1_0.FormatFeatureSampledImageFilterLinear,
	}
}

type allocatorFixture struct {
	device         *mocks.MockDevice
	physicalDevice *mocks.MockPhysicalDevice
	queue          *mocks.MockQueue
	commandPool    *mocks.MockCommandPool
	commandBuffer  *mocks.MockCommandBuffer
	fence          *mocks.MockFence
	storageLayout  *mocks.MockDescriptorSetLayout

	allocator *Allocator
}

func readyAllocator(t *testing.T, ctrl *gomock.Controller, setup AllocatorSetup) *allocatorFixture {
	fixture := &allocatorFixture{
		device:         mocks.NewMockDevice(ctrl),
		physicalDevice: mocks.NewMockPhysicalDevice(ctrl),
		queue:          mocks.NewMockQueue(ctrl),
		commandPool:    mocks.NewMockCommandPool(ctrl),
		commandBuffer:  mocks.NewMockCommandBuffer(ctrl),
		fence:          mocks.NewMockFence(ctrl),
		storageLayout:  mocks.NewMockDescriptorSetLayout(ctrl),
	}

	// A 1.0 API version keeps core promotion inactive so binds go through the core1_0
	// path the mocks implement
	fixture.device.EXPECT().APIVersion().Return(common.Vulkan1_0).AnyTimes()
	fixture.device.EXPECT().IsDeviceExtensionActive(gomock.Any()).Return(false).AnyTimes()

	fixture.physicalDevice.EXPECT().Properties().Return(&setup.DeviceProperties, nil).AnyTimes()
	fixture.physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: setup.MemoryTypes,
		MemoryHeaps: setup.MemoryHeaps,
	}).AnyTimes()
	fixture.physicalDevice.EXPECT().FormatProperties(core1_0.FormatR8G8B8A8UnsignedNormalized).Return(&core1_0.FormatProperties{
		OptimalTilingFeatures: setup.FormatFeatures,
	}).AnyTimes()

	fixture.device.EXPECT().CreateCommandPool(gomock.Any(), core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: testQueueFamilyIndex,
	}).Return(fixture.commandPool, core1_0.VKSuccess, nil)
	fixture.device.EXPECT().AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        fixture.commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}).Return([]core1_0.CommandBuffer{fixture.commandBuffer}, core1_0.VKSuccess, nil)
	fixture.device.EXPECT().CreateFence(gomock.Any(), core1_0.FenceCreateInfo{}).
		Return(fixture.fence, core1_0.VKSuccess, nil)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	allocator, err := New(
		logger,
		fixture.physicalDevice,
		fixture.device,
		fixture.queue,
		testQueueFamilyIndex,
		fixture.storageLayout,
		setup.AllocatorOptions,
	)
	require.NoError(t, err)
	fixture.allocator = allocator

	return fixture
}

type pageMocks struct {
	buffer  *mocks.MockBuffer
	memory  *mocks.MockDeviceMemory
	backing []byte
}

// expectBufferPage sets up the mock calls one buffer page creation will make: buffer
// creation, memory type selection via the buffer's requirements, the driver-level
// allocation, and the bind. Mapped pages get a real byte slice behind the mapping so
// allocator-returned views are writable.
func expectBufferPage(ctrl *gomock.Controller, fixture *allocatorFixture, pageSize int, usage core1_0.BufferUsageFlags, memoryTypeBits uint32, memTypeIndex int, mapped bool) *pageMocks {
	page := &pageMocks{
		buffer: mocks.NewMockBuffer(ctrl),
		memory: mocks.EasyMockDeviceMemory(ctrl),
	}

	fixture.device.EXPECT().CreateBuffer(gomock.Any(), core1_0.BufferCreateInfo{
		Size:        pageSize,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	}).Return(page.buffer, core1_0.VKSuccess, nil)

	page.buffer.EXPECT().MemoryRequirements().Return(&core1_0.MemoryRequirements{
		Size:           pageSize,
		Alignment:      1,
		MemoryTypeBits: memoryTypeBits,
	})

	fixture.device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: memTypeIndex,
		AllocationSize:  pageSize,
	}).Return(page.memory, core1_0.VKSuccess, nil)

	page.buffer.EXPECT().BindBufferMemory(page.memory, 0).Return(core1_0.VKSuccess, nil)

	if mapped {
		page.backing = make([]byte, pageSize)
		page.memory.EXPECT().Map(0, common.WholeSize, core1_0.MemoryMapFlags(0)).
			Return(unsafe.Pointer(&page.backing[0]), core1_0.VKSuccess, nil)
	}

	return page
}

// expectStagingBufferPage covers the staging-buffer page cache's page creation with the
// default fixture memory layout, where memory type 1 is the host-visible one.
func expectStagingBufferPage(ctrl *gomock.Controller, fixture *allocatorFixture, pageSize int) *pageMocks {
	return expectBufferPage(ctrl, fixture, pageSize, core1_0.BufferUsageTransferSrc, 0x2, 1, true)
}

// expectDeviceBufferPage covers the device-local buffer page cache's page creation with
// the default fixture memory layout, where memory type 0 is the device-local one.
func expectDeviceBufferPage(ctrl *gomock.Controller, fixture *allocatorFixture, pageSize int) *pageMocks {
	usage := core1_0.BufferUsageTransferDst | core1_0.BufferUsageVertexBuffer |
		core1_0.BufferUsageIndexBuffer | core1_0.BufferUsageUniformBuffer
	return expectBufferPage(ctrl, fixture, pageSize, usage, 0x1, 0, false)
}

// expectShaderStoragePage covers the shader storage page cache's page creation.
func expectShaderStoragePage(ctrl *gomock.Controller, fixture *allocatorFixture, pageSize int) *pageMocks {
	usage := core1_0.BufferUsageTransferDst | core1_0.BufferUsageStorageBuffer
	return expectBufferPage(ctrl, fixture, pageSize, usage, 0x1, 0, false)
}

// expectPageDestroy covers a buffer page's teardown: staging pages unmap before the
// memory is freed.
func expectPageDestroy(page *pageMocks) {
	if page.buffer != nil {
		page.buffer.EXPECT().Destroy(gomock.Any())
	}
	if page.backing != nil {
		page.memory.EXPECT().Unmap()
	}
	page.memory.EXPECT().Free(gomock.Any())
}

// expectFullFlushSubmit covers the command recording bracket every full flush performs.
func expectFullFlushSubmit(fixture *allocatorFixture) {
	fixture.commandBuffer.EXPECT().Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	}).Return(core1_0.VKSuccess, nil)
	fixture.commandBuffer.EXPECT().End().Return(core1_0.VKSuccess, nil)
	fixture.fence.EXPECT().Reset().Return(core1_0.VKSuccess, nil)
	fixture.queue.EXPECT().Submit(fixture.fence, []core1_0.SubmitInfo{
		{
			CommandBuffers: []core1_0.CommandBuffer{fixture.commandBuffer},
		},
	}).Return(core1_0.VKSuccess, nil)
}
