package vsm

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/golang/mock/gomock"

	"github.com/vkngwrapper/stockpile/memutils"
)

func TestAllocateBufferMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	fixture := readyAllocator(t, ctrl, defaultSetup())

	stagingPage := expectStagingBufferPage(ctrl, fixture, defaultBufferPageSize)
	expectDeviceBufferPage(ctrl, fixture, defaultBufferPageSize)

	initialData := []byte{1, 2, 3, 4, 5}
	hostMemory, _, err := fixture.allocator.AllocateBufferMemory(initialData, 1000)
	require.NoError(t, err)
	require.Len(t, hostMemory, 1000)

	// The returned view is backed by the staging page's mapping and already holds the
	// initial data
	require.Equal(t, initialData, hostMemory[:5])
	require.Equal(t, initialData, stagingPage.backing[:5])

	require.True(t, fixture.allocator.HasBufferMemory(hostMemory))
	require.False(t, fixture.allocator.HasShaderStorageMemory(hostMemory))
	require.False(t, fixture.allocator.HasImageMemory(hostMemory))

	state, ok := fixture.allocator.MemoryFlushState(hostMemory)
	require.True(t, ok)
	require.Equal(t, FlushStateNone, state)

	require.NoError(t, fixture.allocator.Free(hostMemory))
	require.False(t, fixture.allocator.HasBufferMemory(hostMemory))
}

func TestAllocateBufferMemoryReusesPage(t *testing.T) {
	ctrl := gomock.NewController(t)
	fixture := readyAllocator(t, ctrl, defaultSetup())

	// One page per cache serves both allocations: page creation is expected exactly once
	expectStagingBufferPage(ctrl, fixture, defaultBufferPageSize)
	expectDeviceBufferPage(ctrl, fixture, defaultBufferPageSize)

	first, _, err := fixture.allocator.AllocateBufferMemory(nil, 1000)
	require.NoError(t, err)
	second, _, err := fixture.allocator.AllocateBufferMemory(nil, 1000)
	require.NoError(t, err)

	require.NotSame(t, &first[0], &second[0])

	stats := fixture.allocator.Statistics()
	require.Equal(t, 2, stats.PageCount)
	require.Equal(t, 4, stats.BlockCount)
}

func TestAllocateBufferMemorySmallAllocationsShareOnePage(t *testing.T) {
	ctrl := gomock.NewController(t)
	fixture := readyAllocator(t, ctrl, defaultSetup())

	expectStagingBufferPage(ctrl, fixture, defaultBufferPageSize)
	expectDeviceBufferPage(ctrl, fixture, defaultBufferPageSize)

	for i := 0; i < 8; i++ {
		_, _, err := fixture.allocator.AllocateBufferMemory(nil, 16)
		require.NoError(t, err)
	}

	stats := fixture.allocator.Statistics()
	require.Equal(t, 2, stats.PageCount)
}

func TestAllocateBufferMemoryLargerThanPageSize(t *testing.T) {
	ctrl := gomock.NewController(t)
	fixture := readyAllocator(t, ctrl, defaultSetup())

	// An allocation one byte past the page size gets pages sized to the allocation
	oversized := defaultBufferPageSize + 1
	expectStagingBufferPage(ctrl, fixture, oversized)
	expectDeviceBufferPage(ctrl, fixture, oversized)

	hostMemory, _, err := fixture.allocator.AllocateBufferMemory(nil, oversized)
	require.NoError(t, err)
	require.Len(t, hostMemory, oversized)
}

func TestAllocateBufferMemoryReservesCorruptionMargin(t *testing.T) {
	ctrl := gomock.NewController(t)
	fixture := readyAllocator(t, ctrl, defaultSetup())

	expectStagingBufferPage(ctrl, fixture, defaultBufferPageSize)
	expectDeviceBufferPage(ctrl, fixture, defaultBufferPageSize)

	first, _, err := fixture.allocator.AllocateBufferMemory(nil, 16)
	require.NoError(t, err)
	second, _, err := fixture.allocator.AllocateBufferMemory(nil, 16)
	require.NoError(t, err)

	// Each carve reserves DebugMargin extra bytes past the block, so successive blocks sit
	// 16+DebugMargin apart. In debug builds the margin holds the corruption markers that
	// releaseBlock checks on free.
	spacing := uintptr(unsafe.Pointer(&second[0])) - uintptr(unsafe.Pointer(&first[0]))
	require.Equal(t, uintptr(16+memutils.DebugMargin), spacing)

	require.NoError(t, fixture.allocator.Free(second))
	require.NoError(t, fixture.allocator.Free(first))
}

func TestFreeThenReallocateReusesSpan(t *testing.T) {
	ctrl := gomock.NewController(t)
	fixture := readyAllocator(t, ctrl, defaultSetup())

	expectStagingBufferPage(ctrl, fixture, defaultBufferPageSize)
	expectDeviceBufferPage(ctrl, fixture, defaultBufferPageSize)

	first, _, err := fixture.allocator.AllocateBufferMemory(nil, 1000)
	require.NoError(t, err)
	firstBase := &first[0]

	require.NoError(t, fixture.allocator.Free(first))

	second, _, err := fixture.allocator.AllocateBufferMemory(nil, 1000)
	require.NoError(t, err)

	// First-fit hands the freed span straight back
	require.Same(t, firstBase, &second[0])
}

func TestAllocateShaderStorageMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	fixture := readyAllocator(t, ctrl, defaultSetup())

	expectStagingBufferPage(ctrl, fixture, defaultBufferPageSize)
	expectShaderStoragePage(ctrl, fixture, defaultBufferPageSize)

	hostMemory, _, err := fixture.allocator.AllocateShaderStorageMemory([]byte{9, 9}, 256)
	require.NoError(t, err)
	require.Len(t, hostMemory, 256)

	require.True(t, fixture.allocator.HasShaderStorageMemory(hostMemory))
	require.False(t, fixture.allocator.HasBufferMemory(hostMemory))

	// No full flush has happened, so no descriptor set is bound yet
	_, ok := fixture.allocator.ShaderStorageDescriptorSet(hostMemory)
	require.False(t, ok)

	require.NoError(t, fixture.allocator.Free(hostMemory))
}

func TestAllocateBufferMemoryInvalidSize(t *testing.T) {
	ctrl := gomock.NewController(t)
	fixture := readyAllocator(t, ctrl, defaultSetup())

	_, _, err := fixture.allocator.AllocateBufferMemory(nil, 0)
	require.Error(t, err)

	_, _, err = fixture.allocator.AllocateBufferMemory(make([]byte, 32), 16)
	require.Error(t, err)
}

func TestFreeUnknownMemoryPanics(t *testing.T) {
	ctrl := gomock.NewController(t)
	fixture := readyAllocator(t, ctrl, defaultSetup())

	foreign := make([]byte, 64)
	require.Panics(t, func() {
		_ = fixture.allocator.Free(foreign)
	})
}

func TestFlushUnknownMemoryPanics(t *testing.T) {
	ctrl := gomock.NewController(t)
	fixture := readyAllocator(t, ctrl, defaultSetup())

	foreign := make([]byte, 64)
	require.Panics(t, func() {
		_, _, _, _ = fixture.allocator.Flush(foreign, true)
	})
}

func TestDestroyTearsDownPages(t *testing.T) {
	ctrl := gomock.NewController(t)
	fixture := readyAllocator(t, ctrl, defaultSetup())

	stagingPage := expectStagingBufferPage(ctrl, fixture, defaultBufferPageSize)
	devicePage := expectDeviceBufferPage(ctrl, fixture, defaultBufferPageSize)

	hostMemory, _, err := fixture.allocator.AllocateBufferMemory(nil, 128)
	require.NoError(t, err)
	require.NoError(t, fixture.allocator.Free(hostMemory))

	expectPageDestroy(stagingPage)
	expectPageDestroy(devicePage)
	fixture.fence.EXPECT().Destroy(gomock.Any())
	fixture.commandPool.EXPECT().Destroy(gomock.Any())

	fixture.allocator.Destroy()
}
