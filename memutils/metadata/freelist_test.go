package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreeListAllocateFirstFit(t *testing.T) {
	m := NewFreeListMetadata(1024)

	offset, padding, err := m.Allocate(100, 1)
	require.NoError(t, err)
	require.Equal(t, 0, offset)
	require.Equal(t, 0, padding)

	offset, padding, err = m.Allocate(100, 1)
	require.NoError(t, err)
	require.Equal(t, 100, offset)
	require.Equal(t, 0, padding)

	require.Equal(t, 2, m.BlockCount())
	require.Equal(t, 824, m.SumFreeSize())
	require.NoError(t, m.Validate())
}

func TestFreeListAllocateAlignment(t *testing.T) {
	m := NewFreeListMetadata(1024)

	_, _, err := m.Allocate(10, 1)
	require.NoError(t, err)

	// The next free byte is offset 10, so a 16-byte alignment pads by 6
	offset, padding, err := m.Allocate(32, 16)
	require.NoError(t, err)
	require.Equal(t, 10, offset)
	require.Equal(t, 6, padding)
	require.NoError(t, m.Validate())

	// The padded span is reserved as a unit
	offset, padding, err = m.Allocate(1, 1)
	require.NoError(t, err)
	require.Equal(t, 48, offset)
	require.Equal(t, 0, padding)
}

func TestFreeListAllocateNoSpace(t *testing.T) {
	m := NewFreeListMetadata(128)

	_, _, err := m.Allocate(128, 1)
	require.NoError(t, err)

	_, _, err = m.Allocate(1, 1)
	require.ErrorIs(t, err, NoSpaceError)
}

func TestFreeListFragmentationBlocksLargeAlloc(t *testing.T) {
	m := NewFreeListMetadata(300)

	first, _, err := m.Allocate(100, 1)
	require.NoError(t, err)
	_, _, err = m.Allocate(100, 1)
	require.NoError(t, err)
	_, _, err = m.Allocate(100, 1)
	require.NoError(t, err)

	require.NoError(t, m.Free(first, 100))
	require.Equal(t, 100, m.SumFreeSize())

	// 100 free bytes total, but split across nothing- a single range of 100 succeeds
	offset, _, err := m.Allocate(100, 1)
	require.NoError(t, err)
	require.Equal(t, 0, offset)
	require.NoError(t, m.Validate())
}

func TestFreeListFreeCoalescesBothSides(t *testing.T) {
	m := NewFreeListMetadata(300)

	a, _, err := m.Allocate(100, 1)
	require.NoError(t, err)
	b, _, err := m.Allocate(100, 1)
	require.NoError(t, err)
	c, _, err := m.Allocate(100, 1)
	require.NoError(t, err)

	require.NoError(t, m.Free(a, 100))
	require.NoError(t, m.Free(c, 100))
	require.NoError(t, m.Free(b, 100))

	require.True(t, m.IsEmpty())
	require.Equal(t, 300, m.SumFreeSize())
	require.NoError(t, m.Validate())

	// After full coalescing the whole page is one range again
	offset, _, err := m.Allocate(300, 1)
	require.NoError(t, err)
	require.Equal(t, 0, offset)
}

func TestFreeListDoubleFree(t *testing.T) {
	m := NewFreeListMetadata(256)

	offset, _, err := m.Allocate(64, 1)
	require.NoError(t, err)
	_, _, err = m.Allocate(64, 1)
	require.NoError(t, err)

	require.NoError(t, m.Free(offset, 64))
	require.Error(t, m.Free(offset, 64))
}

func TestFreeListFreeOutOfBounds(t *testing.T) {
	m := NewFreeListMetadata(256)

	_, _, err := m.Allocate(256, 1)
	require.NoError(t, err)

	require.Error(t, m.Free(200, 100))
	require.Error(t, m.Free(-1, 10))
}

func TestFreeListClear(t *testing.T) {
	m := NewFreeListMetadata(512)

	_, _, err := m.Allocate(100, 1)
	require.NoError(t, err)
	_, _, err = m.Allocate(100, 1)
	require.NoError(t, err)

	m.Clear()
	require.True(t, m.IsEmpty())
	require.Equal(t, 512, m.SumFreeSize())
	require.NoError(t, m.Validate())
}

func TestFreeListVisitFreeRegions(t *testing.T) {
	m := NewFreeListMetadata(300)

	a, _, err := m.Allocate(100, 1)
	require.NoError(t, err)
	_, _, err = m.Allocate(100, 1)
	require.NoError(t, err)
	require.NoError(t, m.Free(a, 100))

	var ranges []FreeRange
	err = m.VisitFreeRegions(func(offset, size int) error {
		ranges = append(ranges, FreeRange{Offset: offset, Size: size})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []FreeRange{{Offset: 0, Size: 100}, {Offset: 200, Size: 100}}, ranges)
}
