package metadata

import (
	"github.com/pkg/errors"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/stockpile/memutils"
)

// NoSpaceError is returned from FreeListMetadata.Allocate when no free range in the page
// is large enough to hold the requested allocation at the requested alignment. Consumers
// should respond by trying another page or creating a new one.
var NoSpaceError error = errors.New("no free range is large enough for the requested allocation")

// FreeRange is a single contiguous span of unallocated bytes within a page.
type FreeRange struct {
	Offset int
	Size   int
}

// FreeListMetadata tracks the free sub-ranges of a single coarse memory page and carves
// block reservations out of them. It is a first-fit allocator: ranges are kept sorted by
// offset and the lowest-offset range that can hold the request wins.
//
// The metadata does not touch the memory it describes- it only does arithmetic. The
// consumer is responsible for pairing each successful Allocate with exactly one Free of
// the same span, which is what maintains the invariant that no two live blocks overlap.
type FreeListMetadata struct {
	size       int
	freeRanges []FreeRange
	blockCount int
}

// NewFreeListMetadata creates metadata for a page of the provided size, with the entire
// page initially free.
func NewFreeListMetadata(size int) *FreeListMetadata {
	if size < 1 {
		panic("attempted to initialize page metadata with a non-positive size")
	}

	return &FreeListMetadata{
		size:       size,
		freeRanges: []FreeRange{{Offset: 0, Size: size}},
	}
}

// Size returns the page size this metadata was initialized with.
func (m *FreeListMetadata) Size() int {
	return m.size
}

// IsEmpty returns true when no blocks are live in the page.
func (m *FreeListMetadata) IsEmpty() bool {
	return m.blockCount == 0
}

// BlockCount returns the number of live blocks carved from the page.
func (m *FreeListMetadata) BlockCount() int {
	return m.blockCount
}

// SumFreeSize returns the total number of free bytes in the page. Because of
// fragmentation, an allocation of this size may still fail.
func (m *FreeListMetadata) SumFreeSize() int {
	var sum int
	for i := 0; i < len(m.freeRanges); i++ {
		sum += m.freeRanges[i].Size
	}
	return sum
}

// Allocate reserves size bytes at the requested alignment. It returns the offset of the
// reserved span and the number of padding bytes between that offset and the first aligned
// byte. The reserved span is [offset, offset+padding+size), and that entire span must be
// handed back to Free in one piece.
func (m *FreeListMetadata) Allocate(size int, alignment uint) (offset int, padding int, err error) {
	if size < 1 {
		return 0, 0, cerrors.Newf("invalid allocation size %d", size)
	}
	memutils.DebugCheckPow2(alignment, "allocation alignment")

	for i := 0; i < len(m.freeRanges); i++ {
		candidate := m.freeRanges[i]
		alignPadding := memutils.AlignOffset(candidate.Offset, alignment)
		if candidate.Size < alignPadding+size {
			continue
		}

		m.carve(i, alignPadding+size)
		m.blockCount++
		return candidate.Offset, alignPadding, nil
	}

	return 0, 0, NoSpaceError
}

// carve removes length bytes from the front of the free range at rangeIndex, dropping the
// range entirely when it is consumed.
func (m *FreeListMetadata) carve(rangeIndex int, length int) {
	if m.freeRanges[rangeIndex].Size == length {
		m.freeRanges = append(m.freeRanges[:rangeIndex], m.freeRanges[rangeIndex+1:]...)
		return
	}

	m.freeRanges[rangeIndex].Offset += length
	m.freeRanges[rangeIndex].Size -= length
}

// Free returns the span [offset, offset+size) to the free list, merging it with adjacent
// free ranges. The span must be exactly one previously-allocated reservation, padding
// included. Overlap with an existing free range indicates a double free and returns an
// error- the page is in an unknown state afterward, and consumers should treat this as
// fatal.
func (m *FreeListMetadata) Free(offset, size int) error {
	if offset < 0 || size < 1 || offset+size > m.size {
		return cerrors.Newf("freed span [%d, %d) does not lie within the page", offset, offset+size)
	}
	if m.blockCount < 1 {
		return cerrors.New("freed a block from a page with no live blocks")
	}

	// Locate the insertion point- the first free range at or after the freed span
	insertAt := len(m.freeRanges)
	for i := 0; i < len(m.freeRanges); i++ {
		if m.freeRanges[i].Offset >= offset {
			insertAt = i
			break
		}
	}

	if insertAt < len(m.freeRanges) && offset+size > m.freeRanges[insertAt].Offset {
		return cerrors.Newf("freed span [%d, %d) overlaps a free range (possible double free)", offset, offset+size)
	}
	if insertAt > 0 {
		prev := m.freeRanges[insertAt-1]
		if prev.Offset+prev.Size > offset {
			return cerrors.Newf("freed span [%d, %d) overlaps a free range (possible double free)", offset, offset+size)
		}
	}

	mergePrev := insertAt > 0 && m.freeRanges[insertAt-1].Offset+m.freeRanges[insertAt-1].Size == offset
	mergeNext := insertAt < len(m.freeRanges) && m.freeRanges[insertAt].Offset == offset+size

	switch {
	case mergePrev && mergeNext:
		m.freeRanges[insertAt-1].Size += size + m.freeRanges[insertAt].Size
		m.freeRanges = append(m.freeRanges[:insertAt], m.freeRanges[insertAt+1:]...)
	case mergePrev:
		m.freeRanges[insertAt-1].Size += size
	case mergeNext:
		m.freeRanges[insertAt].Offset = offset
		m.freeRanges[insertAt].Size += size
	default:
		m.freeRanges = append(m.freeRanges, FreeRange{})
		copy(m.freeRanges[insertAt+1:], m.freeRanges[insertAt:])
		m.freeRanges[insertAt] = FreeRange{Offset: offset, Size: size}
	}

	m.blockCount--
	return nil
}

// Clear instantly frees all blocks, returning the page to its initial state.
func (m *FreeListMetadata) Clear() {
	m.blockCount = 0
	m.freeRanges = m.freeRanges[:0]
	m.freeRanges = append(m.freeRanges, FreeRange{Offset: 0, Size: m.size})
}

// VisitFreeRegions calls the provided callback once per free range, in offset order.
func (m *FreeListMetadata) VisitFreeRegions(handleRange func(offset, size int) error) error {
	for i := 0; i < len(m.freeRanges); i++ {
		err := handleRange(m.freeRanges[i].Offset, m.freeRanges[i].Size)
		if err != nil {
			return err
		}
	}
	return nil
}

// AddDetailedStatistics sums this page's free-range statistics into the provided
// memutils.DetailedStatistics object.
func (m *FreeListMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.PageCount++
	stats.PageBytes += m.size

	for i := 0; i < len(m.freeRanges); i++ {
		stats.AddFreeRange(m.freeRanges[i].Size)
	}
}

// Validate performs internal consistency checks on the free list. When the implementation
// is functioning correctly it should not be possible for this method to return an error.
func (m *FreeListMetadata) Validate() error {
	var sum int
	var prevEnd int

	for i := 0; i < len(m.freeRanges); i++ {
		r := m.freeRanges[i]
		if r.Size < 1 {
			return cerrors.Newf("free range at index %d has invalid size %d", i, r.Size)
		}
		if r.Offset < prevEnd {
			return cerrors.Newf("free range at index %d overlaps or touches out of order", i)
		}
		if i > 0 && r.Offset == prevEnd {
			return cerrors.Newf("free range at index %d was not merged with its predecessor", i)
		}
		if r.Offset+r.Size > m.size {
			return cerrors.Newf("free range at index %d extends past the end of the page", i)
		}

		prevEnd = r.Offset + r.Size
		sum += r.Size
	}

	if m.blockCount == 0 && sum != m.size {
		return cerrors.New("page has no live blocks but is not fully free")
	}
	if m.blockCount > 0 && sum == m.size {
		return cerrors.New("page reports live blocks but the entire page is free")
	}

	return nil
}
