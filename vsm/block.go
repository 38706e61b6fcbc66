package vsm

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Block is a sub-range reserved from a Page. The reservation covers
// [offset, offset+alignPadding+size): alignment padding is part of the reservation so
// that freeing the block returns the padding too.
type Block struct {
	page         *Page
	offset       int
	alignPadding int
	size         int

	// mapped points into the page's persistent mapping, covering the aligned span. It is
	// nil for blocks carved from device-local pages.
	mapped []byte
}

// Bytes returns the host-writable view of the block. It panics for blocks carved from
// unmapped pages, which have no host view.
func (b *Block) Bytes() []byte {
	if b.mapped == nil {
		panic("attempted to get a host view of a block in unmapped memory")
	}
	return b.mapped
}

// AlignedOffset returns the offset of the block's first usable byte within its page.
func (b *Block) AlignedOffset() int {
	return b.offset + b.alignPadding
}

// Size returns the usable size of the block, not counting alignment padding.
func (b *Block) Size() int {
	return b.size
}

// Buffer returns the page-level Buffer this block is a sub-range of, or nil for blocks
// carved from image pages.
func (b *Block) Buffer() core1_0.Buffer {
	return b.page.buffer
}

// Page returns the page this block was carved from.
func (b *Block) Page() *Page {
	return b.page
}
