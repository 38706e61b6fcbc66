package vsm

import (
	"fmt"
	"unsafe"
)

// pointerRegistry maps the raw base address of each handed-out staging view back to its
// cache entry. The three resource kinds keep separate maps, and lookups probe them in a
// fixed order: buffers, then shader storage, then images.
//
// The registry is what makes the public API work on plain byte slices. Because every
// staging block has a distinct base address for as long as it is live, the address is a
// unique key until the entry is freed.
type pointerRegistry struct {
	buffers       map[uintptr]*bufferCacheEntry
	shaderStorage map[uintptr]*shaderStorageCacheEntry
	images        map[uintptr]*imageCacheEntry
}

func newPointerRegistry() pointerRegistry {
	return pointerRegistry{
		buffers:       make(map[uintptr]*bufferCacheEntry),
		shaderStorage: make(map[uintptr]*shaderStorageCacheEntry),
		images:        make(map[uintptr]*imageCacheEntry),
	}
}

func registryKey(hostMemory []byte) uintptr {
	if len(hostMemory) == 0 {
		panic("attempted to look up an empty slice in the allocation registry")
	}
	return uintptr(unsafe.Pointer(&hostMemory[0]))
}

func (r *pointerRegistry) addBuffer(key uintptr, entry *bufferCacheEntry) {
	r.checkUnregistered(key)
	r.buffers[key] = entry
}

func (r *pointerRegistry) addShaderStorage(key uintptr, entry *shaderStorageCacheEntry) {
	r.checkUnregistered(key)
	r.shaderStorage[key] = entry
}

func (r *pointerRegistry) addImage(key uintptr, entry *imageCacheEntry) {
	r.checkUnregistered(key)
	r.images[key] = entry
}

// checkUnregistered guards against registering the same base address twice, which would
// silently orphan the first entry's blocks.
func (r *pointerRegistry) checkUnregistered(key uintptr) {
	if r.lookup(key) != resourceKindNone {
		panic(fmt.Sprintf("memory at 0x%x is already registered", key))
	}
}

// resourceKind identifies which map a registry probe found its entry in.
type resourceKind uint32

const (
	resourceKindNone resourceKind = iota
	resourceKindBuffer
	resourceKindShaderStorage
	resourceKindImage
)

// lookup probes the three maps in order and reports which one held the key.
func (r *pointerRegistry) lookup(key uintptr) resourceKind {
	if _, ok := r.buffers[key]; ok {
		return resourceKindBuffer
	}
	if _, ok := r.shaderStorage[key]; ok {
		return resourceKindShaderStorage
	}
	if _, ok := r.images[key]; ok {
		return resourceKindImage
	}
	return resourceKindNone
}

// mustLookup is lookup for callers holding memory that must have come from this
// allocator. A miss means the caller's pointer is stale or foreign, and continuing would
// corrupt the caches, so it panics.
func (r *pointerRegistry) mustLookup(key uintptr, operation string) resourceKind {
	kind := r.lookup(key)
	if kind == resourceKindNone {
		panic(fmt.Sprintf("%s: memory at 0x%x was not allocated from this allocator", operation, key))
	}
	return kind
}

func (r *pointerRegistry) removeBuffer(key uintptr) *bufferCacheEntry {
	entry := r.buffers[key]
	delete(r.buffers, key)
	return entry
}

func (r *pointerRegistry) removeShaderStorage(key uintptr) *shaderStorageCacheEntry {
	entry := r.shaderStorage[key]
	delete(r.shaderStorage, key)
	return entry
}

func (r *pointerRegistry) removeImage(key uintptr) *imageCacheEntry {
	entry := r.images[key]
	delete(r.images, key)
	return entry
}
