// Package kmalloc implements the kernel heap: a first-fit allocator over
// an address-ordered doubly-linked list of block headers, growing on
// demand through the vmm heap region.
package kmalloc

import (
	"unsafe"

	"osprey/kernel"
	"osprey/kernel/mm"
	"osprey/kernel/mm/vmm"
	"osprey/kernel/sync"
)

// granularity is the allocation unit. Block lengths and payload addresses
// are always multiples of it; it must be a power of two no smaller than
// the alignment of blockHeader.
const granularity = uintptr(16)

// blockHeader prefixes every heap block. next and prev link the headers in
// address order across the entire heap.
type blockHeader struct {
	// length is the payload size in bytes, excluding the header.
	length uintptr

	next *blockHeader
	prev *blockHeader

	free bool
}

const headerSize = unsafe.Sizeof(blockHeader{})

var (
	heapMu sync.Spinlock

	// heapHead and heapTail are the lowest- and highest-addressed block
	// headers. heapEnd is the first virtual address past the mapped heap.
	heapHead *blockHeader
	heapTail *blockHeader
	heapEnd  uintptr

	// requestPageFn is mocked by tests and is automatically inlined by
	// the compiler.
	requestPageFn = vmm.HeapRequestPage

	errNotInitialized = &kernel.Error{Module: "kmalloc", Message: "heap is not initialized"}
)

// Init maps the initial heap pages and installs a single free block
// spanning the whole region. Consecutive page requests return adjacent
// virtual pages, so the region is contiguous.
func Init(pages uintptr) *kernel.Error {
	start, err := requestPageFn()
	if err != nil {
		return err
	}

	for i := uintptr(1); i < pages; i++ {
		if _, err = requestPageFn(); err != nil {
			return err
		}
	}

	size := pages * mm.PageSize
	head := (*blockHeader)(unsafe.Pointer(start))
	head.length = size - headerSize
	head.next = nil
	head.prev = nil
	head.free = true

	heapHead = head
	heapTail = head
	heapEnd = start + size

	return nil
}

// Alloc reserves size bytes of heap memory and returns the payload
// address. The size is rounded up to the allocation granularity and the
// returned address is granularity-aligned. Alloc(0) returns 0. When no
// free block fits, the heap grows; exhausting physical memory surfaces
// the frame allocator's error.
func Alloc(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, nil
	}
	if heapHead == nil {
		return 0, errNotInitialized
	}

	size = roundUp(size, granularity)

	heapMu.Acquire()
	defer heapMu.Release()

	for {
		for block := heapHead; block != nil; block = block.next {
			if !block.free || block.length < size {
				continue
			}

			// Split off the tail when the remainder is larger than
			// a header plus one granule.
			if block.length > size+headerSize+granularity {
				split(block, size)
			}

			block.free = false
			return uintptr(unsafe.Pointer(block)) + headerSize, nil
		}

		if err := grow(size); err != nil {
			return 0, err
		}
	}
}

// Free releases the allocation whose payload starts at ptr and restores
// the coalescing invariant: after Free returns no two adjacent blocks are
// both free. Free(0) is a no-op.
func Free(ptr uintptr) {
	if ptr == 0 {
		return
	}

	block := (*blockHeader)(unsafe.Pointer(ptr - headerSize))

	heapMu.Acquire()
	block.free = true
	coalesceForward(block)
	coalesceBackward(block)
	heapMu.Release()
}

// split carves the tail of a free block into a new free block, leaving
// size bytes of payload in the original. Callers hold the heap lock.
func split(block *blockHeader, size uintptr) {
	tail := (*blockHeader)(unsafe.Pointer(uintptr(unsafe.Pointer(block)) + headerSize + size))
	tail.length = block.length - size - headerSize
	tail.free = true

	tail.next = block.next
	tail.prev = block
	if block.next != nil {
		block.next.prev = tail
	}
	block.next = tail
	block.length = size

	if heapTail == block {
		heapTail = tail
	}
}

// grow extends the heap mapping by enough pages to satisfy an allocation
// of size bytes, appends the new region as a free block and merges it into
// a free tail block. Callers hold the heap lock.
func grow(size uintptr) *kernel.Error {
	var (
		growth = roundUp(size+headerSize, mm.PageSize)
		start  = heapEnd
	)

	for mapped := uintptr(0); mapped < growth; mapped += mm.PageSize {
		if _, err := requestPageFn(); err != nil {
			return err
		}
		heapEnd += mm.PageSize
	}

	block := (*blockHeader)(unsafe.Pointer(start))
	block.length = growth - headerSize
	block.free = true
	block.next = nil
	block.prev = heapTail

	heapTail.next = block
	heapTail = block

	coalesceBackward(block)
	return nil
}

// coalesceForward absorbs the next block into block when both are free.
// Callers hold the heap lock.
func coalesceForward(block *blockHeader) {
	next := block.next
	if next == nil || !next.free {
		return
	}

	block.length += headerSize + next.length
	block.next = next.next
	if next.next != nil {
		next.next.prev = block
	}
	if heapTail == next {
		heapTail = block
	}
}

// coalesceBackward merges block into its predecessor when both are free.
// Callers hold the heap lock.
func coalesceBackward(block *blockHeader) {
	if block.prev != nil && block.prev.free {
		coalesceForward(block.prev)
	}
}

// roundUp rounds v up to the next multiple of step; step is a power of
// two.
func roundUp(v, step uintptr) uintptr {
	return (v + step - 1) &^ (step - 1)
}
