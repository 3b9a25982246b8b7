package kmalloc

import (
	"testing"
	"unsafe"

	"osprey/kernel"
	"osprey/kernel/mm"
	"osprey/kernel/mm/vmm"
	"osprey/kernel/sync"
)

// testArena backs the heap with a plain byte slice so the allocator can be
// exercised without a paging subsystem.
type testArena struct {
	backing []byte
	next    uintptr
	end     uintptr
	handed  uintptr
}

func newTestArena(t *testing.T, pages uintptr) *testArena {
	t.Helper()

	arena := &testArena{backing: make([]byte, (pages+1)*mm.PageSize)}
	start := uintptr(unsafe.Pointer(&arena.backing[0]))
	arena.next = (start + mm.PageSize - 1) &^ (mm.PageSize - 1)
	arena.end = start + uintptr(len(arena.backing))

	requestPageFn = func() (uintptr, *kernel.Error) {
		if arena.next+mm.PageSize > arena.end {
			return 0, &kernel.Error{Module: "test", Message: "arena exhausted"}
		}
		page := arena.next
		arena.next += mm.PageSize
		arena.handed++
		return page, nil
	}

	t.Cleanup(func() {
		requestPageFn = vmm.HeapRequestPage
		heapHead = nil
		heapTail = nil
		heapEnd = 0
		heapMu = sync.Spinlock{}
	})

	return arena
}

// checkListInvariants walks the block list verifying the doubly-linked
// structure and the coalescing invariant.
func checkListInvariants(t *testing.T) {
	t.Helper()

	var prev *blockHeader
	for block := heapHead; block != nil; block = block.next {
		if block.prev != prev {
			t.Fatalf("block at %p has prev %p; expected %p", block, block.prev, prev)
		}
		if block.length%granularity != 0 {
			t.Fatalf("block at %p has length %d, not a granularity multiple", block, block.length)
		}
		if prev != nil && prev.free && block.free {
			t.Fatalf("adjacent free blocks at %p and %p", prev, block)
		}
		if block.next == nil && heapTail != block {
			t.Fatalf("heapTail is %p; expected %p", heapTail, block)
		}
		prev = block
	}
}

func TestAllocZeroAndUninitialized(t *testing.T) {
	if ptr, err := Alloc(0); ptr != 0 || err != nil {
		t.Fatalf("expected Alloc(0) to return (0, nil); got (0x%x, %v)", ptr, err)
	}

	if _, err := Alloc(16); err != errNotInitialized {
		t.Fatalf("expected errNotInitialized before Init; got %v", err)
	}
}

func TestAllocSequence(t *testing.T) {
	newTestArena(t, 16)
	if err := Init(4); err != nil {
		t.Fatalf("unexpected Init error: %v", err)
	}

	first, err := Alloc(16)
	if err != nil {
		t.Fatalf("unexpected Alloc error: %v", err)
	}

	second, err := Alloc(32)
	if err != nil {
		t.Fatalf("unexpected Alloc error: %v", err)
	}

	if first == second {
		t.Fatal("expected distinct allocations")
	}

	if second < first+16+headerSize {
		t.Fatalf("expected the second allocation at or past 0x%x; got 0x%x", first+16+headerSize, second)
	}

	if first%granularity != 0 || second%granularity != 0 {
		t.Fatalf("expected granularity-aligned payloads; got 0x%x, 0x%x", first, second)
	}

	// Payloads must be writable
	*(*uint64)(unsafe.Pointer(first)) = 0xdeadcafebabe
	if *(*uint64)(unsafe.Pointer(first)) != 0xdeadcafebabe {
		t.Fatal("expected the payload to be writable")
	}

	checkListInvariants(t)

	// Freeing both and allocating again reuses the first block
	Free(first)
	Free(second)
	checkListInvariants(t)

	reused, err := Alloc(16)
	if err != nil {
		t.Fatalf("unexpected Alloc error: %v", err)
	}
	if reused != first {
		t.Fatalf("expected the first block at 0x%x to be reused; got 0x%x", first, reused)
	}
}

func TestFreeCoalescesToSingleBlock(t *testing.T) {
	newTestArena(t, 16)
	if err := Init(4); err != nil {
		t.Fatalf("unexpected Init error: %v", err)
	}

	initialPayload := heapHead.length

	var ptrs []uintptr
	for _, size := range []uintptr{16, 48, 160, 24, 8} {
		ptr, err := Alloc(size)
		if err != nil {
			t.Fatalf("unexpected Alloc error: %v", err)
		}
		ptrs = append(ptrs, ptr)
	}
	checkListInvariants(t)

	// Free in an order that exercises forward and backward coalescing
	for _, i := range []int{1, 0, 3, 4, 2} {
		Free(ptrs[i])
		checkListInvariants(t)
	}

	if heapHead.next != nil || !heapHead.free {
		t.Fatal("expected a fully freed heap to collapse into a single free block")
	}

	if heapHead.length != initialPayload {
		t.Fatalf("expected the final free block to span %d bytes; got %d", initialPayload, heapHead.length)
	}
}

func TestAllocGrowsHeap(t *testing.T) {
	arena := newTestArena(t, 16)
	if err := Init(1); err != nil {
		t.Fatalf("unexpected Init error: %v", err)
	}

	handedAfterInit := arena.handed

	// Larger than the single initial page: the heap must grow.
	ptr, err := Alloc(3 * mm.PageSize)
	if err != nil {
		t.Fatalf("unexpected Alloc error: %v", err)
	}
	if ptr == 0 {
		t.Fatal("expected a valid payload address")
	}

	if arena.handed == handedAfterInit {
		t.Fatal("expected the allocation to request more pages")
	}
	checkListInvariants(t)

	// The grown region must be contiguous with the old heap: freeing the
	// big allocation collapses everything into one block again.
	Free(ptr)
	checkListInvariants(t)
	if heapHead.next != nil {
		t.Fatal("expected the grown heap to coalesce into a single free block")
	}
}

func TestAllocGrowFailure(t *testing.T) {
	newTestArena(t, 2)
	if err := Init(1); err != nil {
		t.Fatalf("unexpected Init error: %v", err)
	}

	// The arena has one spare page; requesting far more must surface the
	// growth error.
	if _, err := Alloc(64 * mm.PageSize); err == nil {
		t.Fatal("expected an error when the backing allocator is exhausted")
	}
}
