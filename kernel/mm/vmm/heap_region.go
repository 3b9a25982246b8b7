package vmm

import (
	"osprey/kernel"
	"osprey/kernel/mm"
	"osprey/kernel/sync"
)

// heapRegionBase is where the kernel heap region begins in the virtual
// address space. The region grows upward one page at a time and is only
// ever extended, never shrunk.
const heapRegionBase = uintptr(0xFFFFFFFFF0002000)

var (
	heapRegionMu sync.Spinlock

	// heapNextAddr is the next virtual address HeapRequestPage will hand
	// out. It only moves forward.
	heapNextAddr = heapRegionBase
)

// HeapRequestPage reserves the next virtual page of the kernel heap
// region, backs it with a zeroed physical frame mapped read/write for the
// kernel and returns its virtual address.
func HeapRequestPage() (uintptr, *kernel.Error) {
	heapRegionMu.Acquire()
	virtAddr := heapNextAddr
	heapNextAddr += mm.PageSize
	heapRegionMu.Release()

	frame, err := mm.AllocFrame()
	if err != nil {
		return 0, err
	}

	if err = ActiveAddressSpace().Map(mm.PageFromAddress(virtAddr), frame, FlagPresent|FlagRW); err != nil {
		return 0, err
	}

	return virtAddr, nil
}
