// Package pmm implements the kernel's physical frame allocator: a bitmap
// covering the largest available RAM region reported by the bootloader,
// tracking one bit per 4 KiB frame (1 = in use).
package pmm

import (
	"reflect"
	"unsafe"

	"osprey/kernel"
	"osprey/kernel/hal/multiboot"
	"osprey/kernel/kfmt"
	"osprey/kernel/mm"
	"osprey/kernel/sync"
)

const (
	// bitmapPoolOffset is where the bitmap is placed inside the selected
	// pool region. The first MiB of the region is skipped; the loader
	// may have placed boot payloads at the region start.
	bitmapPoolOffset = uintptr(1 << 20)

	// minAllocAddr is the lowest physical address the allocator will
	// ever hand out. Frames below it cover the kernel image, the boot
	// information record and legacy firmware areas.
	minAllocAddr = uintptr(2 << 20)
)

var (
	// frameAllocator is the package singleton wired up by Init.
	frameAllocator bitmapAllocator

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	overlayFn = physOverlay
	memsetFn  = kernel.Memset

	errOutOfMemory    = &kernel.Error{Module: "pmm", Message: "out of physical memory"}
	errNoUsableMemory = &kernel.Error{Module: "pmm", Message: "no available memory region in the boot memory map"}
)

// bitmapAllocator tracks frame availability in a bitmap where bit i
// describes the frame with physical address i * PageSize. A set bit marks
// the frame as in use.
type bitmapAllocator struct {
	mu sync.Spinlock

	// bitmap covers all frames from physical address 0 up to the end of
	// the selected pool region. The bitmap storage itself lives inside
	// the pool and its frames stay permanently marked as used.
	bitmap []byte

	// totalFrames counts the frames handed to FreeRange at init time.
	totalFrames uint64
}

// Init selects the largest available region from the boot memory map,
// places the allocation bitmap inside it and releases the remainder of the
// region for allocation. It registers the allocator as the system frame
// source via mm.SetFrameAllocator.
func Init() *kernel.Error {
	if err := frameAllocator.init(); err != nil {
		return err
	}

	mm.SetFrameAllocator(allocSystemFrame)
	return nil
}

// AllocFrame reserves the first free frame and returns it. The frame
// contents are left as-is.
func AllocFrame() (mm.Frame, *kernel.Error) {
	return frameAllocator.allocFrame()
}

// AllocZeroedFrame reserves the first free frame and clears its contents.
func AllocZeroedFrame() (mm.Frame, *kernel.Error) {
	return frameAllocator.allocZeroedFrame()
}

// FreeFrame releases a frame back to the allocator. Freeing a frame that
// is already free has no effect; the allocator does not detect double
// frees. Callers must never free the frames backing the bitmap itself.
func FreeFrame(frame mm.Frame) {
	frameAllocator.mu.Acquire()
	frameAllocator.clearBit(frame)
	frameAllocator.mu.Release()
}

// FreeRange releases all frames covering the physical region [base,
// base+length).
func FreeRange(base uintptr, length uintptr) {
	frameAllocator.freeRange(base, length)
}

// allocSystemFrame adapts AllocZeroedFrame to the mm.FrameAllocatorFn
// signature.
func allocSystemFrame() (mm.Frame, *kernel.Error) {
	return frameAllocator.allocZeroedFrame()
}

func (alloc *bitmapAllocator) init() *kernel.Error {
	var (
		pool      *multiboot.MemoryMapEntry
		available uint64
	)

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		available += region.Length
		if pool == nil || region.Length > pool.Length {
			pool = region
		}
		return true
	})

	if pool == nil {
		return errNoUsableMemory
	}

	var (
		poolStart  = uintptr(pool.PhysAddress)
		poolEnd    = poolStart + uintptr(pool.Length)
		bitmapAddr = poolStart + bitmapPoolOffset
		bitmapSize = (poolEnd>>mm.PageShift + 7) / 8
	)

	alloc.bitmap = overlayFn(bitmapAddr, bitmapSize)

	// Mark every frame as used, then release the usable tail of the
	// pool. Everything outside the pool (and the bitmap itself) stays
	// permanently reserved.
	for i := range alloc.bitmap {
		alloc.bitmap[i] = 0xff
	}

	usableStart := pageAlignUp(bitmapAddr + bitmapSize)
	if usableStart < minAllocAddr {
		usableStart = minAllocAddr
	}

	alloc.totalFrames = 0
	alloc.freeRange(usableStart, poolEnd-usableStart)
	alloc.totalFrames = uint64((poolEnd - usableStart) >> mm.PageShift)

	kfmt.Printf("[pmm] system memory map:\n")
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n",
			region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())
		return true
	})
	kfmt.Printf("[pmm] available memory: %dKb\n", available/uint64(mm.Kb))
	kfmt.Printf("[pmm] frame bitmap at 0x%x, size: %d bytes\n", bitmapAddr, bitmapSize)
	kfmt.Printf("[pmm] allocatable pool: 0x%x - 0x%x (%d frames)\n", usableStart, poolEnd, alloc.totalFrames)

	return nil
}

func (alloc *bitmapAllocator) allocFrame() (mm.Frame, *kernel.Error) {
	alloc.mu.Acquire()
	defer alloc.mu.Release()

	for byteIndex := 0; byteIndex < len(alloc.bitmap); byteIndex++ {
		if alloc.bitmap[byteIndex] == 0xff {
			continue
		}

		for bit := uint(0); bit < 8; bit++ {
			mask := byte(1 << bit)
			if alloc.bitmap[byteIndex]&mask != 0 {
				continue
			}

			alloc.bitmap[byteIndex] |= mask
			return mm.Frame(uintptr(byteIndex)*8 + uintptr(bit)), nil
		}
	}

	return mm.InvalidFrame, errOutOfMemory
}

func (alloc *bitmapAllocator) allocZeroedFrame() (mm.Frame, *kernel.Error) {
	frame, err := alloc.allocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	memsetFn(frame.Address(), 0, mm.PageSize)
	return frame, nil
}

func (alloc *bitmapAllocator) freeRange(base uintptr, length uintptr) {
	alloc.mu.Acquire()
	defer alloc.mu.Release()

	firstFrame := mm.FrameFromAddress(pageAlignUp(base))
	frameCount := pageAlignDown(length) >> mm.PageShift

	for i := uintptr(0); i < frameCount; i++ {
		alloc.clearBit(firstFrame + mm.Frame(i))
	}
}

// clearBit marks a frame as free; callers hold the allocator lock.
func (alloc *bitmapAllocator) clearBit(frame mm.Frame) {
	byteIndex := uintptr(frame) / 8
	if byteIndex >= uintptr(len(alloc.bitmap)) {
		return
	}
	alloc.bitmap[byteIndex] &^= 1 << (uintptr(frame) % 8)
}

// pageAlignUp rounds addr up to the next page boundary.
func pageAlignUp(addr uintptr) uintptr {
	return (addr + mm.PageSize - 1) &^ (mm.PageSize - 1)
}

// pageAlignDown rounds addr down to a page boundary.
func pageAlignDown(addr uintptr) uintptr {
	return addr &^ (mm.PageSize - 1)
}

// physOverlay overlays a byte slice on a physical memory range. The boot
// page tables identity-map the low physical range the pool lives in.
func physOverlay(base uintptr, size uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: base,
		Len:  int(size),
		Cap:  int(size),
	}))
}
