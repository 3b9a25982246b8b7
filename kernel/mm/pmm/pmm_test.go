package pmm

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"osprey/kernel"
	"osprey/kernel/hal/multiboot"
	"osprey/kernel/mm"
)

func TestBitmapAllocFree(t *testing.T) {
	var alloc bitmapAllocator
	alloc.bitmap = make([]byte, 4)
	for i := range alloc.bitmap {
		alloc.bitmap[i] = 0xff
	}

	// Release two frames: 9 and 10
	alloc.bitmap[1] &^= 0x06

	frame, err := alloc.allocFrame()
	if err != nil {
		t.Fatalf("unexpected allocation error: %v", err)
	}
	if frame != mm.Frame(9) {
		t.Fatalf("expected the first free frame (9) to be returned; got %d", frame)
	}
	if alloc.bitmap[1]&0x02 == 0 {
		t.Fatal("expected the allocated frame's bitmap bit to be set")
	}

	if frame, _ = alloc.allocFrame(); frame != mm.Frame(10) {
		t.Fatalf("expected the next free frame (10) to be returned; got %d", frame)
	}

	// The bitmap is now exhausted
	if _, err = alloc.allocFrame(); err != errOutOfMemory {
		t.Fatalf("expected errOutOfMemory; got %v", err)
	}

	// Freeing and re-allocating may return the same frame; freeing an
	// already-free frame is a no-op.
	alloc.mu.Acquire()
	alloc.clearBit(mm.Frame(9))
	alloc.clearBit(mm.Frame(9))
	alloc.mu.Release()

	if frame, _ = alloc.allocFrame(); frame != mm.Frame(9) {
		t.Fatalf("expected the freed frame (9) to be returned; got %d", frame)
	}

	// Out-of-range frees are ignored
	alloc.mu.Acquire()
	alloc.clearBit(mm.Frame(4 * 8))
	alloc.mu.Release()
}

func TestBitmapFreeRange(t *testing.T) {
	var alloc bitmapAllocator
	alloc.bitmap = make([]byte, 8)
	for i := range alloc.bitmap {
		alloc.bitmap[i] = 0xff
	}

	// Free frames 16..23 (one full byte) using a non-aligned base; the
	// base rounds up and the length rounds down to whole frames.
	alloc.freeRange(16*uintptr(mm.PageSize)-123, 8*uintptr(mm.PageSize)+123)

	if alloc.bitmap[2] != 0 {
		t.Fatalf("expected frames 16-23 to be freed; bitmap byte is 0x%x", alloc.bitmap[2])
	}

	for i, b := range alloc.bitmap {
		if i != 2 && b != 0xff {
			t.Fatalf("expected bitmap byte %d to remain 0xff; got 0x%x", i, b)
		}
	}
}

func TestAllocZeroedFrame(t *testing.T) {
	defer func() {
		memsetFn = kernel.Memset
	}()

	var (
		zeroedAddr uintptr
		zeroedSize uintptr
	)
	memsetFn = func(addr uintptr, _ byte, size uintptr) {
		zeroedAddr, zeroedSize = addr, size
	}

	var alloc bitmapAllocator
	alloc.bitmap = make([]byte, 1)

	frame, err := alloc.allocZeroedFrame()
	if err != nil {
		t.Fatalf("unexpected allocation error: %v", err)
	}

	if zeroedAddr != frame.Address() || zeroedSize != mm.PageSize {
		t.Fatalf("expected the full frame at 0x%x to be zeroed; zeroed 0x%x (%d bytes)", frame.Address(), zeroedAddr, zeroedSize)
	}
}

func TestInitFromMemoryMap(t *testing.T) {
	defer func() {
		overlayFn = physOverlay
		memsetFn = kernel.Memset
		frameAllocator = bitmapAllocator{}
		multiboot.SetInfoPtr(0)
		mm.SetFrameAllocator(nil)
	}()

	// Boot memory map: [0, 640K) reserved, [1M, 1M+128M) available.
	record := buildBootRecord(
		[3]uint64{0, 640 * 1024, 2},
		[3]uint64{1 << 20, 128 << 20, 1},
	)
	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&record[0])))

	var (
		backing        []byte
		overlayedAddr  uintptr
		requestedFloor = minAllocAddr
	)
	overlayFn = func(base uintptr, size uintptr) []byte {
		overlayedAddr = base
		backing = make([]byte, size)
		return backing
	}
	memsetFn = func(uintptr, byte, uintptr) {}

	if err := Init(); err != nil {
		t.Fatalf("unexpected Init error: %v", err)
	}

	// The bitmap goes 1 MiB into the selected pool region.
	if exp := uintptr(1<<20) + bitmapPoolOffset; overlayedAddr != exp {
		t.Fatalf("expected the bitmap to be placed at 0x%x; got 0x%x", exp, overlayedAddr)
	}

	// ~128 MiB of frames should be allocatable.
	if minFrames := uint64(120 << 20 >> mm.PageShift); frameAllocator.totalFrames < minFrames {
		t.Fatalf("expected at least %d allocatable frames; got %d", minFrames, frameAllocator.totalFrames)
	}

	// The first allocation honors the 2 MiB floor and goes through the
	// registered mm hook.
	frame, err := mm.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected allocation error: %v", err)
	}
	if frame.Address() < requestedFloor {
		t.Fatalf("expected the first frame to start at or above 0x%x; got 0x%x", requestedFloor, frame.Address())
	}

	// A second allocation must return a different frame.
	frame2, err := AllocFrame()
	if err != nil {
		t.Fatalf("unexpected allocation error: %v", err)
	}
	if frame2 == frame {
		t.Fatalf("expected distinct frames; got %d twice", frame)
	}
}

func TestInitWithoutUsableMemory(t *testing.T) {
	defer func() {
		frameAllocator = bitmapAllocator{}
		multiboot.SetInfoPtr(0)
	}()

	record := buildBootRecord([3]uint64{0, 640 * 1024, 2})
	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&record[0])))

	if err := Init(); err != errNoUsableMemory {
		t.Fatalf("expected errNoUsableMemory; got %v", err)
	}
}

// buildBootRecord assembles a Multiboot2 info record containing a single
// memory map tag with the given (base, length, type) entries.
func buildBootRecord(entries ...[3]uint64) []byte {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:], 24) // entry size
	for _, e := range entries {
		var entry [24]byte
		binary.LittleEndian.PutUint64(entry[0:], e[0])
		binary.LittleEndian.PutUint64(entry[8:], e[1])
		binary.LittleEndian.PutUint32(entry[16:], uint32(e[2]))
		payload = append(payload, entry[:]...)
	}

	record := make([]byte, 16)
	binary.LittleEndian.PutUint32(record[8:], 6) // memory map tag
	binary.LittleEndian.PutUint32(record[12:], uint32(8+len(payload)))
	record = append(record, payload...)
	for len(record)%8 != 0 {
		record = append(record, 0)
	}

	var end [8]byte
	binary.LittleEndian.PutUint32(end[4:], 8)
	record = append(record, end[:]...)

	binary.LittleEndian.PutUint32(record[0:], uint32(len(record)))
	return record
}
