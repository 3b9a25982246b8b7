// Package gdt builds and installs the global descriptor table: flat
// kernel and user segments plus one task state segment per potential CPU.
package gdt

import "unsafe"

// The segment selectors installed by Init. The interrupt and scheduler
// subsystems seed code/stack selectors from these values.
const (
	// KernelCS selects the 64-bit DPL-0 code segment.
	KernelCS = uint16(0x08)

	// KernelDS selects the DPL-0 data segment.
	KernelDS = uint16(0x10)

	// UserCS selects the 64-bit DPL-3 code segment.
	UserCS = uint16(0x18)

	// UserDS selects the DPL-3 data segment.
	UserDS = uint16(0x20)

	// TSSSel selects the bootstrap processor's task state segment.
	TSSSel = uint16(0x28)
)

const (
	// maxCPUs bounds the number of task state segments reserved; only
	// the bootstrap processor's TSS is loaded for now.
	maxCPUs = 64

	// gdtSize counts the descriptor slots: null, kernel code/data, user
	// code/data and the two slots consumed by the 16-byte TSS
	// descriptor.
	gdtSize = 7

	// accessKernelCode = present | S | executable | readable.
	accessKernelCode = uint8(0x9a)

	// accessKernelData = present | S | writable.
	accessKernelData = uint8(0x92)

	// accessUserCode/accessUserData additionally carry DPL 3.
	accessUserCode = uint8(0xfa)
	accessUserData = uint8(0xf2)

	// granLongMode = 4 KiB granularity | long-mode code flag, applied to
	// the high nibble of the granularity byte.
	granLongMode = uint8(0xa0)

	// tssTypeAvailable marks a 64-bit TSS descriptor as available.
	tssTypeAvailable = uint8(0x9)
)

// segmentDescriptor is one 8-byte GDT entry.
type segmentDescriptor struct {
	limitLow   uint16
	baseLow    uint16
	baseMiddle uint8
	access     uint8
	// granularity packs limit bits 16-19 in the low nibble and the
	// granularity/size flags in the high nibble.
	granularity uint8
	baseHigh    uint8
}

// tssDescriptor is the 16-byte system descriptor referencing a 64-bit TSS.
// It spans two consecutive GDT slots.
type tssDescriptor struct {
	limitLow   uint16
	baseLow    uint16
	baseMiddle uint8
	// typeAttr packs the descriptor type in the low nibble and
	// present/DPL in the high nibble.
	typeAttr uint8
	// limitHigh packs limit bits 16-19 in the low nibble and the
	// AVL/granularity flags in the high nibble.
	limitHigh uint8
	baseHigh  uint8
	baseUpper uint32
	reserved  uint32
}

// taskStateSegment is the 64-bit TSS layout. The kernel leaves the
// privilege stacks and the interrupt stack table zeroed; every vector runs
// on the interrupted context's stack (IST 0). The 64-bit stack pointer
// fields sit at 4-byte offsets, so they are declared as uint32 pairs to
// keep the Go layout free of alignment padding.
type taskStateSegment struct {
	reserved0 uint32
	rsp       [6]uint32
	reserved1 [2]uint32
	ist       [14]uint32
	reserved2 [2]uint32
	reserved3 uint16
	iomapBase uint16
}

// descriptorTablePointer is the operand layout expected by lgdt.
type descriptorTablePointer struct {
	limit uint16
	base  uint64
}

var (
	gdt  [gdtSize]segmentDescriptor
	tss  [maxCPUs]taskStateSegment
	gdtr descriptorTablePointer
)

// Init populates the descriptor table with the flat segment layout and
// loads it: null, kernel code/data, user code/data and the BSP's TSS.
func Init() {
	setSegment(1, accessKernelCode, granLongMode)
	setSegment(2, accessKernelData, granLongMode)
	setSegment(3, accessUserCode, granLongMode)
	setSegment(4, accessUserData, granLongMode)
	setTSS(5, uintptr(unsafe.Pointer(&tss[0])), uint32(unsafe.Sizeof(tss[0])-1))

	gdtr.limit = uint16(unsafe.Sizeof(gdt) - 1)
	gdtr.base = uint64(uintptr(unsafe.Pointer(&gdt[0])))

	installGDT()
}

// setSegment encodes a flat 4 GiB segment descriptor into slot index. The
// base is always 0 and the limit always 0xFFFFF pages; in long mode the
// CPU ignores both for code and data segments.
func setSegment(index int, access, gran uint8) {
	var limit = uint32(0xfffff)

	gdt[index] = segmentDescriptor{
		limitLow:    uint16(limit),
		access:      access,
		granularity: uint8(limit>>16)&0x0f | gran&0xf0,
	}
}

// setTSS encodes the 16-byte TSS descriptor starting at slot index.
func setTSS(index int, base uintptr, limit uint32) {
	desc := (*tssDescriptor)(unsafe.Pointer(&gdt[index]))

	desc.limitLow = uint16(limit)
	desc.baseLow = uint16(base)
	desc.baseMiddle = uint8(base >> 16)
	desc.typeAttr = tssTypeAvailable | 1<<7 // present, DPL 0
	desc.limitHigh = uint8(limit>>16) & 0x0f
	desc.baseHigh = uint8(base >> 24)
	desc.baseUpper = uint32(base >> 32)
	desc.reserved = 0
}

// installGDT loads gdtr with lgdt, reloads the data segment registers with
// KernelDS, performs a far return to reload CS with KernelCS and loads the
// task register with TSSSel.
func installGDT()
