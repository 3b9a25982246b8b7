// Package vmm manages the 4-level page table hierarchy: address space
// construction, establishing and removing mappings and translating virtual
// to physical addresses.
package vmm

import (
	"unsafe"

	"osprey/kernel"
	"osprey/kernel/cpu"
	"osprey/kernel/mm"
)

const (
	// pageLevels is the number of translation levels used by the amd64
	// MMU (P4 through P1).
	pageLevels = 4

	// tableEntryCount is the number of entries in a table at each level;
	// each level consumes 9 bits of the virtual address.
	tableEntryCount = uintptr(512)

	// hugePageSize is the region covered by a P2 leaf entry.
	hugePageSize = uintptr(2 << 20)
)

// pageLevelShifts is the right-shift that extracts each level's table index
// from a virtual address.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

var (
	// ErrNotMapped is returned when translating a virtual address that
	// has no mapping installed.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address does not map to a physical frame"}

	errHugeIntermediate = &kernel.Error{Module: "vmm", Message: "mapping would split a huge page"}

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	activePDTFn = cpu.ActivePDT
	switchPDTFn = cpu.SwitchPDT

	// ptePtrFn returns a pointer to the table entry at the supplied
	// physical address. The boot page tables keep physical memory
	// reachable, so the kernel dereferences entry addresses directly;
	// tests substitute their own lookup.
	ptePtrFn = func(entryAddr uintptr) *pageTableEntry {
		return (*pageTableEntry)(unsafe.Pointer(entryAddr))
	}
)

// AddressSpace is an owning handle over the P4 frame that roots a 4-level
// page table hierarchy. Intermediate tables allocated during Map belong to
// the address space.
type AddressSpace struct {
	p4 mm.Frame
}

// ActiveAddressSpace returns a handle over the address space the MMU is
// currently translating through.
func ActiveAddressSpace() AddressSpace {
	return AddressSpace{p4: mm.FrameFromAddress(activePDTFn())}
}

// NewAddressSpace allocates a zeroed P4 frame and returns a handle over
// the empty address space it roots.
func NewAddressSpace() (AddressSpace, *kernel.Error) {
	p4, err := mm.AllocFrame()
	if err != nil {
		return AddressSpace{}, err
	}

	return AddressSpace{p4: p4}, nil
}

// PDTFrame returns the frame holding the address space's P4 table.
func (a AddressSpace) PDTFrame() mm.Frame {
	return a.p4
}

// Activate loads the address space's P4 into CR3, flushing all non-global
// TLB entries.
func (a AddressSpace) Activate() {
	switchPDTFn(a.p4.Address())
}

// entryAt returns the table entry for the supplied virtual address at the
// given level, within the table rooted at tableFrame.
func entryAt(tableFrame mm.Frame, virtAddr uintptr, level int) *pageTableEntry {
	index := (virtAddr >> pageLevelShifts[level]) & (tableEntryCount - 1)
	return ptePtrFn(tableFrame.Address() + index<<mm.PointerShift)
}

// Map installs a translation from the virtual page to the physical frame
// with the supplied flags. Missing intermediate tables are allocated
// lazily: each new table is zeroed and linked present+writable, mirroring
// the user bit from flags. Accessed and dirty start cleared on the new
// leaf. Map does not invalidate the TLB entry for the page; mappings are
// expected to be fresh.
func (a AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var (
		virtAddr   = page.Address()
		tableFrame = a.p4
	)

	for level := 0; level < pageLevels-1; level++ {
		pte := entryAt(tableFrame, virtAddr, level)

		if !pte.HasFlags(FlagPresent) {
			newTable, err := mm.AllocFrame()
			if err != nil {
				return err
			}

			*pte = 0
			pte.SetFrame(newTable)
			pte.SetFlags(FlagPresent | FlagRW | (flags & FlagUserAccessible))
		} else if pte.HasFlags(FlagHugePage) {
			return errHugeIntermediate
		}

		tableFrame = pte.Frame()
	}

	pte := entryAt(tableFrame, virtAddr, pageLevels-1)
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags & leafFlagMask)

	return nil
}

// Unmap removes the translation for the supplied virtual page by clearing
// the present bit of its leaf entry. Unmapping an address with no mapping
// is a no-op. Intermediate tables are never released, even when they
// become empty; they belong to the address space until it is destroyed.
func (a AddressSpace) Unmap(page mm.Page) {
	var (
		virtAddr   = page.Address()
		tableFrame = a.p4
	)

	for level := 0; level < pageLevels-1; level++ {
		pte := entryAt(tableFrame, virtAddr, level)

		if !pte.HasFlags(FlagPresent) {
			return
		}

		// A huge P2 entry is itself the leaf
		if level == 2 && pte.HasFlags(FlagHugePage) {
			pte.ClearFlags(FlagPresent)
			return
		}

		tableFrame = pte.Frame()
	}

	entryAt(tableFrame, virtAddr, pageLevels-1).ClearFlags(FlagPresent)
}

// Translate returns the physical address that the supplied virtual address
// maps to, or ErrNotMapped.
func (a AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	tableFrame := a.p4

	for level := 0; level < pageLevels-1; level++ {
		pte := entryAt(tableFrame, virtAddr, level)

		if !pte.HasFlags(FlagPresent) {
			return 0, ErrNotMapped
		}

		if level == 2 && pte.HasFlags(FlagHugePage) {
			return pte.Frame().Address()&^(hugePageSize-1) | virtAddr&(hugePageSize-1), nil
		}

		tableFrame = pte.Frame()
	}

	pte := entryAt(tableFrame, virtAddr, pageLevels-1)
	if !pte.HasFlags(FlagPresent) {
		return 0, ErrNotMapped
	}

	return pte.Frame().Address() | PageOffset(virtAddr), nil
}

// PageOffset returns the offset of virtAddr within its page.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}
