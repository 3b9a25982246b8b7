// Package multiboot provides accessors for the boot information record that
// a Multiboot2-compliant loader hands to the kernel entry point.
package multiboot

import (
	"reflect"
	"unsafe"
)

// Magic is the value the bootloader leaves in EAX to identify itself as
// Multiboot2-compliant. The kernel entry verifies it before touching the
// info record.
const Magic = 0x36d76289

// TagType identifies one of the tagged records inside the boot information
// structure. Types 256 and up are loader-specific extensions.
type TagType uint32

// The tag types defined by the Multiboot2 specification plus the
// loader-specific extensions the kernel understands.
const (
	TagEnd            TagType = 0
	TagCmdLine        TagType = 1
	TagBootLoaderName TagType = 2
	TagModule         TagType = 3
	TagMemoryMap      TagType = 6
	TagFramebuffer    TagType = 8
	TagEFI64          TagType = 12
	TagSMBIOS         TagType = 13
	TagACPIOld        TagType = 14
	TagACPINew        TagType = 15
	TagEFI64IH        TagType = 20
	TagEDID           TagType = 256
	TagSMP            TagType = 257
	TagPartUUID       TagType = 258
)

// String implements fmt.Stringer for TagType.
func (t TagType) String() string {
	switch t {
	case TagCmdLine:
		return "command line"
	case TagBootLoaderName:
		return "boot loader name"
	case TagModule:
		return "module"
	case TagMemoryMap:
		return "memory map"
	case TagFramebuffer:
		return "framebuffer"
	case TagEFI64:
		return "EFI system table"
	case TagSMBIOS:
		return "SMBIOS tables"
	case TagACPIOld:
		return "ACPI RSDP (1.0)"
	case TagACPINew:
		return "ACPI RSDP (2.0)"
	case TagEFI64IH:
		return "EFI image handle"
	case TagEDID:
		return "EDID info"
	case TagSMP:
		return "SMP info"
	case TagPartUUID:
		return "partition UUIDs"
	default:
		return "unknown"
	}
}

// info describes the header that precedes the tag list.
type info struct {
	// totalSize is the size of the boot information record including
	// this header.
	totalSize uint32

	// reserved is always zero.
	reserved uint32
}

// tagHeader precedes the payload of each tag. Tags are laid out
// back-to-back, each starting at an 8-byte aligned offset; size counts the
// header and payload but not the alignment padding.
type tagHeader struct {
	tagType TagType
	size    uint32
}

// mmapHeader precedes the entry list of a memory map tag.
type mmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

// moduleHeader precedes the command line of a module tag.
type moduleHeader struct {
	start uint32
	end   uint32
}

// smpInfo mirrors the payload of the SMP extension tag.
type smpInfo struct {
	NumCores     uint32
	RunningCores uint32
	BSPID        uint32
}

// MemoryEntryType describes the kind of RAM a MemoryMapEntry covers.
type MemoryEntryType uint32

const (
	// MemAvailable indicates RAM that is free for kernel use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates memory the kernel must never touch.
	MemReserved

	// MemAcpiReclaimable indicates memory holding ACPI tables that can
	// be reclaimed once the tables are no longer needed.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved across hibernation.
	MemNvs

	// MemBadRAM indicates memory that failed the loader's RAM test.
	MemBadRAM

	// Values >= memUnknown are reported as MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	case MemBadRAM:
		return "bad RAM"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes one physical memory region reported by the
// bootloader.
type MemoryMapEntry struct {
	// PhysAddress is the region's base physical address.
	PhysAddress uint64

	// Length is the region size in bytes.
	Length uint64

	// Type describes how the region may be used.
	Type MemoryEntryType
}

// FramebufferInfo describes the framebuffer set up by the bootloader.
type FramebufferInfo struct {
	PhysAddr uint64
	Pitch    uint32
	Width    uint32
	Height   uint32
	Bpp      uint8
	Type     uint8

	reserved uint16

	RedPosition   uint8
	RedMaskSize   uint8
	GreenPosition uint8
	GreenMaskSize uint8
	BluePosition  uint8
	BlueMaskSize  uint8
}

var (
	infoData uintptr
)

// SetInfoPtr records the address of the boot information structure. It must
// be invoked before any other function in this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// MemRegionVisitor is invoked by VisitMemRegions for each memory region the
// bootloader reported. Returning false aborts the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// VisitMemRegions invokes the supplied visitor for each entry of the boot
// memory map.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(TagMemoryMap)
	if size == 0 {
		return
	}

	header := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += unsafe.Sizeof(mmapHeader{})

	for curPtr < endPtr {
		entry := (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Entries with an out-of-range type are treated as reserved.
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(header.entrySize)
	}
}

// ModuleVisitor is invoked by VisitModules for each module the bootloader
// placed in memory. name aliases the boot record and must not be retained.
// Returning false aborts the scan.
type ModuleVisitor func(start, end uint64, name []byte) bool

// VisitModules invokes the supplied visitor for each loaded boot module.
func VisitModules(visitor ModuleVisitor) {
	visitTags(func(hdr *tagHeader, payload uintptr) bool {
		if hdr.tagType != TagModule {
			return true
		}

		module := (*moduleHeader)(unsafe.Pointer(payload))
		nameLen := hdr.size - uint32(unsafe.Sizeof(tagHeader{})) - uint32(unsafe.Sizeof(moduleHeader{}))
		name := cstring(payload+unsafe.Sizeof(moduleHeader{}), nameLen)

		return visitor(uint64(module.start), uint64(module.end), name)
	})
}

// TagVisitor is invoked by VisitTags with the type and payload size of each
// tag in the boot record, in layout order. Returning false aborts the scan.
type TagVisitor func(tagType TagType, size uint32) bool

// VisitTags walks the full tag list. It is used by the boot glue to log
// every record the loader provided, including ones the kernel does not
// otherwise consume.
func VisitTags(visitor TagVisitor) {
	visitTags(func(hdr *tagHeader, _ uintptr) bool {
		return visitor(hdr.tagType, hdr.size-uint32(unsafe.Sizeof(tagHeader{})))
	})
}

// CmdLine returns the kernel command line as a byte slice aliasing the boot
// record, or nil when the loader supplied none.
func CmdLine() []byte {
	curPtr, size := findTagByType(TagCmdLine)
	if size == 0 {
		return nil
	}

	return cstring(curPtr, size)
}

// BootLoaderName returns the loader's name as a byte slice aliasing the
// boot record, or nil when the loader did not identify itself.
func BootLoaderName() []byte {
	curPtr, size := findTagByType(TagBootLoaderName)
	if size == 0 {
		return nil
	}

	return cstring(curPtr, size)
}

// GetFramebufferInfo returns information about the framebuffer initialized
// by the bootloader, or nil if no framebuffer tag is present.
func GetFramebufferInfo() *FramebufferInfo {
	curPtr, size := findTagByType(TagFramebuffer)
	if size == 0 {
		return nil
	}

	return (*FramebufferInfo)(unsafe.Pointer(curPtr))
}

// GetSMPInfo returns the core counts and BSP APIC ID reported by the
// loader's SMP extension tag, or (0, 0, 0, false) when absent.
func GetSMPInfo() (numCores, runningCores, bspID uint32, ok bool) {
	curPtr, size := findTagByType(TagSMP)
	if size == 0 {
		return 0, 0, 0, false
	}

	smp := (*smpInfo)(unsafe.Pointer(curPtr))
	return smp.NumCores, smp.RunningCores, smp.BSPID, true
}

// tagWalker receives each tag header together with the address of the tag
// payload. Returning false aborts the walk.
type tagWalker func(hdr *tagHeader, payload uintptr) bool

// visitTags iterates the tag list, advancing by the 8-byte aligned tag
// size, until the end tag or the walker aborts.
func visitTags(walk tagWalker) {
	if infoData == 0 {
		return
	}

	var (
		curPtr = infoData + unsafe.Sizeof(info{})
		endPtr = infoData + uintptr((*info)(unsafe.Pointer(infoData)).totalSize)
	)

	for curPtr < endPtr {
		hdr := (*tagHeader)(unsafe.Pointer(curPtr))
		if hdr.tagType == TagEnd {
			return
		}

		if !walk(hdr, curPtr+unsafe.Sizeof(tagHeader{})) {
			return
		}

		curPtr += uintptr((hdr.size + 7) &^ 7)
	}
}

// findTagByType returns the payload address and payload size of the first
// tag with the requested type, or (0, 0) when the tag is absent.
func findTagByType(tagType TagType) (uintptr, uint32) {
	var (
		foundPtr  uintptr
		foundSize uint32
	)

	visitTags(func(hdr *tagHeader, payload uintptr) bool {
		if hdr.tagType != tagType {
			return true
		}

		foundPtr = payload
		foundSize = hdr.size - uint32(unsafe.Sizeof(tagHeader{}))
		return false
	})

	return foundPtr, foundSize
}

// cstring overlays a byte slice on the NUL-terminated string at ptr. The
// returned slice excludes the terminator and shares the boot record's
// storage; no allocation is performed.
func cstring(ptr uintptr, maxLen uint32) []byte {
	if ptr == 0 || maxLen == 0 {
		return nil
	}

	data := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: ptr,
		Len:  int(maxLen),
		Cap:  int(maxLen),
	}))

	for i := 0; i < len(data); i++ {
		if data[i] == 0 {
			return data[:i]
		}
	}

	return data
}

// StrEqual reports whether the byte-slice view of a boot record string is
// byte-identical to s. This is the only string predicate boot code relies
// on; no ordering is defined.
func StrEqual(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}

	for i := 0; i < len(b); i++ {
		if b[i] != s[i] {
			return false
		}
	}

	return true
}
