package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts executes sti, allowing maskable interrupt delivery.
func EnableInterrupts()

// DisableInterrupts executes cli, suppressing maskable interrupt delivery.
func DisableInterrupts()

// Halt executes hlt, suspending instruction execution until the next
// interrupt arrives. If interrupts are disabled the CPU halts forever.
func Halt()

// FlushTLBEntry invalidates the TLB entry that caches the translation for
// the page containing virtAddr.
func FlushTLBEntry(virtAddr uintptr)

// ActivePDT returns the physical address of the P4 table currently loaded
// in the CR3 register.
func ActivePDT() uintptr

// SwitchPDT loads CR3 with the physical address of a P4 table. Loading CR3
// flushes all non-global TLB entries.
func SwitchPDT(pdtPhysAddr uintptr)

// ReadCR2 returns the contents of the CR2 register. The CPU stores the
// faulting virtual address in CR2 before raising a page fault.
func ReadCR2() uint64

// ReadMSR returns the contents of the model-specific register msr.
func ReadMSR(msr uint32) uint64

// WriteMSR stores value into the model-specific register msr.
func WriteMSR(msr uint32, value uint64)

// ID executes the CPUID instruction with EAX set to leaf and returns the
// values left in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// APICID returns the initial APIC ID of the executing logical processor,
// reported by CPUID leaf 1 in bits 24-31 of EBX.
func APICID() uint8 {
	_, ebx, _, _ := cpuidFn(1)
	return uint8(ebx >> 24)
}

// IsBSP returns true when the code runs on the bootstrap processor. The
// firmware always assigns initial APIC ID 0 to the BSP.
func IsBSP() bool {
	return APICID() == 0
}

// PortWriteByte writes a uint8 value to the requested I/O port.
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a uint8 value from the requested I/O port.
func PortReadByte(port uint16) uint8

// PortWriteWord writes a uint16 value to the requested I/O port.
func PortWriteWord(port uint16, val uint16)

// PortReadWord reads a uint16 value from the requested I/O port.
func PortReadWord(port uint16) uint16
