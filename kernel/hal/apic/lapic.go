// Package apic drives the local APIC of the bootstrap processor: it
// retires the legacy 8259 PICs, enables the xAPIC and programs the local
// timer that drives the scheduler.
package apic

import (
	"unsafe"

	"osprey/kernel/cpu"
	"osprey/kernel/irq"
	"osprey/kernel/kfmt"
	"osprey/kernel/sched"
)

const (
	// TimerVector is the IDT vector the local timer fires on.
	TimerVector = uint8(0x20)

	// spuriousVector receives spurious local interrupts; errorVector
	// receives LVT error reports.
	spuriousVector = uint32(0xff)
	errorVector    = uint32(0xfe)

	// ia32APICBase is the MSR holding the APIC base address and the
	// global enable bit (bit 11).
	ia32APICBase     = uint32(0x1b)
	apicGlobalEnable = uint64(1 << 11)
	apicBaseMask     = uint64(0xfffff000)

	// defaultLAPICBase is the architectural default for the 4 KiB local
	// APIC register file; the region must be mapped strong uncacheable.
	defaultLAPICBase = uintptr(0xfee00000)
)

// Local APIC register offsets.
const (
	regEOI            = uint32(0x0b0)
	regSpurious       = uint32(0x0f0)
	regErrorStatus    = uint32(0x280)
	regLVTTimer       = uint32(0x320)
	regLVTLINT0       = uint32(0x350)
	regLVTLINT1       = uint32(0x360)
	regLVTError       = uint32(0x370)
	regTimerInitCount = uint32(0x380)
	regTimerDivide    = uint32(0x3e0)
)

const (
	// svrAPICEnable is the software-enable bit in the spurious vector
	// register.
	svrAPICEnable = uint32(0x100)

	// lvtMasked suppresses delivery for an LVT entry.
	lvtMasked = uint32(1 << 16)

	// timerModePeriodic reloads the timer from the initial count each
	// time it reaches zero.
	timerModePeriodic = uint32(0x20000)

	// timerDivideBy16 selects a /16 divider for the timer clock.
	timerDivideBy16 = uint32(0x3)
)

// Legacy 8259 PIC ports and init command words.
const (
	pic1Command = uint16(0x20)
	pic1Data    = uint16(0x21)
	pic2Command = uint16(0xa0)
	pic2Data    = uint16(0xa1)

	icw1Init     = uint8(0x10)
	icw1NeedICW4 = uint8(0x01)
	icw4Mode8086 = uint8(0x01)
)

var (
	// lapicBase is the virtual address the register file is accessed
	// through. The kernel keeps the architectural identity mapping.
	lapicBase = defaultLAPICBase

	// timerTicks counts timer interrupts since boot.
	timerTicks uint64

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	readMSRFn       = cpu.ReadMSR
	writeMSRFn      = cpu.WriteMSR
	scheduleFn      = sched.ScheduleFromInterrupt

	mmioRead32Fn  = mmioRead32
	mmioWrite32Fn = mmioWrite32
)

// Init brings the local APIC up: the legacy PICs are remapped away from
// the exception vectors and fully masked, the xAPIC is globally enabled,
// error reporting is reset and the local timer is programmed to fire
// periodically on TimerVector with the supplied initial count at a /16
// divider. LINT0/LINT1 stay masked; external interrupt routing beyond the
// timer is not configured.
func Init(timerInitialCount uint32) {
	disablePIC()
	enableLAPIC()

	writeReg(regSpurious, svrAPICEnable|spuriousVector)

	// Two write+read rounds reset the error status register.
	writeReg(regErrorStatus, 0)
	readReg(regErrorStatus)
	writeReg(regErrorStatus, 0)
	readReg(regErrorStatus)

	writeReg(regLVTLINT0, lvtMasked)
	writeReg(regLVTLINT1, lvtMasked)
	writeReg(regLVTError, errorVector)

	irq.HandleInterrupt(TimerVector, timerHandler)

	writeReg(regTimerDivide, timerDivideBy16)
	writeReg(regLVTTimer, timerModePeriodic|uint32(TimerVector))
	writeReg(regTimerInitCount, timerInitialCount)

	kfmt.Printf("[apic] local APIC at 0x%x, timer on vector 0x%x (initial count %d)\n",
		lapicBase, TimerVector, timerInitialCount)
}

// EOI signals end-of-interrupt to the local APIC. The EOI register is
// defined to take a zero write; any other value is undefined.
func EOI() {
	writeReg(regEOI, 0)
}

// TimerTicks returns the number of timer interrupts serviced since boot.
func TimerTicks() uint64 {
	return timerTicks
}

// timerHandler services the periodic timer: it counts the tick, lets the
// scheduler pivot the interrupted frame and acknowledges the interrupt.
func timerHandler(regs *irq.Registers) {
	timerTicks++
	scheduleFn(regs)
	EOI()
}

// enableLAPIC sets the global enable bit in IA32_APIC_BASE and writes
// lapicBase into the base field, so the register file sits at the address
// readReg and writeReg use.
func enableLAPIC() {
	base := readMSRFn(ia32APICBase)
	base |= apicGlobalEnable
	base &^= apicBaseMask
	base |= uint64(lapicBase)
	writeMSRFn(ia32APICBase, base)
}

// disablePIC remaps both legacy PICs to vectors 0x20/0x28 so any stray
// delivery cannot alias a CPU exception, then masks every line.
func disablePIC() {
	portWriteByteFn(pic1Command, icw1Init|icw1NeedICW4)
	ioWait()
	portWriteByteFn(pic2Command, icw1Init|icw1NeedICW4)
	ioWait()

	portWriteByteFn(pic1Data, 0x20)
	ioWait()
	portWriteByteFn(pic2Data, 0x28)
	ioWait()

	// Wire the cascade: slave on IRQ2.
	portWriteByteFn(pic1Data, 0x04)
	ioWait()
	portWriteByteFn(pic2Data, 0x02)
	ioWait()

	portWriteByteFn(pic1Data, icw4Mode8086)
	ioWait()
	portWriteByteFn(pic2Data, icw4Mode8086)
	ioWait()

	portWriteByteFn(pic1Data, 0xff)
	portWriteByteFn(pic2Data, 0xff)
}

// ioWait delays long enough for the PICs to settle between init words by
// writing to an unused port.
func ioWait() {
	portWriteByteFn(0x80, 0)
}

// readReg and writeReg access the memory-mapped register file.
func readReg(reg uint32) uint32 {
	return mmioRead32Fn(lapicBase + uintptr(reg))
}

func writeReg(reg uint32, value uint32) {
	mmioWrite32Fn(lapicBase+uintptr(reg), value)
}

func mmioRead32(addr uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(addr))
}

func mmioWrite32(addr uintptr, value uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = value
}
