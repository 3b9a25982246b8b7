package irq

import "unsafe"

// numVectors is the number of IDT slots defined by the architecture.
const numVectors = 256

// gateTypeInterrupt = present | DPL 0 | 64-bit interrupt gate. Interrupt
// gates clear IF on entry so handlers run with interrupts disabled.
const gateTypeInterrupt = uint8(0x8e)

// idtEntry is one 16-byte interrupt gate descriptor.
type idtEntry struct {
	offsetLow uint16
	selector  uint16
	// ist selects an interrupt stack table slot in its low 3 bits; 0
	// keeps the interrupted context's stack.
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

// idtPointer is the operand layout expected by lidt.
type idtPointer struct {
	limit uint16
	base  uint64
}

var (
	idt  [numVectors]idtEntry
	idtr idtPointer
)

// setGate points the IDT slot for a vector at a trampoline entry point,
// using the kernel code selector and no IST stack.
func setGate(vector int, handlerAddr uintptr, selector uint16) {
	idt[vector] = idtEntry{
		offsetLow:  uint16(handlerAddr),
		selector:   selector,
		ist:        0,
		typeAttr:   gateTypeInterrupt,
		offsetMid:  uint16(handlerAddr >> 16),
		offsetHigh: uint32(handlerAddr >> 32),
	}
}

// installIDT fills all 256 IDT slots with their trampoline entry points
// and loads the table.
func installIDT(selector uint16) {
	for vector := 0; vector < numVectors; vector++ {
		setGate(vector, trampolineAddress(uint8(vector)), selector)
	}

	idtr.limit = uint16(unsafe.Sizeof(idt) - 1)
	idtr.base = uint64(uintptr(unsafe.Pointer(&idt[0])))
	loadIDT(&idtr)
}

// trampolineAddress returns the entry point of the per-vector interrupt
// trampoline. Each trampoline pushes the vector number (plus a zero error
// code for the vectors where the CPU does not supply one), saves the
// general purpose registers to form a Registers frame and calls
// dispatchInterrupt with its address.
func trampolineAddress(vector uint8) uintptr

// loadIDT issues lidt with the supplied descriptor.
func loadIDT(descriptor *idtPointer)
