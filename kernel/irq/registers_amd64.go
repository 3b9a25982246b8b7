// Package irq installs the interrupt descriptor table and routes incoming
// vectors to handlers registered by the kernel subsystems.
package irq

import (
	"io"

	"osprey/kernel/kfmt"
)

// Registers is the frame the common interrupt trampoline builds on the
// stack before entering Go code: the general purpose registers, the vector
// number, the error code (zero when the CPU does not supply one) and the
// iretq block. Modifications made by a handler are restored into the CPU
// when the trampoline returns, which is how the scheduler pivots between
// tasks.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Vector is the interrupt number the trampoline entered through.
	Vector uint64

	// ErrorCode is pushed by the CPU for the exception vectors that
	// define one; the trampoline pushes 0 for all others.
	ErrorCode uint64

	// The iretq return block.
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x ERR = %16x\n", r.RFlags, r.ErrorCode)
}
