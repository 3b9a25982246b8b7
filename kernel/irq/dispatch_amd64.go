package irq

import (
	"unsafe"

	"osprey/kernel/cpu"
	"osprey/kernel/gdt"
	"osprey/kernel/kfmt"
)

// HandlerFn handles one interrupt vector. Handlers run with interrupts
// disabled and may mutate the supplied frame; the trampoline restores it
// into the CPU on return.
type HandlerFn func(*Registers)

// maxTraceDepth bounds the number of frames the stack tracer walks.
const maxTraceDepth = 32

var (
	callbacks [numVectors]HandlerFn

	// dbgSymbolsStart/End record the physical range of the debug symbol
	// payload handed over by the bootloader, when one was provided.
	dbgSymbolsStart, dbgSymbolsEnd uint64

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	readCR2Fn              = cpu.ReadCR2
	cpuDisableInterruptsFn = cpu.DisableInterrupts
	cpuHaltFn              = cpu.Halt

	// exceptionNames maps the architecture-defined vectors 0-31 to their
	// mnemonics.
	exceptionNames = [32]string{
		"Divide by 0",
		"Reserved",
		"Non-maskable Interrupt",
		"Breakpoint",
		"Overflow",
		"Bounds range exceeded",
		"Invalid Opcode",
		"Device not available",
		"Double fault",
		"Coprocessor segment overrun",
		"Invalid TSS",
		"Segment not present",
		"Stack-segment fault",
		"General protection fault",
		"Page fault",
		"Reserved",
		"x87 FPU error",
		"Alignment check",
		"Machine check",
		"SIMD Floating Point Exception",
		"Reserved",
		"Reserved",
		"Reserved",
		"Reserved",
		"Reserved",
		"Reserved",
		"Reserved",
		"Reserved",
		"Reserved",
		"Reserved",
		"Reserved",
		"Reserved",
	}
)

// Init installs the interrupt descriptor table. All vectors enter through
// their trampolines and reach dispatchInterrupt; handlers registered later
// via HandleInterrupt take over their vector. Init must run before
// interrupts are enabled.
func Init() {
	installIDT(gdt.KernelCS)
}

// HandleInterrupt registers a handler for the given vector. Registering
// over a claimed vector logs a warning and overwrites the previous
// handler.
func HandleInterrupt(vector uint8, handler HandlerFn) {
	if callbacks[vector] != nil {
		kfmt.Printf("[irq] warning: vector %d is already claimed; overwriting handler\n", vector)
	}

	callbacks[vector] = handler
}

// SetDebugSymbols records the location of the debug symbol module so the
// trace output can point at it.
func SetDebugSymbols(start, end uint64) {
	dbgSymbolsStart, dbgSymbolsEnd = start, end
}

// VectorName returns the mnemonic for an exception vector, or "IRQ" for
// the external interrupt range.
func VectorName(vector uint64) string {
	if vector < uint64(len(exceptionNames)) {
		return exceptionNames[vector]
	}
	return "IRQ"
}

// dispatchInterrupt is invoked by the interrupt trampolines with the frame
// they saved. Vectors with a registered handler are routed there; anything
// else is fatal: the dispatcher reports the vector, the fault address, the
// saved registers and a stack trace, then halts the CPU.
func dispatchInterrupt(regs *Registers) {
	if handler := callbacks[regs.Vector]; handler != nil {
		handler(regs)
		return
	}

	faultAddr := readCR2Fn()

	kfmt.Printf("\nunhandled interrupt %d: %s | CR2: 0x%x\n\n", regs.Vector, VectorName(regs.Vector), faultAddr)
	regs.DumpTo(kfmt.GetOutputSink())
	printStackTrace(regs.RIP, regs.RBP)

	cpuDisableInterruptsFn()
	cpuHaltFn()
}

// printStackTrace walks the chain of saved RBP frames starting at the
// interrupted instruction and prints each return address. The walk stops
// at a nil or misaligned frame pointer or after maxTraceDepth frames.
func printStackTrace(rip, rbp uint64) {
	kfmt.Printf("stack trace:\n")
	if dbgSymbolsStart != 0 {
		kfmt.Printf("  (debug symbols at 0x%x - 0x%x)\n", dbgSymbolsStart, dbgSymbolsEnd)
	}
	kfmt.Printf("  [%d] 0x%16x\n", 0, rip)

	for depth := 1; depth < maxTraceDepth; depth++ {
		if rbp == 0 || rbp&7 != 0 {
			return
		}

		// The frame holds the caller's RBP at [rbp] and the return
		// address at [rbp+8].
		retAddr := *(*uint64)(unsafe.Pointer(uintptr(rbp) + 8))
		if retAddr == 0 {
			return
		}

		kfmt.Printf("  [%d] 0x%16x\n", depth, retAddr)
		rbp = *(*uint64)(unsafe.Pointer(uintptr(rbp)))
	}
}
