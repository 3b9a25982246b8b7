package irq

import (
	"bytes"
	"strings"
	"testing"
	"unsafe"

	"osprey/kernel/cpu"
	"osprey/kernel/gdt"
	"osprey/kernel/kfmt"
)

func TestSetGateEncoding(t *testing.T) {
	defer func() { idt = [numVectors]idtEntry{} }()

	handlerAddr := uintptr(0xffffffff81234567)
	setGate(0x20, handlerAddr, gdt.KernelCS)

	entry := idt[0x20]
	if entry.typeAttr != 0x8e {
		t.Errorf("expected gate type 0x8e; got 0x%x", entry.typeAttr)
	}
	if entry.selector != gdt.KernelCS {
		t.Errorf("expected the kernel code selector; got 0x%x", entry.selector)
	}
	if entry.ist != 0 {
		t.Errorf("expected IST 0; got %d", entry.ist)
	}

	got := uintptr(entry.offsetLow) |
		uintptr(entry.offsetMid)<<16 |
		uintptr(entry.offsetHigh)<<32
	if got != handlerAddr {
		t.Errorf("expected gate offset 0x%x; got 0x%x", handlerAddr, got)
	}

	if unsafe.Sizeof(idtEntry{}) != 16 {
		t.Errorf("expected 16-byte IDT entries; got %d", unsafe.Sizeof(idtEntry{}))
	}
}

func TestHandleInterruptRegistration(t *testing.T) {
	defer func() {
		callbacks = [numVectors]HandlerFn{}
		kfmt.SetOutputSink(nil)
	}()

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	var handlerRuns int
	HandleInterrupt(0x80, func(*Registers) { handlerRuns++ })

	regs := Registers{Vector: 0x80}
	dispatchInterrupt(&regs)
	if handlerRuns != 1 {
		t.Fatalf("expected the registered handler to run once; ran %d times", handlerRuns)
	}

	// Claiming the vector again warns and overwrites
	buf.Reset()
	HandleInterrupt(0x80, func(*Registers) { handlerRuns += 100 })
	if !strings.Contains(buf.String(), "already claimed") {
		t.Errorf("expected an overwrite warning; got %q", buf.String())
	}

	dispatchInterrupt(&regs)
	if handlerRuns != 101 {
		t.Fatalf("expected the new handler to take over; handlerRuns = %d", handlerRuns)
	}
}

func TestDispatchUnroutedVector(t *testing.T) {
	defer func() {
		callbacks = [numVectors]HandlerFn{}
		readCR2Fn = cpu.ReadCR2
		cpuDisableInterruptsFn = cpu.DisableInterrupts
		cpuHaltFn = cpu.Halt
		kfmt.SetOutputSink(nil)
	}()

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	var halted bool
	readCR2Fn = func() uint64 { return 0xdeadbeef }
	cpuDisableInterruptsFn = func() {}
	cpuHaltFn = func() { halted = true }

	regs := Registers{Vector: 0, RIP: 0x1000}
	dispatchInterrupt(&regs)

	out := buf.String()
	if !strings.Contains(out, "Divide by 0") {
		t.Errorf("expected the vector 0 mnemonic in the output; got %q", out)
	}
	if !strings.Contains(out, "CR2: 0xdeadbeef") {
		t.Errorf("expected the fault address in the output; got %q", out)
	}
	if !strings.Contains(out, "stack trace:") {
		t.Errorf("expected a stack trace in the output; got %q", out)
	}
	if !halted {
		t.Error("expected the dispatcher to halt the CPU")
	}
}

func TestVectorName(t *testing.T) {
	specs := []struct {
		vector uint64
		exp    string
	}{
		{0, "Divide by 0"},
		{8, "Double fault"},
		{13, "General protection fault"},
		{14, "Page fault"},
		{0x20, "IRQ"},
		{0x80, "IRQ"},
	}

	for specIndex, spec := range specs {
		if got := VectorName(spec.vector); got != spec.exp {
			t.Errorf("[spec %d] expected VectorName(%d) to return %q; got %q", specIndex, spec.vector, spec.exp, got)
		}
	}
}

func TestPrintStackTrace(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	// Fake call stack: three frames of {caller RBP, return address},
	// terminated by a zero frame pointer.
	frames := make([]uint64, 8)
	frameAddr := func(i int) uint64 { return uint64(uintptr(unsafe.Pointer(&frames[i*2]))) }
	frames[0], frames[1] = frameAddr(1), 0x1111
	frames[2], frames[3] = frameAddr(2), 0x2222
	frames[4], frames[5] = 0, 0x3333

	printStackTrace(0xaaaa, frameAddr(0))

	out := buf.String()
	for _, addr := range []string{"aaaa", "1111", "2222", "3333"} {
		if !strings.Contains(out, addr) {
			t.Errorf("expected the trace to contain %s; got %q", addr, out)
		}
	}
}
