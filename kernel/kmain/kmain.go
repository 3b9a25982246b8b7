// Package kmain hosts the kernel entry point invoked by the boot shim
// after the switch to long mode.
package kmain

import (
	"unsafe"

	"osprey/kernel"
	"osprey/kernel/cpu"
	"osprey/kernel/driver/serial"
	"osprey/kernel/gdt"
	"osprey/kernel/hal/apic"
	"osprey/kernel/hal/multiboot"
	"osprey/kernel/irq"
	"osprey/kernel/kfmt"
	"osprey/kernel/mm/kmalloc"
	"osprey/kernel/mm/pmm"
	"osprey/kernel/sched"
)

const (
	// initialHeapPages is the number of pages the kernel heap starts
	// with; it grows on demand afterwards.
	initialHeapPages = 16

	// timerInitialCount is the local timer reload value. With the /16
	// divider this yields a scheduling tick in the millisecond range on
	// common core clocks.
	timerInitialCount = 10000000
)

var (
	serialSink serial.Writer

	errBadMagic = &kernel.Error{Module: "kmain", Message: "boot loader is not multiboot2-compliant"}

	// Demonstration task stacks. Tasks created at boot run on statically
	// reserved stacks; everything else lives on the kernel heap.
	task1Stack [4096]byte
	task2Stack [4096]byte
)

// Kmain is the only Go symbol exported to the boot shim. It receives the
// magic value the loader left in EAX, the physical address of the
// multiboot information record and the physical extent of the kernel
// image. Kmain never returns: after bringing the subsystems up it turns
// into the pid-0 idle task.
//
//go:noinline
func Kmain(magic uint32, infoPtr, kernelStart, kernelEnd uintptr) {
	kfmt.SetOutputSink(&serialSink)

	if magic != multiboot.Magic {
		kfmt.Panic(errBadMagic)
	}

	// Secondary processors are parked; only the BSP boots.
	if !cpu.IsBSP() {
		cpu.DisableInterrupts()
		cpu.Halt()
	}

	kfmt.Printf("[kmain] kernel loaded at 0x%x - 0x%x, boot info at 0x%x\n", kernelStart, kernelEnd, infoPtr)

	multiboot.SetInfoPtr(infoPtr)

	gdt.Init()
	irq.Init()

	logBootTags()

	var err *kernel.Error
	if err = pmm.Init(); err != nil {
		kfmt.Panic(err)
	}
	if err = kmalloc.Init(initialHeapPages); err != nil {
		kfmt.Panic(err)
	}

	sched.Init()
	apic.Init(timerInitialCount)

	if _, err = sched.CreateTask(funcAddress(task1Main), stackBase(task1Stack[:]), uintptr(len(task1Stack))); err != nil {
		kfmt.Panic(err)
	}
	if _, err = sched.CreateTask(funcAddress(task2Main), stackBase(task2Stack[:]), uintptr(len(task2Stack))); err != nil {
		kfmt.Panic(err)
	}

	if err = sched.Start(); err != nil {
		kfmt.Panic(err)
	}

	cpu.EnableInterrupts()

	// The boot flow of control becomes the idle task.
	for {
		sched.Yield()
	}
}

// logBootTags walks the boot information record, consuming the tags the
// kernel understands and logging the rest.
func logBootTags() {
	if cmdline := multiboot.CmdLine(); cmdline != nil {
		kfmt.Printf("[kmain] command line: %s\n", cmdline)
	}
	if loader := multiboot.BootLoaderName(); loader != nil {
		kfmt.Printf("[kmain] boot loader: %s\n", loader)
	}

	multiboot.VisitModules(func(start, end uint64, name []byte) bool {
		if multiboot.StrEqual(name, "kernel.dbg") {
			irq.SetDebugSymbols(start, end)
			kfmt.Printf("[kmain] debug symbols at 0x%x - 0x%x\n", start, end)
		} else {
			kfmt.Printf("[kmain] module at 0x%x - 0x%x: %s\n", start, end, name)
		}
		return true
	})

	if fb := multiboot.GetFramebufferInfo(); fb != nil {
		kfmt.Printf("[kmain] framebuffer at 0x%x: %dx%d, %d bpp, pitch %d\n",
			fb.PhysAddr, fb.Width, fb.Height, fb.Bpp, fb.Pitch)
	}

	if numCores, runningCores, bspID, ok := multiboot.GetSMPInfo(); ok {
		kfmt.Printf("[kmain] SMP: %d core(s), %d running, bsp id 0x%x\n", numCores, runningCores, bspID)
	}

	multiboot.VisitTags(func(tagType multiboot.TagType, size uint32) bool {
		switch tagType {
		case multiboot.TagCmdLine, multiboot.TagBootLoaderName, multiboot.TagModule,
			multiboot.TagMemoryMap, multiboot.TagFramebuffer, multiboot.TagSMP:
			// consumed above (the memory map feeds the frame allocator)
		default:
			kfmt.Printf("[kmain] skipping %s tag (%d bytes)\n", tagType.String(), size)
		}
		return true
	})
}

func task1Main() {
	for {
		kfmt.Printf("Task1\n")
		sched.Yield()
	}
}

func task2Main() {
	for {
		kfmt.Printf("Task2\n")
		sched.Yield()
	}
}

// funcAddress returns the entry address of a func value. A Go func value
// points at a funcval whose first word is the code pointer.
func funcAddress(fn func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}

// stackBase returns the lowest address of a static stack buffer.
func stackBase(stack []byte) uintptr {
	return uintptr(unsafe.Pointer(&stack[0]))
}
