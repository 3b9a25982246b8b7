package sched

import (
	"io"
	"unsafe"

	"osprey/kernel"
	"osprey/kernel/gdt"
	"osprey/kernel/kfmt"
	"osprey/kernel/mm/kmalloc"
)

// State describes the lifecycle state of a task.
type State uint8

const (
	// StateReady marks a task that is linked in the ready ring and can
	// be dispatched.
	StateReady State = iota

	// StateRunning marks the task the CPU is executing. Exactly one
	// task is running at any time.
	StateRunning

	// StateBlocked marks a task waiting on an event. No v1 code blocks
	// tasks; the state is reserved for the wait primitives.
	StateBlocked

	// StateTerminated marks a task that exited. Terminated tasks stay
	// linked in the ring and are never dispatched again; while the next
	// task in the ring is not ready, the dispatcher keeps the current
	// task running.
	StateTerminated
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateTerminated:
		return "terminated"
	default:
		return "invalid"
	}
}

// initialRFlags is the RFLAGS value seeded into new task contexts:
// interrupts enabled plus the always-set reserved bit 1.
const initialRFlags = uint64(0x202)

// Context is the full register state of a suspended task. Its contents
// move between the task control block and the interrupt frame on
// preemption, or through the switchContext trampoline on a voluntary
// switch.
type Context struct {
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

	RIP    uint64
	RSP    uint64
	RFlags uint64

	CS uint16
	SS uint16
	DS uint16
	ES uint16
	FS uint16
	GS uint16
}

// Task is a task control block. next links the ready ring; the ring is
// circular and never empty once the kernel task is installed.
type Task struct {
	PID   uint32
	State State

	Context Context

	// StackBase and StackSize describe the task's stack region. The
	// kernel task runs on the boot stack and leaves both zero.
	StackBase uintptr
	StackSize uintptr

	// hasRun is cleared on creation and set on the task's first
	// dispatch. A task that never ran still holds exactly the context
	// seeded by CreateTask.
	hasRun bool

	next *Task
}

var (
	errTaskAllocFailed = &kernel.Error{Module: "sched", Message: "failed to allocate task control block"}

	// allocTaskFn is mocked by tests and is automatically inlined by the
	// compiler.
	allocTaskFn = allocTask
)

// allocTask carves a zeroed task control block out of the kernel heap.
// Task control blocks are never freed; terminated tasks keep theirs.
func allocTask() (*Task, *kernel.Error) {
	addr, err := kmalloc.Alloc(unsafe.Sizeof(Task{}))
	if err != nil {
		return nil, err
	}
	if addr == 0 {
		return nil, errTaskAllocFailed
	}

	task := (*Task)(unsafe.Pointer(addr))
	*task = Task{}
	return task, nil
}

// seedContext initializes a fresh task context: execution starts at entry
// with a 16-byte scratch gap at the stack top, interrupts enabled and the
// kernel segment selectors loaded.
func seedContext(ctx *Context, entry, stackTop uintptr) {
	ctx.RIP = uint64(entry)
	ctx.RSP = uint64(stackTop - 16)
	ctx.RFlags = initialRFlags
	ctx.CS = gdt.KernelCS
	ctx.SS = gdt.KernelDS
	ctx.DS = gdt.KernelDS
	ctx.ES = gdt.KernelDS
	ctx.FS = gdt.KernelDS
	ctx.GS = gdt.KernelDS
}

// DumpTasksTo writes the state of every task in the ring to w, marking the
// running task.
func DumpTasksTo(w io.Writer) {
	kfmt.Fprintf(w, "[sched] task ring:\n")
	if taskQueue == nil {
		kfmt.Fprintf(w, "  (empty)\n")
		return
	}

	for task, count := taskQueue, 0; count < maxDumpTasks; task, count = task.next, count+1 {
		marker := " "
		if task == currentTask {
			marker = "*"
		}
		kfmt.Fprintf(w, "  %s pid %d: %s\n", marker, task.PID, task.State.String())

		if task.next == taskQueue {
			return
		}
	}

	kfmt.Fprintf(w, "  ... (truncated)\n")
}

// maxDumpTasks bounds DumpTasksTo output in case the ring is corrupted.
const maxDumpTasks = 32
