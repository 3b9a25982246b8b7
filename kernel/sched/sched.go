// Package sched implements the kernel task model: task control blocks
// linked in a circular ready ring, round-robin dispatch driven by the
// timer interrupt and voluntary yielding.
package sched

import (
	"osprey/kernel"
	"osprey/kernel/cpu"
	"osprey/kernel/gdt"
	"osprey/kernel/irq"
	"osprey/kernel/kfmt"
)

var (
	// kernelTask is the statically allocated control block for the boot
	// flow of control. It carries pid 0 and runs on the boot stack.
	kernelTask Task

	// currentTask is the task the CPU is executing; taskQueue is the
	// head of the ready ring. Both are only touched with interrupts
	// disabled.
	currentTask *Task
	taskQueue   *Task

	nextPID uint32

	// schedulerReady gates timer-driven dispatch: until Start runs, the
	// timer handler leaves all state untouched.
	schedulerReady bool

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	cpuEnableInterruptsFn = cpu.EnableInterrupts
	cpuHaltFn             = cpu.Halt
	switchContextFn       = switchContext

	errNoKernelTask = &kernel.Error{Module: "sched", Message: "scheduler started before Init"}
)

// Init installs the kernel task as the sole member of the ready ring and
// marks it running. It must be invoked once, before any CreateTask call.
func Init() {
	kernelTask = Task{
		PID:    0,
		State:  StateRunning,
		hasRun: true,
	}
	// The remaining context fields are captured from the interrupt frame
	// the first time the kernel task is preempted.
	kernelTask.Context.RFlags = initialRFlags
	kernelTask.Context.CS = gdt.KernelCS
	kernelTask.Context.SS = gdt.KernelDS
	kernelTask.next = &kernelTask

	taskQueue = &kernelTask
	currentTask = &kernelTask
	nextPID = 1
	schedulerReady = false
}

// CreateTask allocates a control block for a task that will start
// executing at entry on the supplied stack, and appends it to the tail of
// the ready ring so dispatch order follows creation order.
func CreateTask(entry uintptr, stack uintptr, stackSize uintptr) (*Task, *kernel.Error) {
	task, err := allocTaskFn()
	if err != nil {
		return nil, err
	}

	task.PID = nextPID
	nextPID++
	task.State = StateReady
	task.StackBase = stack
	task.StackSize = stackSize
	seedContext(&task.Context, entry, stack+stackSize)

	if taskQueue == nil {
		task.next = task
		taskQueue = task
	} else {
		last := taskQueue
		for last.next != taskQueue {
			last = last.next
		}
		task.next = taskQueue
		last.next = task
	}

	kfmt.Printf("[sched] created task pid %d: entry 0x%x, stack 0x%x - 0x%x\n",
		task.PID, entry, stack, stack+stackSize)

	return task, nil
}

// Start enables timer-driven dispatch. The ready ring must already hold
// the kernel task.
func Start() *kernel.Error {
	if currentTask == nil || taskQueue == nil {
		return errNoKernelTask
	}

	schedulerReady = true
	kfmt.Printf("[sched] scheduler started with %d task(s)\n", TaskCount())
	return nil
}

// Ready returns true once Start has enabled dispatching.
func Ready() bool {
	return schedulerReady
}

// CurrentTask returns the task control block of the running task.
func CurrentTask() *Task {
	return currentTask
}

// TaskCount returns the number of tasks linked in the ring.
func TaskCount() int {
	if taskQueue == nil {
		return 0
	}

	count := 1
	for task := taskQueue.next; task != taskQueue; task = task.next {
		count++
	}
	return count
}

// ScheduleFromInterrupt performs a round-robin pivot from within an
// interrupt handler. The interrupted task's state is captured from the
// frame into its control block and the frame is rewritten with the next
// task's context, so the interrupt return resumes the new task. Until
// Start runs, or while the next task in the ring is not ready, the frame
// is left untouched. A task that is no longer running (for example one
// that called Exit) keeps its state when it is switched out.
func ScheduleFromInterrupt(regs *irq.Registers) {
	if !schedulerReady || currentTask == nil || taskQueue == nil {
		return
	}

	next := currentTask.next
	if next == nil {
		next = taskQueue
	}

	if next == currentTask || next.State != StateReady {
		return
	}

	prev := currentTask
	saveFrame(regs, &prev.Context)
	if prev.State == StateRunning {
		prev.State = StateReady
	}

	currentTask = next
	next.State = StateRunning
	next.hasRun = true
	restoreFrame(&next.Context, regs)
}

// Schedule performs a voluntary round-robin pivot from base-level kernel
// code via the switchContext trampoline. Callers must not hold any
// spinlock. Execution resumes after the Schedule call when the task is
// dispatched again.
func Schedule() {
	if currentTask == nil || taskQueue == nil {
		return
	}

	next := currentTask.next
	if next == nil {
		next = taskQueue
	}

	if next == currentTask || next.State != StateReady {
		return
	}

	prev := currentTask
	prev.State = StateReady

	currentTask = next
	next.State = StateRunning
	next.hasRun = true
	switchContextFn(&prev.Context, &next.Context)
}

// Exit marks the calling task as terminated and gives up the CPU for
// good. The control block stays linked in the ring. Exit never returns.
func Exit() {
	if currentTask != nil {
		currentTask.State = StateTerminated
	}

	for {
		Yield()
	}
}

// Yield gives up the CPU until the next timer tick: it enables interrupts
// and halts, and the timer handler performs the actual switch.
func Yield() {
	cpuEnableInterruptsFn()
	cpuHaltFn()
}

// saveFrame captures an interrupt frame into a task context.
func saveFrame(regs *irq.Registers, ctx *Context) {
	ctx.RAX = regs.RAX
	ctx.RBX = regs.RBX
	ctx.RCX = regs.RCX
	ctx.RDX = regs.RDX
	ctx.RSI = regs.RSI
	ctx.RDI = regs.RDI
	ctx.RBP = regs.RBP
	ctx.R8 = regs.R8
	ctx.R9 = regs.R9
	ctx.R10 = regs.R10
	ctx.R11 = regs.R11
	ctx.R12 = regs.R12
	ctx.R13 = regs.R13
	ctx.R14 = regs.R14
	ctx.R15 = regs.R15
	ctx.RIP = regs.RIP
	ctx.RSP = regs.RSP
	ctx.RFlags = regs.RFlags
	ctx.CS = uint16(regs.CS)
	ctx.SS = uint16(regs.SS)
}

// restoreFrame rewrites an interrupt frame with a task context; the
// trampoline's iretq then resumes the task.
func restoreFrame(ctx *Context, regs *irq.Registers) {
	regs.RAX = ctx.RAX
	regs.RBX = ctx.RBX
	regs.RCX = ctx.RCX
	regs.RDX = ctx.RDX
	regs.RSI = ctx.RSI
	regs.RDI = ctx.RDI
	regs.RBP = ctx.RBP
	regs.R8 = ctx.R8
	regs.R9 = ctx.R9
	regs.R10 = ctx.R10
	regs.R11 = ctx.R11
	regs.R12 = ctx.R12
	regs.R13 = ctx.R13
	regs.R14 = ctx.R14
	regs.R15 = ctx.R15
	regs.RIP = ctx.RIP
	regs.RSP = ctx.RSP
	regs.RFlags = ctx.RFlags
	regs.CS = uint64(ctx.CS)
	regs.SS = uint64(ctx.SS)
}

// switchContext saves the callee-visible register state into old and
// resumes execution from new. It only returns when the old context is
// dispatched again.
func switchContext(old, new *Context)
