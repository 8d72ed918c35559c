package unwind

import (
	"errors"
	"fmt"

	"github.com/DataExMachina-dev/fpunwind/arch"
)

// Task is a read-only view of a scheduler task control block. The caller
// must keep it valid for the duration of an unwind.
type Task interface {
	PID() int
	StackBase() uint64
	StackSize() uint64
	// Registers returns the snapshot saved when the task last stopped
	// running. It is only meaningful while the task is not running.
	Registers() arch.Registers
}

// StackRegion returns the stack region of t.
func StackRegion(t Task) Region {
	return MakeRegion(t.StackBase(), t.StackSize())
}

// Environment answers the questions about the calling context that the
// resolver needs. Implementations capture these once per call; the resolver
// makes no hidden global reads.
type Environment interface {
	// RunningTask is the task executing on the calling CPU.
	RunningTask() Task
	// InInterrupt reports whether the caller is servicing an interrupt.
	InInterrupt() bool
	// InterruptStackBase is the base of the calling CPU's dedicated
	// interrupt stack.
	InterruptStackBase() uint64
	// InterruptedRegisters is the snapshot of the task preempted by the
	// current interrupt.
	InterruptedRegisters() arch.Registers
	// FramePointer is the live frame pointer of the function asking for the
	// backtrace.
	FramePointer() uint64
	// RunningElsewhere reports whether t is executing on another CPU, where
	// its saved registers cannot be trusted.
	RunningElsewhere(t Task) bool
}

// ErrUnsupportedTarget is returned for a task that is live on another CPU.
var ErrUnsupportedTarget = errors.New("target task is running on another CPU")

// minInterruptStackSize is the smallest interrupt stack that gets unwound as
// its own region.
const minInterruptStackSize = 8

// Resolve decides how to unwind target as seen from env. A nil target means
// the running context.
//
// interruptStackSize is the size of the dedicated interrupt stack; below
// minInterruptStackSize the handler is taken to run on the preempted task's
// stack.
func Resolve(env Environment, target Task, interruptStackSize uint64) (Source, error) {
	rtcb := env.RunningTask()
	if target != nil && (rtcb == nil || target.PID() != rtcb.PID()) {
		if env.RunningElsewhere(target) {
			return nil, fmt.Errorf("pid %d: %w", target.PID(), ErrUnsupportedTarget)
		}
		return OtherTask{Stack: StackRegion(target), Regs: target.Registers()}, nil
	}
	if rtcb == nil {
		return nil, errors.New("no running task")
	}

	taskStack := StackRegion(rtcb)
	if !env.InInterrupt() {
		return RunningNoInterrupt{Stack: taskStack, FP: env.FramePointer()}, nil
	}
	istack := taskStack
	if interruptStackSize >= minInterruptStackSize {
		istack = MakeRegion(env.InterruptStackBase(), interruptStackSize)
	}
	return RunningInInterrupt{
		InterruptStack: istack,
		HandlerFP:      env.FramePointer(),
		TaskStack:      taskStack,
		Preempted:      env.InterruptedRegisters(),
	}, nil
}
