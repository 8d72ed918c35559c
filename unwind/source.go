package unwind

import (
	"github.com/DataExMachina-dev/fpunwind/arch"
)

// Source says which stacks and register values feed the walker. It is one of
// RunningNoInterrupt, RunningInInterrupt or OtherTask.
type Source interface {
	isSource()
}

// RunningNoInterrupt unwinds the calling context from its own frame pointer.
// The caller's frame is already on the chain, so no start PC is used.
type RunningNoInterrupt struct {
	Stack Region
	FP    uint64
}

// RunningInInterrupt unwinds an interrupt handler and then the task it
// preempted. Interrupt frames come first.
type RunningInInterrupt struct {
	// InterruptStack is the stack the handler runs on. Without a dedicated
	// interrupt stack it is the preempted task's own stack.
	InterruptStack Region
	HandlerFP      uint64
	TaskStack      Region
	// Preempted is the register snapshot saved on interrupt entry.
	Preempted arch.Registers
}

// OtherTask unwinds a task that is not running, from its saved registers.
type OtherTask struct {
	Stack Region
	Regs  arch.Registers
}

func (RunningNoInterrupt) isSource() {}
func (RunningInInterrupt) isSource() {}
func (OtherTask) isSource()          {}

// Backtrace walks src and writes up to len(out) return addresses to out,
// most recent first, skipping the first skip entries. The interrupt case
// walks twice; the skip count carries over from the first walk to the
// second, and the second only runs if the first left room.
func Backtrace(m Memory, a arch.Arch, src Source, out []uint64, skip int) int {
	if len(out) == 0 {
		return 0
	}
	w := newWalker(m, a, skip)
	switch s := src.(type) {
	case RunningNoInterrupt:
		return w.walk(s.Stack, Start{FP: s.FP}, out)
	case RunningInInterrupt:
		n := w.walk(s.InterruptStack, Start{FP: s.HandlerFP}, out)
		if n < len(out) {
			n += w.walk(s.TaskStack, savedStart(a, s.Preempted), out[n:])
		}
		return n
	case OtherTask:
		return w.walk(s.Stack, savedStart(a, s.Regs), out)
	default:
		return 0
	}
}

// savedStart starts a walk from a register snapshot. A zero PC, as in a task
// that never ran or a snapshot too short to hold the slot, is not recorded.
func savedStart(a arch.Arch, regs arch.Registers) Start {
	pc := a.ProgramCounter(regs)
	return Start{
		FP:    a.FramePointer(regs),
		PC:    pc,
		HasPC: pc != 0,
	}
}
