// Package dumptest builds a small two-CPU ARM64 dump for tests.
//
// CPU 0 is inside an interrupt handler running on a dedicated interrupt
// stack, which the dump stores at a physical address. It preempted the
// worker task. CPU 1 is running the net task. The idle and sleeper tasks are
// blocked with identical call chains.
package dumptest

import (
	"github.com/DataExMachina-dev/fpunwind/arch"
	"github.com/DataExMachina-dev/fpunwind/internal/dump"
	"github.com/DataExMachina-dev/fpunwind/internal/fakestack"
	"github.com/DataExMachina-dev/fpunwind/internal/pgpool"
)

// Task pids.
const (
	PIDIdle    = 0
	PIDWorker  = 1
	PIDNet     = 2
	PIDSleeper = 3
)

const (
	// InterruptStackSize is the size of the dedicated interrupt stack.
	InterruptStackSize = 0x200
	// InterruptStackPhys is where the dump stores the interrupt stack.
	InterruptStackPhys = 0x8000_0000
	// InterruptStackVirt is where the kernel sees it.
	InterruptStackVirt = 0x9000
	// SleeperStack is the base of the sleeper's stack, the only one in the
	// user address environment.
	SleeperStack = 0x4000
)

// Expected backtraces, most recent first.
var (
	// Worker is the worker task unwound from CPU 0: the handler frames, then
	// the preempted PC and the worker's own frames.
	Worker = []uint64{0x100, 0x200, 0x5000, 0x3000, 0x4000}
	// Net is the net task unwound from CPU 1.
	Net = []uint64{0x6000, 0x6100}
	// Blocked is the idle and sleeper tasks, unwound from anywhere.
	Blocked = []uint64{0x7000, 0x7100, 0x7200}
)

// Regs returns an ARM64 register snapshot holding only fp and pc.
func Regs(fp, pc uint64) arch.Registers {
	r := make(arch.Registers, arch.ARM64.NumRegs())
	r[arch.ARM64RegFP] = fp
	r[arch.ARM64RegPC] = pc
	return r
}

func segment(s *fakestack.Stack) dump.Segment {
	seg := s.Segment()
	return dump.Segment{Addr: seg.Addr, Data: seg.Data}
}

func task(pid int, name string, s *fakestack.Stack, regs arch.Registers) dump.Task {
	return dump.Task{ID: pid, Name: name, Stack: s.Region(), Regs: regs}
}

// New returns the dump described in the package comment.
func New() *dump.Dump {
	a := arch.ARM64

	istack := fakestack.New(a, InterruptStackVirt, InterruptStackSize)
	handlerFP := istack.Chain(0x100, 0x200)

	idle := fakestack.New(a, 0x1000, 0x200)
	idleFP := idle.Chain(0x7100, 0x7200)

	worker := fakestack.New(a, 0x2000, 0x200)
	workerFP := worker.Chain(0x3000, 0x4000)

	netStack := fakestack.New(a, 0x3000, 0x200)
	netFP := netStack.Chain(0x6000, 0x6100)

	sleeper := fakestack.New(a, SleeperStack, 0x200)
	sleeperFP := sleeper.Chain(0x7100, 0x7200)

	iseg := segment(istack)
	iseg.Addr = InterruptStackPhys
	iseg.Physical = true

	return &dump.Dump{
		Arch: a.Name(),
		Segments: []dump.Segment{
			segment(idle), segment(worker), segment(netStack), segment(sleeper), iseg,
		},
		Tasks: []dump.Task{
			task(PIDIdle, "idle", idle, Regs(idleFP, 0x7000)),
			// Running tasks carry stale registers from their last switch.
			task(PIDWorker, "worker", worker, Regs(0xdead, 0xbeef)),
			task(PIDNet, "net", netStack, Regs(0xdead, 0xbeef)),
			task(PIDSleeper, "sleeper", sleeper, Regs(sleeperFP, 0x7000)),
		},
		CPUs: []dump.CPU{
			{
				ID:                 0,
				RunningPID:         PIDWorker,
				InInterrupt:        true,
				InterruptStackBase: InterruptStackVirt,
				InterruptedRegs:    Regs(workerFP, 0x5000),
				FP:                 handlerFP,
			},
			{
				ID:         1,
				RunningPID: PIDNet,
				FP:         netFP,
			},
		},
		InterruptStackSize: InterruptStackSize,
		AddrMap: &pgpool.Translator{
			Pool: pgpool.Window{
				PBase: InterruptStackPhys,
				PEnd:  InterruptStackPhys + pgpool.PageSize,
				VBase: InterruptStackVirt,
			},
			RAM:     pgpool.Window{PBase: 0x2000_0000, PEnd: 0x2010_0000, VBase: 0x2000_0000},
			AddrEnv: pgpool.Range{Start: SleeperStack, End: SleeperStack + 0x1000},
		},
	}
}
