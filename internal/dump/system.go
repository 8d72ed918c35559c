package dump

import (
	"errors"
	"fmt"
	"sort"

	"github.com/DataExMachina-dev/fpunwind/arch"
	"github.com/DataExMachina-dev/fpunwind/internal/pgpool"
	"github.com/DataExMachina-dev/fpunwind/memview"
	"github.com/DataExMachina-dev/fpunwind/unwind"
)

// System is a loaded dump, ready to be unwound.
type System struct {
	arch       arch.Arch
	mem        *memview.Image
	tasks      []*Task
	byPID      map[int]*Task
	cpus       []CPU
	istackSize uint64
	addrMap    *pgpool.Translator
}

// Open checks d and builds its address space. Physical segments are mapped
// to virtual addresses through d.AddrMap.
func Open(d *Dump) (*System, error) {
	a, err := arch.ByName(d.Arch)
	if err != nil {
		return nil, err
	}
	segs := make([]memview.Segment, 0, len(d.Segments))
	for _, s := range d.Segments {
		addr := s.Addr
		if s.Physical {
			if addr, err = d.virt(s); err != nil {
				return nil, err
			}
		}
		segs = append(segs, memview.Segment{Addr: addr, Data: s.Data})
	}
	mem, err := memview.NewImage(segs...)
	if err != nil {
		return nil, fmt.Errorf("failed to build memory image: %w", err)
	}

	sys := &System{
		arch:       a,
		mem:        mem,
		byPID:      make(map[int]*Task, len(d.Tasks)),
		istackSize: d.InterruptStackSize,
		addrMap:    d.AddrMap,
	}
	for i := range d.Tasks {
		t := &d.Tasks[i]
		if _, ok := sys.byPID[t.ID]; ok {
			return nil, fmt.Errorf("duplicate task pid %d", t.ID)
		}
		sys.byPID[t.ID] = t
		sys.tasks = append(sys.tasks, t)
	}
	sort.Slice(sys.tasks, func(i, j int) bool { return sys.tasks[i].ID < sys.tasks[j].ID })

	seen := make(map[int]bool, len(d.CPUs))
	for _, c := range d.CPUs {
		if seen[c.ID] {
			return nil, fmt.Errorf("duplicate cpu %d", c.ID)
		}
		seen[c.ID] = true
		if _, ok := sys.byPID[c.RunningPID]; !ok {
			return nil, fmt.Errorf("cpu %d runs unknown pid %d", c.ID, c.RunningPID)
		}
		sys.cpus = append(sys.cpus, c)
	}
	sort.Slice(sys.cpus, func(i, j int) bool { return sys.cpus[i].ID < sys.cpus[j].ID })
	return sys, nil
}

func (d *Dump) virt(s Segment) (uint64, error) {
	if d.AddrMap == nil {
		return 0, fmt.Errorf("physical segment at %#x but no address map", s.Addr)
	}
	if err := d.AddrMap.Validate(); err != nil {
		return 0, fmt.Errorf("invalid address map: %w", err)
	}
	start, ok := d.AddrMap.Virt(s.Addr)
	if !ok {
		return 0, fmt.Errorf("physical segment at %#x is not mapped", s.Addr)
	}
	if n := uint64(len(s.Data)); n > 0 {
		// The last byte must map through the same window.
		last, ok := d.AddrMap.Virt(s.Addr + n - 1)
		if !ok || last-start != n-1 {
			return 0, fmt.Errorf("physical segment at %#x spans unmapped memory", s.Addr)
		}
	}
	return start, nil
}

// Arch returns the architecture of the dumped system.
func (s *System) Arch() arch.Arch { return s.arch }

// Memory returns the dumped address space.
func (s *System) Memory() *memview.Image { return s.mem }

// Tasks returns every task, ordered by pid.
func (s *System) Tasks() []*Task { return s.tasks }

// Task returns the task with the given pid.
func (s *System) Task(pid int) (*Task, bool) {
	t, ok := s.byPID[pid]
	return t, ok
}

// UserStack reports whether t's stack lies in a user address environment.
// Without an address map every stack is a kernel stack.
func (s *System) UserStack(t *Task) bool {
	return s.addrMap != nil && s.addrMap.IsUserVirt(t.Stack.Base)
}

// CPUs returns the per-CPU state, ordered by CPU id.
func (s *System) CPUs() []CPU { return s.cpus }

// RunningOn returns the CPU running the task with the given pid.
func (s *System) RunningOn(pid int) (int, bool) {
	for _, c := range s.cpus {
		if c.RunningPID == pid {
			return c.ID, true
		}
	}
	return 0, false
}

// ErrNoSuchCPU is returned by Env for a CPU that is not in the dump.
var ErrNoSuchCPU = errors.New("no such cpu")

// Env returns the unwinding environment as seen from the given CPU.
func (s *System) Env(cpu int) (unwind.Environment, error) {
	for i := range s.cpus {
		if s.cpus[i].ID == cpu {
			return &cpuEnv{sys: s, cpu: &s.cpus[i]}, nil
		}
	}
	return nil, fmt.Errorf("cpu %d: %w", cpu, ErrNoSuchCPU)
}

// Unwinder returns an Unwinder over the dumped memory, configured with the
// dump's interrupt stack size. opts are applied after it.
func (s *System) Unwinder(opts ...unwind.Option) *unwind.Unwinder {
	opts = append([]unwind.Option{unwind.WithInterruptStackSize(s.istackSize)}, opts...)
	return unwind.New(s.mem, s.arch, opts...)
}

type cpuEnv struct {
	sys *System
	cpu *CPU
}

var _ unwind.Environment = (*cpuEnv)(nil)

func (e *cpuEnv) RunningTask() unwind.Task {
	t, ok := e.sys.byPID[e.cpu.RunningPID]
	if !ok {
		return nil
	}
	return t
}

func (e *cpuEnv) InInterrupt() bool { return e.cpu.InInterrupt }

func (e *cpuEnv) InterruptStackBase() uint64 { return e.cpu.InterruptStackBase }

func (e *cpuEnv) InterruptedRegisters() arch.Registers { return e.cpu.InterruptedRegs }

func (e *cpuEnv) FramePointer() uint64 { return e.cpu.FP }

func (e *cpuEnv) RunningElsewhere(t unwind.Task) bool {
	for _, c := range e.sys.cpus {
		if c.ID != e.cpu.ID && c.RunningPID == t.PID() {
			return true
		}
	}
	return false
}
