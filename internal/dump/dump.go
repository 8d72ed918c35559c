// Package dump reads and writes descriptions of a halted system: its memory,
// its tasks and the state of each CPU at the moment it stopped.
package dump

import (
	"fmt"
	"os"

	"github.com/DataExMachina-dev/fpunwind/arch"
	"github.com/DataExMachina-dev/fpunwind/internal/pgpool"
	"github.com/DataExMachina-dev/fpunwind/unwind"
)

// Dump is the decoded form of a dump file.
type Dump struct {
	Arch     string
	Segments []Segment
	Tasks    []Task
	CPUs     []CPU
	// InterruptStackSize is the size of each CPU's dedicated interrupt stack,
	// or 0 if interrupts run on task stacks.
	InterruptStackSize uint64
	// AddrMap translates Physical segments. It may be nil if there are none.
	AddrMap *pgpool.Translator
}

// Segment is a run of captured memory.
type Segment struct {
	Addr uint64
	Data []byte
	// Physical is set when Addr is a physical address.
	Physical bool
}

// Task is a captured task control block.
type Task struct {
	ID    int
	Name  string
	Stack unwind.Region
	// Regs is the register snapshot saved when the task last stopped
	// running.
	Regs arch.Registers
}

var _ unwind.Task = (*Task)(nil)

// PID implements unwind.Task.
func (t *Task) PID() int { return t.ID }

// StackBase implements unwind.Task.
func (t *Task) StackBase() uint64 { return t.Stack.Base }

// StackSize implements unwind.Task.
func (t *Task) StackSize() uint64 { return t.Stack.Size() }

// Registers implements unwind.Task.
func (t *Task) Registers() arch.Registers { return t.Regs }

// CPU is the state of one processor when the system stopped.
type CPU struct {
	ID         int
	RunningPID int
	// InInterrupt is set if the CPU stopped inside an interrupt handler.
	InInterrupt        bool
	InterruptStackBase uint64
	// InterruptedRegs is the snapshot saved on interrupt entry.
	InterruptedRegs arch.Registers
	// FP is the frame pointer of the code that stopped the CPU.
	FP uint64
}

// Load reads and decodes the dump at path.
func Load(path string) (*Dump, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dump: %w", err)
	}
	d, err := Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to decode dump %s: %w", path, err)
	}
	return d, nil
}

// Save encodes d and writes it to path.
func (d *Dump) Save(path string) error {
	if err := os.WriteFile(path, d.Marshal(), 0o644); err != nil {
		return fmt.Errorf("failed to write dump: %w", err)
	}
	return nil
}
