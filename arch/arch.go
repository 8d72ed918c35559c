// Package arch describes the per-architecture facts the unwinder needs: the
// word size, where the frame pointer and program counter live in a saved
// register snapshot, and how a frame record is laid out around the frame
// pointer.
package arch

import (
	"encoding/binary"
	"fmt"
)

// Registers is a saved register file, indexed by architecture register slot.
type Registers []uint64

// FrameLayout locates the two words of a frame record relative to the frame
// pointer, in words.
type FrameLayout struct {
	// Link is the offset of the saved caller frame pointer.
	Link int
	// Return is the offset of the saved return address.
	Return int
}

// Arch is implemented once per target architecture.
type Arch interface {
	Name() string
	// WordSize is the size of a pointer in bytes.
	WordSize() int
	ByteOrder() binary.ByteOrder
	// NumRegs is the length of a full register snapshot.
	NumRegs() int
	FramePointer(regs Registers) uint64
	ProgramCounter(regs Registers) uint64
	Layout() FrameLayout
}

type profile struct {
	name     string
	wordSize int
	numRegs  int
	fpReg    int
	pcReg    int
	layout   FrameLayout
}

var _ Arch = (*profile)(nil)

// Name implements Arch.
func (p *profile) Name() string { return p.name }

// WordSize implements Arch.
func (p *profile) WordSize() int { return p.wordSize }

// ByteOrder implements Arch. All supported targets are little-endian.
func (p *profile) ByteOrder() binary.ByteOrder { return binary.LittleEndian }

// NumRegs implements Arch.
func (p *profile) NumRegs() int { return p.numRegs }

// FramePointer implements Arch.
func (p *profile) FramePointer(regs Registers) uint64 { return p.reg(regs, p.fpReg) }

// ProgramCounter implements Arch.
func (p *profile) ProgramCounter(regs Registers) uint64 { return p.reg(regs, p.pcReg) }

// Layout implements Arch.
func (p *profile) Layout() FrameLayout { return p.layout }

// reg reads slot i, truncated to the word size. A snapshot too short to hold
// the slot reads as 0: a zero frame pointer ends the chain and a zero PC is
// not recorded.
func (p *profile) reg(regs Registers, i int) uint64 {
	if i < 0 || i >= len(regs) {
		return 0
	}
	v := regs[i]
	if p.wordSize == 4 {
		v &= 0xffffffff
	}
	return v
}

func (p *profile) String() string {
	return p.name
}

// Register slots of the supported profiles.
const (
	ARMRegFP = 11
	ARMRegPC = 15

	ARM64RegFP = 29
	// ARM64RegPC is the saved exception link register, which holds the
	// interrupted PC.
	ARM64RegPC = 32

	X8664RegRBP = 6
	X8664RegRIP = 16
)

var (
	// ARM is 32-bit ARM built with APCS frames: the caller's frame pointer is
	// saved one word below the return address, which the frame pointer
	// addresses.
	ARM Arch = &profile{
		name:     "arm",
		wordSize: 4,
		numRegs:  17,
		fpReg:    ARMRegFP,
		pcReg:    ARMRegPC,
		layout:   FrameLayout{Link: -1, Return: 0},
	}

	// ARM64 uses the AAPCS64 frame record {x29, x30} at the frame pointer.
	ARM64 Arch = &profile{
		name:     "arm64",
		wordSize: 8,
		numRegs:  36,
		fpReg:    ARM64RegFP,
		pcReg:    ARM64RegPC,
		layout:   FrameLayout{Link: 0, Return: 1},
	}

	// X8664 is the System V frame: push %rbp; mov %rsp, %rbp.
	X8664 Arch = &profile{
		name:     "x86_64",
		wordSize: 8,
		numRegs:  24,
		fpReg:    X8664RegRBP,
		pcReg:    X8664RegRIP,
		layout:   FrameLayout{Link: 0, Return: 1},
	}
)

var byName = map[string]Arch{
	"arm":     ARM,
	"arm64":   ARM64,
	"aarch64": ARM64,
	"x86_64":  X8664,
	"amd64":   X8664,
}

// ByName returns the profile registered under name.
func ByName(name string) (Arch, error) {
	a, ok := byName[name]
	if !ok {
		return nil, fmt.Errorf("unsupported architecture: %q", name)
	}
	return a, nil
}
