package unwind

import (
	"github.com/DataExMachina-dev/fpunwind/arch"
)

// Start is where a walk begins.
type Start struct {
	// FP is the first frame pointer of the chain.
	FP uint64
	// PC, when HasPC is set, is the currently executing address. It is not
	// on the frame chain yet, so it is visited as entry 0 before any frame.
	PC    uint64
	HasPC bool
}

// Walk follows the frame-pointer chain inside stack and writes return
// addresses to out, most recent first. The first skip entries are visited but
// not recorded. It returns the number of addresses written, which never
// exceeds len(out).
//
// The walk ends at the first frame whose pointer or frame record falls
// outside stack, or whose return address or link is zero. A corrupted frame
// pointer is indistinguishable from the bottom of the chain, so callers get
// the frames found so far rather than an error. A chain that loops without
// leaving the stack is bounded only by len(out).
func Walk(m Memory, a arch.Arch, stack Region, start Start, out []uint64, skip int) int {
	w := newWalker(m, a, skip)
	return w.walk(stack, start, out)
}

type walker struct {
	mem  Memory
	arch arch.Arch
	// skip is carried across walks so that two concatenated walks skip as
	// one.
	skip int

	// Used during unwinding to avoid allocations.
	wordBuf [8]byte
}

func newWalker(m Memory, a arch.Arch, skip int) *walker {
	return &walker{mem: m, arch: a, skip: skip}
}

// visit consumes one entry: it is dropped while skip is positive and
// recorded otherwise.
func (w *walker) visit(out []uint64, n int, pc uint64) int {
	if w.skip > 0 {
		w.skip--
		return n
	}
	out[n] = pc
	return n + 1
}

func (w *walker) walk(stack Region, start Start, out []uint64) int {
	if len(out) == 0 {
		return 0
	}
	var n int
	if start.HasPC {
		n = w.visit(out, n, start.PC)
	}

	ws := w.arch.WordSize()
	buf := w.wordBuf[:ws]
	order := w.arch.ByteOrder()
	layout := w.arch.Layout()
	retOff := uint64(int64(layout.Return) * int64(ws))
	linkOff := uint64(int64(layout.Link) * int64(ws))

	for fp := start.FP; n < len(out); {
		if fp == 0 {
			break
		}
		ret, ok := stack.readWord(w.mem, fp+retOff, buf, order)
		if !ok || ret == 0 {
			break
		}
		n = w.visit(out, n, ret)
		if n == len(out) {
			break
		}
		if fp, ok = stack.readWord(w.mem, fp+linkOff, buf, order); !ok {
			break
		}
	}
	return n
}
