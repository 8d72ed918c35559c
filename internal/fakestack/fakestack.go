// Package fakestack fabricates stacks holding frame-pointer chains, for tests
// and for building dumps by hand.
package fakestack

import (
	"fmt"

	"github.com/DataExMachina-dev/fpunwind/arch"
	"github.com/DataExMachina-dev/fpunwind/memview"
	"github.com/DataExMachina-dev/fpunwind/unwind"
)

// FrameWords is the size of each fabricated frame, in words.
const FrameWords = 4

// Poison fills the guard bytes around a stack. Read as a word it is a
// plausible non-zero address, so a walker that strays into a guard keeps
// going instead of stopping.
const Poison = 0xa5

// Stack is a fabricated stack of one architecture.
type Stack struct {
	a    arch.Arch
	base uint64
	data []byte
}

// New returns a zeroed stack of size bytes at base.
func New(a arch.Arch, base, size uint64) *Stack {
	return &Stack{a: a, base: base, data: make([]byte, size)}
}

// Region returns the bounds of the stack.
func (s *Stack) Region() unwind.Region {
	return unwind.MakeRegion(s.base, uint64(len(s.data)))
}

// Put stores v as a word at addr, which must lie inside the stack.
func (s *Stack) Put(addr, v uint64) {
	ws := uint64(s.a.WordSize())
	if !s.Region().Contains(addr, ws) {
		panic(fmt.Sprintf("address %#x outside stack %s", addr, s.Region()))
	}
	off := addr - s.base
	switch ws {
	case 4:
		s.a.ByteOrder().PutUint32(s.data[off:], uint32(v))
	default:
		s.a.ByteOrder().PutUint64(s.data[off:], v)
	}
}

// FrameAddr returns the frame pointer of frame i, counting from the most
// recent frame at the low end of the stack. Two words of headroom sit below
// frame 0 so that layouts with the link below the frame pointer stay inside
// the stack.
func (s *Stack) FrameAddr(i int) uint64 {
	ws := uint64(s.a.WordSize())
	return s.base + 2*ws + uint64(i)*FrameWords*ws
}

// SetFrame writes the frame record of the frame at fp.
func (s *Stack) SetFrame(fp, ret, link uint64) {
	ws := int64(s.a.WordSize())
	l := s.a.Layout()
	s.Put(fp+uint64(int64(l.Return)*ws), ret)
	s.Put(fp+uint64(int64(l.Link)*ws), link)
}

// Chain lays out one frame per return address, most recent first, links them,
// and terminates the chain with a zero link. It returns the frame pointer of
// the most recent frame.
func (s *Stack) Chain(rets ...uint64) uint64 {
	for i, ret := range rets {
		var link uint64
		if i+1 < len(rets) {
			link = s.FrameAddr(i + 1)
		}
		s.SetFrame(s.FrameAddr(i), ret, link)
	}
	return s.FrameAddr(0)
}

// Segment returns the stack contents as an image segment.
func (s *Stack) Segment() memview.Segment {
	return memview.Segment{Addr: s.base, Data: s.data}
}

// GuardSegments returns n poisoned bytes immediately below and above the
// stack.
func (s *Stack) GuardSegments(n int) []memview.Segment {
	below := make([]byte, n)
	above := make([]byte, n)
	for i := range below {
		below[i] = Poison
		above[i] = Poison
	}
	return []memview.Segment{
		{Addr: s.base - uint64(n), Data: below},
		{Addr: s.base + uint64(len(s.data)), Data: above},
	}
}

// Image builds a memory image of the given stacks, each wrapped in 64 bytes
// of poison.
func Image(stacks ...*Stack) *memview.Image {
	var segs []memview.Segment
	for _, s := range stacks {
		segs = append(segs, s.Segment())
		segs = append(segs, s.GuardSegments(64)...)
	}
	img, err := memview.NewImage(segs...)
	if err != nil {
		panic(err)
	}
	return img
}
