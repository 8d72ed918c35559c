// Package memview provides implementations of unwind.Memory.
package memview

import (
	"fmt"
	"sort"

	"github.com/DataExMachina-dev/fpunwind/unwind"
)

// Segment is a contiguous run of target memory.
type Segment struct {
	Addr uint64
	Data []byte
}

func (s Segment) end() uint64 {
	return s.Addr + uint64(len(s.Data))
}

// Image is a captured address space made of non-overlapping segments. It is
// immutable once built and safe for concurrent reads.
type Image struct {
	segs []Segment
}

var _ unwind.Memory = (*Image)(nil)

// NewImage builds an Image. Segments may be given in any order but must not
// overlap.
func NewImage(segs ...Segment) (*Image, error) {
	sorted := append([]Segment(nil), segs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })
	for i, s := range sorted {
		if s.end() < s.Addr {
			return nil, fmt.Errorf("segment at %#x wraps the address space", s.Addr)
		}
		if i > 0 && sorted[i-1].end() > s.Addr {
			return nil, fmt.Errorf("segment at %#x overlaps segment at %#x", s.Addr, sorted[i-1].Addr)
		}
	}
	return &Image{segs: sorted}, nil
}

// Segments returns the segments in address order.
func (m *Image) Segments() []Segment {
	return m.segs
}

// Dereference implements unwind.Memory. A range must lie within a single
// segment.
func (m *Image) Dereference(dst []byte, addr uint64) bool {
	n := uint64(len(dst))
	if addr+n < addr {
		return false
	}
	i := sort.Search(len(m.segs), func(i int) bool { return m.segs[i].end() > addr })
	if i == len(m.segs) {
		return false
	}
	s := m.segs[i]
	if addr < s.Addr || addr+n > s.end() {
		return false
	}
	off := addr - s.Addr
	copy(dst, s.Data[off:off+n])
	return true
}
