package unwind

import (
	"encoding/binary"
	"fmt"
)

// Memory is a read-only view of a target address space.
type Memory interface {
	// Dereference copies len(dst) bytes starting at addr into dst. It reports
	// false, leaving dst unspecified, if any byte of the range is not
	// readable.
	Dereference(dst []byte, addr uint64) bool
}

// Region is the half-open address range [Base, Limit) of one stack.
type Region struct {
	Base  uint64
	Limit uint64
}

// MakeRegion returns the region of size bytes starting at base.
func MakeRegion(base, size uint64) Region {
	return Region{Base: base, Limit: base + size}
}

// Size returns the length of the region in bytes.
func (r Region) Size() uint64 {
	if r.Limit < r.Base {
		return 0
	}
	return r.Limit - r.Base
}

// Contains reports whether the n bytes starting at addr all lie inside the
// region.
func (r Region) Contains(addr uint64, n uint64) bool {
	if addr < r.Base || addr >= r.Limit {
		return false
	}
	end := addr + n
	return end >= addr && end <= r.Limit
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Base, r.Limit)
}

// readWord is the only place the unwinder touches target memory. The read is
// refused unless the whole word lies inside r.
func (r Region) readWord(m Memory, addr uint64, buf []byte, order binary.ByteOrder) (uint64, bool) {
	if !r.Contains(addr, uint64(len(buf))) {
		return 0, false
	}
	if !m.Dereference(buf, addr) {
		return 0, false
	}
	switch len(buf) {
	case 4:
		return uint64(order.Uint32(buf)), true
	case 8:
		return order.Uint64(buf), true
	default:
		return 0, false
	}
}
