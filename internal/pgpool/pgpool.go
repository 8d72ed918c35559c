// Package pgpool translates physical addresses of the pre-mapped page pool
// and of kernel RAM into the kernel's virtual addresses.
package pgpool

import (
	"errors"
	"fmt"
)

// PageSize is the size of one page-pool page.
const PageSize = 4096

// Window maps the physical range [PBase, PEnd) linearly onto virtual
// addresses starting at VBase.
type Window struct {
	PBase uint64
	PEnd  uint64
	VBase uint64
}

func (w Window) contains(paddr uint64) bool {
	return paddr >= w.PBase && paddr < w.PEnd
}

// Range is a half-open virtual address range.
type Range struct {
	Start uint64
	End   uint64
}

func (r Range) contains(vaddr uint64) bool {
	return vaddr >= r.Start && vaddr < r.End
}

// Translator holds the board's address map.
type Translator struct {
	// Pool is the page pool mapping, consulted first.
	Pool Window
	// RAM is the kernel RAM mapping.
	RAM Window
	// AddrEnv is the per-process .data/.bss, heap and stack window.
	AddrEnv Range
	// SHM is the shared memory window. It is ignored when empty.
	SHM Range
}

// Validate checks that the windows are well formed.
func (t *Translator) Validate() error {
	for _, w := range []struct {
		name string
		w    Window
	}{{"pool", t.Pool}, {"ram", t.RAM}} {
		if w.w.PEnd < w.w.PBase {
			return fmt.Errorf("%s window ends before it starts: [%#x, %#x)", w.name, w.w.PBase, w.w.PEnd)
		}
		if w.w.VBase+(w.w.PEnd-w.w.PBase) < w.w.VBase {
			return fmt.Errorf("%s window overflows the virtual address space", w.name)
		}
	}
	if t.AddrEnv.End < t.AddrEnv.Start || t.SHM.End < t.SHM.Start {
		return errors.New("virtual range ends before it starts")
	}
	return nil
}

// Virt returns the virtual address of paddr. Addresses outside both the page
// pool and RAM have no mapping; Virt returns 0 and false for them.
func (t *Translator) Virt(paddr uint64) (uint64, bool) {
	if t.Pool.contains(paddr) {
		return paddr - t.Pool.PBase + t.Pool.VBase, true
	}
	if t.RAM.contains(paddr) {
		return paddr - t.RAM.PBase + t.RAM.VBase, true
	}
	return 0, false
}

// IsUserVirt reports whether vaddr lies in a user address environment: the
// process window or, when configured, the shared memory window.
func (t *Translator) IsUserVirt(vaddr uint64) bool {
	return t.AddrEnv.contains(vaddr) || t.SHM.contains(vaddr)
}
