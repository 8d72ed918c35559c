package memview

import (
	"unsafe"

	"github.com/DataExMachina-dev/fpunwind/unwind"
)

// Live reads the calling process's own address space. It is meant for
// in-process crash handlers that unwind stacks they know to be mapped: the
// unwinder's bounds checks keep reads inside those stacks, and Live adds no
// fault recovery of its own.
type Live struct{}

var _ unwind.Memory = Live{}

// Dereference implements unwind.Memory.
//
//go:nosplit
func (Live) Dereference(dst []byte, addr uint64) bool {
	if addr == 0 || uint64(uintptr(addr)) != addr {
		return false
	}
	n := uintptr(len(dst))
	// unsafe.Slice overflow checking can lead to a static panic if ptr is close
	// to overflowing.
	if uintptr(addr)+n < uintptr(addr) {
		return false
	}
	copy(dst, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n))
	return true
}

// AddressOf returns the address of the first element of words, for building
// a Region over a stack held in Go memory.
func AddressOf(words []uintptr) uint64 {
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(words))))
}
