package memview

import (
	"sync"

	"github.com/DataExMachina-dev/fpunwind/unwind"
)

// Access is one read seen by a Recorder.
type Access struct {
	Addr uint64
	Len  int
}

// Recorder wraps a Memory and remembers every read made through it.
type Recorder struct {
	m unwind.Memory

	mu struct {
		sync.Mutex
		reads []Access
	}
}

var _ unwind.Memory = (*Recorder)(nil)

// NewRecorder wraps m.
func NewRecorder(m unwind.Memory) *Recorder {
	return &Recorder{m: m}
}

// Dereference implements unwind.Memory.
func (r *Recorder) Dereference(dst []byte, addr uint64) bool {
	r.mu.Lock()
	r.mu.reads = append(r.mu.reads, Access{Addr: addr, Len: len(dst)})
	r.mu.Unlock()
	return r.m.Dereference(dst, addr)
}

// Reads returns the reads made so far.
func (r *Recorder) Reads() []Access {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Access(nil), r.mu.reads...)
}

// Reset forgets all recorded reads.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.mu.reads = nil
	r.mu.Unlock()
}
