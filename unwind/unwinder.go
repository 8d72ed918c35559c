// Package unwind reconstructs call chains from frame pointers and saved
// registers, without symbol tables or unwind metadata.
//
// Every read of target memory is bounds-checked against the stack being
// walked. Walks that leave the stack or reach a zero link simply stop; the
// result is whatever was found up to that point.
package unwind

import (
	"github.com/DataExMachina-dev/fpunwind/arch"
)

// Option configures an Unwinder.
type Option interface {
	apply(*config)
}

type config struct {
	interruptStackSize uint64
	errorLogger        func(err error)
}

type optionFunc func(cfg *config)

func (f optionFunc) apply(cfg *config) {
	f(cfg)
}

// WithInterruptStackSize sets the size of the per-CPU dedicated interrupt
// stack. Zero, the default, means interrupt handlers run on the stack of the
// task they preempt.
func WithInterruptStackSize(size uint64) Option {
	return optionFunc(func(cfg *config) {
		cfg.interruptStackSize = size
	})
}

// WithErrorLogger sets a function to be called with targets that could not be
// resolved.
func WithErrorLogger(f func(err error)) Option {
	return optionFunc(func(cfg *config) {
		cfg.errorLogger = f
	})
}

// Unwinder binds a memory view and an architecture.
type Unwinder struct {
	mem  Memory
	arch arch.Arch
	cfg  config
}

// New constructs an Unwinder reading target memory through m.
func New(m Memory, a arch.Arch, opts ...Option) *Unwinder {
	cfg := config{
		// no-op logger
		errorLogger: func(err error) {},
	}
	for _, o := range opts {
		o.apply(&cfg)
	}
	return &Unwinder{mem: m, arch: a, cfg: cfg}
}

// Arch returns the architecture the Unwinder was built for.
func (u *Unwinder) Arch() arch.Arch {
	return u.arch
}

// Backtrace writes the call chain of target to out, most recent first,
// skipping the first skip entries, and returns how many addresses were
// written. A nil target is the calling context.
//
// An empty out returns 0 without consulting env. A target that is running on
// another CPU yields ErrUnsupportedTarget.
//
// The caller must keep target from being destroyed during the call, for
// example by holding the scheduler's critical section.
func (u *Unwinder) Backtrace(env Environment, target Task, out []uint64, skip int) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	src, err := Resolve(env, target, u.cfg.interruptStackSize)
	if err != nil {
		u.cfg.errorLogger(err)
		return 0, err
	}
	return Backtrace(u.mem, u.arch, src, out, skip), nil
}
