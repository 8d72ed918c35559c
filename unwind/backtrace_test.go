package unwind_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DataExMachina-dev/fpunwind/arch"
	"github.com/DataExMachina-dev/fpunwind/internal/fakestack"
	"github.com/DataExMachina-dev/fpunwind/memview"
	"github.com/DataExMachina-dev/fpunwind/unwind"
)

type fakeTask struct {
	pid   int
	stack *fakestack.Stack
	regs  arch.Registers
}

func (t *fakeTask) PID() int                  { return t.pid }
func (t *fakeTask) StackBase() uint64         { return t.stack.Region().Base }
func (t *fakeTask) StackSize() uint64         { return t.stack.Region().Size() }
func (t *fakeTask) Registers() arch.Registers { return t.regs }

type fakeEnv struct {
	running     *fakeTask
	inInterrupt bool
	istackBase  uint64
	interrupted arch.Registers
	fp          uint64
	elsewhere   map[int]bool
}

func (e *fakeEnv) RunningTask() unwind.Task {
	if e.running == nil {
		return nil
	}
	return e.running
}
func (e *fakeEnv) InInterrupt() bool                    { return e.inInterrupt }
func (e *fakeEnv) InterruptStackBase() uint64           { return e.istackBase }
func (e *fakeEnv) InterruptedRegisters() arch.Registers { return e.interrupted }
func (e *fakeEnv) FramePointer() uint64                 { return e.fp }
func (e *fakeEnv) RunningElsewhere(t unwind.Task) bool  { return e.elsewhere[t.PID()] }

// panicEnv fails the test if it is consulted at all.
type panicEnv struct{ unwind.Environment }

func regs(a arch.Arch, fp, pc uint64) arch.Registers {
	r := make(arch.Registers, a.NumRegs())
	switch a {
	case arch.ARM:
		r[arch.ARMRegFP], r[arch.ARMRegPC] = fp, pc
	case arch.ARM64:
		r[arch.ARM64RegFP], r[arch.ARM64RegPC] = fp, pc
	case arch.X8664:
		r[arch.X8664RegRBP], r[arch.X8664RegRIP] = fp, pc
	}
	return r
}

const istackSize = 0x200

// interruptFixture is a CPU servicing an interrupt on a dedicated stack while
// task 1 is preempted. The handler chain is {0x100, 0x200}; the preempted
// task was at 0x5000 with callers {0x3000, 0x4000}.
func interruptFixture(a arch.Arch) (*memview.Image, *fakeEnv) {
	istack := fakestack.New(a, 0x9000, istackSize)
	handlerFP := istack.Chain(0x100, 0x200)
	tstack := fakestack.New(a, 0x2000, 0x200)
	taskFP := tstack.Chain(0x3000, 0x4000)
	task := &fakeTask{pid: 1, stack: tstack}
	env := &fakeEnv{
		running:     task,
		inInterrupt: true,
		istackBase:  0x9000,
		interrupted: regs(a, taskFP, 0x5000),
		fp:          handlerFP,
	}
	return fakestack.Image(istack, tstack), env
}

func TestBacktraceInterruptConcatenates(t *testing.T) {
	for _, a := range allArches {
		img, env := interruptFixture(a)
		u := unwind.New(img, a, unwind.WithInterruptStackSize(istackSize))
		all := []uint64{0x100, 0x200, 0x5000, 0x3000, 0x4000}

		for _, tc := range []struct {
			capacity, skip int
			want           []uint64
		}{
			{capacity: 16, skip: 0, want: all},
			{capacity: 5, skip: 0, want: all},
			// Skipping exactly the interrupt frames leaves the task chain.
			{capacity: 16, skip: 2, want: all[2:]},
			{capacity: 16, skip: 3, want: all[3:]},
			{capacity: 3, skip: 1, want: all[1:4]},
			{capacity: 2, skip: 0, want: all[:2]},
			{capacity: 16, skip: 9, want: []uint64{}},
		} {
			out := make([]uint64, tc.capacity)
			n, err := u.Backtrace(env, nil, out, tc.skip)
			require.NoError(t, err)
			require.Equal(t, tc.want, out[:n], "%s cap=%d skip=%d", a.Name(), tc.capacity, tc.skip)
		}
	}
}

func TestBacktraceInterruptFullSkipsTaskStack(t *testing.T) {
	img, env := interruptFixture(arch.ARM)
	rec := memview.NewRecorder(img)
	u := unwind.New(rec, arch.ARM, unwind.WithInterruptStackSize(istackSize))
	out := make([]uint64, 2)
	n, err := u.Backtrace(env, nil, out, 0)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	requireInBounds(t, rec, unwind.MakeRegion(0x9000, istackSize))
}

func TestBacktraceInterruptWithoutDedicatedStack(t *testing.T) {
	a := arch.ARM64
	tstack := fakestack.New(a, 0x2000, 0x400)
	// The handler frames sit below the preempted frames on the same stack.
	handlerFP := tstack.FrameAddr(0)
	tstack.SetFrame(handlerFP, 0x100, 0)
	taskFP := tstack.FrameAddr(4)
	tstack.SetFrame(taskFP, 0x3000, 0)
	env := &fakeEnv{
		running:     &fakeTask{pid: 1, stack: tstack},
		inInterrupt: true,
		interrupted: regs(a, taskFP, 0x5000),
		fp:          handlerFP,
	}
	u := unwind.New(fakestack.Image(tstack), a)
	out := make([]uint64, 8)
	n, err := u.Backtrace(env, nil, out, 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{0x100, 0x5000, 0x3000}, out[:n])

	src, err := unwind.Resolve(env, nil, 4)
	require.NoError(t, err)
	require.Equal(t, tstack.Region(), src.(unwind.RunningInInterrupt).InterruptStack)
}

func TestBacktraceRunningTask(t *testing.T) {
	for _, a := range allArches {
		s := fakestack.New(a, 0x2000, 0x200)
		fp := s.Chain(0x10, 0x20, 0x30)
		task := &fakeTask{pid: 7, stack: s, regs: regs(a, 0xdead, 0xbeef)}
		env := &fakeEnv{running: task, fp: fp}
		u := unwind.New(fakestack.Image(s), a)

		// The saved registers of the running task are stale and unused.
		for _, target := range []unwind.Task{nil, task, &fakeTask{pid: 7, stack: s}} {
			out := make([]uint64, 8)
			n, err := u.Backtrace(env, target, out, 1)
			require.NoError(t, err)
			require.Equal(t, []uint64{0x20, 0x30}, out[:n], a.Name())
		}
	}
}

func TestBacktraceOtherTask(t *testing.T) {
	for _, a := range allArches {
		running := fakestack.New(a, 0x2000, 0x200)
		running.Chain(0x11)
		other := fakestack.New(a, 0x6000, 0x200)
		otherFP := other.Chain(0x40, 0x50)
		target := &fakeTask{pid: 9, stack: other, regs: regs(a, otherFP, 0x30)}
		env := &fakeEnv{
			running:     &fakeTask{pid: 1, stack: running},
			inInterrupt: true,
			fp:          running.FrameAddr(0),
		}
		u := unwind.New(fakestack.Image(running, other), a)
		out := make([]uint64, 8)
		n, err := u.Backtrace(env, target, out, 0)
		require.NoError(t, err)
		require.Equal(t, []uint64{0x30, 0x40, 0x50}, out[:n], a.Name())

		src, err := unwind.Resolve(env, target, 0)
		require.NoError(t, err)
		require.Equal(t, unwind.OtherTask{Stack: other.Region(), Regs: target.regs}, src)
	}
}

func TestBacktraceZeroSavedPC(t *testing.T) {
	for _, a := range allArches {
		s := fakestack.New(a, 0x6000, 0x200)
		fp := s.Chain(0x40, 0x50)
		img := fakestack.Image(s)

		out := make([]uint64, 8)
		n := unwind.Backtrace(img, a, unwind.OtherTask{Stack: s.Region(), Regs: regs(a, fp, 0)}, out, 0)
		require.Equal(t, []uint64{0x40, 0x50}, out[:n], a.Name())

		// The missing PC does not consume a skip.
		n = unwind.Backtrace(img, a, unwind.OtherTask{Stack: s.Region(), Regs: regs(a, fp, 0)}, out, 1)
		require.Equal(t, []uint64{0x50}, out[:n], a.Name())

		for _, short := range []arch.Registers{nil, {}} {
			n = unwind.Backtrace(img, a, unwind.OtherTask{Stack: s.Region(), Regs: short}, out, 0)
			require.Zero(t, n, a.Name())
		}
	}
}

func TestBacktraceInterruptZeroPreemptedPC(t *testing.T) {
	for _, a := range allArches {
		img, env := interruptFixture(a)
		env.interrupted = regs(a, a.FramePointer(env.interrupted), 0)
		u := unwind.New(img, a, unwind.WithInterruptStackSize(istackSize))

		out := make([]uint64, 16)
		n, err := u.Backtrace(env, nil, out, 0)
		require.NoError(t, err)
		require.Equal(t, []uint64{0x100, 0x200, 0x3000, 0x4000}, out[:n], a.Name())

		n, err = u.Backtrace(env, nil, out, 2)
		require.NoError(t, err)
		require.Equal(t, []uint64{0x3000, 0x4000}, out[:n], a.Name())
	}
}

func TestBacktraceTaskRunningElsewhere(t *testing.T) {
	a := arch.ARM
	s := fakestack.New(a, 0x2000, 0x100)
	target := &fakeTask{pid: 3, stack: s}
	var logged []error
	u := unwind.New(fakestack.Image(s), a, unwind.WithErrorLogger(func(err error) {
		logged = append(logged, err)
	}))
	env := &fakeEnv{
		running:   &fakeTask{pid: 1, stack: s},
		elsewhere: map[int]bool{3: true},
	}
	out := make([]uint64, 4)
	n, err := u.Backtrace(env, target, out, 0)
	require.ErrorIs(t, err, unwind.ErrUnsupportedTarget)
	require.Zero(t, n)
	require.Len(t, logged, 1)
}

func TestBacktraceEmptyOutputSkipsEnvironment(t *testing.T) {
	u := unwind.New(memview.Live{}, arch.ARM)
	for _, out := range [][]uint64{nil, {}} {
		n, err := u.Backtrace(panicEnv{}, nil, out, 0)
		require.NoError(t, err)
		require.Zero(t, n)
	}
	require.Zero(t, unwind.Backtrace(memview.Live{}, arch.ARM, unwind.OtherTask{}, nil, 0))
}

func TestResolveWithoutRunningTask(t *testing.T) {
	_, err := unwind.Resolve(&fakeEnv{}, nil, 0)
	require.Error(t, err)
}
