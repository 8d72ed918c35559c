package dump_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DataExMachina-dev/fpunwind/internal/dump"
	"github.com/DataExMachina-dev/fpunwind/internal/dump/dumptest"
	"github.com/DataExMachina-dev/fpunwind/unwind"
)

func backtrace(t *testing.T, sys *dump.System, cpu int, target unwind.Task) ([]uint64, error) {
	t.Helper()
	env, err := sys.Env(cpu)
	require.NoError(t, err)
	out := make([]uint64, 16)
	n, err := sys.Unwinder().Backtrace(env, target, out, 0)
	return out[:n], err
}

func TestSaveLoad(t *testing.T) {
	d := dumptest.New()
	path := filepath.Join(t.TempDir(), "system.dump")
	require.NoError(t, d.Save(path))
	got, err := dump.Load(path)
	require.NoError(t, err)
	require.Equal(t, d, got)

	_, err = dump.Load(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestUnmarshalTruncated(t *testing.T) {
	b := dumptest.New().Marshal()
	_, err := dump.Unmarshal(b[:len(b)-3])
	require.Error(t, err)
}

func TestSystemBacktraces(t *testing.T) {
	sys, err := dump.Open(dumptest.New())
	require.NoError(t, err)
	require.Equal(t, "arm64", sys.Arch().Name())
	require.Len(t, sys.Tasks(), 4)

	// The running context of each CPU.
	got, err := backtrace(t, sys, 0, nil)
	require.NoError(t, err)
	require.Equal(t, dumptest.Worker, got)
	got, err = backtrace(t, sys, 1, nil)
	require.NoError(t, err)
	require.Equal(t, dumptest.Net, got)

	// Naming the running task is the same as the running context.
	worker, ok := sys.Task(dumptest.PIDWorker)
	require.True(t, ok)
	got, err = backtrace(t, sys, 0, worker)
	require.NoError(t, err)
	require.Equal(t, dumptest.Worker, got)

	for _, pid := range []int{dumptest.PIDIdle, dumptest.PIDSleeper} {
		task, ok := sys.Task(pid)
		require.True(t, ok)
		for _, cpu := range []int{0, 1} {
			got, err := backtrace(t, sys, cpu, task)
			require.NoError(t, err)
			require.Equal(t, dumptest.Blocked, got)
		}
	}

	// Tasks live on the other CPU cannot be unwound.
	netTask, _ := sys.Task(dumptest.PIDNet)
	_, err = backtrace(t, sys, 0, netTask)
	require.ErrorIs(t, err, unwind.ErrUnsupportedTarget)
	_, err = backtrace(t, sys, 1, worker)
	require.ErrorIs(t, err, unwind.ErrUnsupportedTarget)

	cpu, ok := sys.RunningOn(dumptest.PIDNet)
	require.True(t, ok)
	require.Equal(t, 1, cpu)
	_, ok = sys.RunningOn(dumptest.PIDIdle)
	require.False(t, ok)

	_, err = sys.Env(7)
	require.ErrorIs(t, err, dump.ErrNoSuchCPU)
}

func TestPhysicalSegmentsAreTranslated(t *testing.T) {
	sys, err := dump.Open(dumptest.New())
	require.NoError(t, err)
	var buf [8]byte
	require.True(t, sys.Memory().Dereference(buf[:], dumptest.InterruptStackVirt))
	require.False(t, sys.Memory().Dereference(buf[:], dumptest.InterruptStackPhys))
}

func TestOpenErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(d *dump.Dump)
	}{
		{"unknown arch", func(d *dump.Dump) { d.Arch = "mips" }},
		{"no address map", func(d *dump.Dump) { d.AddrMap = nil }},
		{"unmapped physical segment", func(d *dump.Dump) {
			d.Segments[len(d.Segments)-1].Addr = 0x1
		}},
		{"physical segment leaves window", func(d *dump.Dump) {
			d.Segments[len(d.Segments)-1].Addr = dumptest.InterruptStackPhys + 0xf00
		}},
		{"overlapping segments", func(d *dump.Dump) {
			d.Segments[1].Addr = d.Segments[0].Addr + 8
		}},
		{"duplicate pid", func(d *dump.Dump) { d.Tasks[1].ID = d.Tasks[0].ID }},
		{"duplicate cpu", func(d *dump.Dump) { d.CPUs[1].ID = d.CPUs[0].ID }},
		{"unknown running pid", func(d *dump.Dump) { d.CPUs[0].RunningPID = 42 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := dumptest.New()
			tc.mutate(d)
			_, err := dump.Open(d)
			require.Error(t, err)
		})
	}
}
