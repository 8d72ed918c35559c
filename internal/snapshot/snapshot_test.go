package snapshot

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/DataExMachina-dev/fpunwind/internal/dump"
	"github.com/DataExMachina-dev/fpunwind/internal/dump/dumptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openSystem(t *testing.T) *dump.System {
	t.Helper()
	sys, err := dump.Open(dumptest.New())
	require.NoError(t, err)
	return sys
}

func TestTake(t *testing.T) {
	sys := openSystem(t)
	s, err := Take(context.Background(), sys, WithConcurrency(2))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, s.ID)
	require.Equal(t, 0, s.CPU)
	require.Len(t, s.Tasks, 4)

	byPID := make(map[int]Task)
	for _, task := range s.Tasks {
		byPID[task.PID] = task
	}
	idle, sleeper := byPID[dumptest.PIDIdle], byPID[dumptest.PIDSleeper]
	require.Equal(t, "idle", idle.Name)
	require.Equal(t, -1, idle.RunningOn)
	require.Equal(t, idle.StackID, sleeper.StackID)
	require.Equal(t, dumptest.Blocked, s.Stacks[idle.StackID])
	require.False(t, idle.User)
	require.True(t, sleeper.User)

	worker := byPID[dumptest.PIDWorker]
	require.Equal(t, 0, worker.RunningOn)
	require.False(t, worker.Unsupported)
	require.Equal(t, dumptest.Worker, s.Stacks[worker.StackID])

	net := byPID[dumptest.PIDNet]
	require.Equal(t, 1, net.RunningOn)
	require.True(t, net.Unsupported)
	require.Zero(t, net.StackID)

	require.Len(t, s.Stacks, 2)
}

func TestTakeFromOtherCPU(t *testing.T) {
	sys := openSystem(t)
	s, err := Take(context.Background(), sys, WithCPU(1))
	require.NoError(t, err)
	for _, task := range s.Tasks {
		switch task.PID {
		case dumptest.PIDWorker:
			require.True(t, task.Unsupported)
		case dumptest.PIDNet:
			require.Equal(t, dumptest.Net, s.Stacks[task.StackID])
		default:
			require.Equal(t, dumptest.Blocked, s.Stacks[task.StackID])
		}
	}
}

func TestTakeMaxFrames(t *testing.T) {
	sys := openSystem(t)
	s, err := Take(context.Background(), sys, WithMaxFrames(2))
	require.NoError(t, err)
	for _, stack := range s.Stacks {
		require.LessOrEqual(t, len(stack), 2)
	}
	_, err = Take(context.Background(), sys, WithMaxFrames(0))
	require.Error(t, err)
}

func TestTakeErrors(t *testing.T) {
	sys := openSystem(t)
	_, err := Take(context.Background(), sys, WithCPU(3))
	require.ErrorIs(t, err, dump.ErrNoSuchCPU)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Take(ctx, sys)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStackID(t *testing.T) {
	require.Equal(t, StackID([]uint64{1, 2}), StackID([]uint64{1, 2}))
	require.NotEqual(t, StackID([]uint64{1, 2}), StackID([]uint64{2, 1}))
	require.NotEqual(t, StackID(nil), StackID([]uint64{0}))
}
