// Package snapshot backtraces every task of a dumped system.
package snapshot

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/minio/highwayhash"
	"golang.org/x/sync/errgroup"

	"github.com/DataExMachina-dev/fpunwind/internal/dump"
	"github.com/DataExMachina-dev/fpunwind/unwind"
)

const maxStackFrames = 512

// Snapshot is the call chain of every task, as seen from one CPU. Identical
// chains are stored once in Stacks.
type Snapshot struct {
	ID       uuid.UUID
	Time     time.Time
	Duration time.Duration
	// CPU is the CPU the tasks were unwound from.
	CPU   int
	Tasks []Task
	// Stacks maps a stack ID to its return addresses, most recent first.
	Stacks map[uint64][]uint64
}

// Task is one task's entry in a Snapshot.
type Task struct {
	PID  int
	Name string
	// RunningOn is the CPU executing the task, or -1.
	RunningOn int
	StackID   uint64
	// Unsupported is set for tasks live on another CPU. They have no stack.
	Unsupported bool
	// User is set for tasks whose stack is in a user address environment.
	User bool
}

// Option configures Take.
type Option interface {
	apply(*config)
}

type config struct {
	cpu         int
	maxFrames   int
	concurrency int
}

type optionFunc func(cfg *config)

func (f optionFunc) apply(cfg *config) {
	f(cfg)
}

// WithCPU sets the CPU the tasks are unwound from. The default is CPU 0.
func WithCPU(cpu int) Option {
	return optionFunc(func(cfg *config) {
		cfg.cpu = cpu
	})
}

// WithMaxFrames bounds the length of each stack.
func WithMaxFrames(n int) Option {
	return optionFunc(func(cfg *config) {
		cfg.maxFrames = n
	})
}

// WithConcurrency bounds how many tasks are unwound at once.
func WithConcurrency(n int) Option {
	return optionFunc(func(cfg *config) {
		cfg.concurrency = n
	})
}

func makeDefaultConfig() config {
	return config{
		maxFrames:   maxStackFrames,
		concurrency: runtime.GOMAXPROCS(0),
	}
}

// Take backtraces every task of sys from the configured CPU. Tasks are
// ordered by pid.
func Take(ctx context.Context, sys *dump.System, opts ...Option) (*Snapshot, error) {
	cfg := makeDefaultConfig()
	for _, o := range opts {
		o.apply(&cfg)
	}
	if cfg.maxFrames <= 0 {
		return nil, fmt.Errorf("invalid max frames %d", cfg.maxFrames)
	}
	env, err := sys.Env(cfg.cpu)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate snapshot id: %w", err)
	}

	start := time.Now()
	u := sys.Unwinder()
	tasks := sys.Tasks()
	traces := make([][]uint64, len(tasks))
	unsupported := make([]bool, len(tasks))

	g, ctx := errgroup.WithContext(ctx)
	if cfg.concurrency > 0 {
		g.SetLimit(cfg.concurrency)
	}
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out := make([]uint64, cfg.maxFrames)
			n, err := u.Backtrace(env, t, out, 0)
			if errors.Is(err, unwind.ErrUnsupportedTarget) {
				unsupported[i] = true
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to unwind pid %d: %w", t.ID, err)
			}
			traces[i] = out[:n:n]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s := &Snapshot{
		ID:     id,
		Time:   start.UTC(),
		CPU:    cfg.cpu,
		Tasks:  make([]Task, 0, len(tasks)),
		Stacks: make(map[uint64][]uint64),
	}
	for i, t := range tasks {
		entry := Task{
			PID:         t.ID,
			Name:        t.Name,
			RunningOn:   -1,
			Unsupported: unsupported[i],
			User:        sys.UserStack(t),
		}
		if cpu, ok := sys.RunningOn(t.ID); ok {
			entry.RunningOn = cpu
		}
		if !entry.Unsupported {
			entry.StackID = StackID(traces[i])
			if _, ok := s.Stacks[entry.StackID]; !ok {
				s.Stacks[entry.StackID] = traces[i]
			}
		}
		s.Tasks = append(s.Tasks, entry)
	}
	s.Duration = time.Since(start)
	return s, nil
}

var hashKey = [32]byte{}

// StackID identifies a call chain by its return addresses.
func StackID(addrs []uint64) uint64 {
	b := make([]byte, 8*len(addrs))
	for i, a := range addrs {
		binary.LittleEndian.PutUint64(b[8*i:], a)
	}
	return highwayhash.Sum64(b, hashKey[:])
}
