package server

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/DataExMachina-dev/fpunwind/internal/dump"
	"github.com/DataExMachina-dev/fpunwind/internal/snapshot"
)

// SnapshotTaker produces the snapshot of a system as seen from one CPU.
type SnapshotTaker interface {
	TakeSnapshot(ctx context.Context, cpu int) (*snapshot.Snapshot, error)
}

// NewSnapshotTaker returns a SnapshotTaker for sys. A dump never changes, so
// each CPU's snapshot is taken once and kept; concurrent requests for the
// same CPU share one computation.
func NewSnapshotTaker(sys *dump.System, opts ...snapshot.Option) SnapshotTaker {
	return newCachedSnapshotTaker(&systemSnapshotTaker{sys: sys, opts: opts})
}

type cachedSnapshotTaker struct {
	g          singleflight.Group
	underlying SnapshotTaker
	mu         struct {
		sync.Mutex
		cache map[int]*snapshot.Snapshot
	}
}

func newCachedSnapshotTaker(underlying SnapshotTaker) *cachedSnapshotTaker {
	c := &cachedSnapshotTaker{underlying: underlying}
	c.mu.cache = make(map[int]*snapshot.Snapshot)
	return c
}

func (s *cachedSnapshotTaker) getCached(cpu int) (*snapshot.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.mu.cache[cpu]
	return p, ok
}

func (s *cachedSnapshotTaker) TakeSnapshot(ctx context.Context, cpu int) (*snapshot.Snapshot, error) {
	if p, ok := s.getCached(cpu); ok {
		return p, nil
	}
	ch := s.g.DoChan(strconv.Itoa(cpu), func() (interface{}, error) {
		// A call that finished between getCached and DoChan already
		// stored the snapshot.
		if p, ok := s.getCached(cpu); ok {
			return p, nil
		}
		// The shared computation must not die with whichever caller started
		// it.
		p, err := s.underlying.TakeSnapshot(context.WithoutCancel(ctx), cpu)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.mu.cache[cpu] = p
		return p, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*snapshot.Snapshot), nil
	}
}

type systemSnapshotTaker struct {
	sys  *dump.System
	opts []snapshot.Option
}

func (t *systemSnapshotTaker) TakeSnapshot(ctx context.Context, cpu int) (*snapshot.Snapshot, error) {
	opts := append(append([]snapshot.Option(nil), t.opts...), snapshot.WithCPU(cpu))
	return snapshot.Take(ctx, t.sys, opts...)
}
