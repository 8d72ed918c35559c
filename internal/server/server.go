// Package server exposes the unwinder over gRPC, for a dumped system.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/DataExMachina-dev/fpunwind/internal/crashlog"
	"github.com/DataExMachina-dev/fpunwind/internal/dump"
	"github.com/DataExMachina-dev/fpunwind/unwind"
)

const (
	// TokenHeader is the metadata key carrying the API token.
	TokenHeader = "api-token"

	// RunningContext in place of a pid selects whatever the CPU is running.
	RunningContext = -1

	defaultCapacity = 32
	maxCapacity     = 4096
)

// Option configures a Server.
type Option interface {
	apply(*config)
}

type config struct {
	crashes     *crashlog.Log
	errorLogger func(err error)
}

type optionFunc func(cfg *config)

func (f optionFunc) apply(cfg *config) {
	f(cfg)
}

// WithCrashLog enables the crash log methods, backed by l.
func WithCrashLog(l *crashlog.Log) Option {
	return optionFunc(func(cfg *config) {
		cfg.crashes = l
	})
}

// WithErrorLogger sets a function to be called with errors that are not
// returned to a client verbatim.
func WithErrorLogger(f func(err error)) Option {
	return optionFunc(func(cfg *config) {
		cfg.errorLogger = f
	})
}

// Server implements DiagnosticsServer.
type Server struct {
	sys       *dump.System
	unwinder  *unwind.Unwinder
	snapshots SnapshotTaker
	cfg       config
}

var _ DiagnosticsServer = (*Server)(nil)

// NewServer constructs a Server for sys.
func NewServer(sys *dump.System, snapshots SnapshotTaker, opts ...Option) *Server {
	cfg := config{
		// no-op logger
		errorLogger: func(err error) {},
	}
	for _, o := range opts {
		o.apply(&cfg)
	}
	return &Server{
		sys:       sys,
		unwinder:  sys.Unwinder(),
		snapshots: snapshots,
		cfg:       cfg,
	}
}

// Backtrace implements DiagnosticsServer.
//
// Request fields: cpu (default 0), pid (default RunningContext), capacity
// (default 32) and skip. The response carries addresses, most recent first,
// and their count.
func (s *Server) Backtrace(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cpu, pid, capacity, skip, err := backtraceArgs(req)
	if err != nil {
		return nil, err
	}
	_, addrs, err := s.backtrace(cpu, pid, capacity, skip)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]interface{}{
		"addresses": formatAddrs(addrs),
		"count":     len(addrs),
	})
}

func backtraceArgs(req *structpb.Struct) (cpu, pid, capacity, skip int, err error) {
	if cpu, err = intField(req, "cpu", 0); err != nil {
		return 0, 0, 0, 0, status.Error(codes.InvalidArgument, err.Error())
	}
	if pid, err = intField(req, "pid", RunningContext); err != nil {
		return 0, 0, 0, 0, status.Error(codes.InvalidArgument, err.Error())
	}
	if capacity, err = intField(req, "capacity", defaultCapacity); err != nil {
		return 0, 0, 0, 0, status.Error(codes.InvalidArgument, err.Error())
	}
	if capacity < 0 || capacity > maxCapacity {
		return 0, 0, 0, 0, status.Errorf(codes.InvalidArgument, "capacity %d out of range [0, %d]", capacity, maxCapacity)
	}
	if skip, err = intField(req, "skip", 0); err != nil {
		return 0, 0, 0, 0, status.Error(codes.InvalidArgument, err.Error())
	}
	return cpu, pid, capacity, skip, nil
}

// backtrace unwinds pid from cpu and returns the pid actually unwound.
func (s *Server) backtrace(cpu, pid, capacity, skip int) (int, []uint64, error) {
	env, err := s.sys.Env(cpu)
	if errors.Is(err, dump.ErrNoSuchCPU) {
		return 0, nil, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return 0, nil, status.Errorf(codes.Internal, "failed to build environment: %v", err)
	}
	var target unwind.Task
	if pid == RunningContext {
		pid = env.RunningTask().PID()
	} else {
		t, ok := s.sys.Task(pid)
		if !ok {
			return 0, nil, status.Errorf(codes.NotFound, "no task with pid %d", pid)
		}
		target = t
	}
	out := make([]uint64, capacity)
	n, err := s.unwinder.Backtrace(env, target, out, skip)
	if errors.Is(err, unwind.ErrUnsupportedTarget) {
		return 0, nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	if err != nil {
		s.cfg.errorLogger(fmt.Errorf("failed to unwind pid %d on cpu %d: %w", pid, cpu, err))
		return 0, nil, status.Errorf(codes.Internal, "failed to unwind: %v", err)
	}
	return pid, out[:n], nil
}

// Snapshot implements DiagnosticsServer.
//
// Request fields: cpu (default 0).
func (s *Server) Snapshot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cpu, err := intField(req, "cpu", 0)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	snap, err := s.snapshots.TakeSnapshot(ctx, cpu)
	if errors.Is(err, dump.ErrNoSuchCPU) {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, status.FromContextError(err).Err()
	}
	if err != nil {
		s.cfg.errorLogger(fmt.Errorf("failed to snapshot cpu %d: %w", cpu, err))
		return nil, status.Errorf(codes.Internal, "failed to snapshot: %v", err)
	}
	return encodeSnapshot(snap)
}

// RecordCrash implements DiagnosticsServer. It unwinds like Backtrace and
// appends the result to the crash log.
//
// Request fields: those of Backtrace, plus reason. The response carries the
// id of the new record.
func (s *Server) RecordCrash(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.cfg.crashes == nil {
		return nil, status.Error(codes.Unimplemented, "no crash log configured")
	}
	cpu, pid, capacity, skip, err := backtraceArgs(req)
	if err != nil {
		return nil, err
	}
	reason, err := stringField(req, "reason")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	pid, addrs, err := s.backtrace(cpu, pid, capacity, skip)
	if err != nil {
		return nil, err
	}
	r, err := crashlog.NewRecord(pid, reason, addrs)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if err := s.cfg.crashes.Append(r); err != nil {
		return nil, crashLogStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"id": r.ID.String(),
	})
}

// CrashLog implements DiagnosticsServer. The response carries records; if
// the log is corrupt, it also carries corrupt_offset and the records before
// it.
func (s *Server) CrashLog(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.cfg.crashes == nil {
		return nil, status.Error(codes.Unimplemented, "no crash log configured")
	}
	recs, err := s.cfg.crashes.Records()
	resp := map[string]interface{}{}
	var ce *crashlog.CorruptError
	if errors.As(err, &ce) {
		s.cfg.errorLogger(err)
		resp["corrupt_offset"] = ce.Offset
	} else if err != nil {
		return nil, crashLogStatus(err)
	}
	out := make([]interface{}, len(recs))
	for i, r := range recs {
		out[i] = encodeRecord(r)
	}
	resp["records"] = out
	return structpb.NewStruct(resp)
}

// ClearCrashLog implements DiagnosticsServer.
func (s *Server) ClearCrashLog(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if s.cfg.crashes == nil {
		return nil, status.Error(codes.Unimplemented, "no crash log configured")
	}
	if err := s.cfg.crashes.Clear(); err != nil {
		return nil, crashLogStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func crashLogStatus(err error) error {
	var ce *crashlog.CorruptError
	switch {
	case errors.Is(err, crashlog.ErrFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.As(err, &ce):
		return status.Error(codes.DataLoss, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// TokenInterceptor rejects calls that do not carry token in TokenHeader.
func TokenInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler,
	) (interface{}, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		for _, v := range md.Get(TokenHeader) {
			if subtle.ConstantTimeCompare([]byte(v), []byte(token)) == 1 {
				return handler(ctx, req)
			}
		}
		return nil, status.Error(codes.Unauthenticated, "missing or invalid api token")
	}
}
