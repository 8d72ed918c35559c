// Package unwindclient is a client for the unwindd diagnostics service.
package unwindclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/DataExMachina-dev/fpunwind/internal/server"
)

const (
	ENV_URL   = "UNWIND_URL"
	ENV_TOKEN = "UNWIND_TOKEN"

	defaultURL = "http://127.0.0.1:7878"
)

// Client is a client for the diagnostics service.
type Client struct {
	conn  *grpc.ClientConn
	token string
}

type clientOpts struct {
	url         string
	token       string
	dialOptions []grpc.DialOption
}

// ClientOption is the interface implemented by options for New.
type ClientOption interface {
	apply(*clientOpts) error
}

// WithURL is an option for New that sets the service URL. Schemes http and
// https are supported. Defaults to the UNWIND_URL environment variable, then
// to http://127.0.0.1:7878.
type WithURL string

var _ ClientOption = WithURL("")

// apply implements the ClientOption interface.
func (u WithURL) apply(opts *clientOpts) error {
	opts.url = string(u)
	return nil
}

// WithToken is an option for New that sets the API token sent with every
// call.
type WithToken string

var _ ClientOption = WithToken("")

// apply implements the ClientOption interface.
func (t WithToken) apply(opts *clientOpts) error {
	opts.token = string(t)
	return nil
}

// WithTokenFromEnv is an option for New that reads the API token from the
// UNWIND_TOKEN environment variable. If that variable is not set, New returns
// an error.
type WithTokenFromEnv struct{}

var _ ClientOption = WithTokenFromEnv{}

// apply implements the ClientOption interface.
func (WithTokenFromEnv) apply(opts *clientOpts) error {
	tok, ok := os.LookupEnv(ENV_TOKEN)
	if !ok {
		return fmt.Errorf("%s environment variable required by WithTokenFromEnv is not set", ENV_TOKEN)
	}
	opts.token = tok
	return nil
}

// WithDialOptions is an option for New that appends grpc dial options, for
// example a custom dialer.
type WithDialOptions []grpc.DialOption

var _ ClientOption = WithDialOptions(nil)

// apply implements the ClientOption interface.
func (d WithDialOptions) apply(opts *clientOpts) error {
	opts.dialOptions = append(opts.dialOptions, d...)
	return nil
}

// New creates a Client.
//
// Close() needs to be called on the client when it is no longer needed to
// release resources.
func New(option ...ClientOption) (*Client, error) {
	opts := clientOpts{url: defaultURL}
	if u, ok := os.LookupEnv(ENV_URL); ok {
		opts.url = u
	}
	for _, o := range option {
		if err := o.apply(&opts); err != nil {
			return nil, err
		}
	}
	address, dialOpts, err := grpcTarget(opts.url)
	if err != nil {
		return nil, err
	}
	dialOpts = append(dialOpts, opts.dialOptions...)
	conn, err := grpc.Dial(address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the diagnostics service: %w", err)
	}
	return &Client{conn: conn, token: opts.token}, nil
}

// grpcTarget turns a service URL into a gRPC address.
func grpcTarget(serviceURL string) (string, []grpc.DialOption, error) {
	parsed, err := url.Parse(serviceURL)
	if err != nil {
		return "", nil, err
	}
	var dialOpts []grpc.DialOption
	var address string
	switch parsed.Scheme {
	case "http":
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		ip := net.ParseIP(parsed.Hostname())
		if ip != nil && parsed.Port() != "" {
			address = net.JoinHostPort(ip.String(), parsed.Port())
		} else if ip != nil {
			address = ip.String()
		} else {
			address = fmt.Sprintf("dns:///%s", parsed.Host)
		}
	case "https":
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
		address = fmt.Sprintf("dns:///%s", parsed.Host)
	default:
		return "", nil, fmt.Errorf("unsupported scheme: %q", parsed.Scheme)
	}
	return address, dialOpts, nil
}

// Close closes the client's network connection.
func (c *Client) Close() {
	_ /* err */ = c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, server.TokenHeader, c.token)
	}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return translateError(err)
	}
	return nil
}

// BacktraceRequest selects what to unwind. The zero request unwinds whatever
// CPU 0 is running.
type BacktraceRequest struct {
	CPU int
	// PID is the task to unwind. It is ignored unless HasPID is set, so that
	// pid 0 stays addressable.
	PID    int
	HasPID bool
	// Capacity bounds the number of addresses returned. Zero selects the
	// server's default.
	Capacity int
	Skip     int
}

func (r BacktraceRequest) fields() map[string]interface{} {
	m := map[string]interface{}{
		"cpu":  r.CPU,
		"skip": r.Skip,
	}
	if r.HasPID {
		m["pid"] = r.PID
	}
	if r.Capacity > 0 {
		m["capacity"] = r.Capacity
	}
	return m
}

// Backtrace returns the call chain of a task, most recent first.
//
// Besides generic errors, Backtrace can return NotFoundError and
// UnsupportedTargetError.
func (c *Client) Backtrace(ctx context.Context, req BacktraceRequest) ([]uint64, error) {
	in, err := structpb.NewStruct(req.fields())
	if err != nil {
		return nil, err
	}
	var resp structpb.Struct
	if err := c.invoke(ctx, server.BacktraceMethod, in, &resp); err != nil {
		return nil, err
	}
	return addrList(resp.GetFields()["addresses"])
}

// Task is one task of a Snapshot.
type Task struct {
	PID       int
	Name      string
	RunningOn int
	// Stack is nil for tasks that could not be unwound.
	Stack       []uint64
	Unsupported bool
	// User is set for tasks running in a user address environment.
	User bool
}

// Snapshot is the call chain of every task, as seen from one CPU.
type Snapshot struct {
	ID       string
	Time     time.Time
	Duration time.Duration
	CPU      int
	Tasks    []Task
}

// Snapshot unwinds every task from cpu.
func (c *Client) Snapshot(ctx context.Context, cpu int) (Snapshot, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"cpu": cpu})
	if err != nil {
		return Snapshot{}, err
	}
	var resp structpb.Struct
	if err := c.invoke(ctx, server.SnapshotMethod, in, &resp); err != nil {
		return Snapshot{}, err
	}
	return decodeSnapshot(&resp)
}

// CrashRecord is one persisted backtrace.
type CrashRecord struct {
	ID     string
	Time   time.Time
	PID    int
	Reason string
	Addrs  []uint64
}

// RecordCrash unwinds like Backtrace and persists the result in the crash
// log, returning the id of the new record.
func (c *Client) RecordCrash(ctx context.Context, req BacktraceRequest, reason string) (string, error) {
	fields := req.fields()
	fields["reason"] = reason
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return "", err
	}
	var resp structpb.Struct
	if err := c.invoke(ctx, server.RecordCrashMethod, in, &resp); err != nil {
		return "", err
	}
	return resp.GetFields()["id"].GetStringValue(), nil
}

// CrashLog returns the persisted records in the order they were recorded. If
// the log is corrupt, the intact records are returned with a
// CorruptLogError.
func (c *Client) CrashLog(ctx context.Context) ([]CrashRecord, error) {
	var resp structpb.Struct
	if err := c.invoke(ctx, server.CrashLogMethod, &emptypb.Empty{}, &resp); err != nil {
		return nil, err
	}
	return decodeCrashLog(&resp)
}

// ClearCrashLog erases the crash log.
func (c *Client) ClearCrashLog(ctx context.Context) error {
	return c.invoke(ctx, server.ClearCrashLogMethod, &emptypb.Empty{}, &emptypb.Empty{})
}

// NotFoundError is returned for a CPU or task that is not in the dump.
type NotFoundError struct {
	msg string
}

var _ error = NotFoundError{}

func (e NotFoundError) Error() string {
	return e.msg
}

// UnsupportedTargetError is returned for a task that is running on another
// CPU than the one it was unwound from.
type UnsupportedTargetError struct {
	msg string
}

var _ error = UnsupportedTargetError{}

func (e UnsupportedTargetError) Error() string {
	return e.msg
}

// CorruptLogError is returned with the intact prefix of a corrupt crash log.
type CorruptLogError struct {
	Offset int
}

var _ error = CorruptLogError{}

func (e CorruptLogError) Error() string {
	return fmt.Sprintf("crash log corrupt at offset %d", e.Offset)
}

func translateError(err error) error {
	s, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch s.Code() {
	case codes.NotFound:
		return NotFoundError{msg: s.Message()}
	case codes.FailedPrecondition:
		return UnsupportedTargetError{msg: s.Message()}
	case codes.Unavailable:
		return fmt.Errorf("failed to connect to the diagnostics service: %w", err)
	}
	return err
}
