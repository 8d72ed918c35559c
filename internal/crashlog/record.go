package crashlog

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Record is one persisted backtrace.
type Record struct {
	ID     uuid.UUID
	Time   time.Time
	PID    int
	Reason string
	// Addrs are return addresses, most recent first.
	Addrs []uint64
}

// NewRecord stamps a backtrace with a fresh ID and the current time.
func NewRecord(pid int, reason string, addrs []uint64) (Record, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return Record{}, fmt.Errorf("failed to generate record id: %w", err)
	}
	return Record{
		ID:     id,
		Time:   time.Now().UTC(),
		PID:    pid,
		Reason: reason,
		Addrs:  append([]uint64(nil), addrs...),
	}, nil
}

// Field numbers of the record encoding.
const (
	fieldID     protowire.Number = 1
	fieldTime   protowire.Number = 2
	fieldPID    protowire.Number = 3
	fieldReason protowire.Number = 4
	fieldAddrs  protowire.Number = 5
)

// Marshal encodes r in protobuf wire format.
func (r Record) Marshal() ([]byte, error) {
	ts, err := proto.Marshal(timestamppb.New(r.Time))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal timestamp: %w", err)
	}
	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, r.ID[:])
	b = protowire.AppendTag(b, fieldTime, protowire.BytesType)
	b = protowire.AppendBytes(b, ts)
	b = protowire.AppendTag(b, fieldPID, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(r.PID)))
	if r.Reason != "" {
		b = protowire.AppendTag(b, fieldReason, protowire.BytesType)
		b = protowire.AppendString(b, r.Reason)
	}
	if len(r.Addrs) > 0 {
		var packed []byte
		for _, a := range r.Addrs {
			packed = protowire.AppendVarint(packed, a)
		}
		b = protowire.AppendTag(b, fieldAddrs, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b, nil
}

var errTruncated = errors.New("truncated record")

// Unmarshal decodes a record produced by Marshal. Unknown fields are skipped.
func Unmarshal(b []byte) (Record, error) {
	var r Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return Record{}, fmt.Errorf("failed to parse record id: %w", err)
			}
			r.ID = id
			b = b[n:]
		case num == fieldTime && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(v, &ts); err != nil {
				return Record{}, fmt.Errorf("failed to unmarshal timestamp: %w", err)
			}
			r.Time = ts.AsTime()
			b = b[n:]
		case num == fieldPID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			r.PID = int(protowire.DecodeZigZag(v))
			b = b[n:]
		case num == fieldReason && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			r.Reason = v
			b = b[n:]
		case num == fieldAddrs && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			for len(v) > 0 {
				a, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return Record{}, errTruncated
				}
				r.Addrs = append(r.Addrs, a)
				v = v[m:]
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return r, nil
}
