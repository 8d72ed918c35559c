package server

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/DataExMachina-dev/fpunwind/internal/crashlog"
	"github.com/DataExMachina-dev/fpunwind/internal/snapshot"
)

// FormatAddr renders an address the way responses carry it. Addresses travel
// as strings because struct numbers are doubles.
func FormatAddr(a uint64) string {
	return "0x" + strconv.FormatUint(a, 16)
}

// ParseAddr parses an address produced by FormatAddr.
func ParseAddr(s string) (uint64, error) {
	if !strings.HasPrefix(s, "0x") {
		return 0, fmt.Errorf("address %q lacks 0x prefix", s)
	}
	return strconv.ParseUint(s[2:], 16, 64)
}

func formatAddrs(addrs []uint64) []interface{} {
	out := make([]interface{}, len(addrs))
	for i, a := range addrs {
		out[i] = FormatAddr(a)
	}
	return out
}

// intField returns the integer field name of s, or def if it is absent or
// null.
func intField(s *structpb.Struct, name string, def int) (int, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return def, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return def, nil
	case *structpb.Value_NumberValue:
		f := k.NumberValue
		if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			return 0, fmt.Errorf("%s: %v is not an integer", name, f)
		}
		return int(f), nil
	default:
		return 0, fmt.Errorf("%s: expected a number", name)
	}
}

func stringField(s *structpb.Struct, name string) (string, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return "", nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return "", nil
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	default:
		return "", fmt.Errorf("%s: expected a string", name)
	}
}

func encodeSnapshot(s *snapshot.Snapshot) (*structpb.Struct, error) {
	tasks := make([]interface{}, len(s.Tasks))
	for i, t := range s.Tasks {
		task := map[string]interface{}{
			"pid":         t.PID,
			"name":        t.Name,
			"running_on":  t.RunningOn,
			"unsupported": t.Unsupported,
			"user":        t.User,
		}
		if !t.Unsupported {
			task["stack_id"] = FormatAddr(t.StackID)
		}
		tasks[i] = task
	}
	stacks := make(map[string]interface{}, len(s.Stacks))
	for id, addrs := range s.Stacks {
		stacks[FormatAddr(id)] = formatAddrs(addrs)
	}
	return structpb.NewStruct(map[string]interface{}{
		"id":          s.ID.String(),
		"time":        s.Time.Format(time.RFC3339Nano),
		"duration_ns": s.Duration.Nanoseconds(),
		"cpu":         s.CPU,
		"tasks":       tasks,
		"stacks":      stacks,
	})
}

func encodeRecord(r crashlog.Record) map[string]interface{} {
	return map[string]interface{}{
		"id":        r.ID.String(),
		"time":      r.Time.Format(time.RFC3339Nano),
		"pid":       r.PID,
		"reason":    r.Reason,
		"addresses": formatAddrs(r.Addrs),
	}
}
