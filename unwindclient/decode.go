package unwindclient

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/DataExMachina-dev/fpunwind/internal/server"
)

func addrList(v *structpb.Value) ([]uint64, error) {
	vals := v.GetListValue().GetValues()
	out := make([]uint64, 0, len(vals))
	for _, a := range vals {
		addr, err := server.ParseAddr(a.GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("failed to parse address: %w", err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func intValue(v *structpb.Value) int {
	return int(v.GetNumberValue())
}

func timeValue(v *structpb.Value) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v.GetStringValue())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time: %w", err)
	}
	return t, nil
}

func decodeSnapshot(resp *structpb.Struct) (Snapshot, error) {
	f := resp.GetFields()
	t, err := timeValue(f["time"])
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		ID:       f["id"].GetStringValue(),
		Time:     t,
		Duration: time.Duration(f["duration_ns"].GetNumberValue()),
		CPU:      intValue(f["cpu"]),
	}
	stacks := f["stacks"].GetStructValue().GetFields()
	for _, tv := range f["tasks"].GetListValue().GetValues() {
		tf := tv.GetStructValue().GetFields()
		task := Task{
			PID:         intValue(tf["pid"]),
			Name:        tf["name"].GetStringValue(),
			RunningOn:   intValue(tf["running_on"]),
			Unsupported: tf["unsupported"].GetBoolValue(),
			User:        tf["user"].GetBoolValue(),
		}
		if !task.Unsupported {
			id := tf["stack_id"].GetStringValue()
			stack, ok := stacks[id]
			if !ok {
				return Snapshot{}, fmt.Errorf("pid %d refers to unknown stack %s", task.PID, id)
			}
			if task.Stack, err = addrList(stack); err != nil {
				return Snapshot{}, err
			}
		}
		snap.Tasks = append(snap.Tasks, task)
	}
	return snap, nil
}

func decodeCrashLog(resp *structpb.Struct) ([]CrashRecord, error) {
	f := resp.GetFields()
	var recs []CrashRecord
	for _, rv := range f["records"].GetListValue().GetValues() {
		rf := rv.GetStructValue().GetFields()
		t, err := timeValue(rf["time"])
		if err != nil {
			return nil, err
		}
		addrs, err := addrList(rf["addresses"])
		if err != nil {
			return nil, err
		}
		recs = append(recs, CrashRecord{
			ID:     rf["id"].GetStringValue(),
			Time:   t,
			PID:    intValue(rf["pid"]),
			Reason: rf["reason"].GetStringValue(),
			Addrs:  addrs,
		})
	}
	if off, ok := f["corrupt_offset"]; ok {
		return recs, CorruptLogError{Offset: intValue(off)}
	}
	return recs, nil
}
