package dump

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/DataExMachina-dev/fpunwind/arch"
	"github.com/DataExMachina-dev/fpunwind/internal/pgpool"
	"github.com/DataExMachina-dev/fpunwind/unwind"
)

// Field numbers. Zero values are omitted on the wire.
const (
	dumpArch               protowire.Number = 1
	dumpSegment            protowire.Number = 2
	dumpTask               protowire.Number = 3
	dumpCPU                protowire.Number = 4
	dumpInterruptStackSize protowire.Number = 5
	dumpAddrMap            protowire.Number = 6

	segmentAddr     protowire.Number = 1
	segmentData     protowire.Number = 2
	segmentPhysical protowire.Number = 3

	taskID        protowire.Number = 1
	taskName      protowire.Number = 2
	taskStackBase protowire.Number = 3
	taskStackSize protowire.Number = 4
	taskRegs      protowire.Number = 5

	cpuID                 protowire.Number = 1
	cpuRunningPID         protowire.Number = 2
	cpuInInterrupt        protowire.Number = 3
	cpuInterruptStackBase protowire.Number = 4
	cpuInterruptedRegs    protowire.Number = 5
	cpuFP                 protowire.Number = 6

	mapPoolPBase    protowire.Number = 1
	mapPoolPEnd     protowire.Number = 2
	mapPoolVBase    protowire.Number = 3
	mapRAMPBase     protowire.Number = 4
	mapRAMPEnd      protowire.Number = 5
	mapRAMVBase     protowire.Number = 6
	mapAddrEnvStart protowire.Number = 7
	mapAddrEnvEnd   protowire.Number = 8
	mapSHMStart     protowire.Number = 9
	mapSHMEnd       protowire.Number = 10
)

// Marshal encodes d in protobuf wire format.
func (d *Dump) Marshal() []byte {
	var b []byte
	b = appendBytes(b, dumpArch, []byte(d.Arch))
	for _, s := range d.Segments {
		var m []byte
		m = appendUint(m, segmentAddr, s.Addr)
		m = appendBytes(m, segmentData, s.Data)
		m = appendBool(m, segmentPhysical, s.Physical)
		b = protowire.AppendTag(b, dumpSegment, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	for _, t := range d.Tasks {
		var m []byte
		m = appendInt(m, taskID, t.ID)
		m = appendBytes(m, taskName, []byte(t.Name))
		m = appendUint(m, taskStackBase, t.Stack.Base)
		m = appendUint(m, taskStackSize, t.Stack.Size())
		m = appendPacked(m, taskRegs, t.Regs)
		b = protowire.AppendTag(b, dumpTask, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	for _, c := range d.CPUs {
		var m []byte
		m = appendInt(m, cpuID, c.ID)
		m = appendInt(m, cpuRunningPID, c.RunningPID)
		m = appendBool(m, cpuInInterrupt, c.InInterrupt)
		m = appendUint(m, cpuInterruptStackBase, c.InterruptStackBase)
		m = appendPacked(m, cpuInterruptedRegs, c.InterruptedRegs)
		m = appendUint(m, cpuFP, c.FP)
		b = protowire.AppendTag(b, dumpCPU, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	b = appendUint(b, dumpInterruptStackSize, d.InterruptStackSize)
	if t := d.AddrMap; t != nil {
		var m []byte
		m = appendUint(m, mapPoolPBase, t.Pool.PBase)
		m = appendUint(m, mapPoolPEnd, t.Pool.PEnd)
		m = appendUint(m, mapPoolVBase, t.Pool.VBase)
		m = appendUint(m, mapRAMPBase, t.RAM.PBase)
		m = appendUint(m, mapRAMPEnd, t.RAM.PEnd)
		m = appendUint(m, mapRAMVBase, t.RAM.VBase)
		m = appendUint(m, mapAddrEnvStart, t.AddrEnv.Start)
		m = appendUint(m, mapAddrEnvEnd, t.AddrEnv.End)
		m = appendUint(m, mapSHMStart, t.SHM.Start)
		m = appendUint(m, mapSHMEnd, t.SHM.End)
		b = protowire.AppendTag(b, dumpAddrMap, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

// Unmarshal decodes a dump produced by Marshal. Unknown fields are skipped.
func Unmarshal(b []byte) (*Dump, error) {
	d := &Dump{}
	err := parseFields(b, func(f field) (err error) {
		switch f.num {
		case dumpArch:
			d.Arch = string(f.b)
		case dumpSegment:
			var s Segment
			if err := parseFields(f.b, s.decodeField); err != nil {
				return fmt.Errorf("segment %d: %w", len(d.Segments), err)
			}
			d.Segments = append(d.Segments, s)
		case dumpTask:
			var t Task
			if err := parseFields(f.b, t.decodeField); err != nil {
				return fmt.Errorf("task %d: %w", len(d.Tasks), err)
			}
			d.Tasks = append(d.Tasks, t)
		case dumpCPU:
			var c CPU
			if err := parseFields(f.b, c.decodeField); err != nil {
				return fmt.Errorf("cpu %d: %w", len(d.CPUs), err)
			}
			d.CPUs = append(d.CPUs, c)
		case dumpInterruptStackSize:
			d.InterruptStackSize = f.v
		case dumpAddrMap:
			t := &pgpool.Translator{}
			if err := parseFields(f.b, func(f field) error {
				decodeMapField(t, f)
				return nil
			}); err != nil {
				return fmt.Errorf("address map: %w", err)
			}
			d.AddrMap = t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Segment) decodeField(f field) error {
	switch f.num {
	case segmentAddr:
		s.Addr = f.v
	case segmentData:
		s.Data = f.b
	case segmentPhysical:
		s.Physical = f.v != 0
	}
	return nil
}

func (t *Task) decodeField(f field) (err error) {
	switch f.num {
	case taskID:
		t.ID = f.int()
	case taskName:
		t.Name = string(f.b)
	case taskStackBase:
		size := t.Stack.Size()
		t.Stack = unwind.MakeRegion(f.v, size)
	case taskStackSize:
		t.Stack = unwind.MakeRegion(t.Stack.Base, f.v)
	case taskRegs:
		var regs []uint64
		regs, err = parsePacked(f.b)
		t.Regs = arch.Registers(regs)
	}
	return err
}

func (c *CPU) decodeField(f field) (err error) {
	switch f.num {
	case cpuID:
		c.ID = f.int()
	case cpuRunningPID:
		c.RunningPID = f.int()
	case cpuInInterrupt:
		c.InInterrupt = f.v != 0
	case cpuInterruptStackBase:
		c.InterruptStackBase = f.v
	case cpuInterruptedRegs:
		var regs []uint64
		regs, err = parsePacked(f.b)
		c.InterruptedRegs = arch.Registers(regs)
	case cpuFP:
		c.FP = f.v
	}
	return err
}

func decodeMapField(t *pgpool.Translator, f field) {
	switch f.num {
	case mapPoolPBase:
		t.Pool.PBase = f.v
	case mapPoolPEnd:
		t.Pool.PEnd = f.v
	case mapPoolVBase:
		t.Pool.VBase = f.v
	case mapRAMPBase:
		t.RAM.PBase = f.v
	case mapRAMPEnd:
		t.RAM.PEnd = f.v
	case mapRAMVBase:
		t.RAM.VBase = f.v
	case mapAddrEnvStart:
		t.AddrEnv.Start = f.v
	case mapAddrEnvEnd:
		t.AddrEnv.End = f.v
	case mapSHMStart:
		t.SHM.Start = f.v
	case mapSHMEnd:
		t.SHM.End = f.v
	}
}
