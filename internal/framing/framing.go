// Package framing contains the fixed binary layout of the records the crash
// log keeps in EEPROM: a header followed by Len bytes of payload.
package framing

import (
	"encoding/binary"
	"errors"

	"github.com/minio/highwayhash"
)

// Magic marks a programmed record header ("FPUW").
const Magic uint32 = 0x57555046

// HeaderSize is the encoded size of RecordHeader.
const HeaderSize = 16

// RecordHeader precedes every record.
type RecordHeader struct {
	Magic uint32
	Len   uint32
	// Sum is the HighwayHash-64 of the payload.
	Sum uint64
}

var (
	// ErrErased is returned when a header slot has never been programmed.
	ErrErased = errors.New("erased header")
	// ErrBadMagic is returned for a programmed slot that is not a header.
	ErrBadMagic = errors.New("bad record magic")
	// ErrChecksum is returned when a payload does not match its header.
	ErrChecksum = errors.New("record checksum mismatch")
)

var sumKey = [32]byte{
	'f', 'p', 'u', 'n', 'w', 'i', 'n', 'd', '-', 'c', 'r', 'a', 's', 'h', '-', 'l',
	'o', 'g', '-', 'r', 'e', 'c', 'o', 'r', 'd', '-', 's', 'u', 'm', '-', 'v', '1',
}

// Checksum returns the payload checksum stored in a header.
func Checksum(payload []byte) uint64 {
	return highwayhash.Sum64(payload, sumKey[:])
}

// NewHeader returns the header for payload.
func NewHeader(payload []byte) RecordHeader {
	return RecordHeader{
		Magic: Magic,
		Len:   uint32(len(payload)),
		Sum:   Checksum(payload),
	}
}

// Put encodes h into b, which must be at least HeaderSize long.
func (h RecordHeader) Put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], h.Magic)
	binary.LittleEndian.PutUint32(b[4:], h.Len)
	binary.LittleEndian.PutUint64(b[8:], h.Sum)
}

// ParseHeader decodes a header from b, which must be at least HeaderSize
// long.
func ParseHeader(b []byte) (RecordHeader, error) {
	h := RecordHeader{
		Magic: binary.LittleEndian.Uint32(b[0:]),
		Len:   binary.LittleEndian.Uint32(b[4:]),
		Sum:   binary.LittleEndian.Uint64(b[8:]),
	}
	if h.Magic == 0xffffffff {
		return h, ErrErased
	}
	if h.Magic != Magic {
		return h, ErrBadMagic
	}
	return h, nil
}

// Verify checks payload against h.
func (h RecordHeader) Verify(payload []byte) error {
	if uint32(len(payload)) != h.Len || Checksum(payload) != h.Sum {
		return ErrChecksum
	}
	return nil
}
