// Package crashlog keeps backtraces in EEPROM so that they survive a reset.
//
// Records are laid out back to back from offset 0, each a framing header
// followed by the encoded record. The first erased header marks the end of
// the log.
package crashlog

import (
	"errors"
	"fmt"
	"sync"

	"github.com/DataExMachina-dev/fpunwind/internal/eeprom"
	"github.com/DataExMachina-dev/fpunwind/internal/framing"
)

// ErrFull is returned when a record does not fit in the remaining space.
var ErrFull = errors.New("crash log is full")

// CorruptError reports a slot that is neither a valid record nor erased.
// Records before Offset are intact.
type CorruptError struct {
	Offset int
	Err    error
}

var _ error = (*CorruptError)(nil)

func (e *CorruptError) Error() string {
	return fmt.Sprintf("crash log corrupt at offset %d: %v", e.Offset, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// Log is a crash log on an EEPROM device.
type Log struct {
	dev *eeprom.Device
	mu  sync.Mutex
}

// Open returns the log stored on dev.
func Open(dev *eeprom.Device) *Log {
	return &Log{dev: dev}
}

// Append persists r after the last record.
func (l *Log) Append(r Record) error {
	payload, err := r.Marshal()
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	_, end, err := l.scan()
	if err != nil {
		return err
	}
	if end+framing.HeaderSize+len(payload) > l.dev.Size() {
		return ErrFull
	}
	// Program the payload before the header, so that a reset between the two
	// leaves an erased header rather than a header with no payload.
	if _, err := l.dev.Write(end+framing.HeaderSize, payload); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	var hdr [framing.HeaderSize]byte
	framing.NewHeader(payload).Put(hdr[:])
	if _, err := l.dev.Write(end, hdr[:]); err != nil {
		return fmt.Errorf("failed to write record header: %w", err)
	}
	return nil
}

// Records returns the records in the order they were appended. If the log is
// corrupt, the records before the corruption are returned with a
// *CorruptError.
func (l *Log) Records() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs, _, err := l.scan()
	return recs, err
}

// Clear erases the whole device.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.dev.Erase(0, l.dev.Size()); err != nil {
		return fmt.Errorf("failed to erase crash log: %w", err)
	}
	return nil
}

// scan walks the log and returns its records and the offset just past the
// last one.
//
// Must be called with l.mu locked.
func (l *Log) scan() ([]Record, int, error) {
	var recs []Record
	var hdrBuf [framing.HeaderSize]byte
	size := l.dev.Size()
	off := 0
	for off+framing.HeaderSize <= size {
		if _, err := l.dev.ReadAt(hdrBuf[:], off); err != nil {
			return recs, off, err
		}
		h, err := framing.ParseHeader(hdrBuf[:])
		if errors.Is(err, framing.ErrErased) {
			break
		}
		if err != nil {
			return recs, off, &CorruptError{Offset: off, Err: err}
		}
		if int64(h.Len) > int64(size-off-framing.HeaderSize) {
			return recs, off, &CorruptError{Offset: off, Err: errTruncated}
		}
		payload := make([]byte, h.Len)
		if _, err := l.dev.ReadAt(payload, off+framing.HeaderSize); err != nil {
			return recs, off, err
		}
		if err := h.Verify(payload); err != nil {
			return recs, off, &CorruptError{Offset: off, Err: err}
		}
		r, err := Unmarshal(payload)
		if err != nil {
			return recs, off, &CorruptError{Offset: off, Err: err}
		}
		recs = append(recs, r)
		off += framing.HeaderSize + int(h.Len)
	}
	return recs, off, nil
}
