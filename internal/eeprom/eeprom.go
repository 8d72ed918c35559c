// Package eeprom models a byte-addressed EEPROM emulated on a memory-mapped
// flash region. Erased bytes read back as 0xff.
package eeprom

import (
	"errors"
	"fmt"
	"sync"
)

// Erased is the value of an erased byte.
const Erased = 0xff

// ErrOutOfRange is returned for accesses that do not fit in the device.
var ErrOutOfRange = errors.New("eeprom access out of range")

// Device is an EEPROM of fixed size mapped at a fixed address. It is safe for
// concurrent use.
type Device struct {
	addr uint64

	mu struct {
		sync.Mutex
		data []byte
	}
}

// New returns an erased device of size bytes mapped at addr.
func New(addr uint64, size int) *Device {
	d := &Device{addr: addr}
	d.mu.data = make([]byte, size)
	for i := range d.mu.data {
		d.mu.data[i] = Erased
	}
	return d
}

// FromBytes returns a device whose contents are a copy of data, for
// restoring a saved image.
func FromBytes(addr uint64, data []byte) *Device {
	d := &Device{addr: addr}
	d.mu.data = append([]byte(nil), data...)
	return d
}

// Size returns the size of the device in bytes.
func (d *Device) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mu.data)
}

// Address returns the address the device is mapped at.
func (d *Device) Address() uint64 {
	return d.addr
}

func (d *Device) check(off, n int) error {
	if off < 0 || n < 0 || off > len(d.mu.data) || n > len(d.mu.data)-off {
		return fmt.Errorf("%w: [%d, %d+%d) on a %d byte device", ErrOutOfRange, off, off, n, len(d.mu.data))
	}
	return nil
}

// ReadAt reads len(buf) bytes at offset off.
func (d *Device) ReadAt(buf []byte, off int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(off, len(buf)); err != nil {
		return 0, err
	}
	return copy(buf, d.mu.data[off:]), nil
}

// Write programs buf at offset off and returns the number of bytes written.
func (d *Device) Write(off int, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(off, len(buf)); err != nil {
		return 0, err
	}
	return copy(d.mu.data[off:], buf), nil
}

// Erase erases n bytes at offset off and returns the number of bytes erased.
func (d *Device) Erase(off, n int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(off, n); err != nil {
		return 0, err
	}
	for i := off; i < off+n; i++ {
		d.mu.data[i] = Erased
	}
	return n, nil
}

// Bytes returns a copy of the device contents.
func (d *Device) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.mu.data...)
}
