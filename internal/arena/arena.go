// Package arena implements the flat byte address space backing code,
// rodata, bss, task register windows, and task stacks.
package arena

import (
	"encoding/binary"
	"errors"
	"sync"
)

// ErrOutOfBounds is returned when an access falls outside [0, size).
var ErrOutOfBounds = errors.New("arena: access out of bounds")

// ErrMisaligned is returned when a halfword/word access is not naturally
// aligned.
var ErrMisaligned = errors.New("arena: misaligned access")

// Addr is an offset into the arena. Zero is a valid address; a task's
// reg_base is never 0 once loaded (see vm.Task).
type Addr uint32

// Arena is a contiguous byte buffer with bounds-checked typed views. It is
// owned by the scheduler goroutine in normal operation (the control
// endpoint's mem.peek/mem.poke RPCs reach it through the scheduler command
// queue); the mutex makes every accessor safe to call from any goroutine,
// the same way the teacher's SystemBus guards raw memory behind a single
// RWMutex.
type Arena struct {
	mu   sync.RWMutex
	buf  []byte
	size uint32
}

// New allocates an arena of the given size in bytes.
func New(size uint32) *Arena {
	return &Arena{buf: make([]byte, size), size: size}
}

// Size returns the arena's total byte size.
func (a *Arena) Size() uint32 { return a.size }

func (a *Arena) bounds(addr Addr, width uint32) error {
	if uint64(addr)+uint64(width) > uint64(a.size) {
		return ErrOutOfBounds
	}
	return nil
}

// U8 reads a single byte.
func (a *Arena) U8(addr Addr) (byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.bounds(addr, 1); err != nil {
		return 0, err
	}
	return a.buf[addr], nil
}

// PutU8 writes a single byte.
func (a *Arena) PutU8(addr Addr, v byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.bounds(addr, 1); err != nil {
		return err
	}
	a.buf[addr] = v
	return nil
}

// U16 reads a little-endian halfword. addr must be 2-byte aligned.
func (a *Arena) U16(addr Addr) (uint16, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if addr%2 != 0 {
		return 0, ErrMisaligned
	}
	if err := a.bounds(addr, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(a.buf[addr:]), nil
}

// PutU16 writes a little-endian halfword. addr must be 2-byte aligned.
func (a *Arena) PutU16(addr Addr, v uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr%2 != 0 {
		return ErrMisaligned
	}
	if err := a.bounds(addr, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(a.buf[addr:], v)
	return nil
}

// U32 reads a little-endian word. addr must be 4-byte aligned.
func (a *Arena) U32(addr Addr) (uint32, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if addr%4 != 0 {
		return 0, ErrMisaligned
	}
	if err := a.bounds(addr, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(a.buf[addr:]), nil
}

// PutU32 writes a little-endian word. addr must be 4-byte aligned.
func (a *Arena) PutU32(addr Addr, v uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr%4 != 0 {
		return ErrMisaligned
	}
	if err := a.bounds(addr, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(a.buf[addr:], v)
	return nil
}

// F16 reads a raw IEEE-754 binary16 bit pattern. It is a plain U16 read;
// the distinct name documents intent at call sites (value payloads vs.
// addresses/words).
func (a *Arena) F16(addr Addr) (uint16, error) { return a.U16(addr) }

// PutF16 writes a raw IEEE-754 binary16 bit pattern.
func (a *Arena) PutF16(addr Addr, v uint16) error { return a.PutU16(addr, v) }

// Bytes copies n bytes starting at addr. Used by mem.peek and stack dumps.
func (a *Arena) Bytes(addr Addr, n uint32) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.bounds(addr, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, a.buf[addr:addr+Addr(n)])
	return out, nil
}

// PutBytes writes raw bytes starting at addr. Used by mem.poke and the
// image loader.
func (a *Arena) PutBytes(addr Addr, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.bounds(addr, uint32(len(data))); err != nil {
		return err
	}
	copy(a.buf[addr:], data)
	return nil
}

// Zero fills n bytes starting at addr with zero. Used to clear bss.
func (a *Arena) Zero(addr Addr, n uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.bounds(addr, n); err != nil {
		return err
	}
	clear(a.buf[addr : addr+Addr(n)])
	return nil
}
