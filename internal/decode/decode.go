// Package decode extracts fixed-width little-endian fields from console
// memory snapshots.
//
// The console-memory protocol always delivers bytes in the console's native
// little-endian order, so all accessors here are little-endian. Every
// accessor checks its bounds and returns ErrRange instead of reading past
// the snapshot; the bit helpers are total functions. Nothing in this package
// holds state, so it is safe to call from any goroutine.
package decode

import (
	"errors"
	"fmt"
)

// ErrRange indicates a field read that would extend past the end of the
// snapshot. It signals a watch whose declared length does not cover the
// offsets its dispatch logic touches.
var ErrRange = errors.New("offset out of range")

func check(buf []byte, offset, width int) error {
	if offset < 0 || width > len(buf) || offset > len(buf)-width {
		return fmt.Errorf("read %d bytes at offset %d of %d-byte snapshot: %w", width, offset, len(buf), ErrRange)
	}
	return nil
}

// U8 returns the byte at offset.
func U8(buf []byte, offset int) (uint32, error) {
	if err := check(buf, offset, 1); err != nil {
		return 0, err
	}
	return uint32(buf[offset]), nil
}

// U16 returns the 16-bit little-endian value at offset.
func U16(buf []byte, offset int) (uint32, error) {
	if err := check(buf, offset, 2); err != nil {
		return 0, err
	}
	return uint32(buf[offset]) | uint32(buf[offset+1])<<8, nil
}

// U24 returns the 24-bit little-endian value at offset.
func U24(buf []byte, offset int) (uint32, error) {
	if err := check(buf, offset, 3); err != nil {
		return 0, err
	}
	return uint32(buf[offset]) | uint32(buf[offset+1])<<8 | uint32(buf[offset+2])<<16, nil
}

// U32 returns the 32-bit little-endian value at offset.
func U32(buf []byte, offset int) (uint32, error) {
	if err := check(buf, offset, 4); err != nil {
		return 0, err
	}
	return uint32(buf[offset]) | uint32(buf[offset+1])<<8 |
		uint32(buf[offset+2])<<16 | uint32(buf[offset+3])<<24, nil
}

// PutU16 writes a 16-bit little-endian value at offset.
func PutU16(buf []byte, offset int, value uint32) error {
	if err := check(buf, offset, 2); err != nil {
		return err
	}
	buf[offset] = byte(value)
	buf[offset+1] = byte(value >> 8)
	return nil
}

// PutU24 writes a 24-bit little-endian value at offset.
func PutU24(buf []byte, offset int, value uint32) error {
	if err := check(buf, offset, 3); err != nil {
		return err
	}
	buf[offset] = byte(value)
	buf[offset+1] = byte(value >> 8)
	buf[offset+2] = byte(value >> 16)
	return nil
}

// PutU32 writes a 32-bit little-endian value at offset.
func PutU32(buf []byte, offset int, value uint32) error {
	if err := check(buf, offset, 4); err != nil {
		return err
	}
	buf[offset] = byte(value)
	buf[offset+1] = byte(value >> 8)
	buf[offset+2] = byte(value >> 16)
	buf[offset+3] = byte(value >> 24)
	return nil
}

// Bit reports whether the given bit of value is set. Bits outside the 0-31
// range are never set.
func Bit(value uint32, bit int) bool {
	if bit < 0 || bit > 31 {
		return false
	}
	return value&(1<<uint(bit)) != 0
}

// Bits extracts the bit range [low, low+width) from value. Width is clamped
// to the remaining bits above low.
func Bits(value uint32, low, width int) uint32 {
	if low < 0 || low > 31 || width <= 0 {
		return 0
	}
	if width > 32-low {
		width = 32 - low
	}
	mask := uint32(1)<<uint(width) - 1
	return value >> uint(low) & mask
}
