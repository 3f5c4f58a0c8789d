package solana

import (
	"errors"
	"fmt"
)

var errCompactU16 = errors.New("compact-u16")

// appendCompactU16 appends n in the 7-bits-per-byte length encoding used for
// every array in a transaction. Lengths never exceed a u16.
func appendCompactU16(dst []byte, n int) []byte {
	if n < 0 || n > 0xffff {
		panic("appendCompactU16: length out of range")
	}
	v := uint16(n)
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

func compactU16Size(n int) int {
	switch {
	case n < 1<<7:
		return 1
	case n < 1<<14:
		return 2
	default:
		return 3
	}
}

// readCompactU16 decodes a length at off and returns it with the offset just
// past it.
func readCompactU16(b []byte, off int) (int, int, error) {
	var v uint32
	for i := 0; i < 3; i++ {
		if off+i < 0 || off+i >= len(b) {
			return 0, off, fmt.Errorf("%w: truncated at %d", errCompactU16, off+i)
		}
		c := b[off+i]
		v |= uint32(c&0x7f) << (7 * i)
		if c&0x80 == 0 {
			if v > 0xffff {
				return 0, off, fmt.Errorf("%w: overflow", errCompactU16)
			}
			return int(v), off + i + 1, nil
		}
	}
	return 0, off, fmt.Errorf("%w: more than 3 bytes", errCompactU16)
}
