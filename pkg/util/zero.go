package util

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/sys/cpu"
)

const zeroPageSize = 4096

var (
	zeroPage [zeroPageSize]byte

	// isZero is selected once at start-up.
	isZero = probeZeroImplementation()
)

// IsZero reports whether every byte of p is zero.
func IsZero(p []byte) bool {
	return isZero(p)
}

// probeZeroImplementation prefers the runtime's vectorized memequal where the
// CPU offers wide compare instructions and falls back to a word loop.
func probeZeroImplementation() func([]byte) bool {
	if cpu.X86.HasSSE2 || cpu.ARM64.HasASIMD || cpu.PPC64.IsPOWER8 || cpu.S390X.HasVX {
		return isZeroVector
	}
	return isZeroWords
}

func isZeroVector(p []byte) bool {
	for len(p) > 0 {
		n := len(p)
		if n > zeroPageSize {
			n = zeroPageSize
		}
		if !bytes.Equal(p[:n], zeroPage[:n]) {
			return false
		}
		p = p[n:]
	}
	return true
}

func isZeroWords(p []byte) bool {
	for len(p) >= 32 {
		if binary.LittleEndian.Uint64(p)|binary.LittleEndian.Uint64(p[8:])|
			binary.LittleEndian.Uint64(p[16:])|binary.LittleEndian.Uint64(p[24:]) != 0 {
			return false
		}
		p = p[32:]
	}
	for len(p) >= 8 {
		if binary.LittleEndian.Uint64(p) != 0 {
			return false
		}
		p = p[8:]
	}
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}
