package types

import (
	"io"
)

// Flags is the capability bitset exchanged during the INFO handshake.
type Flags uint64

const (
	FlagReadOnly Flags = 1 << iota
	FlagSupportsUnmap
	FlagSupportsZero
	FlagSupportsSCSI
	FlagSupportsShared
	FlagKeepOpen
)

func (f Flags) ReadOnly() bool       { return f&FlagReadOnly != 0 }
func (f Flags) SupportsUnmap() bool  { return f&FlagSupportsUnmap != 0 }
func (f Flags) SupportsZero() bool   { return f&FlagSupportsZero != 0 }
func (f Flags) SupportsSCSI() bool   { return f&FlagSupportsSCSI != 0 }
func (f Flags) SupportsShared() bool { return f&FlagSupportsShared != 0 }
func (f Flags) KeepOpen() bool       { return f&FlagKeepOpen != 0 }

// Info is the result of the INFO handshake.
type Info struct {
	Size      int64
	Alignment int64
	Flags     Flags
}

const (
	DefaultSectorSize = 512

	// MaxTransferSize bounds a single READ or WRITE payload on the wire.
	MaxTransferSize = 32 << 20
)

// Provider is the contract a backing store implements to be servable over any
// transport.
type Provider interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	Length() int64
	SectorSize() uint32
	CanWrite() bool
	SupportsShared() bool

	// SharedKeys executes one persistent-reservation sub-operation. The
	// outcome is reported in-band in the response.
	SharedKeys(req *SharedRequest) (*SharedResponse, []uint64)
}

// Range is one extent of an UNMAP or ZERO request.
type Range struct {
	Offset int64
	Length int64
}

// UnmapperAt is implemented by providers that can discard ranges.
type UnmapperAt interface {
	UnmapAt(length uint32, off int64) (int, error)
}

// ZeroerAt is implemented by providers that can zero ranges without
// transferring zero payloads.
type ZeroerAt interface {
	ZeroAt(off, length int64) error
}

// SCSIExecutor is implemented by providers that accept SCSI pass-through.
type SCSIExecutor interface {
	ExecuteSCSI(cdb [16]byte, in []byte, maxResponse int) ([]byte, error)
}

// Disposable exposes lifecycle events for observers holding resources that
// depend on a provider.
type Disposable interface {
	OnDisposing(f func())
	OnDisposed(f func())
}

// Channel is one logical client connection to a provider. Implementations
// perform the INFO handshake while being constructed.
type Channel interface {
	Info() Info
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Unmap(ranges []Range) error
	Zero(ranges []Range) error
	SharedKeys(req *SharedRequest) (*SharedResponse, []uint64, error)
	Close() error
}

// FlagsFor derives the capability flags a provider announces.
func FlagsFor(p Provider) Flags {
	var flags Flags
	if !p.CanWrite() {
		flags |= FlagReadOnly
	}
	if _, ok := p.(UnmapperAt); ok {
		flags |= FlagSupportsUnmap
	}
	if _, ok := p.(ZeroerAt); ok {
		flags |= FlagSupportsZero
	}
	if _, ok := p.(SCSIExecutor); ok {
		flags |= FlagSupportsSCSI
	}
	if p.SupportsShared() {
		flags |= FlagSupportsShared
	}
	return flags
}

// State is the state of a frontend.
type State string

const (
	StateUp   = State("Up")
	StateDown = State("Down")
)
