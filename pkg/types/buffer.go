package types

import (
	"github.com/cockroachdb/errors"
)

// Ownership tells who is responsible for the memory behind a Buffer.
type Ownership int

const (
	// Owned memory was allocated for the buffer.
	Owned Ownership = iota
	// Borrowed memory belongs to the caller that wrapped it.
	Borrowed
	// Mapped memory is an external region released through a callback.
	Mapped
)

// Buffer is a view over I/O memory. It can be backed by an owned allocation,
// a borrowed slice or an externally mapped region such as shared memory.
type Buffer struct {
	data      []byte
	ownership Ownership
	release   func() error
}

func NewBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, size), ownership: Owned}
}

func WrapBuffer(p []byte) *Buffer {
	return &Buffer{data: p, ownership: Borrowed}
}

// MapBuffer wraps an external memory region. release is called once by Release.
func MapBuffer(mem []byte, release func() error) *Buffer {
	return &Buffer{data: mem, ownership: Mapped, release: release}
}

func (b *Buffer) Len() int             { return len(b.data) }
func (b *Buffer) Bytes() []byte        { return b.data }
func (b *Buffer) Ownership() Ownership { return b.ownership }

// Slice returns count bytes starting at off. It is the equivalent of the
// (buffer, bufferOffset, count) triple of the provider calls.
func (b *Buffer) Slice(off, count int) ([]byte, error) {
	if off < 0 || count < 0 || off+count > len(b.data) {
		return nil, InvalidArgumentf("buffer range [%d, %d) outside buffer of %d bytes", off, off+count, len(b.data))
	}
	return b.data[off : off+count], nil
}

// Release gives mapped memory back to its owner. Owned and borrowed buffers
// only drop their reference.
func (b *Buffer) Release() error {
	release := b.release
	b.release = nil
	b.data = nil
	if release == nil {
		return nil
	}
	return errors.Wrap(release(), "failed to release mapped buffer")
}
