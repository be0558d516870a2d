package provider

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/longhorn/longhorn-devio/pkg/types"
)

// MemoryOptions configures a MemoryProvider. Zero values select defaults.
type MemoryOptions struct {
	SectorSize uint32
	ReadOnly   bool
	// Growable lets writes past the end extend the device.
	Growable bool
	// Shared enables persistent reservations.
	Shared bool
}

// MemoryProvider keeps the device content in a byte slice.
type MemoryProvider struct {
	Lifecycle

	lock         sync.RWMutex
	data         []byte
	opts         MemoryOptions
	reservations *ReservationTable
	closed       bool
}

func NewMemoryProvider(size int64, opts MemoryOptions) *MemoryProvider {
	return NewMemoryProviderFrom(make([]byte, size), opts)
}

// NewMemoryProviderFrom serves data directly; the provider takes ownership.
func NewMemoryProviderFrom(data []byte, opts MemoryOptions) *MemoryProvider {
	if opts.SectorSize == 0 {
		opts.SectorSize = types.DefaultSectorSize
	}
	return &MemoryProvider{
		data:         data,
		opts:         opts,
		reservations: NewReservationTable(),
	}
}

func (m *MemoryProvider) Length() int64 {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return int64(len(m.data))
}

func (m *MemoryProvider) Size() (int64, error) {
	return m.Length(), nil
}

func (m *MemoryProvider) SectorSize() uint32 {
	return m.opts.SectorSize
}

func (m *MemoryProvider) CanWrite() bool {
	return !m.opts.ReadOnly
}

func (m *MemoryProvider) SupportsShared() bool {
	return m.opts.Shared
}

func (m *MemoryProvider) Reservations() *ReservationTable {
	return m.reservations
}

func (m *MemoryProvider) errClosed() error {
	return errors.Wrap(types.ErrIO, "memory provider is closed")
}

func (m *MemoryProvider) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, types.InvalidArgumentf("negative offset %d", off)
	}
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.closed {
		return 0, m.errClosed()
	}
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	return copy(p, m.data[off:]), nil
}

func (m *MemoryProvider) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, types.InvalidArgumentf("negative offset %d", off)
	}
	if m.opts.ReadOnly {
		return 0, errors.Wrap(types.ErrPermissionDenied, "memory provider is read-only")
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return 0, m.errClosed()
	}
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		if !m.opts.Growable {
			return 0, types.InvalidArgumentf("write of %d bytes at %d beyond device end %d", len(p), off, len(m.data))
		}
		m.resize(end)
	}
	return copy(m.data[off:], p), nil
}

// Truncate sets the device length, zero filling any growth.
func (m *MemoryProvider) Truncate(size int64) error {
	if size < 0 {
		return types.InvalidArgumentf("negative size %d", size)
	}
	if m.opts.ReadOnly {
		return errors.Wrap(types.ErrPermissionDenied, "memory provider is read-only")
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return m.errClosed()
	}
	m.resize(size)
	return nil
}

func (m *MemoryProvider) resize(size int64) {
	if size <= int64(cap(m.data)) {
		old := len(m.data)
		m.data = m.data[:size]
		if int(size) > old {
			clear(m.data[old:])
		}
		return
	}
	data := make([]byte, size, size+size/4)
	copy(data, m.data)
	m.data = data
}

// UnmapAt discards a range, which reads back as zeros afterwards.
func (m *MemoryProvider) UnmapAt(length uint32, off int64) (int, error) {
	if err := m.ZeroAt(off, int64(length)); err != nil {
		return 0, err
	}
	return int(length), nil
}

func (m *MemoryProvider) ZeroAt(off, length int64) error {
	if off < 0 || length < 0 {
		return types.InvalidArgumentf("negative range %d+%d", off, length)
	}
	if m.opts.ReadOnly {
		return errors.Wrap(types.ErrPermissionDenied, "memory provider is read-only")
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return m.errClosed()
	}
	size := int64(len(m.data))
	end := off + length
	if end > size && m.opts.Growable && length > 0 {
		m.resize(end)
		size = end
	}
	if off >= size {
		return nil
	}
	if end > size {
		end = size
	}
	clear(m.data[off:end])
	return nil
}

func (m *MemoryProvider) SharedKeys(req *types.SharedRequest) (*types.SharedResponse, []uint64) {
	if !m.opts.Shared {
		return &types.SharedResponse{Result: types.SharedInvalidParameter}, nil
	}
	return m.reservations.Execute(req)
}

// Bytes returns a copy of the current content.
func (m *MemoryProvider) Bytes() []byte {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return append([]byte(nil), m.data...)
}

func (m *MemoryProvider) Close() error {
	return m.dispose(func() error {
		m.lock.Lock()
		defer m.lock.Unlock()
		m.closed = true
		m.data = nil
		return nil
	})
}
