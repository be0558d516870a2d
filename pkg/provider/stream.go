package provider

import (
	"io"

	"github.com/cockroachdb/errors"

	"github.com/longhorn/longhorn-devio/pkg/types"
)

// Backend is anything with positional I/O and a size, for example a stream to
// a remote device.
type Backend interface {
	io.ReaderAt
	io.WriterAt
	Size() (int64, error)
}

type informer interface {
	Info() types.Info
}

type sharer interface {
	SharedKeys(req *types.SharedRequest) (*types.SharedResponse, []uint64, error)
}

type zeroer interface {
	Zero(ranges []types.Range) error
}

type StreamOptions struct {
	ReadOnly   bool
	SectorSize uint32
	// Shared enables persistent reservations. They are forwarded when the
	// backend supports them and kept locally otherwise.
	Shared bool
	// Owned closes the backend together with the provider.
	Owned bool
}

// StreamProvider serves any Backend, which is how a device is proxied from one
// transport onto another.
type StreamProvider struct {
	Lifecycle

	backend      Backend
	opts         StreamOptions
	reservations *ReservationTable
}

func NewStreamProvider(backend Backend, opts StreamOptions) *StreamProvider {
	if info, ok := backend.(informer); ok {
		if info.Info().Flags.ReadOnly() {
			opts.ReadOnly = true
		}
		if opts.SectorSize == 0 && info.Info().Alignment > 0 {
			opts.SectorSize = uint32(info.Info().Alignment)
		}
	}
	if opts.SectorSize == 0 {
		opts.SectorSize = types.DefaultSectorSize
	}
	return &StreamProvider{
		backend:      backend,
		opts:         opts,
		reservations: NewReservationTable(),
	}
}

func (p *StreamProvider) Length() int64 {
	size, err := p.backend.Size()
	if err != nil {
		return 0
	}
	return size
}

func (p *StreamProvider) SectorSize() uint32 {
	return p.opts.SectorSize
}

func (p *StreamProvider) CanWrite() bool {
	return !p.opts.ReadOnly
}

func (p *StreamProvider) SupportsShared() bool {
	return p.opts.Shared
}

func (p *StreamProvider) ReadAt(buf []byte, off int64) (int, error) {
	n, err := p.backend.ReadAt(buf, off)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

func (p *StreamProvider) WriteAt(buf []byte, off int64) (int, error) {
	if p.opts.ReadOnly {
		return 0, errors.Wrap(types.ErrPermissionDenied, "stream provider is read-only")
	}
	return p.backend.WriteAt(buf, off)
}

// ZeroAt forwards to a backend that can zero ranges and writes zeros
// otherwise.
func (p *StreamProvider) ZeroAt(off, length int64) error {
	if off < 0 || length < 0 {
		return types.InvalidArgumentf("negative range %d+%d", off, length)
	}
	if p.opts.ReadOnly {
		return errors.Wrap(types.ErrPermissionDenied, "stream provider is read-only")
	}
	if z, ok := p.backend.(zeroer); ok {
		if info, ok := p.backend.(informer); !ok || info.Info().Flags.SupportsZero() {
			return z.Zero([]types.Range{{Offset: off, Length: length}})
		}
	}
	zeros := make([]byte, min(length, zeroChunkSize))
	for length > 0 {
		chunk := min(length, zeroChunkSize)
		if _, err := p.backend.WriteAt(zeros[:chunk], off); err != nil {
			return err
		}
		off += chunk
		length -= chunk
	}
	return nil
}

func (p *StreamProvider) SharedKeys(req *types.SharedRequest) (*types.SharedResponse, []uint64) {
	if !p.opts.Shared {
		return &types.SharedResponse{Result: types.SharedInvalidParameter}, nil
	}
	if s, ok := p.backend.(sharer); ok {
		if info, ok := p.backend.(informer); !ok || info.Info().Flags.SupportsShared() {
			resp, keys, err := s.SharedKeys(req)
			if err != nil {
				return &types.SharedResponse{Result: types.SharedIOError}, nil
			}
			return resp, keys
		}
	}
	return p.reservations.Execute(req)
}

func (p *StreamProvider) Close() error {
	return p.dispose(func() error {
		if !p.opts.Owned {
			return nil
		}
		if c, ok := p.backend.(io.Closer); ok {
			return c.Close()
		}
		return nil
	})
}
