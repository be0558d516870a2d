package devio

import (
	"context"
	"io"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/longhorn/longhorn-devio/pkg/types"
	"github.com/longhorn/longhorn-devio/pkg/util"
)

// Stream is the client handle of a device. It keeps a position for the
// io.Reader, io.Writer and io.Seeker forms and delegates I/O to its channel.
type Stream struct {
	lock     sync.Mutex
	channel  types.Channel
	key      uint64
	position int64
	closed   bool
}

func NewStream(channel types.Channel) *Stream {
	return &Stream{
		channel: channel,
		key:     util.RandomKey(),
	}
}

// OpenLocal returns a stream calling provider directly.
func OpenLocal(provider types.Provider, owned bool) *Stream {
	return NewStream(NewLocalChannel(provider, owned))
}

func (s *Stream) Channel() types.Channel {
	return s.channel
}

func (s *Stream) Info() types.Info {
	return s.channel.Info()
}

func (s *Stream) Size() (int64, error) {
	return s.channel.Info().Size, nil
}

func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, types.InvalidArgumentf("negative offset %d", off)
	}
	return s.channel.ReadAt(p, off)
}

func (s *Stream) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, types.InvalidArgumentf("negative offset %d", off)
	}
	return s.channel.WriteAt(p, off)
}

// ReadAtContext returns when the read completes or ctx ends. The read goes on
// in the background after cancellation and its result is dropped; p is never
// touched after the call returns.
func (s *Stream) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	type result struct {
		n   int
		err error
	}
	buf := make([]byte, len(p))
	done := make(chan result, 1)
	go func() {
		n, err := s.ReadAt(buf, off)
		done <- result{n, err}
	}()
	select {
	case r := <-done:
		copy(p, buf[:r.n])
		return r.n, r.err
	case <-ctx.Done():
		return 0, errors.Wrapf(ctx.Err(), "read of %d bytes at %d abandoned", len(p), off)
	}
}

// WriteAtContext is the write counterpart of ReadAtContext. A cancelled write
// may still reach the device.
func (s *Stream) WriteAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	type result struct {
		n   int
		err error
	}
	buf := append([]byte(nil), p...)
	done := make(chan result, 1)
	go func() {
		n, err := s.WriteAt(buf, off)
		done <- result{n, err}
	}()
	select {
	case r := <-done:
		return r.n, r.err
	case <-ctx.Done():
		return 0, errors.Wrapf(ctx.Err(), "write of %d bytes at %d abandoned", len(p), off)
	}
}

func (s *Stream) Read(p []byte) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	n, err := s.ReadAt(p, s.position)
	s.position += int64(n)
	if err == nil && n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, err
}

func (s *Stream) Write(p []byte) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	n, err := s.WriteAt(p, s.position)
	s.position += int64(n)
	return n, err
}

func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = s.position
	case io.SeekEnd:
		base = s.channel.Info().Size
	default:
		return 0, types.InvalidArgumentf("invalid whence %d", whence)
	}
	if base+offset < 0 {
		return 0, types.InvalidArgumentf("seek to negative position %d", base+offset)
	}
	s.position = base + offset
	return s.position, nil
}

func (s *Stream) Unmap(ranges []types.Range) error {
	return s.channel.Unmap(ranges)
}

func (s *Stream) Zero(ranges []types.Range) error {
	return s.channel.Zero(ranges)
}

// ChannelKey identifies this stream to the reservation table. It is never zero.
func (s *Stream) ChannelKey() uint64 {
	return s.key
}

// SharedKeys runs a persistent reservation operation. A request without a
// CurrentChannelKey is sent with the stream's ChannelKey.
func (s *Stream) SharedKeys(req *types.SharedRequest) (*types.SharedResponse, []uint64, error) {
	if req.CurrentChannelKey == 0 {
		r := *req
		r.CurrentChannelKey = s.key
		req = &r
	}
	return s.channel.SharedKeys(req)
}

// Close closes the channel, which tells a remote peer to end the session.
func (s *Stream) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	s.lock.Unlock()
	return s.channel.Close()
}
