package aligned

import (
	"io"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/longhorn/sparse-tools/sparse"

	"github.com/longhorn/longhorn-devio/pkg/types"
)

const DefaultAlignment = 512

// Backend is a resource that only accepts I/O at multiples of the alignment.
// Implementing Truncater lets the stream grow and shrink it.
type Backend interface {
	io.ReaderAt
	io.WriterAt
	Size() (int64, error)
}

type Truncater interface {
	Truncate(size int64) error
}

type Options struct {
	// Alignment is the offset and length granularity of the backend.
	// Defaults to DefaultAlignment.
	Alignment int64
	// GrowInterval is the step the backend grows in. It must be a multiple of
	// Alignment and defaults to it.
	GrowInterval int64
	// MemoryAlignment, when set, is the buffer address alignment the backend
	// requires. Unaligned caller buffers go through the scratch buffer.
	MemoryAlignment int
}

// Stream presents byte granular I/O over an aligned backend. Bytes of the
// backend between the logical end and the physical end are always zero, so
// extending the logical end never exposes stale data.
//
// A Stream has one private scratch buffer and serves one caller at a time.
type Stream struct {
	backend  Backend
	opts     Options
	logical  int64
	physical int64
	position int64
	scratch  []byte
}

func NewStream(backend Backend, opts Options) (*Stream, error) {
	if opts.Alignment == 0 {
		opts.Alignment = DefaultAlignment
	}
	if opts.GrowInterval == 0 {
		opts.GrowInterval = opts.Alignment
	}
	if opts.Alignment < 0 || opts.GrowInterval < 0 || opts.MemoryAlignment < 0 {
		return nil, types.InvalidArgumentf("negative alignment options %+v", opts)
	}
	if opts.GrowInterval%opts.Alignment != 0 {
		return nil, types.InvalidArgumentf("grow interval %d is not a multiple of alignment %d", opts.GrowInterval, opts.Alignment)
	}

	size, err := backend.Size()
	if err != nil {
		return nil, ioError(err, "failed to get backend size")
	}
	return &Stream{
		backend:  backend,
		opts:     opts,
		logical:  size,
		physical: size,
	}, nil
}

func ioError(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), types.ErrIO)
}

func roundDown(v, a int64) int64 {
	return v / a * a
}

func roundUp(v, a int64) int64 {
	return (v + a - 1) / a * a
}

// refresh picks up size changes made to the backend behind the stream's back.
func (s *Stream) refresh() error {
	size, err := s.backend.Size()
	if err != nil {
		return ioError(err, "failed to get backend size")
	}
	if size != s.physical {
		s.physical = size
		s.logical = size
	}
	return nil
}

func (s *Stream) Options() Options {
	return s.opts
}

// Size returns the logical end of data.
func (s *Stream) Size() (int64, error) {
	if err := s.refresh(); err != nil {
		return 0, err
	}
	return s.logical, nil
}

// PhysicalSize returns the length of the backend.
func (s *Stream) PhysicalSize() (int64, error) {
	if err := s.refresh(); err != nil {
		return 0, err
	}
	return s.physical, nil
}

func (s *Stream) bufferAligned(p []byte) bool {
	if s.opts.MemoryAlignment <= 1 || len(p) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&p[0]))%uintptr(s.opts.MemoryAlignment) == 0
}

func (s *Stream) scratchBuffer(size int64) []byte {
	if int64(cap(s.scratch)) < size {
		s.scratch = sparse.AllocateAligned(int(size))
	}
	return s.scratch[:size]
}

// fill reads the aligned range starting at off into buf. The part beyond the
// physical end is zeroed instead of read.
func (s *Stream) fill(buf []byte, off int64) error {
	valid := s.physical - off
	if valid <= 0 {
		clear(buf)
		return nil
	}
	if valid > int64(len(buf)) {
		valid = int64(len(buf))
	}
	readLen := roundUp(valid, s.opts.Alignment)
	if readLen > int64(len(buf)) {
		readLen = int64(len(buf))
	}
	n, err := s.backend.ReadAt(buf[:readLen], off)
	if err != nil && !errors.Is(err, io.EOF) {
		return ioError(err, "failed to read %d bytes at %d", readLen, off)
	}
	if int64(n) < valid {
		valid = int64(n)
	}
	clear(buf[valid:])
	return nil
}

// ReadAt reads up to len(p) bytes at off. Fewer bytes are returned only at the
// logical end, without an error.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, types.InvalidArgumentf("negative offset %d", off)
	}
	if err := s.refresh(); err != nil {
		return 0, err
	}
	if off >= s.logical || len(p) == 0 {
		return 0, nil
	}
	n := int64(len(p))
	if off+n > s.logical {
		n = s.logical - off
	}
	p = p[:n]

	a := s.opts.Alignment
	if off%a == 0 && n%a == 0 && s.bufferAligned(p) {
		if err := s.fill(p, off); err != nil {
			return 0, err
		}
		return int(n), nil
	}

	start := roundDown(off, a)
	end := roundUp(off+n, a)
	buf := s.scratchBuffer(end - start)
	if err := s.fill(buf, start); err != nil {
		return 0, err
	}
	copy(p, buf[off-start:])
	return int(n), nil
}

// WriteAt writes p at off, growing the backend in GrowInterval steps when the
// write ends beyond it.
func (s *Stream) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, types.InvalidArgumentf("negative offset %d", off)
	}
	if err := s.refresh(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	a := s.opts.Alignment
	n := int64(len(p))
	start := roundDown(off, a)
	end := roundUp(off+n, a)

	if err := s.grow(end); err != nil {
		return 0, err
	}

	if off%a == 0 && n%a == 0 && s.bufferAligned(p) {
		if _, err := s.backend.WriteAt(p, off); err != nil {
			return 0, ioError(err, "failed to write %d bytes at %d", n, off)
		}
		return int(n), s.extended(off + n)
	}

	buf := s.scratchBuffer(end - start)
	if off != start {
		if err := s.fill(buf[:a], start); err != nil {
			return 0, err
		}
	}
	if lastBlock := end - a; (off+n)%a != 0 && (lastBlock != start || off == start) {
		if err := s.fill(buf[lastBlock-start:], lastBlock); err != nil {
			return 0, err
		}
	}
	copy(buf[off-start:], p)
	if _, err := s.backend.WriteAt(buf, start); err != nil {
		return 0, ioError(err, "failed to write %d bytes at %d", len(buf), start)
	}
	return int(n), s.extended(off + n)
}

// grow makes the backend cover end.
func (s *Stream) grow(end int64) error {
	if end <= s.physical {
		return nil
	}
	t, ok := s.backend.(Truncater)
	if !ok {
		// The write extends the backend by itself.
		return nil
	}
	size := roundUp(end, s.opts.GrowInterval)
	if err := t.Truncate(size); err != nil {
		return ioError(err, "failed to grow backend to %d", size)
	}
	s.physical = size
	return nil
}

// extended records a write ending at end.
func (s *Stream) extended(end int64) error {
	if end > s.logical {
		s.logical = end
	}
	if _, ok := s.backend.(Truncater); !ok {
		size, err := s.backend.Size()
		if err != nil {
			return ioError(err, "failed to get backend size")
		}
		s.physical = size
	}
	return nil
}

// Truncate sets the logical length. The backend keeps whole aligned blocks,
// and the tail of the last block past size is zeroed.
func (s *Stream) Truncate(size int64) error {
	if size < 0 {
		return types.InvalidArgumentf("negative size %d", size)
	}
	t, ok := s.backend.(Truncater)
	if !ok {
		return errors.Wrap(types.ErrNotSupported, "backend cannot be truncated")
	}
	if err := s.refresh(); err != nil {
		return err
	}

	a := s.opts.Alignment
	physical := roundUp(size, a)
	if physical != s.physical {
		if err := t.Truncate(physical); err != nil {
			return ioError(err, "failed to truncate backend to %d", physical)
		}
		s.physical = physical
	}
	if tail := size % a; tail != 0 && size < s.logical {
		block := size - tail
		buf := s.scratchBuffer(a)
		if err := s.fill(buf, block); err != nil {
			return err
		}
		clear(buf[tail:])
		if _, err := s.backend.WriteAt(buf, block); err != nil {
			return ioError(err, "failed to zero the tail of block %d", block)
		}
	}
	s.logical = size
	if s.position > size {
		s.position = size
	}
	return nil
}

// Read implements io.Reader at the stream position.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.ReadAt(p, s.position)
	s.position += int64(n)
	if err == nil && n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, err
}

// Write implements io.Writer at the stream position.
func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.WriteAt(p, s.position)
	s.position += int64(n)
	return n, err
}

func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = s.position
	case io.SeekEnd:
		size, err := s.Size()
		if err != nil {
			return 0, err
		}
		base = size
	default:
		return 0, types.InvalidArgumentf("invalid whence %d", whence)
	}
	if base+offset < 0 {
		return 0, types.InvalidArgumentf("seek to negative position %d", base+offset)
	}
	s.position = base + offset
	return s.position, nil
}
