package shm

import (
	"encoding/binary"
	"math"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/longhorn/longhorn-devio/pkg/dataconn"
	"github.com/longhorn/longhorn-devio/pkg/types"
)

const (
	pageSize      = 4096
	headerOffset  = pageSize
	payloadOffset = 2 * pageSize

	// The payload area must hold the largest UNMAP or ZERO extent list.
	minBufferSize = dataconn.MaxRanges * dataconn.RangeSize
)

// Control page layout.
const (
	offMagic       = 0
	offVersion     = 8
	offBufferSize  = 16
	offServerPID   = 24
	offClientPID   = 28
	offRequest     = 32
	offResponse    = 36
	offRequestSeq  = 40
	offResponseSeq = 44
)

// abandonedPID marks a region whose client gave up on an outstanding request.
// The server hands the region back once it finished that request.
const abandonedPID = math.MaxUint32

var regionMagic = [8]byte{'D', 'E', 'V', 'I', 'O', 'S', 'H', 'M'}

type segment struct {
	path       string
	file       *os.File
	region     *types.Buffer
	mem        []byte
	bufferSize int
	request    *event
	response   *event
}

func mapSegment(path string, file *os.File, size int) (*segment, error) {
	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %v", path)
	}
	s := &segment{
		path: path,
		file: file,
		mem:  mem,
		region: types.MapBuffer(mem, func() error {
			return unix.Munmap(mem)
		}),
	}
	s.request = &event{word: s.word(offRequest)}
	s.response = &event{word: s.word(offResponse)}
	return s, nil
}

// createSegment creates the region of a server. An existing file is reused
// only after the caller made sure no server owns it.
func createSegment(path string, bufferSize int) (*segment, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %v", path)
	}
	size := payloadOffset + bufferSize
	if err := file.Truncate(int64(size)); err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "failed to size %v", path)
	}
	s, err := mapSegment(path, file, size)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	s.bufferSize = bufferSize

	copy(s.mem[offMagic:], regionMagic[:])
	binary.LittleEndian.PutUint32(s.mem[offVersion:], RegionVersion)
	binary.LittleEndian.PutUint64(s.mem[offBufferSize:], uint64(bufferSize))
	atomic.StoreUint32(s.word(offServerPID), uint32(os.Getpid()))
	atomic.StoreUint32(s.word(offClientPID), 0)
	s.request.reset()
	s.response.reset()
	return s, nil
}

func openSegment(path string) (*segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.Disconnected(err, "no server for %v", path)
		}
		return nil, errors.Wrapf(err, "failed to open %v", path)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "failed to stat %v", path)
	}
	if st.Size() < payloadOffset+minBufferSize {
		_ = file.Close()
		return nil, errors.Newf("%v is too small for a region: %d bytes", path, st.Size())
	}
	s, err := mapSegment(path, file, int(st.Size()))
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	var magic [8]byte
	copy(magic[:], s.mem[offMagic:])
	version := binary.LittleEndian.Uint32(s.mem[offVersion:])
	bufferSize := binary.LittleEndian.Uint64(s.mem[offBufferSize:])
	switch {
	case magic != regionMagic:
		err = errors.Newf("%v is not a device region", path)
	case version != RegionVersion:
		err = errors.Newf("%v has region version %d, expected %d", path, version, RegionVersion)
	case bufferSize > uint64(st.Size())-payloadOffset:
		err = errors.Newf("%v announces %d payload bytes beyond its size", path, bufferSize)
	}
	if err != nil {
		_ = s.close()
		return nil, err
	}
	s.bufferSize = int(bufferSize)
	return s, nil
}

func (s *segment) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.mem[off]))
}

func (s *segment) serverPID() uint32 {
	return atomic.LoadUint32(s.word(offServerPID))
}

// attach claims the region for the calling process. One client at a time.
func (s *segment) attach() bool {
	return atomic.CompareAndSwapUint32(s.word(offClientPID), 0, uint32(os.Getpid()))
}

func (s *segment) detach() {
	atomic.StoreUint32(s.word(offClientPID), 0)
}

// abandon gives up the claim of the calling process without freeing the
// region. Only the server may free it, after its last response.
func (s *segment) abandon() {
	atomic.CompareAndSwapUint32(s.word(offClientPID), uint32(os.Getpid()), abandonedPID)
}

func (s *segment) abandoned() bool {
	return atomic.LoadUint32(s.word(offClientPID)) == abandonedPID
}

// reclaim frees an abandoned region. Leftover signals of the old client are
// dropped before the next client can attach.
func (s *segment) reclaim() bool {
	if !s.abandoned() {
		return false
	}
	s.request.reset()
	s.response.reset()
	atomic.StoreUint32(s.word(offClientPID), 0)
	return true
}

func (s *segment) requestSeq() uint32 {
	return atomic.LoadUint32(s.word(offRequestSeq))
}

func (s *segment) setRequestSeq(seq uint32) {
	atomic.StoreUint32(s.word(offRequestSeq), seq)
}

func (s *segment) responseSeq() uint32 {
	return atomic.LoadUint32(s.word(offResponseSeq))
}

func (s *segment) setResponseSeq(seq uint32) {
	atomic.StoreUint32(s.word(offResponseSeq), seq)
}

func (s *segment) frame() []byte {
	return s.mem[headerOffset : headerOffset+pageSize]
}

func (s *segment) payload() []byte {
	buf, err := s.region.Slice(payloadOffset, s.bufferSize)
	if err != nil {
		return nil
	}
	return buf
}

func (s *segment) close() error {
	err := multierr.Append(s.region.Release(), s.file.Close())
	return errors.Wrapf(err, "failed to close %v", s.path)
}
