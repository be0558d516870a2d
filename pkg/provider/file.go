package provider

import (
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/longhorn/sparse-tools/sparse"
	"github.com/sirupsen/logrus"

	"github.com/longhorn/longhorn-devio/pkg/aligned"
	"github.com/longhorn/longhorn-devio/pkg/types"
	"github.com/longhorn/longhorn-devio/pkg/util"
)

const (
	directIOAlignment = sparse.BlockSize
	zeroChunkSize     = 1 << 20
)

type FileOptions struct {
	ReadOnly bool
	// DirectIO opens the file with O_DIRECT. Unaligned requests go through
	// an alignment translator.
	DirectIO bool
	// Create creates a missing file.
	Create bool
	// Size grows the file to at least this length when it is opened.
	Size       int64
	SectorSize uint32
	Shared     bool
}

type fileIO interface {
	sparse.FileIoProcessor
	Size() (int64, error)
}

// FileProvider serves a regular file or a block device node.
type FileProvider struct {
	Lifecycle

	lock         sync.Mutex
	path         string
	file         fileIO
	stream       *aligned.Stream
	opts         FileOptions
	reservations *ReservationTable
}

func OpenFile(path string, opts FileOptions) (*FileProvider, error) {
	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	if opts.SectorSize == 0 {
		opts.SectorSize = types.DefaultSectorSize
		if opts.DirectIO {
			opts.SectorSize = directIOAlignment
		}
	}

	var (
		file fileIO
		err  error
	)
	if opts.DirectIO {
		file, err = sparse.NewDirectFileIoProcessor(path, flag, 0644, opts.Create)
	} else {
		file, err = sparse.NewBufferedFileIoProcessor(path, flag, 0644, opts.Create)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %v", path)
	}

	p := &FileProvider{
		path:         path,
		file:         file,
		opts:         opts,
		reservations: NewReservationTable(),
	}
	if opts.DirectIO {
		p.stream, err = aligned.NewStream(file, aligned.Options{
			Alignment:       directIOAlignment,
			GrowInterval:    directIOAlignment,
			MemoryAlignment: directIOAlignment,
		})
		if err != nil {
			_ = file.Close()
			return nil, err
		}
	}

	if opts.Size > 0 && !opts.ReadOnly {
		if size := p.Length(); size < opts.Size {
			if err := p.truncate(opts.Size); err != nil {
				_ = file.Close()
				return nil, err
			}
		}
	}
	logrus.Infof("Opened %v: size %d, direct I/O %v, read-only %v", path, p.Length(), opts.DirectIO, opts.ReadOnly)
	return p, nil
}

func (p *FileProvider) Path() string {
	return p.path
}

func (p *FileProvider) Length() int64 {
	size, err := p.Size()
	if err != nil {
		logrus.WithError(err).Warnf("Failed to get size of %v", p.path)
		return 0
	}
	return size
}

func (p *FileProvider) Size() (int64, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.size()
}

func (p *FileProvider) size() (int64, error) {
	if p.stream != nil {
		return p.stream.Size()
	}
	size, err := p.file.Size()
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "failed to stat %v", p.path), types.ErrIO)
	}
	return size, nil
}

func (p *FileProvider) SectorSize() uint32 {
	return p.opts.SectorSize
}

func (p *FileProvider) CanWrite() bool {
	return !p.opts.ReadOnly
}

func (p *FileProvider) SupportsShared() bool {
	return p.opts.Shared
}

func (p *FileProvider) ReadAt(buf []byte, off int64) (int, error) {
	if off < 0 {
		return 0, types.InvalidArgumentf("negative offset %d", off)
	}
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.stream != nil {
		return p.stream.ReadAt(buf, off)
	}
	n, err := p.file.ReadAt(buf, off)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	if err != nil {
		return n, errors.Mark(errors.Wrapf(err, "failed to read %v", p.path), types.ErrIO)
	}
	return n, nil
}

func (p *FileProvider) WriteAt(buf []byte, off int64) (int, error) {
	if off < 0 {
		return 0, types.InvalidArgumentf("negative offset %d", off)
	}
	if p.opts.ReadOnly {
		return 0, errors.Wrapf(types.ErrPermissionDenied, "%v is read-only", p.path)
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.writeAt(buf, off)
}

func (p *FileProvider) writeAt(buf []byte, off int64) (int, error) {
	// Zeros past the end only need the file to grow.
	if size, err := p.size(); err == nil && off >= size && util.IsZero(buf) {
		if err := p.truncate(off + int64(len(buf))); err != nil {
			return 0, err
		}
		return len(buf), nil
	}

	if p.stream != nil {
		return p.stream.WriteAt(buf, off)
	}
	n, err := p.file.WriteAt(buf, off)
	if err != nil {
		return n, errors.Mark(errors.Wrapf(err, "failed to write %v", p.path), types.ErrIO)
	}
	return n, nil
}

func (p *FileProvider) truncate(size int64) error {
	if p.stream != nil {
		return p.stream.Truncate(size)
	}
	if err := p.file.Truncate(size); err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to truncate %v to %d", p.path, size), types.ErrIO)
	}
	return nil
}

// Truncate sets the file length.
func (p *FileProvider) Truncate(size int64) error {
	if size < 0 {
		return types.InvalidArgumentf("negative size %d", size)
	}
	if p.opts.ReadOnly {
		return errors.Wrapf(types.ErrPermissionDenied, "%v is read-only", p.path)
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.truncate(size)
}

// UnmapAt punches a hole. The file length does not change.
func (p *FileProvider) UnmapAt(length uint32, off int64) (int, error) {
	if off < 0 {
		return 0, types.InvalidArgumentf("negative offset %d", off)
	}
	if p.opts.ReadOnly {
		return 0, errors.Wrapf(types.ErrPermissionDenied, "%v is read-only", p.path)
	}
	p.lock.Lock()
	defer p.lock.Unlock()

	size, err := p.size()
	if err != nil {
		return 0, err
	}
	if off >= size || length == 0 {
		return int(length), nil
	}
	if off+int64(length) > size {
		length = uint32(size - off)
	}
	if _, err := p.file.UnmapAt(length, off); err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "failed to punch hole in %v", p.path), types.ErrIO)
	}
	return int(length), nil
}

// ZeroAt zeroes a range inside the file, falling back to writing zeros when
// the file system cannot zero ranges.
func (p *FileProvider) ZeroAt(off, length int64) error {
	if off < 0 || length < 0 {
		return types.InvalidArgumentf("negative range %d+%d", off, length)
	}
	if p.opts.ReadOnly {
		return errors.Wrapf(types.ErrPermissionDenied, "%v is read-only", p.path)
	}
	p.lock.Lock()
	defer p.lock.Unlock()

	size, err := p.size()
	if err != nil {
		return err
	}
	if off+length > size {
		length = size - off
	}
	if length <= 0 {
		return nil
	}

	if err := zeroRange(p.file.GetFile(), off, length); err == nil {
		return nil
	} else if !errors.Is(err, types.ErrNotSupported) {
		logrus.WithError(err).Debugf("Falling back to writing zeros to %v", p.path)
	}

	zeros := sparse.AllocateAligned(zeroChunkSize)
	for length > 0 {
		chunk := length
		if chunk > zeroChunkSize {
			chunk = zeroChunkSize
		}
		if p.stream != nil {
			_, err = p.stream.WriteAt(zeros[:chunk], off)
		} else {
			_, err = p.file.WriteAt(zeros[:chunk], off)
		}
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "failed to zero %v", p.path), types.ErrIO)
		}
		off += chunk
		length -= chunk
	}
	return nil
}

func (p *FileProvider) SharedKeys(req *types.SharedRequest) (*types.SharedResponse, []uint64) {
	if !p.opts.Shared {
		return &types.SharedResponse{Result: types.SharedInvalidParameter}, nil
	}
	return p.reservations.Execute(req)
}

func (p *FileProvider) Sync() error {
	return errors.Wrapf(p.file.Sync(), "failed to sync %v", p.path)
}

func (p *FileProvider) Close() error {
	return p.dispose(func() error {
		logrus.Infof("Closing: %s", p.path)
		p.lock.Lock()
		defer p.lock.Unlock()
		return errors.Wrapf(p.file.Close(), "failed to close %v", p.path)
	})
}
