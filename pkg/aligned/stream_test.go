package aligned_test

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/longhorn/sparse-tools/sparse"

	"github.com/longhorn/longhorn-devio/pkg/aligned"
	"github.com/longhorn/longhorn-devio/pkg/provider"
	"github.com/longhorn/longhorn-devio/pkg/types"

	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

type TestSuite struct{}

var _ = Suite(&TestSuite{})

// strictBackend fails any request that is not aligned.
type strictBackend struct {
	*provider.MemoryProvider
	alignment int64
	requests  int
}

func newStrictBackend(alignment int64) *strictBackend {
	return &strictBackend{
		MemoryProvider: provider.NewMemoryProvider(0, provider.MemoryOptions{Growable: true}),
		alignment:      alignment,
	}
}

func (b *strictBackend) check(p []byte, off int64) error {
	b.requests++
	if off%b.alignment != 0 || int64(len(p))%b.alignment != 0 {
		return errors.Newf("unaligned request of %d bytes at %d", len(p), off)
	}
	return nil
}

func (b *strictBackend) ReadAt(p []byte, off int64) (int, error) {
	if err := b.check(p, off); err != nil {
		return 0, err
	}
	return b.MemoryProvider.ReadAt(p, off)
}

func (b *strictBackend) WriteAt(p []byte, off int64) (int, error) {
	if err := b.check(p, off); err != nil {
		return 0, err
	}
	return b.MemoryProvider.WriteAt(p, off)
}

func (s *TestSuite) TestExample(c *C) {
	backend := newStrictBackend(0x4000)
	stream, err := aligned.NewStream(backend, aligned.Options{Alignment: 0x4000, GrowInterval: 0x4000})
	c.Assert(err, IsNil)

	n, err := stream.WriteAt([]byte("TEST0001"), 0x4000)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 8)
	c.Assert(backend.Length(), Equals, int64(0x8000))
	size, err := stream.Size()
	c.Assert(err, IsNil)
	c.Assert(size, Equals, int64(0x4008))

	c.Assert(stream.Truncate(0x5000), IsNil)
	size, err = stream.Size()
	c.Assert(err, IsNil)
	c.Assert(size, Equals, int64(0x5000))
	c.Assert(backend.Length(), Equals, int64(0x8000))

	buf := make([]byte, 8)
	n, err = stream.ReadAt(buf, 0x4000)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 8)
	c.Assert(string(buf), Equals, "TEST0001")

	// Straddling an alignment boundary preserves the neighbors.
	n, err = stream.WriteAt([]byte("TEST0002"), 0x4000-4)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 8)
	n, err = stream.ReadAt(buf, 0x4000-4)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 8)
	c.Assert(string(buf), Equals, "TEST0002")
	n, err = stream.ReadAt(buf, 0x4004)
	c.Assert(err, IsNil)
	c.Assert(string(buf), Equals, "0001\x00\x00\x00\x00")

	// The last bytes of the stream are readable, never-written bytes are zero.
	buf = make([]byte, 4)
	n, err = stream.ReadAt(buf, 0x5000-4)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 4)
	c.Assert(buf, DeepEquals, make([]byte, 4))
	n, err = stream.ReadAt(buf, 0)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 4)
	c.Assert(buf, DeepEquals, make([]byte, 4))
}

func (s *TestSuite) TestExternalTruncate(c *C) {
	backend := newStrictBackend(0x4000)
	stream, err := aligned.NewStream(backend, aligned.Options{Alignment: 0x4000})
	c.Assert(err, IsNil)

	_, err = stream.WriteAt([]byte("TEST0001"), 0x4000)
	c.Assert(err, IsNil)

	// Shrinking the backend directly is visible right away.
	c.Assert(backend.Truncate(0x5000), IsNil)
	size, err := stream.Size()
	c.Assert(err, IsNil)
	c.Assert(size, Equals, int64(0x5000))

	buf := make([]byte, 16)
	n, err := stream.ReadAt(buf, 0x4000)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 16)
	c.Assert(string(buf[:8]), Equals, "TEST0001")

	n, err = stream.ReadAt(buf, 0x5000-4)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 4)
}

func (s *TestSuite) TestGrowInterval(c *C) {
	backend := newStrictBackend(512)
	stream, err := aligned.NewStream(backend, aligned.Options{Alignment: 512, GrowInterval: 4096})
	c.Assert(err, IsNil)

	_, err = stream.WriteAt([]byte{1}, 0)
	c.Assert(err, IsNil)
	c.Assert(backend.Length(), Equals, int64(4096))
	_, err = stream.WriteAt([]byte{2}, 4096)
	c.Assert(err, IsNil)
	c.Assert(backend.Length(), Equals, int64(8192))

	size, err := stream.Size()
	c.Assert(err, IsNil)
	c.Assert(size, Equals, int64(4097))
	physical, err := stream.PhysicalSize()
	c.Assert(err, IsNil)
	c.Assert(physical, Equals, int64(8192))

	// Shrinking then growing again exposes zeros only.
	c.Assert(stream.Truncate(1), IsNil)
	_, err = stream.WriteAt([]byte{3}, 4095)
	c.Assert(err, IsNil)
	buf := make([]byte, 4096)
	n, err := stream.ReadAt(buf, 0)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 4096)
	expected := make([]byte, 4096)
	expected[0] = 1
	expected[4095] = 3
	c.Assert(buf, DeepEquals, expected)

	_, err = aligned.NewStream(backend, aligned.Options{Alignment: 512, GrowInterval: 1000})
	c.Assert(errors.Is(err, types.ErrInvalidArgument), Equals, true)
}

func (s *TestSuite) TestRandomRoundTrip(c *C) {
	backend := newStrictBackend(512)
	stream, err := aligned.NewStream(backend, aligned.Options{Alignment: 512, GrowInterval: 2048})
	c.Assert(err, IsNil)

	const size = 64 << 10
	shadow := make([]byte, size)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 300; i++ {
		off := rng.Int63n(size - 4096)
		data := make([]byte, rng.Intn(4096)+1)
		rng.Read(data)

		n, err := stream.WriteAt(data, off)
		c.Assert(err, IsNil)
		c.Assert(n, Equals, len(data))
		copy(shadow[off:], data)

		readBack := make([]byte, len(data))
		n, err = stream.ReadAt(readBack, off)
		c.Assert(err, IsNil)
		c.Assert(n, Equals, len(data))
		c.Assert(bytes.Equal(readBack, data), Equals, true, Commentf("offset %d length %d", off, len(data)))
	}

	logical, err := stream.Size()
	c.Assert(err, IsNil)
	all := make([]byte, logical)
	n, err := stream.ReadAt(all, 0)
	c.Assert(err, IsNil)
	c.Assert(int64(n), Equals, logical)
	c.Assert(bytes.Equal(all, shadow[:logical]), Equals, true)
}

func (s *TestSuite) TestFastPath(c *C) {
	backend := newStrictBackend(512)
	stream, err := aligned.NewStream(backend, aligned.Options{Alignment: 512, MemoryAlignment: 512})
	c.Assert(err, IsNil)

	data := sparse.AllocateAligned(1024)
	copy(data, bytes.Repeat([]byte{0xab}, 1024))
	_, err = stream.WriteAt(data, 512)
	c.Assert(err, IsNil)
	c.Assert(backend.requests, Equals, 1)

	buf := sparse.AllocateAligned(1024)
	_, err = stream.ReadAt(buf, 512)
	c.Assert(err, IsNil)
	c.Assert(buf, DeepEquals, data)
	c.Assert(backend.requests, Equals, 2)
}

func (s *TestSuite) TestStreamForm(c *C) {
	stream, err := aligned.NewStream(newStrictBackend(16), aligned.Options{Alignment: 16})
	c.Assert(err, IsNil)

	_, err = stream.Write([]byte("hello, "))
	c.Assert(err, IsNil)
	_, err = stream.Write([]byte("world"))
	c.Assert(err, IsNil)

	pos, err := stream.Seek(0, io.SeekStart)
	c.Assert(err, IsNil)
	c.Assert(pos, Equals, int64(0))
	out, err := io.ReadAll(stream)
	c.Assert(err, IsNil)
	c.Assert(string(out), Equals, "hello, world")

	pos, err = stream.Seek(-5, io.SeekEnd)
	c.Assert(err, IsNil)
	c.Assert(pos, Equals, int64(7))
	pos, err = stream.Seek(2, io.SeekCurrent)
	c.Assert(err, IsNil)
	c.Assert(pos, Equals, int64(9))

	_, err = stream.Seek(-1, io.SeekStart)
	c.Assert(errors.Is(err, types.ErrInvalidArgument), Equals, true)
	_, err = stream.ReadAt(make([]byte, 1), -1)
	c.Assert(errors.Is(err, types.ErrInvalidArgument), Equals, true)
	_, err = stream.WriteAt(make([]byte, 1), -1)
	c.Assert(errors.Is(err, types.ErrInvalidArgument), Equals, true)
}

type failingBackend struct {
	*provider.MemoryProvider
}

func (failingBackend) WriteAt(p []byte, off int64) (int, error) {
	return 0, errors.New("disk on fire")
}

func (s *TestSuite) TestBackendFailure(c *C) {
	backend := failingBackend{provider.NewMemoryProvider(1024, provider.MemoryOptions{})}
	stream, err := aligned.NewStream(backend, aligned.Options{Alignment: 512})
	c.Assert(err, IsNil)

	_, err = stream.WriteAt([]byte{1}, 10)
	c.Assert(err, NotNil)
	c.Assert(errors.Is(err, types.ErrIO), Equals, true)
}
