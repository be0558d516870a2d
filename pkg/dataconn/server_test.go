package dataconn

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/longhorn/longhorn-devio/pkg/provider"
	"github.com/longhorn/longhorn-devio/pkg/types"

	. "gopkg.in/check.v1"
)

type ServerSuite struct {
	server  *Server
	address string
	done    chan error
}

var _ = Suite(&ServerSuite{})

func (s *ServerSuite) start(c *C, p types.Provider) {
	s.startOn(c, p, "127.0.0.1:0")
}

func (s *ServerSuite) startOn(c *C, p types.Provider, address string) {
	ln, err := Listen(address)
	c.Assert(err, IsNil)
	s.server = NewServer(p)
	s.address = ln.Addr().String()
	if ln.Addr().Network() == "unix" {
		s.address = "unix://" + s.address
	}
	s.done = make(chan error, 1)
	go func() {
		s.done <- s.server.Serve(ln)
	}()
}

func (s *ServerSuite) TearDownTest(c *C) {
	if s.server == nil {
		return
	}
	s.server.Stop()
	select {
	case err := <-s.done:
		c.Assert(err, IsNil)
	case <-time.After(10 * time.Second):
		c.Fatal("server did not stop")
	}
	s.server = nil
}

func (s *ServerSuite) TestReadWrite(c *C) {
	p := provider.NewMemoryProvider(1<<20, provider.MemoryOptions{})
	s.start(c, p)

	client, err := Dial(s.address, Options{Timeout: 5 * time.Second})
	c.Assert(err, IsNil)
	defer client.Close()
	info := client.Info()
	c.Assert(info.Size, Equals, int64(1<<20))
	c.Assert(info.Alignment, Equals, int64(types.DefaultSectorSize))
	c.Assert(info.Flags, Equals, types.FlagSupportsUnmap|types.FlagSupportsZero)

	n, err := client.WriteAt([]byte("123456789"), 512)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 9)
	c.Assert(string(p.Bytes()[512:521]), Equals, "123456789")

	_, err = p.WriteAt([]byte("987654321"), 1024)
	c.Assert(err, IsNil)
	buf := make([]byte, 9)
	n, err = client.ReadAt(buf, 1024)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 9)
	c.Assert(string(buf), Equals, "987654321")

	// Short at the end of the device, empty past it.
	buf = make([]byte, 100)
	n, err = client.ReadAt(buf, 1<<20-10)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 10)
	n, err = client.ReadAt(buf, 2<<20)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 0)

	_, err = client.WriteAt([]byte("x"), 1<<20)
	code, ok := types.IsRemoteIO(err)
	c.Assert(ok, Equals, true)
	c.Assert(code, Equals, uint64(ErrorCodeInvalid))
	c.Assert(errors.Is(err, types.ErrInvalidArgument), Equals, true)

	// The connection survives a failed request.
	c.Assert(client.Ping(), IsNil)
}

func (s *ServerSuite) TestZeroWrite(c *C) {
	p := provider.NewMemoryProvider(8192, provider.MemoryOptions{})
	_, err := p.WriteAt(bytes.Repeat([]byte{0xaa}, 8192), 0)
	c.Assert(err, IsNil)
	s.start(c, p)

	client, err := Dial(s.address, Options{})
	c.Assert(err, IsNil)
	defer client.Close()

	n, err := client.WriteAt(make([]byte, 4096), 0)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 4096)
	c.Assert(p.Bytes()[:4096], DeepEquals, make([]byte, 4096))

	c.Assert(client.Zero([]types.Range{{Offset: 4096, Length: 10}}), IsNil)
	c.Assert(client.Unmap([]types.Range{{Offset: 5000, Length: 10}, {Offset: 6000, Length: 10}}), IsNil)
	c.Assert(p.Bytes()[4096:4106], DeepEquals, make([]byte, 10))
	c.Assert(p.Bytes()[5000:5010], DeepEquals, make([]byte, 10))
	c.Assert(p.Bytes()[6000:6010], DeepEquals, make([]byte, 10))
	c.Assert(p.Bytes()[4106], Equals, byte(0xaa))

	_, err = client.SCSI([16]byte{0x12}, nil, 36)
	c.Assert(errors.Is(err, types.ErrNotSupported), Equals, true)
}

func (s *ServerSuite) TestZeroWritePastEnd(c *C) {
	p := provider.NewMemoryProvider(4096, provider.MemoryOptions{})
	s.start(c, p)

	client, err := Dial(s.address, Options{})
	c.Assert(err, IsNil)
	defer client.Close()

	_, err = client.WriteAt(make([]byte, 4096), 4096)
	code, ok := types.IsRemoteIO(err)
	c.Assert(ok, Equals, true)
	c.Assert(code, Equals, uint64(ErrorCodeInvalid))
	_, err = client.WriteAt(make([]byte, 4096), 2048)
	c.Assert(err, NotNil)
	c.Assert(p.Length(), Equals, int64(4096))
}

func (s *ServerSuite) TestZeroWriteGrowsFile(c *C) {
	path := filepath.Join(c.MkDir(), "disk.img")
	c.Assert(os.WriteFile(path, bytes.Repeat([]byte{0xaa}, 4096), 0644), IsNil)
	p, err := provider.OpenFile(path, provider.FileOptions{})
	c.Assert(err, IsNil)
	defer p.Close()
	s.start(c, p)

	client, err := Dial(s.address, Options{})
	c.Assert(err, IsNil)
	defer client.Close()

	n, err := client.WriteAt(make([]byte, 4096), 4096)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 4096)
	c.Assert(p.Length(), Equals, int64(8192))

	buf := make([]byte, 8192)
	n, err = client.ReadAt(buf, 0)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 8192)
	c.Assert(buf[:4096], DeepEquals, bytes.Repeat([]byte{0xaa}, 4096))
	c.Assert(buf[4096:], DeepEquals, make([]byte, 4096))
}

func (s *ServerSuite) TestReadOnly(c *C) {
	p := provider.NewMemoryProvider(4096, provider.MemoryOptions{ReadOnly: true})
	s.start(c, p)

	client, err := Dial(s.address, Options{})
	c.Assert(err, IsNil)
	defer client.Close()
	c.Assert(client.Info().Flags.ReadOnly(), Equals, true)

	_, err = client.WriteAt([]byte("x"), 0)
	c.Assert(errors.Is(err, types.ErrPermissionDenied), Equals, true)

	// Bypass the client side check to see the server refuse.
	client.info.Flags &^= types.FlagReadOnly
	_, err = client.WriteAt([]byte("x"), 0)
	code, ok := types.IsRemoteIO(err)
	c.Assert(ok, Equals, true)
	c.Assert(code, Equals, uint64(ErrorCodeReadOnly))
	c.Assert(errors.Is(err, types.ErrPermissionDenied), Equals, true)
}

func (s *ServerSuite) TestExports(c *C) {
	s.start(c, nil)
	disk := provider.NewMemoryProvider(4096, provider.MemoryOptions{})
	c.Assert(s.server.AddExport("disk", disk), IsNil)
	c.Assert(s.server.AddExport("disk", disk), NotNil)
	c.Assert(s.server.Exports(), DeepEquals, []string{"disk"})

	_, err := Dial(s.address, Options{})
	code, ok := types.IsRemoteIO(err)
	c.Assert(ok, Equals, true)
	c.Assert(code, Equals, uint64(ErrorCodeNoDevice))

	_, err = Dial(s.address, Options{ExportName: "missing"})
	code, ok = types.IsRemoteIO(err)
	c.Assert(ok, Equals, true)
	c.Assert(code, Equals, uint64(ErrorCodeNoDevice))

	client, err := Dial(s.address, Options{ExportName: "disk"})
	c.Assert(err, IsNil)
	defer client.Close()
	c.Assert(client.ObjectID(), Not(Equals), uint64(0))
	c.Assert(client.Info().Size, Equals, int64(4096))
	_, err = client.WriteAt([]byte("named"), 0)
	c.Assert(err, IsNil)
	c.Assert(string(disk.Bytes()[:5]), Equals, "named")

	got, ok := s.server.Export("disk")
	c.Assert(ok, Equals, true)
	c.Assert(got, Equals, types.Provider(disk))
	s.server.RemoveExport("disk")
	_, ok = s.server.Export("disk")
	c.Assert(ok, Equals, false)

	// An established connection keeps its export.
	c.Assert(client.Ping(), IsNil)
	_, err = client.ReadAt(make([]byte, 5), 0)
	c.Assert(err, IsNil)
}

func (s *ServerSuite) TestUnixSocket(c *C) {
	p := provider.NewMemoryProvider(4096, provider.MemoryOptions{})
	s.startOn(c, p, "unix://"+filepath.Join(c.MkDir(), "devio.sock"))

	client, err := Dial(s.address, Options{})
	c.Assert(err, IsNil)
	_, err = client.WriteAt([]byte("unix"), 100)
	c.Assert(err, IsNil)
	c.Assert(client.Close(), IsNil)
	c.Assert(client.Close(), IsNil)
	c.Assert(string(p.Bytes()[100:104]), Equals, "unix")

	_, err = client.ReadAt(make([]byte, 4), 100)
	c.Assert(types.IsDisconnect(err), Equals, true)
}

func (s *ServerSuite) TestReservations(c *C) {
	p := provider.NewMemoryProvider(4096, provider.MemoryOptions{Shared: true})
	s.start(c, p)

	first, err := Dial(s.address, Options{})
	c.Assert(err, IsNil)
	defer first.Close()
	second, err := Dial(s.address, Options{})
	c.Assert(err, IsNil)
	defer second.Close()
	c.Assert(first.Info().Flags.SupportsShared(), Equals, true)

	resp, _, err := first.SharedKeys(&types.SharedRequest{Operation: types.SharedRegister, CurrentChannelKey: 1, OperationChannelKey: 0xa})
	c.Assert(err, IsNil)
	c.Assert(resp.Result, Equals, types.SharedNoError)
	resp, _, err = second.SharedKeys(&types.SharedRequest{Operation: types.SharedRegister, CurrentChannelKey: 2, OperationChannelKey: 0xb})
	c.Assert(err, IsNil)
	c.Assert(resp.Result, Equals, types.SharedNoError)

	resp, _, err = first.SharedKeys(&types.SharedRequest{
		Operation: types.SharedReserve, Type: types.ReservationWriteExclusive,
		ExistingReservationKey: 0xa, CurrentChannelKey: 1,
	})
	c.Assert(err, IsNil)
	c.Assert(resp.Result, Equals, types.SharedNoError)

	resp, _, err = second.SharedKeys(&types.SharedRequest{
		Operation: types.SharedReserve, Type: types.ReservationExclusiveAccess,
		ExistingReservationKey: 0xb, CurrentChannelKey: 2,
	})
	c.Assert(err, IsNil)
	c.Assert(resp.Result, Equals, types.SharedReservationCollision)

	resp, keys, err := second.SharedKeys(&types.SharedRequest{Operation: types.SharedReadKeys, CurrentChannelKey: 2})
	c.Assert(err, IsNil)
	c.Assert(keys, DeepEquals, []uint64{0xa, 0xb})
	c.Assert(resp.ChannelKey, Equals, uint64(0xb))
	c.Assert(resp.ReservationKey, Equals, uint64(0xa))
	c.Assert(resp.ReservationType, Equals, types.ReservationWriteExclusive)
	c.Assert(resp.Generation, Equals, uint64(3))
}

func (s *ServerSuite) TestSharedUnsupported(c *C) {
	p := provider.NewMemoryProvider(4096, provider.MemoryOptions{})
	s.start(c, p)

	client, err := Dial(s.address, Options{})
	c.Assert(err, IsNil)
	defer client.Close()
	resp, keys, err := client.SharedKeys(&types.SharedRequest{Operation: types.SharedReadKeys})
	c.Assert(err, IsNil)
	c.Assert(keys, HasLen, 0)
	c.Assert(resp.Result, Equals, types.SharedInvalidParameter)
}

func (s *ServerSuite) TestMultiClient(c *C) {
	p := provider.NewMemoryProvider(1<<20, provider.MemoryOptions{})
	s.start(c, p)

	mc, err := DialMulti(s.address, 3, Options{})
	c.Assert(err, IsNil)
	c.Assert(mc.Size(), Equals, int64(1<<20))
	for i := 0; i < 6; i++ {
		_, err := mc.WriteAt([]byte{byte(i + 1)}, int64(i))
		c.Assert(err, IsNil)
	}
	buf := make([]byte, 6)
	_, err = mc.ReadAt(buf, 0)
	c.Assert(err, IsNil)
	c.Assert(buf, DeepEquals, []byte{1, 2, 3, 4, 5, 6})
	c.Assert(s.server.ConnectionCount(), Equals, 3)
	c.Assert(mc.Close(), IsNil)
}

// fakeServer answers the handshake, then hands the connection to stall.
func fakeServer(conn net.Conn, stall func(net.Conn)) {
	defer conn.Close()
	frame := make([]byte, MaxFrameSize)
	if _, err := conn.Read(frame[:RequestHeaderSize]); err != nil {
		return
	}
	resp := InfoResponse{Size: 4096, Alignment: 512}
	if err := resp.Encode(frame); err != nil {
		return
	}
	if _, err := conn.Write(frame[:InfoResponseSize]); err != nil {
		return
	}
	stall(conn)
}

func (s *ServerSuite) TestDisconnect(c *C) {
	clientConn, serverConn := net.Pipe()
	go fakeServer(serverConn, func(conn net.Conn) {
		buf := make([]byte, ReadRequestSize)
		_, _ = conn.Read(buf)
	})

	client, err := NewClient(clientConn, Options{})
	c.Assert(err, IsNil)
	defer client.Close()
	c.Assert(client.Info().Size, Equals, int64(4096))

	_, err = client.ReadAt(make([]byte, 512), 0)
	c.Assert(types.IsDisconnect(err), Equals, true)
	_, err = client.WriteAt(make([]byte, 512), 0)
	c.Assert(types.IsDisconnect(err), Equals, true)
}

func (s *ServerSuite) TestTimeout(c *C) {
	clientConn, serverConn := net.Pipe()
	release := make(chan struct{})
	defer close(release)
	go fakeServer(serverConn, func(conn net.Conn) {
		buf := make([]byte, ReadRequestSize)
		_, _ = conn.Read(buf)
		<-release
	})

	client, err := NewClient(clientConn, Options{Timeout: 50 * time.Millisecond})
	c.Assert(err, IsNil)
	defer client.Close()

	_, err = client.ReadAt(make([]byte, 512), 0)
	c.Assert(errors.Is(err, types.ErrTimeout), Equals, true)
	_, err = client.ReadAt(make([]byte, 512), 0)
	c.Assert(types.IsDisconnect(err), Equals, true)
}

func (s *ServerSuite) TestOversizedRequest(c *C) {
	p := provider.NewMemoryProvider(4096, provider.MemoryOptions{})
	s.start(c, p)

	client, err := Dial(s.address, Options{Timeout: 5 * time.Second})
	c.Assert(err, IsNil)
	defer client.Close()

	req := ReadRequest{Length: types.MaxTransferSize + 1}
	c.Assert(req.Encode(client.frame), IsNil)
	c.Assert(client.wire.Send(client.frame[:ReadRequestSize]), IsNil)
	err = client.wire.Receive(client.frame[:ReadResponseSize])
	c.Assert(types.IsDisconnect(err), Equals, true)
}
