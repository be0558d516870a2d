//go:build linux

package shm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"

	"github.com/longhorn/longhorn-devio/pkg/dataconn"
	"github.com/longhorn/longhorn-devio/pkg/provider"
	"github.com/longhorn/longhorn-devio/pkg/types"
	"github.com/longhorn/longhorn-devio/pkg/util"

	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

type TestSuite struct {
	name string
}

var _ = Suite(&TestSuite{})

func (s *TestSuite) SetUpTest(c *C) {
	s.name = fmt.Sprintf("test-%d-%s", os.Getpid(), util.RandomID())
}

// blockingProvider parks every read until the test lets it go.
type blockingProvider struct {
	*provider.MemoryProvider
	entered chan struct{}
	release chan struct{}
}

func newBlockingProvider(size int64) *blockingProvider {
	return &blockingProvider{
		MemoryProvider: provider.NewMemoryProvider(size, provider.MemoryOptions{}),
		entered:        make(chan struct{}, 1),
		release:        make(chan struct{}),
	}
}

func (b *blockingProvider) ReadAt(p []byte, off int64) (int, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return b.MemoryProvider.ReadAt(p, off)
}

func serve(srv *Server, ctx context.Context) chan error {
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx)
	}()
	return done
}

func waitFor(c *C, done chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		c.Fatal("timed out waiting for the server")
	}
	return nil
}

func (s *TestSuite) TestRoundTrip(c *C) {
	p := provider.NewMemoryProvider(1<<20, provider.MemoryOptions{Shared: true})
	defer p.Close()
	srv, err := NewServer(s.name, p, ServerOptions{BufferSize: 64 << 10})
	c.Assert(err, IsNil)
	defer srv.Close()
	done := serve(srv, context.Background())

	client, err := Dial(s.name, Options{PollInterval: 10 * time.Millisecond})
	c.Assert(err, IsNil)
	c.Assert(client.BufferSize(), Equals, 64<<10)
	info := client.Info()
	c.Assert(info.Size, Equals, int64(1<<20))
	c.Assert(info.Alignment, Equals, int64(types.DefaultSectorSize))
	c.Assert(info.Flags.SupportsShared(), Equals, true)
	c.Assert(info.Flags.SupportsZero(), Equals, true)
	c.Assert(client.Ping(), IsNil)

	// Larger than the payload area, so it takes several round-trips.
	data := bytes.Repeat([]byte("0123456789abcdef"), 200<<10/16)
	n, err := client.WriteAt(data, 1000)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, len(data))
	c.Assert(p.Bytes()[1000:1000+len(data)], DeepEquals, data)

	buf := make([]byte, len(data))
	n, err = client.ReadAt(buf, 1000)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, len(data))
	c.Assert(buf, DeepEquals, data)

	n, err = client.ReadAt(buf[:100], 1<<20-10)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 10)

	c.Assert(client.Zero([]types.Range{{Offset: 1000, Length: 16}}), IsNil)
	c.Assert(p.Bytes()[1000:1016], DeepEquals, make([]byte, 16))

	_, err = client.WriteAt([]byte("x"), 1<<20)
	code, ok := types.IsRemoteIO(err)
	c.Assert(ok, Equals, true)
	c.Assert(code, Equals, uint64(dataconn.ErrorCodeInvalid))

	resp, keys, err := client.SharedKeys(&types.SharedRequest{Operation: types.SharedGetUniqueID})
	c.Assert(err, IsNil)
	c.Assert(keys, HasLen, 0)
	id := p.Reservations().UniqueID()
	c.Assert(resp.UniqueID[:], DeepEquals, id[:])

	resp, _, err = client.SharedKeys(&types.SharedRequest{Operation: types.SharedRegister, CurrentChannelKey: 1, OperationChannelKey: 7})
	c.Assert(err, IsNil)
	c.Assert(resp.Result, Equals, types.SharedNoError)
	resp, keys, err = client.SharedKeys(&types.SharedRequest{Operation: types.SharedReadKeys, CurrentChannelKey: 1})
	c.Assert(err, IsNil)
	c.Assert(resp.Generation, Equals, uint64(1))
	c.Assert(keys, DeepEquals, []uint64{7})

	c.Assert(client.Close(), IsNil)
	c.Assert(waitFor(c, done), IsNil)
	c.Assert(client.Close(), IsNil)
	_, err = client.ReadAt(buf, 0)
	c.Assert(types.IsDisconnect(err), Equals, true)

	c.Assert(srv.Close(), IsNil)
	_, err = os.Stat(RegionPath(s.name))
	c.Assert(os.IsNotExist(err), Equals, true)
	_, err = os.Stat(BeaconPath(s.name))
	c.Assert(os.IsNotExist(err), Equals, true)
}

func (s *TestSuite) TestReadOnly(c *C) {
	p := provider.NewMemoryProvider(4096, provider.MemoryOptions{ReadOnly: true})
	srv, err := NewServer(s.name, p, ServerOptions{})
	c.Assert(err, IsNil)
	defer srv.Close()
	serve(srv, context.Background())

	client, err := Dial(s.name, Options{})
	c.Assert(err, IsNil)
	defer client.Close()
	c.Assert(client.Info().Flags.ReadOnly(), Equals, true)

	_, err = client.WriteAt([]byte("x"), 0)
	c.Assert(errors.Is(err, types.ErrPermissionDenied), Equals, true)
	err = client.Unmap([]types.Range{{Offset: 0, Length: 512}})
	c.Assert(errors.Is(err, types.ErrPermissionDenied), Equals, true)
}

func (s *TestSuite) TestNoServer(c *C) {
	_, err := Dial(s.name, Options{})
	c.Assert(types.IsDisconnect(err), Equals, true)

	_, err = Dial("bad/name", Options{})
	c.Assert(errors.Is(err, types.ErrInvalidArgument), Equals, true)
}

func (s *TestSuite) TestSingleClient(c *C) {
	p := provider.NewMemoryProvider(4096, provider.MemoryOptions{})
	srv, err := NewServer(s.name, p, ServerOptions{})
	c.Assert(err, IsNil)
	defer srv.Close()
	serve(srv, context.Background())

	_, err = NewServer(s.name, p, ServerOptions{})
	c.Assert(err, NotNil)

	client, err := Dial(s.name, Options{})
	c.Assert(err, IsNil)
	defer client.Close()
	_, err = Dial(s.name, Options{})
	c.Assert(err, ErrorMatches, ".*already has a client.*")
}

func (s *TestSuite) TestServerExit(c *C) {
	p := newBlockingProvider(4096)
	srv, err := NewServer(s.name, p, ServerOptions{PollInterval: 10 * time.Millisecond})
	c.Assert(err, IsNil)
	serve(srv, context.Background())

	client, err := Dial(s.name, Options{Timeout: -1, PollInterval: 10 * time.Millisecond})
	c.Assert(err, IsNil)
	defer client.Close()

	result := make(chan error, 1)
	go func() {
		_, err := client.ReadAt(make([]byte, 512), 0)
		result <- err
	}()
	<-p.entered

	closed := make(chan error, 1)
	go func() {
		closed <- srv.Close()
	}()

	err = waitFor(c, result)
	c.Assert(types.IsDisconnect(err), Equals, true)

	// Close holds the mapping until the stuck request finishes.
	close(p.release)
	c.Assert(waitFor(c, closed), IsNil)

	_, err = client.ReadAt(make([]byte, 512), 0)
	c.Assert(types.IsDisconnect(err), Equals, true)
}

func (s *TestSuite) TestTimeout(c *C) {
	p := newBlockingProvider(4096)
	srv, err := NewServer(s.name, p, ServerOptions{PollInterval: 10 * time.Millisecond})
	c.Assert(err, IsNil)
	defer srv.Close()
	serve(srv, context.Background())

	client, err := Dial(s.name, Options{Timeout: 100 * time.Millisecond, PollInterval: 10 * time.Millisecond})
	c.Assert(err, IsNil)
	defer client.Close()

	_, err = client.ReadAt(make([]byte, 512), 0)
	c.Assert(errors.Is(err, types.ErrTimeout), Equals, true)
	close(p.release)

	// A late response may still be in flight, so the client gives up on the
	// region.
	_, err = client.ReadAt(make([]byte, 512), 0)
	c.Assert(types.IsDisconnect(err), Equals, true)
}

func (s *TestSuite) TestServeCancel(c *C) {
	p := provider.NewMemoryProvider(4096, provider.MemoryOptions{})
	srv, err := NewServer(s.name, p, ServerOptions{PollInterval: 10 * time.Millisecond})
	c.Assert(err, IsNil)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := serve(srv, ctx)
	cancel()
	c.Assert(waitFor(c, done), IsNil)

	c.Assert(srv.Serve(context.Background()), ErrorMatches, ".*already serving.*")
}

func (s *TestSuite) TestTimeoutThenNewClient(c *C) {
	p := newBlockingProvider(4096)
	_, err := p.MemoryProvider.WriteAt([]byte("fresh"), 0)
	c.Assert(err, IsNil)
	srv, err := NewServer(s.name, p, ServerOptions{PollInterval: 10 * time.Millisecond})
	c.Assert(err, IsNil)
	defer srv.Close()
	serve(srv, context.Background())

	client, err := Dial(s.name, Options{Timeout: 100 * time.Millisecond, PollInterval: 10 * time.Millisecond})
	c.Assert(err, IsNil)
	_, err = client.ReadAt(make([]byte, 512), 1024)
	c.Assert(errors.Is(err, types.ErrTimeout), Equals, true)
	c.Assert(client.Close(), IsNil)

	// The next client waits until the server finished the abandoned read,
	// and never sees its response.
	time.AfterFunc(50*time.Millisecond, func() { close(p.release) })
	next, err := Dial(s.name, Options{Timeout: 5 * time.Second, PollInterval: 10 * time.Millisecond})
	c.Assert(err, IsNil)
	defer next.Close()
	c.Assert(next.Info().Size, Equals, int64(4096))

	buf := make([]byte, 5)
	n, err := next.ReadAt(buf, 0)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 5)
	c.Assert(string(buf), Equals, "fresh")

	// A wake carrying another sequence number is skipped.
	next.segment.setResponseSeq(next.seq - 7)
	c.Assert(next.segment.response.set(), IsNil)
	c.Assert(next.Ping(), IsNil)
	n, err = next.ReadAt(buf, 0)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 5)
}

func (s *TestSuite) TestAbandonedWhileIdle(c *C) {
	p := provider.NewMemoryProvider(4096, provider.MemoryOptions{})
	srv, err := NewServer(s.name, p, ServerOptions{PollInterval: 10 * time.Millisecond})
	c.Assert(err, IsNil)
	defer srv.Close()
	serve(srv, context.Background())

	client, err := Dial(s.name, Options{PollInterval: 10 * time.Millisecond})
	c.Assert(err, IsNil)
	client.broken = errors.Wrap(types.ErrShortFrame, "garbled response")
	c.Assert(client.Close(), IsNil)

	next, err := Dial(s.name, Options{Timeout: 5 * time.Second, PollInterval: 10 * time.Millisecond})
	c.Assert(err, IsNil)
	defer next.Close()
	c.Assert(next.Ping(), IsNil)
}

func (s *TestSuite) TestServerStartsDuringLivenessCheck(c *C) {
	path := BeaconPath(s.name)
	defer os.Remove(path)

	check := flock.New(path)
	locked, err := check.TryRLock()
	c.Assert(err, IsNil)
	c.Assert(locked, Equals, true)

	// Concurrent checks do not take each other for a server.
	alive, err := serverAlive(path)
	c.Assert(err, IsNil)
	c.Assert(alive, Equals, false)

	time.AfterFunc(50*time.Millisecond, func() { _ = check.Unlock() })
	p := provider.NewMemoryProvider(4096, provider.MemoryOptions{})
	srv, err := NewServer(s.name, p, ServerOptions{})
	c.Assert(err, IsNil)
	defer srv.Close()

	alive, err = serverAlive(path)
	c.Assert(err, IsNil)
	c.Assert(alive, Equals, true)
	alive, err = serverAlive(path)
	c.Assert(err, IsNil)
	c.Assert(alive, Equals, true)
}

func (s *TestSuite) TestRejectShared(c *C) {
	p := provider.NewMemoryProvider(4096, provider.MemoryOptions{Shared: true})
	srv, err := NewServer(s.name, p, ServerOptions{})
	c.Assert(err, IsNil)
	defer srv.Close()

	frame := srv.segment.frame()
	c.Assert(dataconn.EncodeSharedRequest(frame, &types.SharedRequest{Operation: types.SharedRegister}), IsNil)
	srv.reject(frame, dataconn.OpShared, errors.New("malformed"))
	var resp dataconn.SharedResponse
	c.Assert(resp.Decode(frame), IsNil)
	c.Assert(resp.Result, Equals, types.SharedInvalidParameter)
	c.Assert(resp.KeyCount, Equals, uint64(0))

	srv.reject(frame, dataconn.OpRead, errors.New("malformed"))
	code, err := dataconn.DecodeNullResponse(frame)
	c.Assert(err, IsNil)
	c.Assert(code, Equals, dataconn.ErrorCodeInvalid)
}

// serverProcessEnv names the region a re-executed test binary serves.
const serverProcessEnv = "DEVIO_SHM_SERVER_NAME"

// stuckProvider never finishes a read.
type stuckProvider struct {
	*provider.MemoryProvider
}

func (p stuckProvider) ReadAt(b []byte, off int64) (int, error) {
	fmt.Println("read entered")
	time.Sleep(time.Hour)
	return 0, nil
}

func (s *TestSuite) TestServerProcess(c *C) {
	name := os.Getenv(serverProcessEnv)
	if name == "" {
		c.Skip("only runs as the server of TestServerProcessKilled")
	}
	p := stuckProvider{provider.NewMemoryProvider(4096, provider.MemoryOptions{})}
	srv, err := NewServer(name, p, ServerOptions{PollInterval: 10 * time.Millisecond})
	c.Assert(err, IsNil)
	fmt.Println("serving")
	c.Assert(srv.Serve(context.Background()), IsNil)
}

func (s *TestSuite) TestServerProcessKilled(c *C) {
	if os.Getenv(serverProcessEnv) != "" {
		c.Skip("running as a server process")
	}

	cmd := exec.Command(os.Args[0], "-test.run", "^Test$", "-check.f", "TestServerProcess$")
	cmd.Env = append(os.Environ(), serverProcessEnv+"="+s.name)
	stdout, err := cmd.StdoutPipe()
	c.Assert(err, IsNil)
	c.Assert(cmd.Start(), IsNil)
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		_ = os.Remove(RegionPath(s.name))
		_ = os.Remove(BeaconPath(s.name))
	}()

	lines := make(chan string, 2)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if line := scanner.Text(); line == "serving" || line == "read entered" {
				lines <- line
			}
		}
	}()
	waitLine := func(want string) {
		select {
		case line := <-lines:
			c.Assert(line, Equals, want)
		case <-time.After(10 * time.Second):
			c.Fatalf("server process never printed %q", want)
		}
	}

	waitLine("serving")
	client, err := Dial(s.name, Options{Timeout: -1, PollInterval: 10 * time.Millisecond})
	c.Assert(err, IsNil)
	defer client.Close()

	result := make(chan error, 1)
	go func() {
		_, err := client.ReadAt(make([]byte, 512), 0)
		result <- err
	}()
	waitLine("read entered")

	c.Assert(cmd.Process.Kill(), IsNil)
	err = waitFor(c, result)
	c.Assert(types.IsDisconnect(err), Equals, true)

	_, err = Dial(s.name, Options{})
	c.Assert(types.IsDisconnect(err), Equals, true)
}
