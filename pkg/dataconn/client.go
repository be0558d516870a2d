package dataconn

import (
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/longhorn/longhorn-devio/pkg/types"
	"github.com/longhorn/longhorn-devio/pkg/util"
)

const (
	DefaultDialTimeout = 10 * time.Second
)

// Options configures a stream client. Zero values select the defaults.
type Options struct {
	// DialTimeout bounds connection establishment. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration
	// Timeout bounds every socket read and write of a round-trip. Zero waits
	// forever.
	Timeout time.Duration
	// ExportName selects a named export with a CONNECT request before the INFO
	// handshake. Empty uses the default export.
	ExportName string
}

// Client is one channel over a stream socket. Requests are serialized; the
// lock is held for the whole round-trip.
type Client struct {
	sync.Mutex

	wire     *Wire
	info     types.Info
	objectID uint64
	frame    []byte
	broken   error
	closed   bool
}

// Dial connects to a server listening on address ("host:port", "tcp://host:port"
// or "unix:///path") and performs the handshake.
func Dial(address string, opts Options) (*Client, error) {
	network, addr, err := util.ParseAddress(address)
	if err != nil {
		return nil, types.InvalidArgumentf("%v", err)
	}
	timeout := opts.DialTimeout
	if timeout == 0 {
		timeout = DefaultDialTimeout
	}
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return nil, classify(err, "dial "+address)
	}
	c, err := NewClient(conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient runs the handshake over an established connection.
func NewClient(conn net.Conn, opts Options) (*Client, error) {
	c := &Client{
		wire:  NewWire(conn, opts.Timeout),
		frame: make([]byte, MaxFrameSize),
	}
	if opts.ExportName != "" {
		if err := c.connect(opts.ExportName); err != nil {
			return nil, err
		}
	}
	if err := c.handshake(); err != nil {
		return nil, err
	}
	logrus.Debugf("Connected to %v: size %d, alignment %d, flags 0x%x",
		c.wire.RemoteAddr(), c.info.Size, c.info.Alignment, uint64(c.info.Flags))
	return c, nil
}

func (c *Client) connect(name string) error {
	if len(name) > MaxExportNameLength {
		return types.InvalidArgumentf("export name of %d bytes is too long", len(name))
	}
	req := ConnectRequest{Length: uint64(len(name))}
	if err := req.Encode(c.frame); err != nil {
		return err
	}
	if err := c.wire.Send(c.frame[:ConnectRequestSize], []byte(name)); err != nil {
		return err
	}
	var resp ConnectResponse
	if err := c.receive(&resp, ConnectResponseSize); err != nil {
		return err
	}
	if resp.ErrorCode != ErrorCodeNone {
		return errors.Wrapf(RemoteError(OpConnect, resp.ErrorCode), "failed to connect to export %v", name)
	}
	c.objectID = resp.ObjectID
	return nil
}

func (c *Client) handshake() error {
	if err := EncodeRequestHeader(c.frame, OpInfo); err != nil {
		return err
	}
	if err := c.wire.Send(c.frame[:RequestHeaderSize]); err != nil {
		return err
	}
	var resp InfoResponse
	if err := c.receive(&resp, InfoResponseSize); err != nil {
		return err
	}
	if resp.ErrorCode != ErrorCodeNone {
		return RemoteError(OpInfo, resp.ErrorCode)
	}
	c.info = types.Info{
		Size:      int64(resp.Size),
		Alignment: int64(resp.Alignment),
		Flags:     resp.Flags,
	}
	return nil
}

type decoder interface {
	Decode(buf []byte) error
}

func (c *Client) receive(frame decoder, size int) error {
	if err := c.wire.Receive(c.frame[:size]); err != nil {
		return err
	}
	return frame.Decode(c.frame[:size])
}

// fail remembers errors that leave the stream out of sync. Later requests
// return them without touching the socket.
func (c *Client) fail(err error) error {
	if err != nil && (types.IsDisconnect(err) || errors.Is(err, types.ErrTimeout) || errors.Is(err, types.ErrShortFrame)) {
		c.broken = err
	}
	return err
}

func (c *Client) usable() error {
	if c.closed {
		return types.Disconnected(net.ErrClosed, "client is closed")
	}
	if c.broken != nil {
		return types.Disconnected(c.broken, "connection to %v is no longer usable", c.wire.RemoteAddr())
	}
	return nil
}

func (c *Client) Info() types.Info {
	return c.info
}

// ObjectID is the identifier the server assigned to the selected export.
func (c *Client) ObjectID() uint64 {
	return c.objectID
}

func (c *Client) RemoteAddr() string {
	return c.wire.RemoteAddr()
}

// ReadAt reads up to len(p) bytes. It returns fewer bytes only at the end of
// the device, without an error.
func (c *Client) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, types.InvalidArgumentf("negative offset %d", off)
	}

	c.Lock()
	defer c.Unlock()
	if err := c.usable(); err != nil {
		return 0, err
	}

	total := 0
	for total < len(p) {
		chunk := len(p) - total
		if chunk > types.MaxTransferSize {
			chunk = types.MaxTransferSize
		}
		n, err := c.readChunk(p[total:total+chunk], off+int64(total))
		total += n
		if err != nil {
			return total, c.fail(err)
		}
		if n < chunk {
			break
		}
	}
	return total, nil
}

func (c *Client) readChunk(p []byte, off int64) (int, error) {
	req := ReadRequest{Offset: uint64(off), Length: uint64(len(p))}
	if err := req.Encode(c.frame); err != nil {
		return 0, err
	}
	if err := c.wire.Send(c.frame[:ReadRequestSize]); err != nil {
		return 0, err
	}
	var resp ReadResponse
	if err := c.receive(&resp, ReadResponseSize); err != nil {
		return 0, err
	}
	if resp.ErrorCode != ErrorCodeNone {
		return 0, RemoteError(OpRead, resp.ErrorCode)
	}
	if resp.Length > uint64(len(p)) {
		return 0, errors.Wrapf(types.ErrShortFrame, "server returned %d bytes for a read of %d", resp.Length, len(p))
	}
	if err := c.wire.Receive(p[:resp.Length]); err != nil {
		return 0, err
	}
	return int(resp.Length), nil
}

func (c *Client) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, types.InvalidArgumentf("negative offset %d", off)
	}
	if c.info.Flags.ReadOnly() {
		return 0, errors.Wrapf(types.ErrPermissionDenied, "device at %v is read-only", c.wire.RemoteAddr())
	}

	c.Lock()
	defer c.Unlock()
	if err := c.usable(); err != nil {
		return 0, err
	}

	total := 0
	for total < len(p) {
		chunk := len(p) - total
		if chunk > types.MaxTransferSize {
			chunk = types.MaxTransferSize
		}
		n, err := c.writeChunk(p[total:total+chunk], off+int64(total))
		total += n
		if err != nil {
			return total, c.fail(err)
		}
	}
	return total, nil
}

func (c *Client) writeChunk(p []byte, off int64) (int, error) {
	req := WriteRequest{Offset: uint64(off), Length: uint64(len(p))}
	if err := req.Encode(c.frame); err != nil {
		return 0, err
	}
	if err := c.wire.Send(c.frame[:WriteRequestSize], p); err != nil {
		return 0, err
	}
	var resp WriteResponse
	if err := c.receive(&resp, WriteResponseSize); err != nil {
		return 0, err
	}
	if resp.ErrorCode != ErrorCodeNone {
		return int(resp.Length), RemoteError(OpWrite, resp.ErrorCode)
	}
	if resp.Length != uint64(len(p)) {
		return int(resp.Length), errors.Wrapf(types.ErrShortTransfer, "wrote %d of %d bytes at %d", resp.Length, len(p), off)
	}
	return len(p), nil
}

func (c *Client) Unmap(ranges []types.Range) error {
	if !c.info.Flags.SupportsUnmap() {
		return errors.Wrap(types.ErrNotSupported, "device does not support unmap")
	}
	return c.ranges(OpUnmap, ranges)
}

func (c *Client) Zero(ranges []types.Range) error {
	if !c.info.Flags.SupportsZero() {
		return errors.Wrap(types.ErrNotSupported, "device does not support zero")
	}
	return c.ranges(OpZero, ranges)
}

func (c *Client) ranges(op Opcode, ranges []types.Range) error {
	if c.info.Flags.ReadOnly() {
		return errors.Wrapf(types.ErrPermissionDenied, "device at %v is read-only", c.wire.RemoteAddr())
	}

	c.Lock()
	defer c.Unlock()
	if err := c.usable(); err != nil {
		return err
	}

	for len(ranges) > 0 {
		batch := ranges
		if len(batch) > MaxRanges {
			batch = batch[:MaxRanges]
		}
		ranges = ranges[len(batch):]

		payload := make([]byte, len(batch)*RangeSize)
		if err := EncodeRanges(payload, batch); err != nil {
			return err
		}
		req := RangeRequest{Opcode: op, Length: uint64(len(payload))}
		if err := req.Encode(c.frame); err != nil {
			return err
		}
		if err := c.wire.Send(c.frame[:RangeRequestSize], payload); err != nil {
			return c.fail(err)
		}
		var resp RangeResponse
		if err := c.receive(&resp, RangeResponseSize); err != nil {
			return c.fail(err)
		}
		if err := RemoteError(op, resp.ErrorCode); err != nil {
			return err
		}
	}
	return nil
}

// SCSI passes a command descriptor block and its data to the device and
// returns at most maxResponse bytes of response data.
func (c *Client) SCSI(cdb [16]byte, in []byte, maxResponse int) ([]byte, error) {
	if !c.info.Flags.SupportsSCSI() {
		return nil, errors.Wrap(types.ErrNotSupported, "device does not support SCSI pass-through")
	}
	if len(in) > types.MaxTransferSize || maxResponse < 0 || maxResponse > types.MaxTransferSize {
		return nil, types.InvalidArgumentf("SCSI transfer of %d/%d bytes is out of range", len(in), maxResponse)
	}

	c.Lock()
	defer c.Unlock()
	if err := c.usable(); err != nil {
		return nil, err
	}

	req := SCSIRequest{CDB: cdb, RequestLength: uint64(len(in)), MaxResponseLength: uint64(maxResponse)}
	if err := req.Encode(c.frame); err != nil {
		return nil, err
	}
	if err := c.wire.Send(c.frame[:SCSIRequestSize], in); err != nil {
		return nil, c.fail(err)
	}
	var resp SCSIResponse
	if err := c.receive(&resp, SCSIResponseSize); err != nil {
		return nil, c.fail(err)
	}
	if err := RemoteError(OpSCSI, resp.ErrorCode); err != nil {
		return nil, err
	}
	if resp.Length > uint64(maxResponse) {
		return nil, c.fail(errors.Wrapf(types.ErrShortFrame, "SCSI response of %d bytes exceeds %d", resp.Length, maxResponse))
	}
	out := make([]byte, resp.Length)
	if err := c.wire.Receive(out); err != nil {
		return nil, c.fail(err)
	}
	return out, nil
}

// SharedKeys runs one reservation sub-operation. Transport failures are
// reported as both an error and an IOError result.
func (c *Client) SharedKeys(req *types.SharedRequest) (*types.SharedResponse, []uint64, error) {
	c.Lock()
	defer c.Unlock()
	if err := c.usable(); err != nil {
		return &types.SharedResponse{Result: types.SharedIOError}, nil, err
	}

	resp, keys, err := c.shared(req)
	if err != nil {
		return &types.SharedResponse{Result: types.SharedIOError}, nil, c.fail(err)
	}
	return resp, keys, nil
}

func (c *Client) shared(req *types.SharedRequest) (*types.SharedResponse, []uint64, error) {
	if err := EncodeSharedRequest(c.frame, req); err != nil {
		return nil, nil, err
	}
	if err := c.wire.Send(c.frame[:SharedRequestSize]); err != nil {
		return nil, nil, err
	}
	var resp SharedResponse
	if err := c.receive(&resp, SharedResponseSize); err != nil {
		return nil, nil, err
	}
	if resp.KeyCount > MaxSharedKeys {
		return nil, nil, errors.Wrapf(types.ErrShortFrame, "server announced %d keys", resp.KeyCount)
	}
	buf := make([]byte, resp.KeyCount*fieldSize)
	if err := c.wire.Receive(buf); err != nil {
		return nil, nil, err
	}
	keys, err := DecodeKeys(buf, int(resp.KeyCount))
	if err != nil {
		return nil, nil, err
	}
	return &resp.SharedResponse, keys, nil
}

// Ping sends a NULL request.
func (c *Client) Ping() error {
	c.Lock()
	defer c.Unlock()
	if err := c.usable(); err != nil {
		return err
	}

	if err := EncodeRequestHeader(c.frame, OpNull); err != nil {
		return err
	}
	if err := c.wire.Send(c.frame[:RequestHeaderSize]); err != nil {
		return c.fail(err)
	}
	if err := c.wire.Receive(c.frame[:NullResponseSize]); err != nil {
		return c.fail(err)
	}
	code, err := DecodeNullResponse(c.frame[:NullResponseSize])
	if err != nil {
		return err
	}
	return RemoteError(OpNull, code)
}

// Close tells the server the channel is done and closes the socket. It is
// safe to call more than once.
func (c *Client) Close() error {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.broken == nil {
		if err := EncodeRequestHeader(c.frame, OpClose); err == nil {
			if err := c.wire.Send(c.frame[:RequestHeaderSize]); err != nil {
				logrus.WithError(err).Debugf("Failed to send close to %v", c.wire.RemoteAddr())
			}
		}
	}
	if err := c.wire.Close(); err != nil {
		logrus.WithError(err).Debugf("Failed to close connection to %v", c.wire.RemoteAddr())
	}
	return nil
}
