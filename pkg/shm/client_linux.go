package shm

import (
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/longhorn/longhorn-devio/pkg/dataconn"
	"github.com/longhorn/longhorn-devio/pkg/types"
)

var errServerGone = errors.New("server released its beacon")

// Client is the channel of the single client of a region. Requests are
// serialized; the lock is held for the whole round-trip.
type Client struct {
	sync.Mutex

	name       string
	beaconPath string
	opts       Options
	segment    *segment
	info       types.Info
	seq        uint32
	broken     error
	closed     bool
}

// Dial attaches to the region of name and performs the INFO handshake.
func Dial(name string, opts Options) (*Client, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	beaconPath := BeaconPath(name)
	alive, err := serverAlive(beaconPath)
	if err != nil {
		return nil, err
	}
	if !alive {
		return nil, types.Disconnected(os.ErrNotExist, "no server is serving %v", name)
	}

	seg, err := openSegment(RegionPath(name))
	if err != nil {
		return nil, err
	}
	if err := attach(seg, name, beaconPath, opts); err != nil {
		_ = seg.close()
		return nil, err
	}

	c := &Client{
		name:       name,
		beaconPath: beaconPath,
		opts:       opts,
		segment:    seg,
		seq:        seg.requestSeq(),
	}
	if err := c.handshake(); err != nil {
		seg.abandon()
		_ = seg.close()
		return nil, err
	}
	logrus.Debugf("Attached to %v: size %d, alignment %d, flags 0x%x",
		name, c.info.Size, c.info.Alignment, uint64(c.info.Flags))
	return c, nil
}

// attach claims seg. A region abandoned by an earlier client becomes free once
// the server finished the request that client gave up on, so that is waited
// for within the response timeout.
func attach(seg *segment, name, beaconPath string, opts Options) error {
	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}
	for !seg.attach() {
		if !seg.abandoned() {
			return errors.Newf("%v already has a client", name)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return errors.Wrapf(types.ErrTimeout, "%v is still finishing a request of its previous client", name)
		}
		alive, err := serverAlive(beaconPath)
		if err != nil {
			return err
		}
		if !alive {
			return types.Disconnected(errServerGone, "server of %v exited", name)
		}
		time.Sleep(opts.PollInterval)
	}
	return nil
}

func (c *Client) handshake() error {
	frame := c.segment.frame()
	if err := dataconn.EncodeRequestHeader(frame, dataconn.OpInfo); err != nil {
		return err
	}
	if err := c.roundTrip(); err != nil {
		return err
	}
	var resp dataconn.InfoResponse
	if err := resp.Decode(frame); err != nil {
		return err
	}
	if resp.ErrorCode != dataconn.ErrorCodeNone {
		return dataconn.RemoteError(dataconn.OpInfo, resp.ErrorCode)
	}
	c.info = types.Info{
		Size:      int64(resp.Size),
		Alignment: int64(resp.Alignment),
		Flags:     resp.Flags,
	}
	return nil
}

// roundTrip signals the request in the header area and waits for the
// response. The wait ends early when the server releases its beacon. Wakes
// carrying the sequence number of another request are skipped.
func (c *Client) roundTrip() error {
	c.seq++
	c.segment.setRequestSeq(c.seq)
	if err := c.segment.request.set(); err != nil {
		return err
	}

	var deadline time.Time
	if c.opts.Timeout > 0 {
		deadline = time.Now().Add(c.opts.Timeout)
	}
	for {
		slice := c.opts.PollInterval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return errors.Wrapf(types.ErrTimeout, "no response from %v within %v", c.name, c.opts.Timeout)
			}
			if remaining < slice {
				slice = remaining
			}
		}

		err := c.segment.response.wait(slice)
		if err == nil {
			if seq := c.segment.responseSeq(); seq != c.seq {
				logrus.Debugf("Dropped response %d of %v while waiting for %d", seq, c.name, c.seq)
				continue
			}
			return nil
		}
		if !errors.Is(err, errWaitTimeout) {
			return err
		}

		alive, err := serverAlive(c.beaconPath)
		if err != nil {
			return err
		}
		if !alive {
			return types.Disconnected(errServerGone, "server of %v exited", c.name)
		}
	}
}

func (c *Client) fail(err error) error {
	if err != nil && (types.IsDisconnect(err) || errors.Is(err, types.ErrTimeout) || errors.Is(err, types.ErrShortFrame)) {
		c.broken = err
	}
	return err
}

func (c *Client) usable() error {
	if c.closed {
		return types.Disconnected(os.ErrClosed, "client of %v is closed", c.name)
	}
	if c.broken != nil {
		return types.Disconnected(c.broken, "region %v is no longer usable", c.name)
	}
	return nil
}

func (c *Client) Info() types.Info {
	return c.info
}

// BufferSize is the largest transfer of a single round-trip.
func (c *Client) BufferSize() int {
	return c.segment.bufferSize
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
		if chunk > c.segment.bufferSize {
			chunk = c.segment.bufferSize
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
	frame := c.segment.frame()
	req := dataconn.ReadRequest{Offset: uint64(off), Length: uint64(len(p))}
	if err := req.Encode(frame); err != nil {
		return 0, err
	}
	if err := c.roundTrip(); err != nil {
		return 0, err
	}
	var resp dataconn.ReadResponse
	if err := resp.Decode(frame); err != nil {
		return 0, err
	}
	if resp.ErrorCode != dataconn.ErrorCodeNone {
		return 0, dataconn.RemoteError(dataconn.OpRead, resp.ErrorCode)
	}
	if resp.Length > uint64(len(p)) {
		return 0, errors.Wrapf(types.ErrShortFrame, "server returned %d bytes for a read of %d", resp.Length, len(p))
	}
	return copy(p, c.segment.payload()[:resp.Length]), nil
}

func (c *Client) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, types.InvalidArgumentf("negative offset %d", off)
	}
	if c.info.Flags.ReadOnly() {
		return 0, errors.Wrapf(types.ErrPermissionDenied, "device %v is read-only", c.name)
	}

	c.Lock()
	defer c.Unlock()
	if err := c.usable(); err != nil {
		return 0, err
	}

	total := 0
	for total < len(p) {
		chunk := len(p) - total
		if chunk > c.segment.bufferSize {
			chunk = c.segment.bufferSize
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
	frame := c.segment.frame()
	copy(c.segment.payload(), p)
	req := dataconn.WriteRequest{Offset: uint64(off), Length: uint64(len(p))}
	if err := req.Encode(frame); err != nil {
		return 0, err
	}
	if err := c.roundTrip(); err != nil {
		return 0, err
	}
	var resp dataconn.WriteResponse
	if err := resp.Decode(frame); err != nil {
		return 0, err
	}
	if resp.ErrorCode != dataconn.ErrorCodeNone {
		return int(resp.Length), dataconn.RemoteError(dataconn.OpWrite, resp.ErrorCode)
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
	return c.ranges(dataconn.OpUnmap, ranges)
}

func (c *Client) Zero(ranges []types.Range) error {
	if !c.info.Flags.SupportsZero() {
		return errors.Wrap(types.ErrNotSupported, "device does not support zero")
	}
	return c.ranges(dataconn.OpZero, ranges)
}

func (c *Client) ranges(op dataconn.Opcode, ranges []types.Range) error {
	if c.info.Flags.ReadOnly() {
		return errors.Wrapf(types.ErrPermissionDenied, "device %v is read-only", c.name)
	}

	c.Lock()
	defer c.Unlock()
	if err := c.usable(); err != nil {
		return err
	}

	perRequest := c.segment.bufferSize / dataconn.RangeSize
	if perRequest > dataconn.MaxRanges {
		perRequest = dataconn.MaxRanges
	}
	frame := c.segment.frame()
	for len(ranges) > 0 {
		batch := ranges
		if len(batch) > perRequest {
			batch = batch[:perRequest]
		}
		ranges = ranges[len(batch):]

		if err := dataconn.EncodeRanges(c.segment.payload(), batch); err != nil {
			return err
		}
		req := dataconn.RangeRequest{Opcode: op, Length: uint64(len(batch) * dataconn.RangeSize)}
		if err := req.Encode(frame); err != nil {
			return err
		}
		if err := c.roundTrip(); err != nil {
			return c.fail(err)
		}
		var resp dataconn.RangeResponse
		if err := resp.Decode(frame); err != nil {
			return c.fail(err)
		}
		if err := dataconn.RemoteError(op, resp.ErrorCode); err != nil {
			return err
		}
	}
	return nil
}

// SCSI passes a command through. Both data directions are bounded by the
// payload area.
func (c *Client) SCSI(cdb [16]byte, in []byte, maxResponse int) ([]byte, error) {
	if !c.info.Flags.SupportsSCSI() {
		return nil, errors.Wrap(types.ErrNotSupported, "device does not support SCSI pass-through")
	}
	if len(in) > c.segment.bufferSize || maxResponse < 0 || maxResponse > c.segment.bufferSize {
		return nil, types.InvalidArgumentf("SCSI transfer of %d/%d bytes is out of range", len(in), maxResponse)
	}

	c.Lock()
	defer c.Unlock()
	if err := c.usable(); err != nil {
		return nil, err
	}

	frame := c.segment.frame()
	copy(c.segment.payload(), in)
	req := dataconn.SCSIRequest{CDB: cdb, RequestLength: uint64(len(in)), MaxResponseLength: uint64(maxResponse)}
	if err := req.Encode(frame); err != nil {
		return nil, err
	}
	if err := c.roundTrip(); err != nil {
		return nil, c.fail(err)
	}
	var resp dataconn.SCSIResponse
	if err := resp.Decode(frame); err != nil {
		return nil, c.fail(err)
	}
	if err := dataconn.RemoteError(dataconn.OpSCSI, resp.ErrorCode); err != nil {
		return nil, err
	}
	if resp.Length > uint64(maxResponse) {
		return nil, c.fail(errors.Wrapf(types.ErrShortFrame, "SCSI response of %d bytes exceeds %d", resp.Length, maxResponse))
	}
	out := make([]byte, resp.Length)
	copy(out, c.segment.payload())
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
	frame := c.segment.frame()
	if err := dataconn.EncodeSharedRequest(frame, req); err != nil {
		return nil, nil, err
	}
	if err := c.roundTrip(); err != nil {
		return nil, nil, err
	}
	var resp dataconn.SharedResponse
	if err := resp.Decode(frame); err != nil {
		return nil, nil, err
	}
	if resp.KeyCount > uint64(c.segment.bufferSize/8) {
		return nil, nil, errors.Wrapf(types.ErrShortFrame, "server announced %d keys", resp.KeyCount)
	}
	keys, err := dataconn.DecodeKeys(c.segment.payload(), int(resp.KeyCount))
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

	frame := c.segment.frame()
	if err := dataconn.EncodeRequestHeader(frame, dataconn.OpNull); err != nil {
		return err
	}
	if err := c.roundTrip(); err != nil {
		return c.fail(err)
	}
	code, err := dataconn.DecodeNullResponse(frame)
	if err != nil {
		return err
	}
	return dataconn.RemoteError(dataconn.OpNull, code)
}

// Close sends CLOSE without waiting for the server and unmaps the region. A
// broken client leaves the region abandoned instead, since the server may
// still be working on its last request. Failures are logged, never returned.
func (c *Client) Close() error {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.broken == nil {
		if err := dataconn.EncodeRequestHeader(c.segment.frame(), dataconn.OpClose); err == nil {
			if err := c.segment.request.set(); err != nil {
				logrus.WithError(err).Debugf("Failed to signal close to %v", c.name)
			}
		}
	} else {
		c.segment.abandon()
	}
	if err := c.segment.close(); err != nil {
		logrus.WithError(err).Debugf("Failed to release region of %v", c.name)
	}
	return nil
}
