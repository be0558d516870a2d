package shm

import (
	"context"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/longhorn/longhorn-devio/pkg/dataconn"
	"github.com/longhorn/longhorn-devio/pkg/types"
)

// Server exposes a provider to one client through the region of name.
type Server struct {
	sync.Mutex

	name    string
	opts    ServerOptions
	handler *dataconn.Handler
	beacon  *beacon
	segment *segment

	started bool
	closed  bool
	stop    chan struct{}
	done    chan struct{}
}

func NewServer(name string, provider types.Provider, opts ServerOptions) (*Server, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if opts.BufferSize == 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.BufferSize < minBufferSize {
		return nil, types.InvalidArgumentf("buffer size %d is below the minimum of %d", opts.BufferSize, minBufferSize)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	// Holding the beacon proves no other server owns the name, so whatever
	// region file exists is left over and gets recreated.
	b, err := holdBeacon(BeaconPath(name))
	if err != nil {
		return nil, err
	}
	seg, err := createSegment(RegionPath(name), opts.BufferSize)
	if err != nil {
		_ = b.release()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"region":     seg.path,
		"bufferSize": opts.BufferSize,
	}).Infof("Created shared memory region for %v", name)

	return &Server{
		name:    name,
		opts:    opts,
		handler: dataconn.NewHandler(provider),
		beacon:  b,
		segment: seg,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

func (s *Server) Name() string {
	return s.name
}

// Serve answers the requests of one client. It returns when the client sends
// CLOSE, the context is cancelled or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	s.Lock()
	if s.closed {
		s.Unlock()
		return errors.Newf("shared memory server %v is closed", s.name)
	}
	if s.started {
		s.Unlock()
		return errors.Newf("shared memory server %v is already serving", s.name)
	}
	s.started = true
	s.Unlock()
	defer close(s.done)

	for {
		err := s.segment.request.wait(s.opts.PollInterval)
		if errors.Is(err, errWaitTimeout) {
			select {
			case <-ctx.Done():
				logrus.Infof("Stopped serving %v: %v", s.name, ctx.Err())
				return nil
			case <-s.stop:
				return nil
			default:
			}
			s.reclaim()
			continue
		}
		if err != nil {
			return err
		}

		seq := s.segment.requestSeq()
		op, done := s.handle()
		if done {
			logrus.Infof("Client of %v closed the channel", s.name)
			return nil
		}
		if s.reclaim() {
			continue
		}
		s.segment.setResponseSeq(seq)
		if err := s.segment.response.set(); err != nil {
			return errors.Wrapf(err, "failed to signal %v response", op)
		}
	}
}

// reclaim frees the region once its client abandoned it. The response to the
// abandoned request is never signalled.
func (s *Server) reclaim() bool {
	if !s.segment.reclaim() {
		return false
	}
	logrus.Infof("Client of %v abandoned the channel, accepting a new one", s.name)
	return true
}

// handle executes the request in the header area and leaves the response
// there. It reports whether the client is gone.
func (s *Server) handle() (dataconn.Opcode, bool) {
	frame := s.segment.frame()
	payload := s.segment.payload()

	op, err := dataconn.PeekOpcode(frame)
	if err != nil {
		s.reject(frame, op, err)
		return op, false
	}

	switch op {
	case dataconn.OpClose:
		s.segment.detach()
		return op, true
	case dataconn.OpNull:
		err = dataconn.EncodeNullResponse(frame, dataconn.ErrorCodeNone)
	case dataconn.OpInfo:
		resp := s.handler.Info()
		err = resp.Encode(frame)
	case dataconn.OpConnect:
		// A region serves exactly one provider, there is nothing to select.
		resp := dataconn.ConnectResponse{ErrorCode: dataconn.ErrorCodeNotSupported}
		err = resp.Encode(frame)
	case dataconn.OpRead:
		err = s.handleRead(frame, payload)
	case dataconn.OpWrite:
		err = s.handleWrite(frame, payload)
	case dataconn.OpUnmap, dataconn.OpZero:
		err = s.handleRanges(frame, payload)
	case dataconn.OpSCSI:
		err = s.handleSCSI(frame, payload)
	case dataconn.OpShared:
		err = s.handleShared(frame, payload)
	default:
		err = errors.Newf("unknown opcode %d", uint64(op))
	}
	if err != nil {
		s.reject(frame, op, err)
	}
	return op, false
}

// reject answers a malformed request. Every response except SHARED starts with
// its error code, so the client decodes it whatever frame it expects. SHARED
// reports failures in its result field.
func (s *Server) reject(frame []byte, op dataconn.Opcode, err error) {
	logrus.WithError(err).Warnf("Rejected %v request on %v", op, s.name)
	clear(frame[:dataconn.MaxFrameSize])
	if op == dataconn.OpShared {
		resp := dataconn.SharedResponse{SharedResponse: types.SharedResponse{Result: types.SharedInvalidParameter}}
		_ = resp.Encode(frame)
		return
	}
	_ = dataconn.EncodeNullResponse(frame, dataconn.ErrorCodeInvalid)
}

func (s *Server) handleRead(frame, payload []byte) error {
	var req dataconn.ReadRequest
	if err := req.Decode(frame); err != nil {
		return err
	}
	resp := s.handler.Read(&req, payload)
	return resp.Encode(frame)
}

func (s *Server) handleWrite(frame, payload []byte) error {
	var req dataconn.WriteRequest
	if err := req.Decode(frame); err != nil {
		return err
	}
	if req.Length > uint64(len(payload)) {
		return errors.Newf("write of %d bytes exceeds the payload area", req.Length)
	}
	resp := s.handler.Write(&req, payload[:req.Length])
	return resp.Encode(frame)
}

func (s *Server) handleRanges(frame, payload []byte) error {
	var req dataconn.RangeRequest
	if err := req.Decode(frame); err != nil {
		return err
	}
	if req.Length > uint64(len(payload)) {
		return errors.Newf("range list of %d bytes exceeds the payload area", req.Length)
	}
	ranges, err := dataconn.DecodeRanges(payload[:req.Length])
	if err != nil {
		return err
	}
	resp := s.handler.Ranges(req.Opcode, ranges)
	return resp.Encode(frame)
}

func (s *Server) handleSCSI(frame, payload []byte) error {
	var req dataconn.SCSIRequest
	if err := req.Decode(frame); err != nil {
		return err
	}
	if req.RequestLength > uint64(len(payload)) || req.MaxResponseLength > uint64(len(payload)) {
		return errors.Newf("SCSI transfer of %d/%d bytes exceeds the payload area", req.RequestLength, req.MaxResponseLength)
	}
	// The response data overwrites the payload area.
	in := make([]byte, req.RequestLength)
	copy(in, payload)
	resp, out := s.handler.SCSI(&req, in)
	copy(payload, out)
	return resp.Encode(frame)
}

func (s *Server) handleShared(frame, payload []byte) error {
	req, err := dataconn.DecodeSharedRequest(frame)
	if err != nil {
		return err
	}
	resp, keys := s.handler.Shared(req)
	if limit := len(payload) / 8; len(keys) > limit {
		keys = keys[:limit]
	}
	resp.KeyCount = uint64(len(keys))
	if err := dataconn.EncodeKeys(payload, keys); err != nil {
		return err
	}
	return resp.Encode(frame)
}

// Close releases the beacon first so a waiting client notices right away, then
// waits for Serve to finish before unmapping the region.
func (s *Server) Close() error {
	s.Lock()
	if s.closed {
		s.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.Unlock()

	err := s.beacon.release()
	close(s.stop)
	if started {
		<-s.done
	}
	err = multierr.Append(err, s.segment.close())
	if rerr := os.Remove(s.segment.path); rerr != nil && !os.IsNotExist(rerr) {
		err = multierr.Append(err, rerr)
	}
	if rerr := os.Remove(BeaconPath(s.name)); rerr != nil && !os.IsNotExist(rerr) {
		err = multierr.Append(err, rerr)
	}
	if err != nil {
		logrus.WithError(err).Warnf("Failed to clean up shared memory server %v", s.name)
	}
	return err
}
