package dataconn

import (
	"net"
	"os"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/longhorn/longhorn-devio/pkg/types"
	"github.com/longhorn/longhorn-devio/pkg/util"
)

// DefaultExport is the name of the export a client gets without CONNECT.
const DefaultExport = ""

type export struct {
	id      uint64
	handler *Handler
}

// Server serves providers over stream sockets. Each connection is handled
// serially: one request is read, executed and answered before the next one.
type Server struct {
	sync.RWMutex

	exports  map[string]*export
	nextID   uint64
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	stopped  bool
}

// NewServer creates a server. A non-nil provider becomes the default export.
func NewServer(provider types.Provider) *Server {
	s := &Server{
		exports: map[string]*export{},
		conns:   map[net.Conn]struct{}{},
	}
	if provider != nil {
		s.exports[DefaultExport] = s.newExport(provider)
	}
	return s
}

func (s *Server) newExport(provider types.Provider) *export {
	s.nextID++
	return &export{id: s.nextID, handler: NewHandler(provider)}
}

func (s *Server) AddExport(name string, provider types.Provider) error {
	if len(name) > MaxExportNameLength {
		return types.InvalidArgumentf("export name of %d bytes is too long", len(name))
	}
	s.Lock()
	defer s.Unlock()
	if _, exists := s.exports[name]; exists {
		return errors.Newf("export %q already exists", name)
	}
	s.exports[name] = s.newExport(provider)
	return nil
}

// RemoveExport makes name unavailable to new connections. Connections that
// already selected it keep using it.
func (s *Server) RemoveExport(name string) {
	s.Lock()
	defer s.Unlock()
	delete(s.exports, name)
}

func (s *Server) Exports() []string {
	s.RLock()
	defer s.RUnlock()
	names := make([]string, 0, len(s.exports))
	for name := range s.exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Export returns the provider behind name.
func (s *Server) Export(name string) (types.Provider, bool) {
	s.RLock()
	defer s.RUnlock()
	e, ok := s.exports[name]
	if !ok {
		return nil, false
	}
	return e.handler.Provider(), true
}

func (s *Server) lookup(name string) *export {
	s.RLock()
	defer s.RUnlock()
	return s.exports[name]
}

func (s *Server) ConnectionCount() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.conns)
}

// Listen binds address, which is "host:port", "tcp://host:port" or
// "unix:///path". A stale unix socket file is removed first.
func Listen(address string) (net.Listener, error) {
	network, addr, err := util.ParseAddress(address)
	if err != nil {
		return nil, types.InvalidArgumentf("%v", err)
	}
	if network == "unix" {
		if st, err := os.Stat(addr); err == nil && !st.IsDir() {
			if err := os.Remove(addr); err != nil {
				return nil, errors.Wrapf(err, "failed to remove stale socket %v", addr)
			}
		}
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %v", address)
	}
	return ln, nil
}

func (s *Server) ListenAndServe(address string) error {
	ln, err := Listen(address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	s.Lock()
	if s.stopped {
		s.Unlock()
		_ = ln.Close()
		return net.ErrClosed
	}
	s.listener = ln
	s.Unlock()

	logrus.Infof("Listening on %v", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isStopped() {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logrus.WithError(err).Warn("Failed to accept connection, retrying")
				continue
			}
			return errors.Wrap(err, "failed to accept connection")
		}

		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			if err := s.ServeConn(conn); err != nil {
				logrus.WithError(err).Errorf("Failed to serve connection from %v", conn.RemoteAddr())
			}
		}()
	}
}

func (s *Server) isStopped() bool {
	s.RLock()
	defer s.RUnlock()
	return s.stopped
}

// Healthy reports whether the server is accepting connections.
func (s *Server) Healthy() error {
	s.RLock()
	defer s.RUnlock()
	if s.stopped {
		return errors.New("data server is stopped")
	}
	if s.listener == nil {
		return errors.New("data server is not listening")
	}
	return nil
}

func (s *Server) track(conn net.Conn) bool {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.Lock()
	defer s.Unlock()
	delete(s.conns, conn)
}

// Stop closes the listener and every open connection, then waits for the
// connection handlers to return.
func (s *Server) Stop() {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	s.stopped = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.Unlock()

	s.wg.Wait()
	logrus.Info("Data server stopped")
}

// ServeConn runs the request loop of one connection and closes it on return.
// A client closing the connection, or sending CLOSE, ends the loop without an
// error.
func (s *Server) ServeConn(conn net.Conn) error {
	sc := &serverConn{
		wire:   NewWire(conn, 0),
		frame:  make([]byte, MaxFrameSize),
		export: s.lookup(DefaultExport),
		server: s,
	}
	defer sc.wire.Close()

	logrus.Debugf("New data connection from %v", sc.wire.RemoteAddr())
	err := sc.loop()
	if types.IsDisconnect(err) {
		logrus.Debugf("Data connection from %v closed", sc.wire.RemoteAddr())
		return nil
	}
	return err
}

type serverConn struct {
	wire    *Wire
	frame   []byte
	payload []byte
	export  *export
	server  *Server
}

func (sc *serverConn) buffer(size uint64) []byte {
	if uint64(cap(sc.payload)) < size {
		sc.payload = make([]byte, size)
	}
	return sc.payload[:size]
}

type encoder interface {
	Encode(buf []byte) error
}

func (sc *serverConn) respond(frame encoder, size int, payload ...[]byte) error {
	if err := frame.Encode(sc.frame); err != nil {
		return err
	}
	return sc.wire.Send(sc.frame[:size], payload...)
}

func (sc *serverConn) loop() error {
	for {
		if err := sc.wire.Receive(sc.frame[:RequestHeaderSize]); err != nil {
			return err
		}
		op, err := PeekOpcode(sc.frame)
		if err != nil {
			return err
		}
		size := RequestSize(op)
		if size == 0 {
			return errors.Newf("unknown opcode %d from %v", uint64(op), sc.wire.RemoteAddr())
		}
		if err := sc.wire.Receive(sc.frame[RequestHeaderSize:size]); err != nil {
			return err
		}

		switch op {
		case OpClose:
			return nil
		case OpNull:
			err = sc.handleNull()
		case OpInfo:
			err = sc.handleInfo()
		case OpConnect:
			err = sc.handleConnect()
		case OpRead:
			err = sc.handleRead()
		case OpWrite:
			err = sc.handleWrite()
		case OpUnmap, OpZero:
			err = sc.handleRanges()
		case OpSCSI:
			err = sc.handleSCSI()
		case OpShared:
			err = sc.handleShared()
		}
		if err != nil {
			return err
		}
	}
}

func (sc *serverConn) handleNull() error {
	if err := EncodeNullResponse(sc.frame, ErrorCodeNone); err != nil {
		return err
	}
	return sc.wire.Send(sc.frame[:NullResponseSize])
}

func (sc *serverConn) handleInfo() error {
	if sc.export == nil {
		return sc.respond(&InfoResponse{ErrorCode: ErrorCodeNoDevice}, InfoResponseSize)
	}
	resp := sc.export.handler.Info()
	return sc.respond(&resp, InfoResponseSize)
}

func (sc *serverConn) handleConnect() error {
	var req ConnectRequest
	if err := req.Decode(sc.frame); err != nil {
		return err
	}
	if req.Length > MaxExportNameLength {
		return errors.Newf("export name of %d bytes from %v is too long", req.Length, sc.wire.RemoteAddr())
	}
	name := make([]byte, req.Length)
	if err := sc.wire.Receive(name); err != nil {
		return err
	}
	e := sc.server.lookup(string(name))
	if e == nil {
		logrus.Warnf("Client %v asked for unknown export %q", sc.wire.RemoteAddr(), name)
		return sc.respond(&ConnectResponse{ErrorCode: ErrorCodeNoDevice}, ConnectResponseSize)
	}
	sc.export = e
	return sc.respond(&ConnectResponse{ObjectID: e.id}, ConnectResponseSize)
}

func (sc *serverConn) handleRead() error {
	var req ReadRequest
	if err := req.Decode(sc.frame); err != nil {
		return err
	}
	if req.Length > types.MaxTransferSize {
		return errors.Newf("read of %d bytes from %v exceeds the transfer limit", req.Length, sc.wire.RemoteAddr())
	}
	if sc.export == nil {
		return sc.respond(&ReadResponse{ErrorCode: ErrorCodeNoDevice}, ReadResponseSize)
	}
	buf := sc.buffer(req.Length)
	resp := sc.export.handler.Read(&req, buf)
	return sc.respond(&resp, ReadResponseSize, buf[:resp.Length])
}

func (sc *serverConn) handleWrite() error {
	var req WriteRequest
	if err := req.Decode(sc.frame); err != nil {
		return err
	}
	if req.Length > types.MaxTransferSize {
		return errors.Newf("write of %d bytes from %v exceeds the transfer limit", req.Length, sc.wire.RemoteAddr())
	}
	payload := sc.buffer(req.Length)
	if err := sc.wire.Receive(payload); err != nil {
		return err
	}
	if sc.export == nil {
		return sc.respond(&WriteResponse{ErrorCode: ErrorCodeNoDevice}, WriteResponseSize)
	}
	resp := sc.export.handler.Write(&req, payload)
	return sc.respond(&resp, WriteResponseSize)
}

func (sc *serverConn) handleRanges() error {
	var req RangeRequest
	if err := req.Decode(sc.frame); err != nil {
		return err
	}
	if req.Length > MaxRanges*RangeSize {
		return errors.Newf("%v request from %v carries %d bytes of ranges", req.Opcode, sc.wire.RemoteAddr(), req.Length)
	}
	payload := sc.buffer(req.Length)
	if err := sc.wire.Receive(payload); err != nil {
		return err
	}
	if sc.export == nil {
		return sc.respond(&RangeResponse{ErrorCode: ErrorCodeNoDevice}, RangeResponseSize)
	}
	ranges, err := DecodeRanges(payload)
	if err != nil {
		return sc.respond(&RangeResponse{ErrorCode: ErrorCodeInvalid}, RangeResponseSize)
	}
	resp := sc.export.handler.Ranges(req.Opcode, ranges)
	return sc.respond(&resp, RangeResponseSize)
}

func (sc *serverConn) handleSCSI() error {
	var req SCSIRequest
	if err := req.Decode(sc.frame); err != nil {
		return err
	}
	if req.RequestLength > types.MaxTransferSize || req.MaxResponseLength > types.MaxTransferSize {
		return errors.Newf("SCSI transfer from %v exceeds the transfer limit", sc.wire.RemoteAddr())
	}
	in := sc.buffer(req.RequestLength)
	if err := sc.wire.Receive(in); err != nil {
		return err
	}
	if sc.export == nil {
		return sc.respond(&SCSIResponse{ErrorCode: ErrorCodeNoDevice}, SCSIResponseSize)
	}
	resp, out := sc.export.handler.SCSI(&req, in)
	return sc.respond(&resp, SCSIResponseSize, out)
}

func (sc *serverConn) handleShared() error {
	req, err := DecodeSharedRequest(sc.frame)
	if err != nil {
		return err
	}
	if sc.export == nil {
		resp := SharedResponse{SharedResponse: types.SharedResponse{Result: types.SharedIOError}}
		return sc.respond(&resp, SharedResponseSize)
	}
	resp, keys := sc.export.handler.Shared(req)
	payload := sc.buffer(uint64(len(keys)) * fieldSize)
	if err := EncodeKeys(payload, keys); err != nil {
		return err
	}
	return sc.respond(&resp, SharedResponseSize, payload)
}
