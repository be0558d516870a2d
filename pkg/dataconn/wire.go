package dataconn

import (
	"bufio"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/longhorn/longhorn-devio/pkg/types"
)

const (
	writeBufferSize = 8096
	readBufferSize  = 8096
)

// Wire moves frames over one stream connection. Every call of Send reaches the
// socket in a single flush so a WRITE header and its payload travel together.
type Wire struct {
	conn    net.Conn
	writer  *bufio.Writer
	reader  *bufio.Reader
	timeout time.Duration
}

func NewWire(conn net.Conn, timeout time.Duration) *Wire {
	return &Wire{
		conn:    conn,
		writer:  bufio.NewWriterSize(conn, writeBufferSize),
		reader:  bufio.NewReaderSize(conn, readBufferSize),
		timeout: timeout,
	}
}

// Send writes frame followed by the optional payload and flushes once.
func (w *Wire) Send(frame []byte, payload ...[]byte) error {
	if w.timeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return classify(err, "set write deadline")
		}
	}
	if _, err := w.writer.Write(frame); err != nil {
		return classify(err, "write frame")
	}
	for _, p := range payload {
		if len(p) == 0 {
			continue
		}
		if _, err := w.writer.Write(p); err != nil {
			return classify(err, "write payload")
		}
	}
	return classify(w.writer.Flush(), "flush")
}

// Receive reads exactly len(buf) bytes.
func (w *Wire) Receive(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if w.timeout > 0 {
		if err := w.conn.SetReadDeadline(time.Now().Add(w.timeout)); err != nil {
			return classify(err, "set read deadline")
		}
	}
	_, err := io.ReadFull(w.reader, buf)
	return classify(err, "read")
}

// Discard drops n incoming bytes, used to resynchronize after rejecting a
// request whose payload was already sent.
func (w *Wire) Discard(n int64) error {
	_, err := io.CopyN(io.Discard, w.reader, n)
	return classify(err, "discard")
}

func (w *Wire) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

// Close shuts down the write side so the peer sees EOF, then closes the socket.
func (w *Wire) Close() error {
	if cw, ok := w.conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	return w.conn.Close()
}

// classify sorts connection errors into disconnects and timeouts.
func classify(err error, action string) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return errors.Mark(errors.Wrapf(err, "failed to %v", action), types.ErrTimeout)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNABORTED):
		return types.Disconnected(err, "failed to %v", action)
	}
	return errors.Wrapf(err, "failed to %v", action)
}
