package types

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrProtocolDisconnect is returned when the remote peer exited or the
	// connection dropped in the middle of an operation. Callers must reconnect.
	ErrProtocolDisconnect = errors.New("peer disconnected")

	// ErrShortTransfer is returned when a WRITE transferred fewer bytes than requested.
	ErrShortTransfer = errors.New("short transfer")

	ErrInvalidArgument  = errors.New("invalid argument")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotSupported     = errors.New("operation not supported")
	ErrTimeout          = errors.New("operation timed out")
	ErrIO               = errors.New("I/O error")

	// ErrShortFrame marks frames that cannot be decoded: a buffer shorter than
	// the fixed frame size, or a frame carrying an unexpected opcode.
	ErrShortFrame = errors.New("frame buffer too short")
)

// RemoteIOError carries a non-zero error code reported by the remote peer in a
// response frame.
type RemoteIOError struct {
	Op   string
	Code uint64
}

func (e *RemoteIOError) Error() string {
	return fmt.Sprintf("remote %v failed with error code %d", e.Op, e.Code)
}

// IsDisconnect reports whether err means the peer is gone.
func IsDisconnect(err error) bool {
	return errors.Is(err, ErrProtocolDisconnect)
}

// IsRemoteIO returns the remote error code carried by err, if any.
func IsRemoteIO(err error) (uint64, bool) {
	var rerr *RemoteIOError
	if errors.As(err, &rerr) {
		return rerr.Code, true
	}
	return 0, false
}

// Disconnected classifies cause as a protocol disconnect while keeping it
// reachable through errors.Is.
func Disconnected(cause error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(cause, format, args...), ErrProtocolDisconnect)
}

func InvalidArgumentf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}
