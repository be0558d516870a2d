package shm

import (
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// The words live in a shared mapping, so the futex calls must not use the
// private flag.
const (
	futexWait = 0
	futexWake = 1
)

var errWaitTimeout = errors.New("event wait timed out")

// event is an auto-reset event on a 32-bit word of the region: set stores 1
// and wakes the waiter, a successful wait consumes the 1.
type event struct {
	word *uint32
}

func (e *event) set() error {
	atomic.StoreUint32(e.word, 1)
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(e.word)), futexWake, math.MaxInt32, 0, 0, 0)
	if errno != 0 {
		return errors.Wrap(errno, "futex wake failed")
	}
	return nil
}

func (e *event) reset() {
	atomic.StoreUint32(e.word, 0)
}

// wait consumes the event, giving up with errWaitTimeout after timeout.
func (e *event) wait(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if atomic.CompareAndSwapUint32(e.word, 1, 0) {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errWaitTimeout
		}
		ts := unix.NsecToTimespec(int64(remaining))
		_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(e.word)), futexWait, 0, uintptr(unsafe.Pointer(&ts)), 0, 0)
		switch errno {
		case 0, unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
		default:
			return errors.Wrap(errno, "futex wait failed")
		}
	}
}
