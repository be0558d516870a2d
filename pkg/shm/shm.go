// Package shm serves a provider to one client process on the same machine
// through a memory mapped region.
//
// The region of a device called name lives at /dev/shm/devio-<name>, or in the
// temporary directory when /dev/shm is missing. It has three parts: a control
// page holding the magic, version, payload size, process ids, the request
// and response event words and their sequence numbers; one page for the frame of the current request or
// response; and the payload area. The server holds an exclusive lock on
// <region>.lock while it lives. Clients take a shared lock on it to check
// liveness and treat an acquirable lock as the server having exited.
//
// Every request carries a sequence number that the server echoes next to the
// response, so a client never consumes the answer to an earlier request. A
// client that gives up on a request marks the region abandoned and the server
// frees it for the next client once that request is done.
package shm

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/longhorn/longhorn-devio/pkg/types"
)

const (
	// RegionVersion is the layout version written to the control page.
	RegionVersion = 2

	regionPrefix = "devio-"
	beaconSuffix = ".lock"

	DefaultBufferSize   = 4 << 20
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
)

// ErrUnsupported is returned on platforms without shared memory support.
var ErrUnsupported = errors.Wrap(types.ErrNotSupported, "shared memory transport is only available on linux")

// Options configures a client.
type Options struct {
	// Timeout bounds the wait for each response. Zero selects DefaultTimeout,
	// a negative value waits as long as the server is alive.
	Timeout time.Duration
	// PollInterval is how often a waiting client checks that the server is
	// still alive. Defaults to DefaultPollInterval.
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

type ServerOptions struct {
	// BufferSize is the size of the payload area, which bounds a single
	// transfer. Defaults to DefaultBufferSize.
	BufferSize int
	// PollInterval is how often a waiting server checks for cancellation.
	PollInterval time.Duration
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\x00") {
		return types.InvalidArgumentf("invalid shared memory name %q", name)
	}
	return nil
}

// RegionPath returns the file backing the region of name.
func RegionPath(name string) string {
	if st, err := os.Stat("/dev/shm"); err == nil && st.IsDir() {
		return filepath.Join("/dev/shm", regionPrefix+name)
	}
	return filepath.Join(os.TempDir(), regionPrefix+name)
}

// BeaconPath returns the lock file the server of name holds.
func BeaconPath(name string) string {
	return RegionPath(name) + beaconSuffix
}
