package devio

import (
	"strings"
	"time"

	"github.com/longhorn/longhorn-devio/pkg/dataconn"
	"github.com/longhorn/longhorn-devio/pkg/shm"
)

const shmScheme = "shm://"

// DialOptions configures Open for every transport.
type DialOptions struct {
	// Timeout bounds each request. Zero selects the transport default.
	Timeout time.Duration
	// ExportName selects a named export of a stream server.
	ExportName string
}

// Open connects to a device. address is "shm://<name>" for a shared memory
// server on this machine, otherwise a stream server address such as
// "tcp://host:port", "unix:///path" or "host:port".
func Open(address string, opts DialOptions) (*Stream, error) {
	if name, ok := strings.CutPrefix(address, shmScheme); ok {
		client, err := shm.Dial(name, shm.Options{Timeout: opts.Timeout})
		if err != nil {
			return nil, err
		}
		return NewStream(client), nil
	}

	client, err := dataconn.Dial(address, dataconn.Options{
		Timeout:    opts.Timeout,
		ExportName: opts.ExportName,
	})
	if err != nil {
		return nil, err
	}
	return NewStream(client), nil
}
