package nbd

import (
	"net"
	"sync"

	"github.com/cockroachdb/errors"
	nbd "github.com/pojntfx/go-nbd/pkg/server"
	"github.com/sirupsen/logrus"

	"github.com/longhorn/longhorn-devio/pkg/dataconn"
	"github.com/longhorn/longhorn-devio/pkg/types"
)

const (
	frontendName = "nbd"

	DefaultBlockSize = 4096
)

// Frontend serves a provider to standard NBD clients, such as nbd-client or
// qemu-nbd, on a unix or tcp socket.
type Frontend struct {
	sync.Mutex

	name      string
	provider  types.Provider
	blockSize uint32

	listener net.Listener
	clients  int
	wg       sync.WaitGroup
	isUp     bool
}

func New(name string, provider types.Provider, blockSize uint32) *Frontend {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	return &Frontend{
		name:      name,
		provider:  provider,
		blockSize: blockSize,
	}
}

func (f *Frontend) FrontendName() string {
	return frontendName
}

// Startup listens on address and accepts clients in the background.
func (f *Frontend) Startup(address string) error {
	ln, err := dataconn.Listen(address)
	if err != nil {
		return err
	}
	go func() {
		if err := f.Serve(ln); err != nil {
			logrus.WithError(err).Errorf("NBD frontend for %v stopped", f.name)
		}
	}()
	return nil
}

// Serve accepts NBD connections on ln until Shutdown.
func (f *Frontend) Serve(ln net.Listener) error {
	f.Lock()
	if f.isUp {
		f.Unlock()
		return errors.Newf("NBD frontend for %v is already up", f.name)
	}
	f.listener = ln
	f.isUp = true
	f.Unlock()

	logrus.Infof("NBD frontend for %v listening on %v", f.name, ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if f.State() != types.StateUp {
				return nil
			}
			return errors.Wrap(err, "failed to accept nbd connection")
		}

		f.Lock()
		f.clients++
		logrus.Infof("%v clients connected", f.clients)
		f.Unlock()

		f.wg.Add(1)
		go f.handleServerConnection(conn)
	}
}

func (f *Frontend) handleServerConnection(conn net.Conn) {
	defer func() {
		conn.Close()

		f.Lock()
		f.clients--
		logrus.Infof("%v clients connected", f.clients)
		f.Unlock()
		f.wg.Done()

		if err := recover(); err != nil {
			logrus.Infof("Client disconnected with error: %v", err)
		}
	}()

	if err := nbd.Handle(
		conn,
		[]*nbd.Export{
			{
				Name:        f.name,
				Description: "devio provider " + f.name,
				Backend:     NewBackend(f.provider),
			},
		},
		&nbd.Options{
			ReadOnly:           !f.provider.CanWrite(),
			MinimumBlockSize:   f.provider.SectorSize(),
			PreferredBlockSize: f.blockSize,
			MaximumBlockSize:   types.MaxTransferSize,
		}); err != nil && !types.IsDisconnect(err) {
		logrus.WithError(err).Errorf("Failed to handle nbd connection")
	}
}

// Shutdown closes the listener. Connected clients are served until they
// disconnect.
func (f *Frontend) Shutdown() error {
	f.Lock()
	if !f.isUp {
		f.Unlock()
		return nil
	}
	f.isUp = false
	err := f.listener.Close()
	f.Unlock()

	logrus.Warnf("Shutting down nbd frontend for %v", f.name)
	return errors.Wrap(err, "failed to close nbd listener")
}

// Wait blocks until every connected client is gone.
func (f *Frontend) Wait() {
	f.wg.Wait()
}

func (f *Frontend) State() types.State {
	f.Lock()
	defer f.Unlock()
	if f.isUp {
		return types.StateUp
	}
	return types.StateDown
}

func (f *Frontend) Endpoint() string {
	f.Lock()
	defer f.Unlock()
	if f.isUp {
		return f.listener.Addr().String()
	}
	return ""
}

func (f *Frontend) Clients() int {
	f.Lock()
	defer f.Unlock()
	return f.clients
}

type syncer interface {
	Sync() error
}

// Backend adapts a provider to the go-nbd backend interface.
type Backend struct {
	provider types.Provider
}

func NewBackend(provider types.Provider) *Backend {
	return &Backend{provider: provider}
}

// ReadAt fills p completely. NBD clients expect whole blocks, so the part past
// the end of the provider reads as zeros.
func (b *Backend) ReadAt(p []byte, off int64) (int, error) {
	n, err := b.provider.ReadAt(p, off)
	if err != nil {
		return n, err
	}
	clear(p[n:])
	return len(p), nil
}

func (b *Backend) WriteAt(p []byte, off int64) (int, error) {
	return b.provider.WriteAt(p, off)
}

func (b *Backend) Size() (int64, error) {
	return b.provider.Length(), nil
}

func (b *Backend) Sync() error {
	if s, ok := b.provider.(syncer); ok {
		return s.Sync()
	}
	return nil
}
