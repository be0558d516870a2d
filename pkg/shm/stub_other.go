//go:build !linux

package shm

import (
	"context"

	"github.com/longhorn/longhorn-devio/pkg/types"
)

type Client struct{}

func Dial(name string, opts Options) (*Client, error) {
	return nil, ErrUnsupported
}

func (c *Client) Info() types.Info {
	return types.Info{}
}

func (c *Client) BufferSize() int {
	return 0
}

func (c *Client) ReadAt(p []byte, off int64) (int, error) {
	return 0, ErrUnsupported
}

func (c *Client) WriteAt(p []byte, off int64) (int, error) {
	return 0, ErrUnsupported
}

func (c *Client) Unmap(ranges []types.Range) error {
	return ErrUnsupported
}

func (c *Client) Zero(ranges []types.Range) error {
	return ErrUnsupported
}

func (c *Client) SCSI(cdb [16]byte, in []byte, maxResponse int) ([]byte, error) {
	return nil, ErrUnsupported
}

func (c *Client) SharedKeys(req *types.SharedRequest) (*types.SharedResponse, []uint64, error) {
	return &types.SharedResponse{Result: types.SharedIOError}, nil, ErrUnsupported
}

func (c *Client) Ping() error {
	return ErrUnsupported
}

func (c *Client) Close() error {
	return nil
}

type Server struct{}

func NewServer(name string, provider types.Provider, opts ServerOptions) (*Server, error) {
	return nil, ErrUnsupported
}

func (s *Server) Name() string {
	return ""
}

func (s *Server) Serve(ctx context.Context) error {
	return ErrUnsupported
}

func (s *Server) Close() error {
	return nil
}
