package dataconn

import (
	"sync"

	"go.uber.org/multierr"
)

// MultiClient spreads requests over several connections to the same export in
// round-robin order. Each connection still carries one request at a time.
type MultiClient struct {
	lock    sync.Mutex
	clients []*Client
	next    int
}

func NewMultiClient(clients []*Client) *MultiClient {
	mc := &MultiClient{
		clients: clients,
	}
	return mc
}

// DialMulti opens count connections to address.
func DialMulti(address string, count int, opts Options) (*MultiClient, error) {
	if count < 1 {
		count = 1
	}
	clients := make([]*Client, 0, count)
	for i := 0; i < count; i++ {
		c, err := Dial(address, opts)
		if err != nil {
			for _, opened := range clients {
				_ = opened.Close()
			}
			return nil, err
		}
		clients = append(clients, c)
	}
	return NewMultiClient(clients), nil
}

func (mc *MultiClient) getNextClient() *Client {
	mc.lock.Lock()
	mc.next = (mc.next + 1) % len(mc.clients)
	index := mc.next
	mc.lock.Unlock()
	return mc.clients[index]
}

func (mc *MultiClient) Size() int64 {
	return mc.clients[0].Info().Size
}

func (mc *MultiClient) ReadAt(buf []byte, offset int64) (int, error) {
	return mc.getNextClient().ReadAt(buf, offset)
}

func (mc *MultiClient) WriteAt(buf []byte, offset int64) (int, error) {
	return mc.getNextClient().WriteAt(buf, offset)
}

func (mc *MultiClient) Close() error {
	var err error
	for _, c := range mc.clients {
		err = multierr.Append(err, c.Close())
	}
	return err
}
