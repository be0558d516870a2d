package devio

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/longhorn/longhorn-devio/pkg/types"
)

// LocalChannel calls a provider in the same process.
type LocalChannel struct {
	provider types.Provider
	owned    bool
	close    sync.Once
	err      error
}

// NewLocalChannel wraps provider. An owned provider is closed with the channel.
func NewLocalChannel(provider types.Provider, owned bool) *LocalChannel {
	return &LocalChannel{provider: provider, owned: owned}
}

func (l *LocalChannel) Provider() types.Provider {
	return l.provider
}

func (l *LocalChannel) Info() types.Info {
	return types.Info{
		Size:      l.provider.Length(),
		Alignment: 1,
		Flags:     types.FlagsFor(l.provider),
	}
}

func (l *LocalChannel) ReadAt(p []byte, off int64) (int, error) {
	return l.provider.ReadAt(p, off)
}

func (l *LocalChannel) WriteAt(p []byte, off int64) (int, error) {
	if !l.provider.CanWrite() {
		return 0, errors.Wrap(types.ErrPermissionDenied, "provider is read-only")
	}
	return l.provider.WriteAt(p, off)
}

func (l *LocalChannel) Unmap(ranges []types.Range) error {
	unmapper, ok := l.provider.(types.UnmapperAt)
	if !ok {
		return errors.Wrap(types.ErrNotSupported, "provider does not support unmap")
	}
	for _, r := range ranges {
		if r.Offset < 0 || r.Length < 0 {
			return types.InvalidArgumentf("negative unmap range %+v", r)
		}
		for r.Length > 0 {
			chunk := min(r.Length, 1<<30)
			if _, err := unmapper.UnmapAt(uint32(chunk), r.Offset); err != nil {
				return err
			}
			r.Offset += chunk
			r.Length -= chunk
		}
	}
	return nil
}

func (l *LocalChannel) Zero(ranges []types.Range) error {
	zeroer, ok := l.provider.(types.ZeroerAt)
	if !ok {
		return errors.Wrap(types.ErrNotSupported, "provider does not support zero")
	}
	for _, r := range ranges {
		if err := zeroer.ZeroAt(r.Offset, r.Length); err != nil {
			return err
		}
	}
	return nil
}

func (l *LocalChannel) SharedKeys(req *types.SharedRequest) (*types.SharedResponse, []uint64, error) {
	resp, keys := l.provider.SharedKeys(req)
	return resp, keys, nil
}

// Close disposes an owned provider. There is no peer to notify.
func (l *LocalChannel) Close() error {
	l.close.Do(func() {
		if l.owned {
			l.err = l.provider.Close()
		}
	})
	return l.err
}
