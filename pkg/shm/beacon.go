package shm

import (
	"context"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
)

// beacon is the liveness lock of a server. The kernel drops it when the
// server process exits, however that happens.
type beacon struct {
	lock *flock.Flock
}

// Liveness checks hold the beacon briefly, so taking it is retried for a
// while before another server is assumed to own it.
const (
	beaconGrace = time.Second
	beaconRetry = 10 * time.Millisecond
)

func holdBeacon(path string) (*beacon, error) {
	ctx, cancel := context.WithTimeout(context.Background(), beaconGrace)
	defer cancel()

	lock := flock.New(path)
	locked, err := lock.TryLockContext(ctx, beaconRetry)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, errors.Wrapf(err, "failed to lock %v", path)
	}
	if !locked {
		return nil, errors.Newf("%v is held by another server", path)
	}
	return &beacon{lock: lock}, nil
}

func (b *beacon) release() error {
	if err := b.lock.Unlock(); err != nil {
		return errors.Wrapf(err, "failed to unlock %v", b.lock.Path())
	}
	return nil
}

// serverAlive reports whether a server holds the beacon at path. The check
// takes a shared lock, so concurrent checks never report each other as a
// server.
func serverAlive(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to stat %v", path)
	}
	check := flock.New(path)
	locked, err := check.TryRLock()
	if err != nil {
		return false, errors.Wrapf(err, "failed to check %v", path)
	}
	if !locked {
		return true, nil
	}
	_ = check.Unlock()
	return false, nil
}
