package provider

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Lifecycle delivers the disposing and disposed events of a provider. Each
// event fires once, disposing before teardown and disposed after it.
type Lifecycle struct {
	lock      sync.Mutex
	disposing []func()
	disposed  []func()
	done      bool
	teardown  sync.Once
	err       error
}

func (l *Lifecycle) OnDisposing(f func()) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.disposing = append(l.disposing, f)
}

func (l *Lifecycle) OnDisposed(f func()) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.disposed = append(l.disposed, f)
}

// Disposed reports whether teardown already ran.
func (l *Lifecycle) Disposed() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.done
}

// dispose runs teardown between the two events. Later calls return the result
// of the first one.
func (l *Lifecycle) dispose(teardown func() error) error {
	l.teardown.Do(func() {
		l.lock.Lock()
		disposing := l.disposing
		l.disposing = nil
		l.lock.Unlock()
		fire(disposing)

		l.err = teardown()
		if l.err != nil {
			logrus.WithError(l.err).Warn("Failed to tear down provider")
		}

		l.lock.Lock()
		l.done = true
		disposed := l.disposed
		l.disposed = nil
		l.lock.Unlock()
		fire(disposed)
	})
	return l.err
}

func fire(handlers []func()) {
	for _, h := range handlers {
		h()
	}
}
