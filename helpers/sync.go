package helpers

import (
	"sync"

	"github.com/temoto/alive/v2"
)

// AliveSub stops leaf when root stops. Returns when either one stops.
func AliveSub(root, leaf *alive.Alive) {
	select {
	case <-root.StopChan():
		leaf.Stop()
	case <-leaf.StopChan():
	}
}

func WithLock(l sync.Locker, f func()) {
	l.Lock()
	f()
	l.Unlock()
}

func WithLockError(l sync.Locker, f func() error) (err error) {
	l.Lock()
	defer l.Unlock()
	err = f()
	return
}

// AtomicError is set at most once, typically with connection close reason.
type AtomicError struct {
	mu  sync.Mutex
	err error
	set bool
}

func (a *AtomicError) Load() (error, bool) {
	a.mu.Lock()
	err, set := a.err, a.set
	a.mu.Unlock()
	return err, set
}

// StoreOnce keeps first stored error. Returns previous state, like Load.
func (a *AtomicError) StoreOnce(e error) (error, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.set {
		return a.err, true
	}
	a.err, a.set = e, true
	return nil, false
}
