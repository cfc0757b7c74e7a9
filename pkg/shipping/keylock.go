package shipping

import "sync"

// keyLocks hands out one mutex per shipment key. Entries live as long as
// somebody holds or waits for them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[ShippingKey]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[ShippingKey]*keyLock)}
}

// lock blocks until the lock of key is held and returns its release func
func (k *keyLocks) lock(key ShippingKey) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyLocks) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
