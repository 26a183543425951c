package cache

import (
	"fmt"
	"sync"

	"github.com/gofrs/flock"
)

// keyLocks serializes writers per key: a mutex within the process and a
// flock file across processes.
type keyLocks struct {
	mu sync.Map
}

func newKeyLocks() *keyLocks {
	return &keyLocks{}
}

func (k *keyLocks) mutex(key string) *sync.Mutex {
	m, _ := k.mu.LoadOrStore(key, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (k *keyLocks) lock(key, path string) (func(), error) {
	m := k.mutex(key)
	m.Lock()
	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		m.Unlock()
		return nil, fmt.Errorf("lock cache key %s: %w", key, err)
	}
	return func() {
		_ = fl.Unlock()
		m.Unlock()
	}, nil
}

// tryLock acquires both locks without blocking.
func (k *keyLocks) tryLock(key, path string) (func(), bool) {
	m := k.mutex(key)
	if !m.TryLock() {
		return nil, false
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil || !ok {
		m.Unlock()
		return nil, false
	}
	return func() {
		_ = fl.Unlock()
		m.Unlock()
	}, true
}
