package instance

import "sync"

// KeyedMutex serializes mutators per instance id. Any sequence of
// "read current status, act, persist new status" must run inside the lock
// for that id; operations on distinct ids never contend.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex returns an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the mutex for id, creating it on first use.
func (k *KeyedMutex) Lock(id string) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &keyedLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases the mutex for id and frees it once nobody is waiting.
func (k *KeyedMutex) Unlock(id string) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		k.mu.Unlock()
		panic("instance: unlock of unheld key " + id)
	}
	l.refs--
	if l.refs == 0 {
		delete(k.locks, id)
	}
	k.mu.Unlock()

	l.mu.Unlock()
}
