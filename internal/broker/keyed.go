package broker

import "sync"

// keyedMutex serializes operations per backing file while letting requests
// for distinct files proceed concurrently. Entries are reference-counted
// and removed when the last holder unlocks, so the map does not grow with
// the history of backing files seen.
type keyedMutex struct {
	mu   sync.Mutex
	keys map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{keys: make(map[string]*keyEntry)}
}

func (k *keyedMutex) lock(key string) {
	k.mu.Lock()
	e, ok := k.keys[key]
	if !ok {
		e = &keyEntry{}
		k.keys[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

func (k *keyedMutex) unlock(key string) {
	k.mu.Lock()
	e := k.keys[key]
	e.refs--
	if e.refs == 0 {
		delete(k.keys, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}
