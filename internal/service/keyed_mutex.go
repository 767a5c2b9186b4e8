package service

import "sync"

// keyedMutex serializes operations sharing a string key: expansion and
// conflict-checked writes per template id, rotation per session id.
type keyedMutex struct {
	locks sync.Map
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{}
}

// Lock acquires the mutex for key and returns its unlock func.
func (m *keyedMutex) Lock(key string) func() {
	value, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
