package utils

import (
	"sync"
)

var _ sync.Locker = (*OptionalRWMutex)(nil)

// OptionalRWMutex is a sync.RWMutex that can be switched off for owners that are externally
// synchronized. UseMutex must not change once the mutex is in use.
type OptionalRWMutex struct {
	UseMutex bool

	mutex sync.RWMutex
}

// Lock takes the write lock, or does nothing if UseMutex is false
func (m *OptionalRWMutex) Lock() {
	if m.UseMutex {
		m.mutex.Lock()
	}
}

// Unlock releases the write lock taken by Lock
func (m *OptionalRWMutex) Unlock() {
	if m.UseMutex {
		m.mutex.Unlock()
	}
}

// RLock takes a read lock, or does nothing if UseMutex is false
func (m *OptionalRWMutex) RLock() {
	if m.UseMutex {
		m.mutex.RLock()
	}
}

// RUnlock releases a read lock taken by RLock
func (m *OptionalRWMutex) RUnlock() {
	if m.UseMutex {
		m.mutex.RUnlock()
	}
}
