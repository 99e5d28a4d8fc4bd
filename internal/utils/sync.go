package utils

import (
	"sync"
)

// OptionalMutex is a mutex that can be switched off at construction time. Allocator state that can be
// reached from several goroutines needs the lock, but a consumer driving an allocator from a single
// bootstrap goroutine can skip the locking cost entirely.
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}
