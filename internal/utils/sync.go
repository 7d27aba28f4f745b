package utils

import (
	"sync"
)

// OptionalMutex is a sync.Mutex that becomes a no-op when the owner was created as externally
// synchronized. The zero value does not lock; call Enable before first use.
type OptionalMutex struct {
	mutex   sync.Mutex
	enabled bool
}

func (m *OptionalMutex) Enable(enabled bool) {
	m.enabled = enabled
}

func (m *OptionalMutex) Lock() {
	if m.enabled {
		m.mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.enabled {
		m.mutex.Unlock()
	}
}

// OptionalRWMutex is the reader/writer counterpart of OptionalMutex
type OptionalRWMutex struct {
	mutex   sync.RWMutex
	enabled bool
}

func (m *OptionalRWMutex) Enable(enabled bool) {
	m.enabled = enabled
}

func (m *OptionalRWMutex) Lock() {
	if m.enabled {
		m.mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.enabled {
		m.mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.enabled {
		m.mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.enabled {
		m.mutex.RUnlock()
	}
}
