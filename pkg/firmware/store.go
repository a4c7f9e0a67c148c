// Package firmware reads and writes UEFI variables in the EFI global
// namespace. Access happens in sessions so that the privilege needed to touch
// firmware variables is acquired once per batch of operations.
package firmware

import (
	"errors"
	"sort"
	"sync"
)

// GlobalVariableGUID is the vendor GUID of the EFI global variables (BootXXXX,
// BootOrder, BootNext).
const GlobalVariableGUID = "8be4df61-93ca-11d2-aa0d-00e098032b8c"

// DefaultAttributes is NON_VOLATILE | BOOTSERVICE_ACCESS | RUNTIME_ACCESS.
const DefaultAttributes uint32 = 0x00000007

// ErrNotFound is returned by Store.Read for a variable that does not exist.
var ErrNotFound = errors.New("firmware variable not found")

// Store accesses variables by name within a privileged session.
type Store interface {
	Read(name string) ([]byte, error)
	Write(name string, data []byte) error
}

// Opener opens privileged sessions.
type Opener interface {
	Session(fn func(Store) error) error
}

// MemoryStore keeps variables in memory.
type MemoryStore struct {
	mu       sync.Mutex
	vars     map[string][]byte
	sessions int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{vars: make(map[string][]byte)}
}

func (m *MemoryStore) Session(fn func(Store) error) error {
	m.mu.Lock()
	m.sessions++
	m.mu.Unlock()
	return fn(m)
}

func (m *MemoryStore) Read(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.vars[name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Write(name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vars[name] = append([]byte(nil), data...)
	return nil
}

// Sessions returns how many sessions were opened.
func (m *MemoryStore) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions
}

// Names lists the stored variable names in sorted order.
func (m *MemoryStore) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.vars))
	for n := range m.vars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
