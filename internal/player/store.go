package player

import (
	"sort"
	"sync"
)

// StoredGroup is the persisted form of a group. Permissions are stored
// by name so the bit layout can change without migrating files.
type StoredGroup struct {
	ID          uint8    `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Permissions []string `json:"permissions" yaml:"permissions"`
	Default     bool     `json:"default,omitempty" yaml:"default,omitempty"`
}

// StoredUser associates a key hash with a group.
type StoredUser struct {
	KeyHash string `json:"key_hash" yaml:"key_hash"`
	Name    string `json:"name" yaml:"name"`
	GroupID uint8  `json:"group" yaml:"group"`
	Banned  bool   `json:"banned,omitempty" yaml:"banned,omitempty"`
}

// Store persists groups and per-key data.
type Store interface {
	LoadGroups() ([]StoredGroup, error)
	SaveGroups(groups []StoredGroup) error

	LookupUser(keyHash string) (StoredUser, bool, error)
	SaveUser(user StoredUser) error
	Users() ([]StoredUser, error)

	Close() error
}

// MemoryStore keeps everything in memory.
type MemoryStore struct {
	mu     sync.Mutex
	groups []StoredGroup
	users  map[string]StoredUser
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]StoredUser)}
}

func (m *MemoryStore) LoadGroups() ([]StoredGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StoredGroup, len(m.groups))
	copy(out, m.groups)
	return out, nil
}

func (m *MemoryStore) SaveGroups(groups []StoredGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = make([]StoredGroup, len(groups))
	copy(m.groups, groups)
	return nil
}

func (m *MemoryStore) LookupUser(keyHash string) (StoredUser, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[keyHash]
	return u, ok, nil
}

func (m *MemoryStore) SaveUser(user StoredUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.KeyHash] = user
	return nil
}

func (m *MemoryStore) Users() ([]StoredUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StoredUser, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyHash < out[j].KeyHash })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
