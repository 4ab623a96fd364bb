package terminal

import (
	"fmt"
	"sync"
)

// KeyStore is the secure key store collaborator. The terminal only tracks the
// backend-assigned PIN key identifier and hands rotated material to the
// store; the actual PIN-block encryption happens in the pad hardware.
type KeyStore interface {
	// ActivePinKeyID returns the identifier of the current PIN key in
	// session-key mode; empty in DUKPT mode.
	ActivePinKeyID() string
	// StorePinKey persists rotated key material under id. kcv is the key
	// check value reported by the backend.
	StorePinKey(id string, material []byte, kcv string) error
}

// MemoryKeyStore is the default store used without an HSM. Material is kept
// only for the lifetime of the process.
type MemoryKeyStore struct {
	mu       sync.RWMutex
	activeID string
	keys     map[string][]byte
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string][]byte)}
}

func (s *MemoryKeyStore) ActivePinKeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

func (s *MemoryKeyStore) StorePinKey(id string, material []byte, kcv string) error {
	if id == "" {
		return fmt.Errorf("key id is required")
	}
	if len(material) == 0 {
		return fmt.Errorf("key material is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(material))
	copy(cp, material)
	s.keys[id] = cp
	s.activeID = id
	return nil
}
