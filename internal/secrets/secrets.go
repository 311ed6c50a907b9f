// Package secrets stores the forge auth token in the host platform secret
// store. When no secret store is available, tokens live only in process
// memory for the session; nothing is ever written to disk in plaintext.
package secrets

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

// ErrUnavailable marks a secret-store operation the platform rejected.
var ErrUnavailable = errors.New("platform secret store unavailable")

// Keeper is the minimal token storage surface.
type Keeper interface {
	// GetToken returns the stored token, or "" when none is stored.
	GetToken(service string) (string, error)
	SetToken(service, token string) error
	EraseToken(service string) error
}

// keyringUser is the account name used within the platform secret store.
const keyringUser = "git-archiver"

// KeyringKeeper stores tokens in the OS secret store.
type KeyringKeeper struct{}

func (KeyringKeeper) GetToken(service string) (string, error) {
	token, err := keyring.Get(service, keyringUser)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return token, nil
}

func (KeyringKeeper) SetToken(service, token string) error {
	if err := keyring.Set(service, keyringUser, token); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (KeyringKeeper) EraseToken(service string) error {
	err := keyring.Delete(service, keyringUser)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// MemoryKeeper holds tokens in process memory. Used when the platform has
// no secret store, and in tests. Safe for concurrent use.
type MemoryKeeper struct {
	mu     sync.Mutex
	tokens map[string]string
}

func NewMemoryKeeper() *MemoryKeeper {
	return &MemoryKeeper{tokens: make(map[string]string)}
}

func (m *MemoryKeeper) GetToken(service string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[service], nil
}

func (m *MemoryKeeper) SetToken(service, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[service] = token
	return nil
}

func (m *MemoryKeeper) EraseToken(service string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, service)
	return nil
}

// NewKeeper probes the platform secret store and returns a KeyringKeeper
// when it works, a MemoryKeeper otherwise.
func NewKeeper(service string) Keeper {
	kk := KeyringKeeper{}
	if _, err := kk.GetToken(service); err == nil {
		return kk
	}
	return NewMemoryKeeper()
}

// Compile-time interface checks.
var (
	_ Keeper = KeyringKeeper{}
	_ Keeper = (*MemoryKeeper)(nil)
)
