// Package secretstore abstracts the OS keychain the desktop shell uses to
// persist upstream provider credentials. The core never handles a plaintext
// secret on disk; it only calls this capability interface.
package secretstore

import "context"

// Store is the capability the core depends on: get/put/delete a secret
// identified by (service, account). A concrete implementation backed by an
// OS keyring, a vault, or (in tests) an in-memory map all satisfy this
// interface identically.
type Store interface {
	Get(ctx context.Context, service, account string) (string, bool, error)
	Put(ctx context.Context, service, account, secret string) error
	Delete(ctx context.Context, service, account string) error
}

// Memory is an in-memory Store, used in tests and as a default when no
// keychain integration is wired in by the embedder.
type Memory struct {
	data map[string]string
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func key(service, account string) string { return service + "\x00" + account }

func (m *Memory) Get(_ context.Context, service, account string) (string, bool, error) {
	v, ok := m.data[key(service, account)]
	return v, ok, nil
}

func (m *Memory) Put(_ context.Context, service, account, secret string) error {
	m.data[key(service, account)] = secret
	return nil
}

func (m *Memory) Delete(_ context.Context, service, account string) error {
	delete(m.data, key(service, account))
	return nil
}
