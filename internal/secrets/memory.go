package secrets

import (
	"context"
	"strings"
	"sync"
)

// MemoryProvider stores secrets in process memory. It is the default
// provider for development and tests; secrets do not survive a restart.
type MemoryProvider struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{values: make(map[string]string)}
}

// Name returns the provider name.
func (p *MemoryProvider) Name() string {
	return "memory"
}

// Get retrieves a stored secret.
func (p *MemoryProvider) Get(_ context.Context, key string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	value, ok := p.values[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// Put stores a secret, overwriting any existing value.
func (p *MemoryProvider) Put(_ context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
	return nil
}

// Delete removes a secret. Deleting an absent key succeeds.
func (p *MemoryProvider) Delete(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.values, key)
	return nil
}

// List returns all keys under the given prefix.
func (p *MemoryProvider) List(_ context.Context, prefix string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var keys []string
	for key := range p.values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Healthy always returns true.
func (p *MemoryProvider) Healthy(_ context.Context) bool {
	return true
}

// Close is a no-op.
func (p *MemoryProvider) Close() error {
	return nil
}

// Len returns the number of stored secrets. Test helper.
func (p *MemoryProvider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.values)
}
