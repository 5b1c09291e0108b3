// Package secrets provides per-session credential management for Burrow.
// It supports multiple external secret stores with a unified interface.
//
// Supported providers:
//   - In-process memory (memory) - default for development and tests
//   - Kubernetes Secrets (kubernetes)
//   - AWS Secrets Manager (aws)
//
// The package follows clear boundaries:
//   - Provider interface defines the contract for all secret stores
//   - Each provider is responsible for its own authentication
//   - Deleting an absent secret succeeds; cleanup is idempotent
//   - Configuration errors fail fast at startup
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Provider defines the interface for secret store backends.
type Provider interface {
	// Name returns the provider name for logging and debugging.
	Name() string

	// Get retrieves a secret by key.
	// Returns ErrSecretNotFound if the secret doesn't exist.
	Get(ctx context.Context, key string) (string, error)

	// Put stores a secret value under key, overwriting any existing value.
	Put(ctx context.Context, key, value string) error

	// Delete removes a secret. Deleting an absent key succeeds.
	Delete(ctx context.Context, key string) error

	// List returns all secret keys under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Healthy returns true if the provider is accessible.
	Healthy(ctx context.Context) bool

	// Close releases any resources held by the provider.
	Close() error
}

// Common errors returned by providers.
var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrNotConfigured  = errors.New("provider not configured")
)

// ProviderType represents the type of secret provider.
type ProviderType string

const (
	ProviderTypeMemory     ProviderType = "memory"
	ProviderTypeKubernetes ProviderType = "kubernetes"
	ProviderTypeAWS        ProviderType = "aws"
)

// Config holds the configuration for secrets management.
type Config struct {
	// Provider specifies which secret store to use.
	// Valid values: memory, kubernetes, aws
	Provider ProviderType

	// Kubernetes configuration
	K8sNamespace  string
	K8sKubeconfig string

	// AWS configuration
	AWSRegion       string
	AWSSecretPrefix string
}

// DefaultConfig returns the default secrets configuration.
func DefaultConfig() *Config {
	return &Config{
		Provider:     ProviderTypeMemory,
		K8sNamespace: "default",
	}
}

// LoadConfig loads secrets configuration from environment variables.
func LoadConfig() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("BURROW_SECRETS_PROVIDER"); v != "" {
		cfg.Provider = ProviderType(strings.ToLower(v))
	}

	if v := os.Getenv("BURROW_SECRETS_K8S_NAMESPACE"); v != "" {
		cfg.K8sNamespace = v
	} else if v := os.Getenv("BURROW_NAMESPACE"); v != "" {
		cfg.K8sNamespace = v
	}
	if v := os.Getenv("KUBECONFIG"); v != "" {
		cfg.K8sKubeconfig = v
	}

	if v := os.Getenv("BURROW_AWS_REGION"); v != "" {
		cfg.AWSRegion = v
	} else if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.AWSRegion = v
	} else if v := os.Getenv("AWS_DEFAULT_REGION"); v != "" {
		cfg.AWSRegion = v
	}
	if v := os.Getenv("BURROW_AWS_SECRET_PREFIX"); v != "" {
		cfg.AWSSecretPrefix = v
	}

	return cfg
}

// Validate checks that the configuration is valid for the selected provider.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderTypeMemory:
		return nil
	case ProviderTypeKubernetes:
		// Namespace defaults to the in-cluster namespace at provider init
		return nil
	case ProviderTypeAWS:
		if c.AWSRegion == "" {
			return fmt.Errorf("BURROW_AWS_REGION or AWS_REGION is required for aws provider")
		}
	default:
		return fmt.Errorf("unknown provider type: %q (valid: memory, kubernetes, aws)", c.Provider)
	}
	return nil
}

// Manager issues and revokes per-session VPN credentials through the
// configured provider.
type Manager struct {
	provider Provider
	config   *Config
}

// NewManager creates a new secrets manager with the given configuration.
func NewManager(cfg *Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid secrets configuration: %w", err)
	}

	var provider Provider
	var err error

	switch cfg.Provider {
	case ProviderTypeMemory:
		provider = NewMemoryProvider()
	case ProviderTypeKubernetes:
		provider, err = NewKubernetesProvider(cfg)
	case ProviderTypeAWS:
		provider, err = NewAWSProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s provider: %w", cfg.Provider, err)
	}

	return &Manager{provider: provider, config: cfg}, nil
}

// NewManagerWithProvider creates a manager with an injected provider (for
// testing and for backends constructed elsewhere).
func NewManagerWithProvider(provider Provider) *Manager {
	return &Manager{provider: provider, config: DefaultConfig()}
}

// sessionKeyPrefix is the key namespace for one session's secrets.
func sessionKeyPrefix(sessionID string) string {
	return "burrow/sessions/" + sessionID + "/"
}

// serverKeyName returns the storage key of the session's server private key.
func serverKeyName(sessionID string) string {
	return sessionKeyPrefix(sessionID) + "server-key"
}

// IssueSessionKeys generates a WireGuard keypair for the session, stores
// the server private key, and returns the material needed to render the
// client configuration.
func (m *Manager) IssueSessionKeys(ctx context.Context, sessionID string) (*SessionKeys, error) {
	keys, err := generateSessionKeys(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session keys: %w", err)
	}
	if err := m.provider.Put(ctx, serverKeyName(sessionID), keys.ServerPrivateKey); err != nil {
		return nil, fmt.Errorf("failed to store server key: %w", err)
	}
	keys.ServerKeyRef = serverKeyName(sessionID)
	return keys, nil
}

// CleanupSessionSecrets removes all secrets issued for the session.
// Idempotent: cleaning up a session with no secrets succeeds.
func (m *Manager) CleanupSessionSecrets(ctx context.Context, sessionID string) error {
	keys, err := m.provider.List(ctx, sessionKeyPrefix(sessionID))
	if err != nil {
		return fmt.Errorf("failed to list session secrets: %w", err)
	}
	for _, key := range keys {
		if err := m.provider.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete secret %s: %w", key, err)
		}
	}
	return nil
}

// Healthy returns true if the secrets provider is accessible.
func (m *Manager) Healthy(ctx context.Context) bool {
	return m.provider.Healthy(ctx)
}

// ProviderName returns the name of the active provider.
func (m *Manager) ProviderName() string {
	return m.provider.Name()
}

// Close releases resources held by the manager.
func (m *Manager) Close() error {
	if m.provider != nil {
		return m.provider.Close()
	}
	return nil
}
