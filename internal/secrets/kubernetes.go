package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	// managedLabel marks Secret objects owned by this provider.
	managedLabel = "burrow.io/managed"

	// keyAnnotation carries the full logical secret key; Secret object
	// names are sanitized and lossy.
	keyAnnotation = "burrow.io/secret-key"

	secretDataField = "value"
)

// KubernetesProvider stores each secret as one Kubernetes Secret object in
// a namespace.
type KubernetesProvider struct {
	client    kubernetes.Interface
	namespace string
}

// NewKubernetesProvider creates a Kubernetes secrets provider using
// in-cluster config, falling back to a kubeconfig file.
func NewKubernetesProvider(cfg *Config) (*KubernetesProvider, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		kubeconfigPath := cfg.K8sKubeconfig
		if kubeconfigPath == "" {
			home, _ := os.UserHomeDir()
			kubeconfigPath = filepath.Join(home, ".kube", "config")
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to build Kubernetes config: %w", err)
		}
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}

	namespace := cfg.K8sNamespace
	if namespace == "" {
		if data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
			namespace = string(data)
		} else {
			namespace = "default"
		}
	}

	return &KubernetesProvider{client: client, namespace: namespace}, nil
}

// NewKubernetesProviderWithClient creates a provider with an injected
// clientset (for testing with the fake clientset).
func NewKubernetesProviderWithClient(client kubernetes.Interface, namespace string) *KubernetesProvider {
	if namespace == "" {
		namespace = "default"
	}
	return &KubernetesProvider{client: client, namespace: namespace}
}

// Name returns the provider name.
func (p *KubernetesProvider) Name() string {
	return "kubernetes"
}

// objectName converts a logical key into a DNS-1123 compliant Secret name.
func objectName(key string) string {
	name := strings.ToLower(key)
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, name)
	name = strings.Trim(name, "-")
	if len(name) > 240 {
		name = name[:240]
	}
	return name
}

// Get retrieves a secret value.
func (p *KubernetesProvider) Get(ctx context.Context, key string) (string, error) {
	secret, err := p.client.CoreV1().Secrets(p.namespace).Get(ctx, objectName(key), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("failed to get secret: %w", err)
	}
	value, ok := secret.Data[secretDataField]
	if !ok {
		return "", ErrSecretNotFound
	}
	return string(value), nil
}

// Put creates or replaces a secret.
func (p *KubernetesProvider) Put(ctx context.Context, key, value string) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:        objectName(key),
			Namespace:   p.namespace,
			Labels:      map[string]string{managedLabel: "true"},
			Annotations: map[string]string{keyAnnotation: key},
		},
		Data: map[string][]byte{secretDataField: []byte(value)},
	}

	_, err := p.client.CoreV1().Secrets(p.namespace).Create(ctx, secret, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = p.client.CoreV1().Secrets(p.namespace).Update(ctx, secret, metav1.UpdateOptions{})
	}
	if err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}
	return nil
}

// Delete removes a secret. Deleting an absent key succeeds.
func (p *KubernetesProvider) Delete(ctx context.Context, key string) error {
	err := p.client.CoreV1().Secrets(p.namespace).Delete(ctx, objectName(key), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}

// List returns the logical keys of managed secrets under the prefix.
func (p *KubernetesProvider) List(ctx context.Context, prefix string) ([]string, error) {
	secrets, err := p.client.CoreV1().Secrets(p.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: managedLabel + "=true",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}

	var keys []string
	for _, secret := range secrets.Items {
		key := secret.Annotations[keyAnnotation]
		if key != "" && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Healthy returns true if the API server responds.
func (p *KubernetesProvider) Healthy(ctx context.Context) bool {
	_, err := p.client.CoreV1().Secrets(p.namespace).List(ctx, metav1.ListOptions{Limit: 1})
	return err == nil
}

// Close is a no-op; the clientset holds no closable resources.
func (p *KubernetesProvider) Close() error {
	return nil
}
