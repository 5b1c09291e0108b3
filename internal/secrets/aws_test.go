package secrets

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// fakeSecretsManager is an in-memory SecretsManagerAPI.
type fakeSecretsManager struct {
	values map[string]string
}

func newFakeSecretsManager() *fakeSecretsManager {
	return &fakeSecretsManager{values: make(map[string]string)}
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	value, ok := f.values[*params.SecretId]
	if !ok {
		return nil, &types.ResourceNotFoundException{}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(value)}, nil
}

func (f *fakeSecretsManager) CreateSecret(_ context.Context, params *secretsmanager.CreateSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	if _, ok := f.values[*params.Name]; ok {
		return nil, &types.ResourceExistsException{}
	}
	f.values[*params.Name] = *params.SecretString
	return &secretsmanager.CreateSecretOutput{}, nil
}

func (f *fakeSecretsManager) PutSecretValue(_ context.Context, params *secretsmanager.PutSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	if _, ok := f.values[*params.SecretId]; !ok {
		return nil, &types.ResourceNotFoundException{}
	}
	f.values[*params.SecretId] = *params.SecretString
	return &secretsmanager.PutSecretValueOutput{}, nil
}

func (f *fakeSecretsManager) DeleteSecret(_ context.Context, params *secretsmanager.DeleteSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error) {
	if _, ok := f.values[*params.SecretId]; !ok {
		return nil, &types.ResourceNotFoundException{}
	}
	delete(f.values, *params.SecretId)
	return &secretsmanager.DeleteSecretOutput{}, nil
}

func (f *fakeSecretsManager) ListSecrets(_ context.Context, params *secretsmanager.ListSecretsInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error) {
	var prefix string
	for _, filter := range params.Filters {
		if filter.Key == types.FilterNameStringTypeName && len(filter.Values) > 0 {
			prefix = filter.Values[0]
		}
	}
	out := &secretsmanager.ListSecretsOutput{}
	for name := range f.values {
		if strings.HasPrefix(name, prefix) {
			out.SecretList = append(out.SecretList, types.SecretListEntry{Name: aws.String(name)})
		}
	}
	return out, nil
}

func TestAWSProviderRoundTrip(t *testing.T) {
	backend := newFakeSecretsManager()
	p := NewAWSProviderWithClient(backend, "burrow-prod/")
	ctx := context.Background()

	key := "burrow/sessions/s1/server-key"
	if err := p.Put(ctx, key, "v1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// The stored name carries the configured prefix.
	if _, ok := backend.values["burrow-prod/"+key]; !ok {
		t.Errorf("stored names = %v, want prefixed key", backend.values)
	}

	got, err := p.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "v1" {
		t.Errorf("Get = %q, want v1", got)
	}

	// Put on an existing secret falls through to PutSecretValue.
	if err := p.Put(ctx, key, "v2"); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, err = p.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "v2" {
		t.Errorf("Get after overwrite = %q, want v2", got)
	}
}

func TestAWSProviderListStripsPrefix(t *testing.T) {
	p := NewAWSProviderWithClient(newFakeSecretsManager(), "burrow-prod/")
	ctx := context.Background()

	if err := p.Put(ctx, "burrow/sessions/s1/server-key", "a"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := p.Put(ctx, "burrow/sessions/s2/server-key", "b"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	keys, err := p.List(ctx, "burrow/sessions/s1/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 || keys[0] != "burrow/sessions/s1/server-key" {
		t.Errorf("List = %v, want the logical (unprefixed) s1 key", keys)
	}
}

func TestAWSProviderMissingSecrets(t *testing.T) {
	p := NewAWSProviderWithClient(newFakeSecretsManager(), "")
	ctx := context.Background()

	if _, err := p.Get(ctx, "absent"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Get absent error = %v, want ErrSecretNotFound", err)
	}
	if err := p.Delete(ctx, "absent"); err != nil {
		t.Errorf("Delete absent: %v, want nil", err)
	}
}
