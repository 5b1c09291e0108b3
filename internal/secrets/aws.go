package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// SecretsManagerAPI defines the subset of the Secrets Manager client used
// by AWSProvider, enabling test mocking.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
	ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
}

// AWSProvider stores secrets in AWS Secrets Manager using the standard
// credential chain (environment, instance profile, etc.).
type AWSProvider struct {
	client SecretsManagerAPI
	prefix string
}

// NewAWSProvider creates a new AWS Secrets Manager provider.
func NewAWSProvider(cfg *Config) (*AWSProvider, error) {
	if cfg.AWSRegion == "" {
		return nil, fmt.Errorf("AWS region is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.AWSRegion),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewAWSProviderWithClient(secretsmanager.NewFromConfig(awsCfg), cfg.AWSSecretPrefix), nil
}

// NewAWSProviderWithClient creates a provider with an injected client
// (for testing).
func NewAWSProviderWithClient(client SecretsManagerAPI, prefix string) *AWSProvider {
	return &AWSProvider{client: client, prefix: prefix}
}

// Name returns the provider name.
func (p *AWSProvider) Name() string {
	return "aws"
}

// secretName prepends the configured prefix to the logical key.
func (p *AWSProvider) secretName(key string) string {
	return p.prefix + key
}

// Get retrieves a secret value.
func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(p.secretName(key)),
	})
	if err != nil {
		if isResourceNotFound(err) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("failed to get secret: %w", err)
	}
	if out.SecretString == nil {
		return "", ErrSecretNotFound
	}
	return *out.SecretString, nil
}

// Put creates the secret or adds a new value version to an existing one.
func (p *AWSProvider) Put(ctx context.Context, key, value string) error {
	_, err := p.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(p.secretName(key)),
		SecretString: aws.String(value),
	})
	if err == nil {
		return nil
	}

	var exists *types.ResourceExistsException
	if !errors.As(err, &exists) {
		return fmt.Errorf("failed to create secret: %w", err)
	}

	_, err = p.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(p.secretName(key)),
		SecretString: aws.String(value),
	})
	if err != nil {
		return fmt.Errorf("failed to update secret: %w", err)
	}
	return nil
}

// Delete removes a secret immediately. Deleting an absent key succeeds.
func (p *AWSProvider) Delete(ctx context.Context, key string) error {
	_, err := p.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(p.secretName(key)),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil && !isResourceNotFound(err) {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}

// List returns logical keys under the prefix.
func (p *AWSProvider) List(ctx context.Context, prefix string) ([]string, error) {
	full := p.secretName(prefix)
	var keys []string
	var nextToken *string
	for {
		out, err := p.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{
			NextToken: nextToken,
			Filters: []types.Filter{
				{Key: types.FilterNameStringTypeName, Values: []string{full}},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list secrets: %w", err)
		}
		for _, entry := range out.SecretList {
			if entry.Name != nil && len(*entry.Name) >= len(p.prefix) {
				keys = append(keys, (*entry.Name)[len(p.prefix):])
			}
		}
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	return keys, nil
}

// Healthy returns true if the Secrets Manager API responds.
func (p *AWSProvider) Healthy(ctx context.Context) bool {
	_, err := p.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{
		MaxResults: aws.Int32(1),
	})
	return err == nil
}

// Close is a no-op.
func (p *AWSProvider) Close() error {
	return nil
}

func isResourceNotFound(err error) bool {
	var notFound *types.ResourceNotFoundException
	return errors.As(err, &notFound)
}
