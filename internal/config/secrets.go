package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// SecretsAPI is the subset of the Secrets Manager client used to resolve secrets.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ResolveSecrets fills secret-backed settings that have no inline value:
// the archive DSN and the API key.
func ResolveSecrets(ctx context.Context, client SecretsAPI, cfg *types.ProjectConfig) error {
	if a := cfg.Archiver; a != nil && a.Enabled && a.DSN == "" && a.DSNSecretARN != "" {
		v, err := secretString(ctx, client, a.DSNSecretARN)
		if err != nil {
			return fmt.Errorf("archiver.dsnSecretArn: %w", err)
		}
		a.DSN = v
	}
	if s := cfg.Server; s != nil && s.APIKey == "" && s.APIKeySecretARN != "" {
		v, err := secretString(ctx, client, s.APIKeySecretARN)
		if err != nil {
			return fmt.Errorf("server.apiKeySecretArn: %w", err)
		}
		s.APIKey = v
	}
	return nil
}

// NeedsSecrets reports whether ResolveSecrets has anything to fetch.
func NeedsSecrets(cfg *types.ProjectConfig) bool {
	if a := cfg.Archiver; a != nil && a.Enabled && a.DSN == "" && a.DSNSecretARN != "" {
		return true
	}
	if s := cfg.Server; s != nil && s.APIKey == "" && s.APIKeySecretARN != "" {
		return true
	}
	return false
}

func secretString(ctx context.Context, client SecretsAPI, arn string) (string, error) {
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(arn)})
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return "", fmt.Errorf("secret %s has no string value", arn)
	}
	return *out.SecretString, nil
}
