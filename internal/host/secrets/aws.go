package secrets

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// AWS resolves secrets from AWS Secrets Manager (SECRETS_BACKEND=aws).
type AWS struct {
	client *secretsmanager.Client
}

// NewAWS loads the default AWS config (same credential chain the pack
// resolver's s3 fetcher uses) and returns a Filtered AWS backend.
func NewAWS(ctx context.Context, allowed map[string]bool) (*Filtered, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("secrets: load aws config: %w", err)
	}
	return &Filtered{Backend: &AWS{client: secretsmanager.NewFromConfig(cfg)}, Allowed: allowed}, nil
}

func (a *AWS) get(ctx context.Context, name string) (string, error) {
	out, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("secrets: aws get %q: %w", name, err)
	}
	if out.SecretString != nil {
		return *out.SecretString, nil
	}
	return string(out.SecretBinary), nil
}
