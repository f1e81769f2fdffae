package secrets

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// Azure resolves secrets from Azure Key Vault (SECRETS_BACKEND=azure).
type Azure struct {
	client *azsecrets.Client
}

// NewAzure constructs a Filtered Azure backend against the given vault
// URL, authenticating via the default Azure credential chain.
func NewAzure(vaultURL string, allowed map[string]bool) (*Filtered, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: azure credential: %w", err)
	}
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: new azure client: %w", err)
	}
	return &Filtered{Backend: &Azure{client: client}, Allowed: allowed}, nil
}

func (a *Azure) get(ctx context.Context, name string) (string, error) {
	resp, err := a.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		return "", fmt.Errorf("secrets: azure get %q: %w", name, err)
	}
	if resp.Value == nil {
		return "", fmt.Errorf("secrets: azure secret %q has no value", name)
	}
	return *resp.Value, nil
}
