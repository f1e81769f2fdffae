package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// GCP resolves secrets from GCP Secret Manager (SECRETS_BACKEND=gcp). A
// name is interpreted as "projects/<project>/secrets/<id>/versions/latest"
// if it already looks like a resource path, else as a bare secret id under
// Project.
type GCP struct {
	client  *secretmanager.Client
	project string
}

// NewGCP constructs a Filtered GCP backend. project is the GCP project id
// used to resolve bare secret ids.
func NewGCP(ctx context.Context, project string, allowed map[string]bool) (*Filtered, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("secrets: new gcp client: %w", err)
	}
	return &Filtered{Backend: &GCP{client: client, project: project}, Allowed: allowed}, nil
}

func (g *GCP) get(ctx context.Context, name string) (string, error) {
	resource := name
	if !strings.HasPrefix(resource, "projects/") {
		resource = fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.project, name)
	}
	resp, err := g.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", fmt.Errorf("secrets: gcp access %q: %w", name, err)
	}
	return string(resp.Payload.Data), nil
}
