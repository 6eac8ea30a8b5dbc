package secrets

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// GCPStore fetches secret payloads from GCP Secret Manager, always the
// latest version.
type GCPStore struct {
	projectID string
	client    *secretmanager.Client
}

var _ Store = (*GCPStore)(nil)

func NewGCPStore(ctx context.Context, projectID string) (*GCPStore, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating secret manager client: %w", err)
	}

	return &GCPStore{
		projectID: projectID,
		client:    client,
	}, nil
}

// FetchSecret implements Store
func (s *GCPStore) FetchSecret(ctx context.Context, name string) (string, error) {
	resp, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", s.projectID, name),
	})
	if err != nil {
		return "", err
	}

	return string(resp.GetPayload().GetData()), nil
}

func (s *GCPStore) Close() error {
	return s.client.Close()
}
