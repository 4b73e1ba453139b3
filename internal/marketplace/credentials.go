package marketplace

import (
	"context"

	"bricksync/internal/errs"
	"bricksync/internal/models"
)

// Credentials are the secrets one provider client signs with.
type Credentials struct {
	ConsumerKey    string
	ConsumerSecret string
	Token          string
	TokenSecret    string
	APIKey         string
}

// CredentialStore resolves provider credentials for a business account. The
// production implementation lives outside this service; StaticCredentialStore
// serves single-tenant deployments configured through the environment.
type CredentialStore interface {
	GetCredentials(ctx context.Context, accountID int64, provider string) (*Credentials, error)
}

// StaticCredentialStore serves the same credentials to every account.
type StaticCredentialStore struct {
	byProvider map[string]Credentials
}

// NewStaticCredentialStore builds a store from per-provider credentials.
func NewStaticCredentialStore(bricklink, brickowl Credentials) *StaticCredentialStore {
	return &StaticCredentialStore{byProvider: map[string]Credentials{
		models.ProviderBricklink: bricklink,
		models.ProviderBrickowl:  brickowl,
	}}
}

// GetCredentials returns the configured credentials for a provider.
func (s *StaticCredentialStore) GetCredentials(ctx context.Context, accountID int64, provider string) (*Credentials, error) {
	creds, ok := s.byProvider[provider]
	if !ok || creds == (Credentials{}) {
		return nil, errs.ErrCredentialsNotFound
	}
	return &creds, nil
}
