package auth

import (
	"context"
	"time"
)

// expiryDelta treats tokens as expired slightly early so a request does not
// race the provider's clock.
const expiryDelta = 10 * time.Second

// Credential is the persisted authentication record for one upstream.
type Credential struct {
	AccessToken  string     `json:"access_token" yaml:"access_token"`
	TokenType    string     `json:"token_type,omitempty" yaml:"token_type,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty" yaml:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	// TokenEndpoint is remembered so refreshes do not need rediscovery.
	TokenEndpoint string `json:"token_endpoint,omitempty" yaml:"token_endpoint,omitempty"`
	// Registration is the client issued by dynamic registration, reused on
	// later authorizations against the same upstream.
	Registration *ClientRegistration `json:"client_registration,omitempty" yaml:"client_registration,omitempty"`
}

// ClientRegistration is the client identity issued by a registration endpoint.
type ClientRegistration struct {
	ClientID     string `json:"client_id" yaml:"client_id"`
	ClientSecret string `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
}

// ClientCredentials is a manually provisioned OAuth client.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Expired reports whether the credential carries an expiry that has passed.
// Credentials without an expiry never expire.
func (c *Credential) Expired(now time.Time) bool {
	if c == nil || c.ExpiresAt == nil {
		return false
	}
	return !now.Add(expiryDelta).Before(*c.ExpiresAt)
}

// BearerValue formats the credential as an Authorization header value.
func (c *Credential) BearerValue() string {
	return "Bearer " + c.AccessToken
}

// CredentialStore persists credentials keyed by upstream server ID. Load
// returns ErrCredentialNotFound when nothing is stored for the key.
type CredentialStore interface {
	Load(ctx context.Context, key string) (*Credential, error)
	Save(ctx context.Context, key string, cred *Credential) error
	Delete(ctx context.Context, key string) error
}
