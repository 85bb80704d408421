package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
	responseTypeCode       = "code"

	authMethodNone = "none"
)

// registrationRequest is the RFC 7591 client metadata sent on registration.
type registrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

type registrationResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Register performs dynamic client registration against the metadata's
// registration endpoint. Providers without one need a client configured by
// hand; the returned error says so rather than retrying.
func (m *Manager) Register(ctx context.Context, meta *Metadata, redirectURI string, scopes []string) (*ClientRegistration, error) {
	if meta == nil || meta.RegistrationEndpoint == "" {
		return nil, fmt.Errorf("%w: the authorization server does not offer dynamic registration; "+
			"create an OAuth app with the provider using redirect URI %s and configure its client id (and secret)",
			ErrRegistration, redirectURI)
	}

	body, err := json.Marshal(registrationRequest{
		RedirectURIs:            []string{redirectURI},
		ClientName:              m.opts.ClientName,
		TokenEndpointAuthMethod: authMethodNone,
		GrantTypes:              []string{grantAuthorizationCode, grantRefreshToken},
		ResponseTypes:           []string{responseTypeCode},
		Scope:                   strings.Join(scopes, " "),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrRegistration, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", m.opts.UserAgent)

	resp, err := m.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: post %s: %v", ErrRegistration, meta.RegistrationEndpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrRegistration, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned HTTP %d: %s; "+
			"if the provider requires manual app setup, configure a client id for this server",
			ErrRegistration, meta.RegistrationEndpoint, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out registrationResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrRegistration, err)
	}
	if out.ClientID == "" {
		return nil, fmt.Errorf("%w: response carries no client_id", ErrRegistration)
	}
	return &ClientRegistration{ClientID: out.ClientID, ClientSecret: out.ClientSecret}, nil
}
