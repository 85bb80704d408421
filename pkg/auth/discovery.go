package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const (
	wellKnownMetadataPath = "/.well-known/oauth-authorization-server"

	// Maximum size for metadata and registration documents (1MB)
	maxDocumentSize = 1024 * 1024
)

// Metadata is the subset of RFC 8414 authorization server metadata used by
// the authorization flow.
type Metadata struct {
	Issuer                string   `json:"issuer,omitempty"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	RegistrationEndpoint  string   `json:"registration_endpoint,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethods  []string `json:"code_challenge_methods_supported,omitempty"`
}

// MetadataURL returns the well-known metadata location for an upstream URL.
// The path of the upstream URL is discarded; metadata lives at the origin.
func MetadataURL(upstreamURL string) (string, error) {
	u, err := url.Parse(upstreamURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid upstream URL %q: %v", ErrDiscovery, upstreamURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: upstream URL %q is not absolute", ErrDiscovery, upstreamURL)
	}
	meta := url.URL{Scheme: u.Scheme, Host: u.Host, Path: wellKnownMetadataPath}
	return meta.String(), nil
}

// Discover fetches the authorization server metadata for upstreamURL.
func (m *Manager) Discover(ctx context.Context, upstreamURL string) (*Metadata, error) {
	endpoint, err := MetadataURL(upstreamURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", m.opts.UserAgent)

	resp, err := m.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", ErrDiscovery, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned HTTP %d", ErrDiscovery, endpoint, resp.StatusCode)
	}

	var meta Metadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&meta); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrDiscovery, endpoint, err)
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return nil, fmt.Errorf("%w: %s lacks authorization or token endpoint", ErrDiscovery, endpoint)
	}
	return &meta, nil
}
