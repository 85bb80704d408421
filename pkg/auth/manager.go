package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/browser"
	"golang.org/x/oauth2"
)

const (
	DefaultCallbackAddr    = "127.0.0.1:8765"
	DefaultCallbackPath    = "/callback"
	DefaultCallbackTimeout = 5 * time.Minute
	DefaultClientName      = "MCP Gateway"
)

// Options configure a Manager.
type Options struct {
	// Store persists credentials. Required.
	Store CredentialStore
	// HTTPClient performs discovery, registration and token requests.
	HTTPClient *http.Client
	// CallbackAddr is the fixed loopback address the authorization redirect
	// is received on. Defaults to DefaultCallbackAddr.
	CallbackAddr string
	// CallbackPath defaults to DefaultCallbackPath.
	CallbackPath string
	// CallbackTimeout bounds the wait for the browser redirect.
	CallbackTimeout time.Duration
	// ClientName is advertised during dynamic registration.
	ClientName string
	// UserAgent is sent on discovery and registration requests.
	UserAgent string
	// Scopes requested when the client credentials do not name any.
	Scopes []string
	// OpenBrowser launches the authorization URL. Failures are logged and the
	// URL printed so the user can open it manually. Defaults to browser.OpenURL.
	OpenBrowser func(url string) error
	Logger      *slog.Logger
	Now         func() time.Time
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.CallbackAddr == "" {
		opts.CallbackAddr = DefaultCallbackAddr
	}
	if opts.CallbackPath == "" {
		opts.CallbackPath = DefaultCallbackPath
	}
	if opts.CallbackTimeout <= 0 {
		opts.CallbackTimeout = DefaultCallbackTimeout
	}
	if opts.ClientName == "" {
		opts.ClientName = DefaultClientName
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "mcp-gateway/1.0"
	}
	if opts.OpenBrowser == nil {
		opts.OpenBrowser = browser.OpenURL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}

// Manager drives the OAuth2 lifecycle for upstream servers. Browser
// authorizations run one at a time since they share the callback address.
type Manager struct {
	opts Options

	interactive chan struct{}
}

// NewManager builds a Manager backed by opts.Store.
func NewManager(opts *Options) (*Manager, error) {
	options := opts.withDefaults()
	if options.Store == nil {
		return nil, errors.New("auth: credential store is required")
	}
	return &Manager{opts: options, interactive: make(chan struct{}, 1)}, nil
}

// RedirectURI is the callback URL registered with providers.
func (m *Manager) RedirectURI() string {
	return "http://" + m.opts.CallbackAddr + m.opts.CallbackPath
}

// Acquire returns a usable credential for the upstream stored under key. A
// valid stored credential is returned as is. An expired one with a refresh
// token is refreshed once; if that fails, or nothing usable is stored, a full
// browser authorization runs exactly once.
func (m *Manager) Acquire(ctx context.Context, key, upstreamURL string, manual *ClientCredentials) (*Credential, error) {
	stored, err := m.opts.Store.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCredentialNotFound) {
			return nil, fmt.Errorf("auth: load credential for %q: %w", key, err)
		}
		stored = nil
	}

	if stored != nil && stored.AccessToken != "" {
		if !stored.Expired(m.opts.Now()) {
			return stored, nil
		}
		if stored.RefreshToken != "" {
			refreshed, err := m.refreshStored(ctx, key, upstreamURL, stored, manual)
			if err == nil {
				return refreshed, nil
			}
			m.opts.Logger.Warn("token refresh failed, starting a new authorization",
				"server", key, "error", err)
		}
	}
	return m.authorize(ctx, key, upstreamURL, stored, manual)
}

// Refresh exchanges refreshToken for a new access token at tokenEndpoint and
// persists the result under key. The prior refresh token is kept when the
// provider does not rotate it.
func (m *Manager) Refresh(ctx context.Context, key, tokenEndpoint, refreshToken, clientID, clientSecret string) (*Credential, error) {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	tok, err := cfg.TokenSource(m.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefresh, err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}

	var registration *ClientRegistration
	if prior, err := m.opts.Store.Load(ctx, key); err == nil && prior != nil {
		registration = prior.Registration
	}
	cred := m.credentialFromToken(tok, tokenEndpoint, registration)
	if err := m.opts.Store.Save(ctx, key, cred); err != nil {
		return nil, fmt.Errorf("auth: save credential for %q: %w", key, err)
	}
	return cred, nil
}

func (m *Manager) refreshStored(ctx context.Context, key, upstreamURL string, stored *Credential, manual *ClientCredentials) (*Credential, error) {
	clientID, clientSecret := "", ""
	switch {
	case stored.Registration != nil && stored.Registration.ClientID != "":
		clientID, clientSecret = stored.Registration.ClientID, stored.Registration.ClientSecret
	case manual != nil && manual.ClientID != "":
		clientID, clientSecret = manual.ClientID, manual.ClientSecret
	default:
		return nil, fmt.Errorf("%w: no client id known for %q", ErrRefresh, key)
	}

	tokenEndpoint := stored.TokenEndpoint
	if tokenEndpoint == "" {
		meta, err := m.Discover(ctx, upstreamURL)
		if err != nil {
			return nil, err
		}
		tokenEndpoint = meta.TokenEndpoint
	}
	return m.Refresh(ctx, key, tokenEndpoint, stored.RefreshToken, clientID, clientSecret)
}

func (m *Manager) authorize(ctx context.Context, key, upstreamURL string, stored *Credential, manual *ClientCredentials) (*Credential, error) {
	select {
	case m.interactive <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-m.interactive }()

	// Another flow for the same key may have finished while this one waited.
	if current, err := m.opts.Store.Load(ctx, key); err == nil && current != nil {
		if current.AccessToken != "" && !current.Expired(m.opts.Now()) {
			return current, nil
		}
		stored = current
	}

	meta, err := m.Discover(ctx, upstreamURL)
	if err != nil {
		return nil, err
	}

	scopes := m.opts.Scopes
	if manual != nil && len(manual.Scopes) > 0 {
		scopes = manual.Scopes
	}
	redirectURI := m.RedirectURI()

	// Only dynamically registered clients are persisted; manual ones come
	// from configuration every time.
	var client, registration *ClientRegistration
	switch {
	case stored != nil && stored.Registration != nil && stored.Registration.ClientID != "":
		client, registration = stored.Registration, stored.Registration
	case manual != nil && manual.ClientID != "":
		client = &ClientRegistration{ClientID: manual.ClientID, ClientSecret: manual.ClientSecret}
	default:
		m.opts.Logger.Info("registering OAuth client dynamically", "server", key, "endpoint", meta.RegistrationEndpoint)
		registration, err = m.Register(ctx, meta, redirectURI, scopes)
		if err != nil {
			return nil, err
		}
		client = registration
	}

	cfg := &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   meta.AuthorizationEndpoint,
			TokenURL:  meta.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	verifier := oauth2.GenerateVerifier()
	state, err := generateState()
	if err != nil {
		return nil, err
	}

	listener, err := listenCallback(m.opts.CallbackAddr, m.opts.CallbackPath, state, m.opts.Logger)
	if err != nil {
		return nil, err
	}
	defer listener.close()

	authURL := cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	m.opts.Logger.Info("opening browser for authorization", "server", key, "url", authURL)
	if err := m.opts.OpenBrowser(authURL); err != nil {
		m.opts.Logger.Warn("could not open browser, open the URL manually", "server", key, "url", authURL, "error", err)
	}

	code, err := listener.wait(ctx, m.opts.CallbackTimeout)
	if err != nil {
		return nil, err
	}

	tok, err := cfg.Exchange(m.httpContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}

	cred := m.credentialFromToken(tok, meta.TokenEndpoint, registration)
	if err := m.opts.Store.Save(ctx, key, cred); err != nil {
		return nil, fmt.Errorf("auth: save credential for %q: %w", key, err)
	}
	m.opts.Logger.Info("authorization complete", "server", key)
	return cred, nil
}

func (m *Manager) credentialFromToken(tok *oauth2.Token, tokenEndpoint string, registration *ClientRegistration) *Credential {
	cred := &Credential{
		AccessToken:   tok.AccessToken,
		TokenType:     tok.Type(),
		RefreshToken:  tok.RefreshToken,
		TokenEndpoint: tokenEndpoint,
		Registration:  registration,
	}
	switch {
	case tok.ExpiresIn > 0:
		expiry := m.opts.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
		cred.ExpiresAt = &expiry
	case !tok.Expiry.IsZero():
		expiry := tok.Expiry
		cred.ExpiresAt = &expiry
	}
	return cred
}

func (m *Manager) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.opts.HTTPClient)
}

func generateState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
