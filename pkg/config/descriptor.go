package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
)

// NormalizedTransport maps the declared transport, including aliases, onto a
// connector transport kind. An empty transport is inferred from the command
// or URL.
func (d *UpstreamDescriptor) NormalizedTransport() (mcpmgr.ConfigTransport, error) {
	switch strings.ToLower(strings.TrimSpace(d.Transport)) {
	case "":
		switch {
		case d.Command != "":
			return mcpmgr.TransportStdio, nil
		case d.URL != "":
			return mcpmgr.TransportStreamableHTTP, nil
		default:
			return "", errors.New("transport not set and neither command nor url given")
		}
	case "stdio":
		return mcpmgr.TransportStdio, nil
	case "streaming-http", "streamable-http", "http":
		return mcpmgr.TransportStreamableHTTP, nil
	case "sse":
		return mcpmgr.TransportSSE, nil
	case "websocket", "ws":
		return mcpmgr.TransportWebSocket, nil
	default:
		return "", fmt.Errorf("unknown transport %q", d.Transport)
	}
}

// AuthKind maps the declared auth type, including aliases, onto a connector
// auth kind.
func (d *UpstreamDescriptor) AuthKind() (mcpmgr.AuthKind, error) {
	if d.Auth == nil {
		return mcpmgr.AuthNone, nil
	}
	switch strings.ToLower(strings.TrimSpace(d.Auth.Type)) {
	case "", "none":
		return mcpmgr.AuthNone, nil
	case "bearer-static", "bearer":
		return mcpmgr.AuthBearerStatic, nil
	case "oauth2", "oauth":
		return mcpmgr.AuthOAuth2, nil
	default:
		return "", fmt.Errorf("unknown auth type %q", d.Auth.Type)
	}
}

func (d *UpstreamDescriptor) validate() error {
	if d.ID == "" {
		return errors.New("id is required")
	}
	if !isURIScheme(d.ID) {
		return fmt.Errorf("id %q must start with a letter and contain only letters, digits, '+', '-' or '.', since it prefixes resource URIs", d.ID)
	}
	transport, err := d.NormalizedTransport()
	if err != nil {
		return err
	}
	kind, err := d.AuthKind()
	if err != nil {
		return err
	}
	if d.Timeout != "" {
		if timeout, err := time.ParseDuration(d.Timeout); err != nil || timeout < 0 {
			return fmt.Errorf("invalid timeout %q", d.Timeout)
		}
	}

	switch transport {
	case mcpmgr.TransportStdio:
		if d.Command == "" {
			return errors.New("stdio transport requires a command")
		}
		if kind != mcpmgr.AuthNone {
			return errors.New("stdio transport does not take authentication")
		}
	default:
		if d.URL == "" {
			return fmt.Errorf("%s transport requires a url", transport)
		}
		u, err := url.Parse(d.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid url %q", d.URL)
		}
		if kind == mcpmgr.AuthBearerStatic && d.header("Authorization") == "" {
			return errors.New("bearer-static auth requires an Authorization header")
		}
	}
	return nil
}

// isURIScheme reports whether s is a valid URI scheme (RFC 3986 section 3.1).
func isURIScheme(s string) bool {
	for i, r := range s {
		switch {
		case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z':
		case i > 0 && ('0' <= r && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return s != ""
}

func (d *UpstreamDescriptor) header(name string) string {
	for k, v := range d.Headers {
		if strings.EqualFold(k, name) {
			return os.ExpandEnv(v)
		}
	}
	return ""
}

// httpHeaders expands environment references such as ${API_TOKEN} in header
// values.
func (d *UpstreamDescriptor) httpHeaders() http.Header {
	if len(d.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(d.Headers))
	for k, v := range d.Headers {
		h.Set(k, os.ExpandEnv(v))
	}
	return h
}

// ServerConfig converts the descriptor into a connector configuration.
// httpClient is used by remote transports and may be nil.
func (d *UpstreamDescriptor) ServerConfig(httpClient *http.Client) (mcpmgr.ServerConfig, error) {
	if err := d.validate(); err != nil {
		return nil, &ConfigError{ServerID: d.ID, Reason: err.Error()}
	}
	transport, _ := d.NormalizedTransport()
	kind, _ := d.AuthKind()

	base := mcpmgr.BaseServerConfig{Name: d.DisplayName(), LogJSONRPC: d.LogJSONRPC}
	if d.Timeout != "" {
		base.Timeout, _ = time.ParseDuration(d.Timeout)
	}
	remote := mcpmgr.RemoteConfig{
		URL:        d.URL,
		Headers:    d.httpHeaders(),
		Auth:       mcpmgr.AuthConfig{Kind: kind},
		HTTPClient: httpClient,
	}
	if d.Auth != nil {
		remote.Auth.ClientID = d.Auth.ClientID
		remote.Auth.ClientSecret = os.ExpandEnv(d.Auth.ClientSecret)
		remote.Auth.Scopes = append([]string(nil), d.Auth.Scopes...)
	}

	switch transport {
	case mcpmgr.TransportStdio:
		return &mcpmgr.StdioServerConfig{
			BaseServerConfig: base,
			Command:          d.Command,
			Args:             append([]string(nil), d.Args...),
			Env:              d.Env,
			Dir:              d.Dir,
		}, nil
	case mcpmgr.TransportStreamableHTTP:
		return &mcpmgr.StreamableHTTPServerConfig{BaseServerConfig: base, RemoteConfig: remote}, nil
	case mcpmgr.TransportSSE:
		return &mcpmgr.SSEServerConfig{BaseServerConfig: base, RemoteConfig: remote}, nil
	case mcpmgr.TransportWebSocket:
		return &mcpmgr.WebSocketServerConfig{BaseServerConfig: base, URL: d.URL}, nil
	default:
		return nil, &ConfigError{ServerID: d.ID, Reason: fmt.Sprintf("unsupported transport %q", transport)}
	}
}
