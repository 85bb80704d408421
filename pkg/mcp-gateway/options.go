package mcpgateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
)

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway's MCP server implementation metadata.
	Implementation *mcp.Implementation
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8700".
	Addr string
	// Path mounts the Streamable handler under a specific HTTP path.
	// Defaults to "/mcp".
	Path string
	// Namespace customizes how upstream names and URIs are exposed to downstream
	// clients. Defaults to ServerPrefixNamespace.
	Namespace NamespaceStrategy
	// Streamable tweaks the Streamable HTTP handler behavior passed to
	// mcp.NewStreamableHTTPHandler. The zero value is replaced by a stateless
	// handler answering with JSON bodies.
	Streamable *mcp.StreamableHTTPOptions
	// CORS overrides the permissive default CORS policy of the MCP endpoint.
	CORS *cors.Options
	// TokenVerifier, when set, requires downstream callers to present a bearer
	// token accepted by the verifier.
	TokenVerifier auth.TokenVerifier
	// TokenOptions tune the bearer token check. Requires TokenVerifier.
	TokenOptions *auth.RequireBearerTokenOptions
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// SyncTimeout bounds how long one aggregation of an upstream may take.
	SyncTimeout time.Duration
	// CallTimeout bounds every forwarded request. Defaults to 60s.
	CallTimeout time.Duration
	// ConnectConcurrency limits how many upstreams Start dials at once.
	// Defaults to 4.
	ConnectConcurrency int
	// ShutdownTimeout bounds the graceful HTTP stop in ListenAndServe.
	ShutdownTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcp-gateway",
			Title:   "MCP Gateway",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.Namespace == nil {
		opts.Namespace = ServerPrefixNamespace{}
	}
	if opts.Streamable == nil {
		opts.Streamable = &mcp.StreamableHTTPOptions{Stateless: true, JSONResponse: true}
	}
	if opts.CORS == nil {
		opts.CORS = &cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"Mcp-Session-Id"},
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	if opts.ConnectConcurrency <= 0 {
		opts.ConnectConcurrency = 4
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return opts
}
