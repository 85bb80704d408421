package mcpmgr

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-gateway-go/pkg/auth"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	ServerID  string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// AuthKind selects how a remote upstream is authenticated.
type AuthKind string

const (
	AuthNone         AuthKind = "none"
	AuthBearerStatic AuthKind = "bearer-static"
	AuthOAuth2       AuthKind = "oauth2"
)

// AuthConfig is the authentication requirement of a remote upstream.
// ClientID and ClientSecret are an optional pre-provisioned OAuth client.
type AuthConfig struct {
	Kind         AuthKind
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Authenticator produces a currently valid credential for an upstream. It is
// satisfied by *auth.Manager.
type Authenticator interface {
	Acquire(ctx context.Context, key, upstreamURL string, manual *auth.ClientCredentials) (*auth.Credential, error)
}

// BaseServerConfig captures settings shared by all transport types.
type BaseServerConfig struct {
	// Name is the human readable display name of the upstream.
	Name          string
	ClientOptions mcp.ClientOptions
	// Timeout bounds the connect handshake and list calls.
	Timeout    time.Duration
	Version    string
	OnError    func(error)
	LogJSONRPC bool
	RPCLogger  RPCLogger
}

// RemoteConfig holds what the HTTP based transports share.
type RemoteConfig struct {
	URL        string
	Headers    http.Header
	Auth       AuthConfig
	HTTPClient *http.Client
}

// StdioServerConfig describes an MCP server launched as a subprocess.
type StdioServerConfig struct {
	BaseServerConfig
	Command string
	Args    []string
	// Env is appended to the parent environment.
	Env map[string]string
	Dir string
}

// StreamableHTTPServerConfig describes a server reachable over Streamable HTTP.
type StreamableHTTPServerConfig struct {
	BaseServerConfig
	RemoteConfig
	MaxRetries int
}

// SSEServerConfig describes a server reachable over the legacy SSE transport.
type SSEServerConfig struct {
	BaseServerConfig
	RemoteConfig
}

// WebSocketServerConfig is accepted in configuration but connecting fails
// with ErrUnsupportedTransport.
type WebSocketServerConfig struct {
	BaseServerConfig
	URL string
}

// InProcessServerConfig connects over an already constructed transport, such
// as one half of mcp.NewInMemoryTransports.
type InProcessServerConfig struct {
	BaseServerConfig
	Transport mcp.Transport
}

func (c *StdioServerConfig) base() *BaseServerConfig          { return &c.BaseServerConfig }
func (c *StreamableHTTPServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }
func (c *SSEServerConfig) base() *BaseServerConfig            { return &c.BaseServerConfig }
func (c *WebSocketServerConfig) base() *BaseServerConfig      { return &c.BaseServerConfig }
func (c *InProcessServerConfig) base() *BaseServerConfig      { return &c.BaseServerConfig }

// ServerConfig is implemented only by the transport variants in this package.
type ServerConfig interface {
	base() *BaseServerConfig
}

// ManagerOptions configures a Manager instance.
type ManagerOptions struct {
	// DefaultClientName overrides the client name advertised during
	// initialization. When empty, "mcp-gateway" is used.
	DefaultClientName string
	// DefaultClientVersion controls the semantic version reported to servers.
	DefaultClientVersion string
	// DefaultTimeout is applied whenever a server configuration omits an
	// explicit timeout.
	DefaultTimeout time.Duration
	// DefaultLogJSONRPC enables debug logging of JSON-RPC traffic for all
	// servers.
	DefaultLogJSONRPC bool
	// RPCLogger replaces the slog based traffic logger.
	RPCLogger RPCLogger
	// Authenticator serves upstreams configured with AuthOAuth2.
	Authenticator Authenticator
	Logger        *slog.Logger
}

func (o *ManagerOptions) normalized() ManagerOptions {
	if o == nil {
		o = &ManagerOptions{}
	}
	opts := *o
	if opts.DefaultClientName == "" {
		opts.DefaultClientName = "mcp-gateway"
	}
	if opts.DefaultClientVersion == "" {
		opts.DefaultClientVersion = "1.0.0"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
