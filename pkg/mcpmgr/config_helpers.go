package mcpmgr

// Lightweight helpers for inspecting ServerConfig values without a type
// switch at every call site.

// ConfigTransport identifies the transport family used by a ServerConfig.
type ConfigTransport string

const (
	TransportStdio          ConfigTransport = "stdio"
	TransportStreamableHTTP ConfigTransport = "streaming-http"
	TransportSSE            ConfigTransport = "sse"
	TransportWebSocket      ConfigTransport = "websocket"
	TransportInProcess      ConfigTransport = "in-process"
)

// TransportOf returns the transport kind for a ServerConfig, or an empty
// string for nil.
func TransportOf(cfg ServerConfig) ConfigTransport {
	switch cfg.(type) {
	case *StdioServerConfig:
		return TransportStdio
	case *StreamableHTTPServerConfig:
		return TransportStreamableHTTP
	case *SSEServerConfig:
		return TransportSSE
	case *WebSocketServerConfig:
		return TransportWebSocket
	case *InProcessServerConfig:
		return TransportInProcess
	default:
		return ""
	}
}

// DisplayName returns the configured display name, falling back to fallback.
func DisplayName(cfg ServerConfig, fallback string) string {
	if cfg == nil {
		return fallback
	}
	if name := cfg.base().Name; name != "" {
		return name
	}
	return fallback
}

// RemoteOf returns the remote settings of HTTP based variants.
func RemoteOf(cfg ServerConfig) (*RemoteConfig, bool) {
	switch c := cfg.(type) {
	case *StreamableHTTPServerConfig:
		return &c.RemoteConfig, true
	case *SSEServerConfig:
		return &c.RemoteConfig, true
	default:
		return nil, false
	}
}
