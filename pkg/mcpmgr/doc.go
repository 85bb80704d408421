// Package mcpmgr connects to and tracks many Model Context Protocol (MCP)
// upstream servers from a single Go process. It layers connection lifecycle
// tracking, authentication wiring and list-changed fan-out on top of the
// modelcontextprotocol/go-sdk client.
//
// # Core entry points
//
//   - Manager is the long-lived orchestration type. Construct it with
//     NewManager, register servers with AddServer and dial them with Connect.
//   - ServerConfig is a closed set of transport variants:
//     StdioServerConfig, StreamableHTTPServerConfig, SSEServerConfig,
//     InProcessServerConfig and the not yet supported WebSocketServerConfig.
//   - Remote variants carry an AuthConfig. Static bearer tokens come from the
//     configured headers; OAuth2 credentials come from the Authenticator set
//     on ManagerOptions and are captured once per connection.
//
// Connection returns only live sessions and never dials. The forwarding
// helpers (CallTool, GetPrompt, ReadResource and the paginated List*
// helpers) fail with ErrNotConnected when no live session exists.
package mcpmgr
