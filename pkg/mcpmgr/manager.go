package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-gateway-go/pkg/auth"
)

// ConnectionStatus represents the lifecycle of a managed connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// ListKind names a capability list whose contents an upstream reported as
// changed.
type ListKind string

const (
	ListTools     ListKind = "tools"
	ListPrompts   ListKind = "prompts"
	ListResources ListKind = "resources"
)

// ServerSummary aggregates status information for a managed server.
type ServerSummary struct {
	ID        string
	Name      string
	Transport ConfigTransport
	Status    ConnectionStatus
}

// DisconnectEvent is delivered to OnDisconnect handlers when a session ends.
// Requested is true when the session was closed through Disconnect.
type DisconnectEvent struct {
	ServerID  string
	Err       error
	Requested bool
}

// Connection is a live session bound to one upstream.
type Connection struct {
	ServerID     string
	Session      *mcp.ClientSession
	ServerInfo   *mcp.Implementation
	Capabilities *mcp.ServerCapabilities

	requested atomic.Bool
}

func (c *Connection) SupportsTools() bool {
	return c.Capabilities != nil && c.Capabilities.Tools != nil
}

func (c *Connection) SupportsPrompts() bool {
	return c.Capabilities != nil && c.Capabilities.Prompts != nil
}

func (c *Connection) SupportsResources() bool {
	return c.Capabilities != nil && c.Capabilities.Resources != nil
}

func (c *Connection) SupportsLogging() bool {
	return c.Capabilities != nil && c.Capabilities.Logging != nil
}

// Manager orchestrates multiple MCP client sessions.
type Manager struct {
	mu sync.RWMutex

	options ManagerOptions
	logger  *slog.Logger

	states map[string]*managedState

	listChangedHandlers []func(serverID string, kind ListKind)
	disconnectHandlers  []func(DisconnectEvent)
}

type managedState struct {
	config  ServerConfig
	timeout time.Duration

	conn *Connection

	connecting bool
	connectCh  chan struct{}
	connectErr error
}

// NewManager constructs a Manager with optional initial server configurations.
func NewManager(cfg map[string]ServerConfig, opts *ManagerOptions) *Manager {
	options := opts.normalized()
	m := &Manager{
		options: options,
		logger:  options.Logger,
		states:  make(map[string]*managedState),
	}
	for id, sc := range cfg {
		m.states[id] = &managedState{config: sc}
	}
	return m
}

// AddServer registers or replaces the configuration for serverID. The new
// configuration takes effect on the next Connect.
func (m *Manager) AddServer(serverID string, cfg ServerConfig) error {
	if serverID == "" {
		return fmt.Errorf("%w: empty server id", ErrInvalidConfig)
	}
	if cfg == nil {
		return fmt.Errorf("%w: nil config for %q", ErrInvalidConfig, serverID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[serverID]; ok {
		st.config = cfg
		return nil
	}
	m.states[serverID] = &managedState{config: cfg}
	return nil
}

// RemoveServer closes any active session and forgets the server.
func (m *Manager) RemoveServer(ctx context.Context, serverID string) error {
	err := m.Disconnect(ctx, serverID)
	m.mu.Lock()
	delete(m.states, serverID)
	m.mu.Unlock()
	return err
}

// ListServers returns known server identifiers.
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasServer reports whether a server ID is known.
func (m *Manager) HasServer(serverID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.states[serverID]
	return ok
}

// ServerConfig returns the registered configuration, or nil.
func (m *Manager) ServerConfig(serverID string) ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[serverID]; ok {
		return st.config
	}
	return nil
}

// Summaries returns status snapshots for all managed servers, sorted by ID.
func (m *Manager) Summaries() []ServerSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerSummary, 0, len(m.states))
	for id, st := range m.states {
		status := StatusDisconnected
		switch {
		case st.connecting:
			status = StatusConnecting
		case st.conn != nil:
			status = StatusConnected
		}
		out = append(out, ServerSummary{
			ID:        id,
			Name:      DisplayName(st.config, id),
			Transport: TransportOf(st.config),
			Status:    status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connection returns the live connection for serverID. It never dials.
func (m *Manager) Connection(serverID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[serverID]
	if !ok || st.conn == nil {
		return nil, false
	}
	return st.conn, true
}

// Connect establishes (or reuses) a session for a registered server.
// Concurrent calls for the same server share one attempt and its outcome.
func (m *Manager) Connect(ctx context.Context, serverID string) (*Connection, error) {
	m.mu.Lock()
	state, ok := m.states[serverID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w %q", ErrUnknownServer, serverID)
	}
	if state.conn != nil {
		conn := state.conn
		m.mu.Unlock()
		return conn, nil
	}
	if state.connecting {
		ch := state.connectCh
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
		m.mu.RLock()
		defer m.mu.RUnlock()
		if state.conn != nil {
			return state.conn, nil
		}
		return nil, state.connectErr
	}
	state.connecting = true
	state.connectCh = make(chan struct{})
	state.connectErr = nil
	cfg := state.config
	timeout := cfg.base().Timeout
	if timeout <= 0 {
		timeout = m.options.DefaultTimeout
	}
	state.timeout = timeout
	m.mu.Unlock()

	conn, err := m.establish(ctx, serverID, cfg, timeout)

	m.mu.Lock()
	state.connecting = false
	state.connectErr = err
	if err == nil {
		state.conn = conn
	}
	close(state.connectCh)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	go m.monitorSession(serverID, conn, cfg.base())
	return conn, nil
}

func (m *Manager) establish(ctx context.Context, serverID string, cfg ServerConfig, timeout time.Duration) (*Connection, error) {
	var transport mcp.Transport
	switch c := cfg.(type) {
	case *StdioServerConfig:
		t, err := m.buildStdioTransport(serverID, c)
		if err != nil {
			return nil, err
		}
		transport = t
	case *StreamableHTTPServerConfig:
		client, err := m.remoteHTTPClient(ctx, serverID, &c.RemoteConfig)
		if err != nil {
			return nil, err
		}
		transport = &mcp.StreamableClientTransport{
			Endpoint:   c.URL,
			HTTPClient: client,
			MaxRetries: c.MaxRetries,
		}
	case *SSEServerConfig:
		client, err := m.remoteHTTPClient(ctx, serverID, &c.RemoteConfig)
		if err != nil {
			return nil, err
		}
		transport = &mcp.SSEClientTransport{Endpoint: c.URL, HTTPClient: client}
	case *WebSocketServerConfig:
		return nil, fmt.Errorf("%w: websocket (server %q)", ErrUnsupportedTransport, serverID)
	case *InProcessServerConfig:
		if c.Transport == nil {
			return nil, fmt.Errorf("%w: transport missing for %q", ErrInvalidConfig, serverID)
		}
		transport = c.Transport
	default:
		return nil, fmt.Errorf("%w: %T (server %q)", ErrUnsupportedTransport, cfg, serverID)
	}

	transport = &detachedTransport{delegate: transport}
	base := cfg.base()
	if logger := m.resolveLogger(base); logger != nil {
		transport = &loggingTransport{serverID: serverID, delegate: transport, logger: logger}
	}

	impl := &mcp.Implementation{Name: m.options.DefaultClientName, Version: m.effectiveClientVersion(base)}
	clientOpts := m.composeClientOptions(serverID, base)
	client := mcp.NewClient(impl, &clientOpts)

	connectCtx, cancel := m.withTimeout(ctx, timeout)
	defer cancel()
	session, err := client.Connect(connectCtx, transport, nil)
	if err != nil {
		return nil, &ConnectError{ServerID: serverID, Err: err}
	}

	conn := &Connection{ServerID: serverID, Session: session}
	if init := session.InitializeResult(); init != nil {
		conn.ServerInfo = init.ServerInfo
		conn.Capabilities = init.Capabilities
	}
	m.logger.Info("connected to upstream", "server", serverID, "transport", TransportOf(cfg))
	return conn, nil
}

func (m *Manager) buildStdioTransport(serverID string, cfg *StdioServerConfig) (mcp.Transport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("%w: command missing for %q", ErrInvalidConfig, serverID)
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

// remoteHTTPClient resolves the Authorization value once and returns a client
// that attaches it, with the configured headers, to every request.
func (m *Manager) remoteHTTPClient(ctx context.Context, serverID string, rc *RemoteConfig) (*http.Client, error) {
	if rc.URL == "" {
		return nil, fmt.Errorf("%w: url missing for %q", ErrInvalidConfig, serverID)
	}
	authorization, err := m.authorizationValue(ctx, serverID, rc)
	if err != nil {
		return nil, err
	}
	return decorateHTTPClient(rc.HTTPClient, rc.Headers, authorization), nil
}

func (m *Manager) authorizationValue(ctx context.Context, serverID string, rc *RemoteConfig) (string, error) {
	switch rc.Auth.Kind {
	case "", AuthNone:
		return "", nil
	case AuthBearerStatic:
		value := strings.TrimSpace(rc.Headers.Get("Authorization"))
		if value == "" {
			return "", fmt.Errorf("%w: bearer-static auth for %q needs an Authorization header", ErrInvalidConfig, serverID)
		}
		if !strings.HasPrefix(strings.ToLower(value), "bearer ") {
			value = "Bearer " + value
		}
		return value, nil
	case AuthOAuth2:
		if m.options.Authenticator == nil {
			return "", &AuthError{ServerID: serverID, Err: errors.New("no authenticator configured")}
		}
		var manual *auth.ClientCredentials
		if rc.Auth.ClientID != "" || len(rc.Auth.Scopes) > 0 {
			manual = &auth.ClientCredentials{
				ClientID:     rc.Auth.ClientID,
				ClientSecret: rc.Auth.ClientSecret,
				Scopes:       rc.Auth.Scopes,
			}
		}
		cred, err := m.options.Authenticator.Acquire(ctx, serverID, rc.URL, manual)
		if err != nil {
			return "", &AuthError{ServerID: serverID, Err: err}
		}
		return cred.BearerValue(), nil
	default:
		return "", fmt.Errorf("%w: unknown auth kind %q for %q", ErrInvalidConfig, rc.Auth.Kind, serverID)
	}
}

func (m *Manager) monitorSession(serverID string, conn *Connection, base *BaseServerConfig) {
	err := conn.Session.Wait()
	if err != nil && base.OnError != nil {
		base.OnError(err)
	}
	m.mu.Lock()
	if st, ok := m.states[serverID]; ok && st.conn == conn {
		st.conn = nil
	}
	handlers := append([]func(DisconnectEvent){}, m.disconnectHandlers...)
	m.mu.Unlock()

	event := DisconnectEvent{ServerID: serverID, Err: err, Requested: conn.requested.Load()}
	if !event.Requested {
		m.logger.Warn("upstream session ended", "server", serverID, "error", err)
	}
	for _, h := range handlers {
		h(event)
	}
}

func (m *Manager) effectiveClientVersion(base *BaseServerConfig) string {
	if base.Version != "" {
		return base.Version
	}
	return m.options.DefaultClientVersion
}

func (m *Manager) composeClientOptions(serverID string, base *BaseServerConfig) mcp.ClientOptions {
	wrapped := base.ClientOptions

	originalTool := wrapped.ToolListChangedHandler
	originalPrompt := wrapped.PromptListChangedHandler
	originalResList := wrapped.ResourceListChangedHandler

	wrapped.ToolListChangedHandler = func(ctx context.Context, req *mcp.ToolListChangedRequest) {
		if originalTool != nil {
			originalTool(ctx, req)
		}
		m.dispatchListChanged(serverID, ListTools)
	}
	wrapped.PromptListChangedHandler = func(ctx context.Context, req *mcp.PromptListChangedRequest) {
		if originalPrompt != nil {
			originalPrompt(ctx, req)
		}
		m.dispatchListChanged(serverID, ListPrompts)
	}
	wrapped.ResourceListChangedHandler = func(ctx context.Context, req *mcp.ResourceListChangedRequest) {
		if originalResList != nil {
			originalResList(ctx, req)
		}
		m.dispatchListChanged(serverID, ListResources)
	}
	return wrapped
}

func (m *Manager) resolveLogger(base *BaseServerConfig) RPCLogger {
	if base.RPCLogger != nil {
		return base.RPCLogger
	}
	if m.options.RPCLogger != nil {
		return m.options.RPCLogger
	}
	if base.LogJSONRPC || m.options.DefaultLogJSONRPC {
		return func(event RPCLogEvent) {
			m.logger.Debug("jsonrpc",
				"server", event.ServerID,
				"direction", string(event.Direction),
				"message", string(event.Message))
		}
	}
	return nil
}

// OnListChanged registers a handler invoked when any upstream reports that
// one of its capability lists changed.
func (m *Manager) OnListChanged(handler func(serverID string, kind ListKind)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.listChangedHandlers = append(m.listChangedHandlers, handler)
	m.mu.Unlock()
}

// OnDisconnect registers a handler invoked after any session ends.
func (m *Manager) OnDisconnect(handler func(DisconnectEvent)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.disconnectHandlers = append(m.disconnectHandlers, handler)
	m.mu.Unlock()
}

func (m *Manager) dispatchListChanged(serverID string, kind ListKind) {
	m.mu.RLock()
	handlers := append([]func(string, ListKind){}, m.listChangedHandlers...)
	m.mu.RUnlock()
	for _, h := range handlers {
		h(serverID, kind)
	}
}

// Disconnect closes the session for the given server ID. The connection is
// no longer returned by Connection once Disconnect starts.
func (m *Manager) Disconnect(ctx context.Context, serverID string) error {
	m.mu.Lock()
	state, ok := m.states[serverID]
	if !ok || state.conn == nil {
		m.mu.Unlock()
		return nil
	}
	conn := state.conn
	state.conn = nil
	m.mu.Unlock()

	conn.requested.Store(true)
	done := make(chan struct{})
	var closeErr error
	go func() {
		closeErr = conn.Session.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		if closeErr != nil {
			return fmt.Errorf("mcpmgr: close %q: %w", serverID, closeErr)
		}
		return nil
	}
}

// DisconnectAll closes every live session, continuing past failures.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	var errs []error
	for _, id := range m.ListServers() {
		if err := m.Disconnect(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) live(serverID string) (*Connection, time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[serverID]
	if !ok {
		return nil, 0, fmt.Errorf("%w %q", ErrUnknownServer, serverID)
	}
	if st.conn == nil {
		return nil, 0, fmt.Errorf("%w: %q", ErrNotConnected, serverID)
	}
	return st.conn, st.timeout, nil
}

// ListTools returns every tool of the server, following pagination. Servers
// that do not implement tools/list yield an empty slice.
func (m *Manager) ListTools(ctx context.Context, serverID string) ([]*mcp.Tool, error) {
	conn, timeout, err := m.live(serverID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx, timeout)
	defer cancel()

	var all []*mcp.Tool
	params := &mcp.ListToolsParams{}
	for {
		res, err := conn.Session.ListTools(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err, "tools/list") {
				return []*mcp.Tool{}, nil
			}
			return nil, err
		}
		all = append(all, res.Tools...)
		if res.NextCursor == "" {
			return all, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

// ListPrompts returns every prompt of the server, following pagination.
func (m *Manager) ListPrompts(ctx context.Context, serverID string) ([]*mcp.Prompt, error) {
	conn, timeout, err := m.live(serverID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx, timeout)
	defer cancel()

	var all []*mcp.Prompt
	params := &mcp.ListPromptsParams{}
	for {
		res, err := conn.Session.ListPrompts(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err, "prompts/list") {
				return []*mcp.Prompt{}, nil
			}
			return nil, err
		}
		all = append(all, res.Prompts...)
		if res.NextCursor == "" {
			return all, nil
		}
		params = &mcp.ListPromptsParams{Cursor: res.NextCursor}
	}
}

// ListResources returns every resource of the server, following pagination.
func (m *Manager) ListResources(ctx context.Context, serverID string) ([]*mcp.Resource, error) {
	conn, timeout, err := m.live(serverID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx, timeout)
	defer cancel()

	var all []*mcp.Resource
	params := &mcp.ListResourcesParams{}
	for {
		res, err := conn.Session.ListResources(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err, "resources/list") {
				return []*mcp.Resource{}, nil
			}
			return nil, err
		}
		all = append(all, res.Resources...)
		if res.NextCursor == "" {
			return all, nil
		}
		params = &mcp.ListResourcesParams{Cursor: res.NextCursor}
	}
}

// CallTool invokes a tool on a live session.
func (m *Manager) CallTool(ctx context.Context, serverID string, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	if params == nil || params.Name == "" {
		return nil, fmt.Errorf("mcpmgr: tool name is required for %q", serverID)
	}
	conn, _, err := m.live(serverID)
	if err != nil {
		return nil, err
	}
	return conn.Session.CallTool(ctx, params)
}

// GetPrompt renders a prompt on a live session.
func (m *Manager) GetPrompt(ctx context.Context, serverID string, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	conn, _, err := m.live(serverID)
	if err != nil {
		return nil, err
	}
	return conn.Session.GetPrompt(ctx, params)
}

// ReadResource reads a resource on a live session.
func (m *Manager) ReadResource(ctx context.Context, serverID string, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	conn, _, err := m.live(serverID)
	if err != nil {
		return nil, err
	}
	return conn.Session.ReadResource(ctx, params)
}

func (m *Manager) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func isMethodUnavailableError(err error, method string) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	if !(strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")) {
		return false
	}
	return strings.Contains(lower, strings.ToLower(method)) || strings.Contains(lower, "method not found")
}
