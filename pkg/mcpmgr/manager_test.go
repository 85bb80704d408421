package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-gateway-go/pkg/auth"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newUpstream(name string, opts *mcp.ServerOptions, tools ...string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: "0.0.1"}, opts)
	for _, tool := range tools {
		toolName := tool
		server.AddTool(&mcp.Tool{
			Name:        toolName,
			Description: toolName + " on " + name,
			InputSchema: &jsonschema.Schema{Type: "object"},
		}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: name + ":" + toolName}},
			}, nil
		})
	}
	return server
}

func inProcessConfig(t *testing.T, server *mcp.Server) *InProcessServerConfig {
	t.Helper()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	session, err := server.Connect(context.Background(), serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return &InProcessServerConfig{Transport: clientTransport}
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("empty tool result")
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func TestManagerConnectInProcessAndCallTool(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	manager := NewManager(nil, &ManagerOptions{Logger: quietLogger()})
	if err := manager.AddServer("alpha", inProcessConfig(t, newUpstream("alpha-server", nil, "ping"))); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	defer manager.DisconnectAll(ctx)

	conn, err := manager.Connect(ctx, "alpha")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.ServerInfo == nil || conn.ServerInfo.Name != "alpha-server" {
		t.Fatalf("server info not captured: %#v", conn.ServerInfo)
	}
	if !conn.SupportsTools() {
		t.Fatalf("expected tools capability")
	}
	if conn.SupportsPrompts() {
		t.Fatalf("did not expect prompts capability")
	}

	again, err := manager.Connect(ctx, "alpha")
	if err != nil || again != conn {
		t.Fatalf("second Connect should reuse the live connection, got %p err=%v", again, err)
	}

	tools, err := manager.ListTools(ctx, "alpha")
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "ping" {
		t.Fatalf("unexpected tools: %v", tools)
	}

	res, err := manager.CallTool(ctx, "alpha", &mcp.CallToolParams{Name: "ping", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := textOf(t, res); got != "alpha-server:ping" {
		t.Fatalf("CallTool text = %q", got)
	}

	summaries := manager.Summaries()
	if len(summaries) != 1 || summaries[0].Status != StatusConnected || summaries[0].Transport != TransportInProcess {
		t.Fatalf("unexpected summaries: %#v", summaries)
	}
}

func TestManagerListToolsFollowsPagination(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	upstream := newUpstream("paged", &mcp.ServerOptions{PageSize: 1}, "a", "b", "c")
	manager := NewManager(map[string]ServerConfig{"paged": inProcessConfig(t, upstream)}, &ManagerOptions{Logger: quietLogger()})
	defer manager.DisconnectAll(ctx)

	if _, err := manager.Connect(ctx, "paged"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tools, err := manager.ListTools(ctx, "paged")
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	if !reflect.DeepEqual(names, []string{"a", "b", "c"}) {
		t.Fatalf("ListTools names = %v", names)
	}
}

func TestManagerForwardingRequiresLiveConnection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var events []DisconnectEvent
	var mu sync.Mutex
	done := make(chan struct{})

	manager := NewManager(nil, &ManagerOptions{Logger: quietLogger()})
	manager.OnDisconnect(func(ev DisconnectEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		close(done)
	})
	if err := manager.AddServer("alpha", inProcessConfig(t, newUpstream("alpha", nil, "ping"))); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	if _, err := manager.CallTool(ctx, "alpha", &mcp.CallToolParams{Name: "ping"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("CallTool before connect error = %v, want ErrNotConnected", err)
	}
	if _, err := manager.CallTool(ctx, "ghost", &mcp.CallToolParams{Name: "ping"}); !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("CallTool on unknown server error = %v, want ErrUnknownServer", err)
	}

	if _, err := manager.Connect(ctx, "alpha"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := manager.Disconnect(ctx, "alpha"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, ok := manager.Connection("alpha"); ok {
		t.Fatalf("Connection should not report a disconnected server")
	}
	if _, err := manager.ReadResource(ctx, "alpha", &mcp.ReadResourceParams{URI: "file:///x"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("ReadResource after disconnect error = %v, want ErrNotConnected", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("disconnect handler not invoked")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0].ServerID != "alpha" || !events[0].Requested {
		t.Fatalf("unexpected disconnect events: %#v", events)
	}
}

func TestManagerWebSocketIsUnsupported(t *testing.T) {
	t.Parallel()

	manager := NewManager(map[string]ServerConfig{
		"ws": &WebSocketServerConfig{URL: "ws://localhost:1234/mcp"},
	}, &ManagerOptions{Logger: quietLogger()})

	_, err := manager.Connect(context.Background(), "ws")
	if !errors.Is(err, ErrUnsupportedTransport) {
		t.Fatalf("Connect error = %v, want ErrUnsupportedTransport", err)
	}
	var connectErr *ConnectError
	if errors.As(err, &connectErr) {
		t.Fatalf("unsupported transport must fail before any connect attempt")
	}
}

func TestManagerConnectErrorCarriesServerID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	manager := NewManager(map[string]ServerConfig{
		"broken": &StreamableHTTPServerConfig{
			BaseServerConfig: BaseServerConfig{Timeout: 5 * time.Second},
			RemoteConfig:     RemoteConfig{URL: srv.URL},
		},
	}, &ManagerOptions{Logger: quietLogger()})

	_, err := manager.Connect(context.Background(), "broken")
	var connectErr *ConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("Connect error = %v, want *ConnectError", err)
	}
	if connectErr.ServerID != "broken" {
		t.Fatalf("ConnectError.ServerID = %q", connectErr.ServerID)
	}
	if _, ok := manager.Connection("broken"); ok {
		t.Fatalf("failed connect must not leave a connection behind")
	}
}

// headerRecordingServer serves upstream over Streamable HTTP and records the
// Authorization header of every request.
func headerRecordingServer(t *testing.T, upstream *mcp.Server) (*httptest.Server, func() []string) {
	t.Helper()
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return upstream }, nil)
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
}

func TestManagerBearerStaticAttachesHeader(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv, seen := headerRecordingServer(t, newUpstream("remote", nil, "ping"))
	manager := NewManager(map[string]ServerConfig{
		"remote": &StreamableHTTPServerConfig{
			RemoteConfig: RemoteConfig{
				URL:     srv.URL,
				Headers: http.Header{"Authorization": []string{"static-token"}},
				Auth:    AuthConfig{Kind: AuthBearerStatic},
			},
		},
	}, &ManagerOptions{Logger: quietLogger()})
	defer manager.DisconnectAll(ctx)

	if _, err := manager.Connect(ctx, "remote"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := manager.CallTool(ctx, "remote", &mcp.CallToolParams{Name: "ping"}); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	headers := seen()
	if len(headers) == 0 {
		t.Fatalf("upstream saw no requests")
	}
	for _, h := range headers {
		if h != "Bearer static-token" {
			t.Fatalf("Authorization header = %q, want %q", h, "Bearer static-token")
		}
	}
}

func TestManagerSSEUpstreamOutlivesConnect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	upstream := newUpstream("legacy", nil, "ping")
	srv := httptest.NewServer(mcp.NewSSEHandler(func(*http.Request) *mcp.Server { return upstream }, nil))
	t.Cleanup(srv.Close)

	manager := NewManager(map[string]ServerConfig{
		"legacy": &SSEServerConfig{RemoteConfig: RemoteConfig{URL: srv.URL}},
	}, &ManagerOptions{Logger: quietLogger(), DefaultTimeout: 2 * time.Second})
	defer manager.DisconnectAll(ctx)

	if _, err := manager.Connect(ctx, "legacy"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// The stream must survive the end of the connect timeout scope.
	time.Sleep(300 * time.Millisecond)

	tools, err := manager.ListTools(ctx, "legacy")
	if err != nil {
		t.Fatalf("ListTools after connect: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "ping" {
		t.Fatalf("unexpected tools: %v", tools)
	}
	res, err := manager.CallTool(ctx, "legacy", &mcp.CallToolParams{Name: "ping", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := textOf(t, res); got != "legacy:ping" {
		t.Fatalf("CallTool text = %q", got)
	}
}

func TestDetachedTransportHonoursConnectDeadline(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	blocking := transportFunc(func(ctx context.Context) (mcp.Connection, error) {
		if ctx.Done() != nil {
			return nil, errors.New("delegate received a cancellable context")
		}
		<-release
		return nil, errors.New("released")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := (&detachedTransport{delegate: blocking}).Connect(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect err = %v, want deadline exceeded", err)
	}
}

type transportFunc func(ctx context.Context) (mcp.Connection, error)

func (f transportFunc) Connect(ctx context.Context) (mcp.Connection, error) { return f(ctx) }

func TestManagerBearerStaticRequiresHeader(t *testing.T) {
	t.Parallel()

	manager := NewManager(map[string]ServerConfig{
		"remote": &SSEServerConfig{
			RemoteConfig: RemoteConfig{URL: "http://127.0.0.1:1/sse", Auth: AuthConfig{Kind: AuthBearerStatic}},
		},
	}, &ManagerOptions{Logger: quietLogger()})

	_, err := manager.Connect(context.Background(), "remote")
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Connect error = %v, want ErrInvalidConfig", err)
	}
}

type fakeAuthenticator struct {
	calls  atomic.Int32
	token  string
	err    error
	manual *auth.ClientCredentials
}

func (f *fakeAuthenticator) Acquire(_ context.Context, key, upstreamURL string, manual *auth.ClientCredentials) (*auth.Credential, error) {
	f.calls.Add(1)
	f.manual = manual
	if f.err != nil {
		return nil, f.err
	}
	return &auth.Credential{AccessToken: f.token, TokenType: "Bearer"}, nil
}

func TestManagerOAuth2CapturesTokenAtConnect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv, seen := headerRecordingServer(t, newUpstream("remote", nil, "ping"))
	authenticator := &fakeAuthenticator{token: "oauth-token"}
	manager := NewManager(map[string]ServerConfig{
		"remote": &StreamableHTTPServerConfig{
			RemoteConfig: RemoteConfig{
				URL:  srv.URL,
				Auth: AuthConfig{Kind: AuthOAuth2, ClientID: "manual-id", ClientSecret: "s"},
			},
		},
	}, &ManagerOptions{Logger: quietLogger(), Authenticator: authenticator})
	defer manager.DisconnectAll(ctx)

	if _, err := manager.Connect(ctx, "remote"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := manager.CallTool(ctx, "remote", &mcp.CallToolParams{Name: "ping"}); err != nil {
			t.Fatalf("CallTool: %v", err)
		}
	}
	if got := authenticator.calls.Load(); got != 1 {
		t.Fatalf("Acquire called %d times, want 1", got)
	}
	if authenticator.manual == nil || authenticator.manual.ClientID != "manual-id" {
		t.Fatalf("manual client not passed through: %#v", authenticator.manual)
	}
	for _, h := range seen() {
		if h != "Bearer oauth-token" {
			t.Fatalf("Authorization header = %q", h)
		}
	}
}

func TestManagerOAuth2FailureIsAuthError(t *testing.T) {
	t.Parallel()

	authenticator := &fakeAuthenticator{err: fmt.Errorf("%w: no metadata", auth.ErrDiscovery)}
	manager := NewManager(map[string]ServerConfig{
		"remote": &StreamableHTTPServerConfig{
			RemoteConfig: RemoteConfig{URL: "http://127.0.0.1:1/mcp", Auth: AuthConfig{Kind: AuthOAuth2}},
		},
	}, &ManagerOptions{Logger: quietLogger(), Authenticator: authenticator})

	_, err := manager.Connect(context.Background(), "remote")
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.ServerID != "remote" {
		t.Fatalf("Connect error = %v, want *AuthError for remote", err)
	}
	if !errors.Is(err, auth.ErrDiscovery) || !errors.Is(err, auth.ErrAuth) {
		t.Fatalf("AuthError must unwrap to the auth sentinel, got %v", err)
	}
}

func TestManagerConcurrentConnectSharesAttempt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// An in-memory transport accepts a single connection, so a second dial
	// would fail.
	upstream := newUpstream("shared", nil, "ping")
	manager := NewManager(map[string]ServerConfig{"shared": inProcessConfig(t, upstream)}, &ManagerOptions{Logger: quietLogger()})
	defer manager.DisconnectAll(ctx)

	var wg sync.WaitGroup
	conns := make([]*Connection, 8)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := manager.Connect(ctx, "shared")
			if err != nil {
				t.Errorf("Connect: %v", err)
				return
			}
			conns[i] = conn
		}(i)
	}
	wg.Wait()
	for _, c := range conns {
		if c != conns[0] {
			t.Fatalf("concurrent Connect calls returned different connections")
		}
	}
}

func TestManagerBuildStdioTransport(t *testing.T) {
	t.Parallel()

	manager := NewManager(nil, nil)
	cfg := &StdioServerConfig{
		BaseServerConfig: BaseServerConfig{Timeout: 5 * time.Second},
		Command:          "npx",
		Args:             []string{"@modelcontextprotocol/server-everything"},
		Env:              map[string]string{"MCP_SERVER_MODE": "stdio"},
	}

	transport, err := manager.buildStdioTransport("stdio-example", cfg)
	if err != nil {
		t.Fatalf("buildStdioTransport error: %v", err)
	}
	cmdTransport, ok := transport.(*mcp.CommandTransport)
	if !ok {
		t.Fatalf("expected CommandTransport, got %T", transport)
	}
	expectedArgs := append([]string{cfg.Command}, cfg.Args...)
	if !reflect.DeepEqual(cmdTransport.Command.Args, expectedArgs) {
		t.Fatalf("command args = %v, expected %v", cmdTransport.Command.Args, expectedArgs)
	}
	if !envContains(cmdTransport.Command.Env, "MCP_SERVER_MODE", "stdio") {
		t.Fatalf("env missing MCP_SERVER_MODE from stdio config")
	}

	if _, err := manager.buildStdioTransport("empty", &StdioServerConfig{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing command error = %v, want ErrInvalidConfig", err)
	}
}

func TestDecorateHTTPClientAddsHeaders(t *testing.T) {
	t.Parallel()

	headers := http.Header{"X-MCP-Source": []string{"manager-tests"}}
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if got := req.Header.Get("X-MCP-Source"); got != "manager-tests" {
			t.Errorf("decorated header missing, got %q", got)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer example-token" {
			t.Errorf("auth header mismatch, got %q", got)
		}
		return &http.Response{
			StatusCode: http.StatusNoContent,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader("")),
			Request:    req,
		}, nil
	})

	decorated := decorateHTTPClient(&http.Client{Transport: rt}, headers, "Bearer example-token")
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "https://upstream.example/mcp", nil)
	if err != nil {
		t.Fatalf("request creation failed: %v", err)
	}
	resp, err := decorated.Do(req)
	if err != nil {
		t.Fatalf("decorated client Do error: %v", err)
	}
	_ = resp.Body.Close()
	if req.Header.Get("Authorization") != "" {
		t.Fatalf("decorator must not mutate the caller's request")
	}
}

func TestManagerJSONRPCLogging(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var mu sync.Mutex
	var events []RPCLogEvent
	cfg := inProcessConfig(t, newUpstream("logged", nil, "ping"))
	cfg.RPCLogger = func(ev RPCLogEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	manager := NewManager(map[string]ServerConfig{"logged": cfg}, &ManagerOptions{Logger: quietLogger()})
	defer manager.DisconnectAll(ctx)

	if _, err := manager.Connect(ctx, "logged"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	var sent, received bool
	for _, ev := range events {
		if ev.ServerID != "logged" {
			t.Fatalf("event for wrong server: %q", ev.ServerID)
		}
		sent = sent || ev.Direction == RPCDirectionSend
		received = received || ev.Direction == RPCDirectionReceive
	}
	if !sent || !received {
		t.Fatalf("expected traffic in both directions, got %d events", len(events))
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func envContains(env []string, key, value string) bool {
	target := key + "=" + value
	for _, item := range env {
		if item == target {
			return true
		}
	}
	return false
}
