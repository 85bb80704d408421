package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
)

// Gateway exposes a Streamable MCP server that fronts every server managed by
// mcpmgr under a single HTTP endpoint.
type Gateway struct {
	manager *mcpmgr.Manager
	opts    Options
	logger  *slog.Logger

	registry *registry

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	mux           *http.ServeMux

	// syncMu serializes registry replacement with mirroring into server.
	syncMu sync.Mutex

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// StartReport lists the outcome of Start per upstream.
type StartReport struct {
	Connected []string
	Failed    map[string]error
}

// NewGateway builds a Gateway over mgr. Upstreams are not dialed until Start.
func NewGateway(mgr *mcpmgr.Manager, opts *Options) (*Gateway, error) {
	if mgr == nil {
		return nil, fmt.Errorf("mcpgateway: manager is required")
	}
	options := opts.withDefaults()
	if options.TokenOptions != nil && options.TokenVerifier == nil {
		return nil, fmt.Errorf("mcpgateway: TokenOptions require a TokenVerifier")
	}
	g := &Gateway{
		manager:  mgr,
		opts:     options,
		logger:   options.Logger,
		registry: newRegistry(options.Namespace, options.Logger),
	}

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools:     true,
		HasPrompts:   true,
		HasResources: true,
	})
	g.server.AddReceivingMiddleware(g.rejectUnknown)
	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, options.Streamable)
	g.mux = g.mountHandler()

	mgr.OnListChanged(func(serverID string, kind mcpmgr.ListKind) {
		go func() {
			if err := g.Resync(context.Background(), serverID); err != nil {
				g.logError("resync after list change", err, "server", serverID, "list", kind)
			}
		}()
	})
	mgr.OnDisconnect(func(ev mcpmgr.DisconnectEvent) {
		if ev.Requested {
			return
		}
		g.logger.Warn("upstream session ended", "server", ev.ServerID, "error", ev.Err)
	})
	return g, nil
}

// Handler exposes the HTTP handler that serves the Streamable endpoint and
// the health route.
func (g *Gateway) Handler() http.Handler {
	return g.mux
}

// ServeMux returns the mux backing Handler so callers can add routes.
func (g *Gateway) ServeMux() *http.ServeMux {
	return g.mux
}

// Options returns the effective options.
func (g *Gateway) Options() Options {
	return g.opts
}

// Start connects every configured upstream concurrently and aggregates the
// ones that came up. Individual failures are logged once and reported; they
// never fail Start.
func (g *Gateway) Start(ctx context.Context) (*StartReport, error) {
	ids := g.manager.ListServers()
	report := &StartReport{Failed: make(map[string]error)}
	if len(ids) == 0 {
		g.logger.Warn("no upstream servers configured")
		return report, nil
	}

	var (
		mu sync.Mutex
		eg errgroup.Group
	)
	eg.SetLimit(g.opts.ConnectConcurrency)
	for _, id := range ids {
		eg.Go(func() error {
			err := g.startOne(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[id] = err
				g.logError("upstream unavailable", err, "server", id)
				return nil
			}
			report.Connected = append(report.Connected, id)
			return nil
		})
	}
	_ = eg.Wait()
	sort.Strings(report.Connected)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	if len(report.Connected) == 0 {
		g.logger.Warn("no upstream servers connected", "failed", len(report.Failed))
	} else {
		g.logger.Info("gateway ready", "connected", len(report.Connected), "failed", len(report.Failed))
	}
	return report, nil
}

func (g *Gateway) startOne(ctx context.Context, serverID string) error {
	if _, err := g.manager.Connect(ctx, serverID); err != nil {
		return err
	}
	return g.Resync(ctx, serverID)
}

// Resync re-aggregates one connected upstream: it lists every advertised
// category and atomically replaces the upstream's registry entries. A category
// whose listing fails is logged and keeps its previous entries.
func (g *Gateway) Resync(ctx context.Context, serverID string) error {
	conn, ok := g.manager.Connection(serverID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUpstreamUnavailable, serverID)
	}
	ctx, cancel := g.syncContext(ctx)
	defer cancel()

	snap := Snapshot{DisplayName: mcpmgr.DisplayName(g.manager.ServerConfig(serverID), serverID)}
	var failed []EntryKind
	if conn.SupportsTools() {
		tools, err := g.manager.ListTools(ctx, serverID)
		if err != nil {
			g.logger.Warn("listing tools failed", "server", serverID, "error", err)
			failed = append(failed, KindTool)
		}
		snap.Tools = tools
	}
	if conn.SupportsPrompts() {
		prompts, err := g.manager.ListPrompts(ctx, serverID)
		if err != nil {
			g.logger.Warn("listing prompts failed", "server", serverID, "error", err)
			failed = append(failed, KindPrompt)
		}
		snap.Prompts = prompts
	}
	if conn.SupportsResources() {
		resources, err := g.manager.ListResources(ctx, serverID)
		if err != nil {
			g.logger.Warn("listing resources failed", "server", serverID, "error", err)
			failed = append(failed, KindResource)
		}
		snap.Resources = resources
	}

	g.syncMu.Lock()
	defer g.syncMu.Unlock()
	if len(failed) > 0 {
		g.registry.Retain(serverID, &snap, failed...)
	}
	removed, added := g.registry.Replace(serverID, snap)
	g.mirror(removed, added)
	g.logger.Debug("aggregated upstream", "server", serverID, "entries", len(added))
	return nil
}

// DisconnectUpstream removes the upstream's entries and closes its session.
func (g *Gateway) DisconnectUpstream(ctx context.Context, serverID string) error {
	g.syncMu.Lock()
	g.mirror(g.registry.Remove(serverID), nil)
	g.syncMu.Unlock()
	return g.manager.Disconnect(ctx, serverID)
}

// Entries lists the registry entries of one kind sorted by public name.
func (g *Gateway) Entries(kind EntryKind) []*Entry {
	return g.registry.Entries(kind)
}

// mirror applies a registry change to the MCP server. Callers hold syncMu.
func (g *Gateway) mirror(removed, added []*Entry) {
	var tools, prompts, resources []string
	for _, entry := range removed {
		switch entry.Kind {
		case KindTool:
			tools = append(tools, entry.Name)
		case KindPrompt:
			prompts = append(prompts, entry.Name)
		case KindResource:
			resources = append(resources, entry.Name)
		}
	}
	if len(tools) > 0 {
		g.server.RemoveTools(tools...)
	}
	if len(prompts) > 0 {
		g.server.RemovePrompts(prompts...)
	}
	if len(resources) > 0 {
		g.server.RemoveResources(resources...)
	}
	for _, entry := range added {
		g.publish(entry)
	}
}

// publish adds one entry to the MCP server. The SDK panics on definitions it
// rejects; such an entry is logged and left unlisted.
func (g *Gateway) publish(entry *Entry) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("cannot publish entry", "server", entry.ServerID, "kind", entry.Kind, "name", entry.Name, "error", r)
		}
	}()
	switch entry.Kind {
	case KindTool:
		g.server.AddTool(entry.Tool, g.toolHandler(entry.Name))
	case KindPrompt:
		g.server.AddPrompt(entry.Prompt, g.promptHandler(entry.Name))
	case KindResource:
		g.server.AddResource(entry.Resource, g.resourceHandler(entry.Name))
	}
}

// CallTool forwards a tool call addressed by its public name. Arguments are
// passed to the upstream unchanged.
func (g *Gateway) CallTool(ctx context.Context, name string, arguments any) (*mcp.CallToolResult, error) {
	entry, err := g.route(KindTool, name)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
	defer cancel()
	res, err := g.manager.CallTool(callCtx, entry.ServerID, &mcp.CallToolParams{
		Name:      entry.NativeName,
		Arguments: arguments,
	})
	return res, g.forwardError(ctx, callCtx, entry, err)
}

// GetPrompt forwards a prompt request addressed by its public name.
func (g *Gateway) GetPrompt(ctx context.Context, name string, arguments map[string]string) (*mcp.GetPromptResult, error) {
	entry, err := g.route(KindPrompt, name)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
	defer cancel()
	res, err := g.manager.GetPrompt(callCtx, entry.ServerID, &mcp.GetPromptParams{
		Name:      entry.NativeName,
		Arguments: arguments,
	})
	return res, g.forwardError(ctx, callCtx, entry, err)
}

// ReadResource forwards a resource read addressed by its namespaced URI.
func (g *Gateway) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	entry, err := g.route(KindResource, uri)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
	defer cancel()
	res, err := g.manager.ReadResource(callCtx, entry.ServerID, &mcp.ReadResourceParams{URI: entry.NativeName})
	return res, g.forwardError(ctx, callCtx, entry, err)
}

func (g *Gateway) route(kind EntryKind, name string) (*Entry, error) {
	entry, ok := g.registry.Lookup(kind, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s %q", ErrUnknownEntry, kind, name)
	}
	if _, ok := g.manager.Connection(entry.ServerID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, entry.ServerID)
	}
	return entry, nil
}

// forwardError maps connector failures onto gateway errors. Upstream errors
// pass through unchanged.
func (g *Gateway) forwardError(parent, callCtx context.Context, entry *Entry, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mcpmgr.ErrNotConnected):
		return fmt.Errorf("%w: %s", ErrUpstreamUnavailable, entry.ServerID)
	case parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %s %q after %s", ErrUpstreamTimeout, entry.Kind, entry.Name, g.opts.CallTimeout)
	default:
		return err
	}
}

func (g *Gateway) toolHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args any
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			args = req.Params.Arguments
		}
		return g.CallTool(ctx, name, args)
	}
}

func (g *Gateway) promptHandler(name string) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		var args map[string]string
		if req.Params != nil {
			args = req.Params.Arguments
		}
		return g.GetPrompt(ctx, name, args)
	}
}

func (g *Gateway) resourceHandler(uri string) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return g.ReadResource(ctx, uri)
	}
}

// rejectUnknown answers requests for names missing from the registry before
// the server's own lookup runs.
func (g *Gateway) rejectUnknown(next mcp.MethodHandler) mcp.MethodHandler {
	return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
		var (
			kind EntryKind
			name string
		)
		switch r := req.(type) {
		case *mcp.CallToolRequest:
			if r.Params != nil {
				kind, name = KindTool, r.Params.Name
			}
		case *mcp.GetPromptRequest:
			if r.Params != nil {
				kind, name = KindPrompt, r.Params.Name
			}
		case *mcp.ReadResourceRequest:
			if r.Params != nil {
				kind, name = KindResource, r.Params.URI
			}
		}
		if kind != "" {
			if _, ok := g.registry.Lookup(kind, name); !ok {
				return nil, fmt.Errorf("%w: %s %q", ErrUnknownEntry, kind, name)
			}
		}
		return next(ctx, method, req)
	}
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	g.logger.Info("gateway listening", "addr", g.opts.Addr, "path", g.opts.Path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		if err := g.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		g.clearHTTPServer(srv)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		// The server stopped without Shutdown; release the upstreams too.
		disconnectCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		return errors.Join(err, g.manager.DisconnectAll(disconnectCtx))
	}
}

// Shutdown stops accepting HTTP requests, waits for in-flight ones, then
// disconnects every upstream. Upstream close failures are joined, not fatal
// to the rest of the teardown.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mcpgateway: http shutdown: %w", err))
		}
	}
	if err := g.manager.DisconnectAll(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (g *Gateway) clearHTTPServer(srv *http.Server) {
	g.httpServerMu.Lock()
	if g.httpServer == srv {
		g.httpServer = nil
	}
	g.httpServerMu.Unlock()
}

type upstreamHealth struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Status    string `json:"status"`
	Tools     int    `json:"tools"`
	Prompts   int    `json:"prompts"`
	Resources int    `json:"resources"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	summaries := g.manager.Summaries()
	upstreams := make([]upstreamHealth, 0, len(summaries))
	for _, s := range summaries {
		h := upstreamHealth{ID: s.ID, Name: s.Name, Transport: string(s.Transport), Status: string(s.Status)}
		for _, entry := range g.registry.ServerEntries(s.ID) {
			switch entry.Kind {
			case KindTool:
				h.Tools++
			case KindPrompt:
				h.Prompts++
			case KindResource:
				h.Resources++
			}
		}
		upstreams = append(upstreams, h)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"upstreams": upstreams,
	})
}

func (g *Gateway) mountHandler() *http.ServeMux {
	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var endpoint http.Handler = g.streamHandler
	if g.opts.TokenVerifier != nil {
		endpoint = auth.RequireBearerToken(g.opts.TokenVerifier, g.opts.TokenOptions)(endpoint)
	}
	endpoint = cors.New(*g.opts.CORS).Handler(endpoint)

	mux := http.NewServeMux()
	mux.Handle(path, endpoint)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", endpoint)
	}
	mux.HandleFunc("GET /healthz", g.handleHealth)
	return mux
}

func (g *Gateway) syncContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if g.opts.SyncTimeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, g.opts.SyncTimeout)
}

func (g *Gateway) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	g.logger.Error(msg, attrs...)
}
