package mcpgateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	metaKeyServerID   = "mcpgateway.server_id"
	metaKeyNativeName = "mcpgateway.native_name"
	metaKeyNativeURI  = "mcpgateway.native_uri"
)

// EntryKind identifies the capability category of a registry entry.
type EntryKind string

const (
	KindTool     EntryKind = "tool"
	KindPrompt   EntryKind = "prompt"
	KindResource EntryKind = "resource"
)

// Entry is one namespaced capability exposed downstream. Name is unique per
// kind across the registry; NativeName is the identifier the owning upstream
// knows it by (the URI for resources).
type Entry struct {
	Kind        EntryKind
	Name        string
	Description string
	ServerID    string
	NativeName  string

	Tool     *mcp.Tool
	Prompt   *mcp.Prompt
	Resource *mcp.Resource

	// native is the object as listed by the upstream, before namespacing.
	native any
}

// Snapshot is the capability listing of one upstream, as returned by its
// list operations.
type Snapshot struct {
	DisplayName string
	Tools       []*mcp.Tool
	Prompts     []*mcp.Prompt
	Resources   []*mcp.Resource
}

// registry maps public names to the upstream that owns them.
type registry struct {
	ns     NamespaceStrategy
	logger *slog.Logger

	mu       sync.RWMutex
	entries  map[EntryKind]map[string]*Entry
	byServer map[string][]*Entry
}

func newRegistry(ns NamespaceStrategy, logger *slog.Logger) *registry {
	return &registry{
		ns:     ns,
		logger: logger,
		entries: map[EntryKind]map[string]*Entry{
			KindTool:     {},
			KindPrompt:   {},
			KindResource: {},
		},
		byServer: make(map[string][]*Entry),
	}
}

// Replace drops every entry owned by serverID and inserts the entries built
// from snap, in one critical section. Readers never observe a mix of old and
// new entries for the server.
func (r *registry) Replace(serverID string, snap Snapshot) (removed, added []*Entry) {
	display := snap.DisplayName
	if display == "" {
		display = serverID
	}
	candidates := make([]*Entry, 0, len(snap.Tools)+len(snap.Prompts)+len(snap.Resources))
	for _, tool := range snap.Tools {
		if tool == nil {
			continue
		}
		entry, err := r.toolEntry(serverID, display, tool)
		if err != nil {
			r.logger.Warn("skipping tool with unusable schema", "server", serverID, "tool", tool.Name, "error", err)
			continue
		}
		candidates = append(candidates, entry)
	}
	for _, prompt := range snap.Prompts {
		if prompt != nil {
			candidates = append(candidates, r.promptEntry(serverID, display, prompt))
		}
	}
	for _, resource := range snap.Resources {
		if resource == nil {
			continue
		}
		entry := r.resourceEntry(serverID, display, resource)
		if _, err := url.Parse(entry.Name); err != nil {
			r.logger.Warn("skipping resource with invalid namespaced uri", "server", serverID, "uri", entry.Name, "error", err)
			continue
		}
		candidates = append(candidates, entry)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed = r.removeLocked(serverID)
	added = make([]*Entry, 0, len(candidates))
	for _, entry := range candidates {
		byName := r.entries[entry.Kind]
		if owner, exists := byName[entry.Name]; exists {
			r.logger.Warn("skipping colliding entry", "server", serverID, "kind", entry.Kind, "name", entry.Name, "owner", owner.ServerID)
			continue
		}
		byName[entry.Name] = entry
		added = append(added, entry)
	}
	if len(added) > 0 {
		r.byServer[serverID] = added
	}
	return removed, added
}

// Remove drops every entry owned by serverID and returns them.
func (r *registry) Remove(serverID string) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(serverID)
}

func (r *registry) removeLocked(serverID string) []*Entry {
	owned := r.byServer[serverID]
	for _, entry := range owned {
		delete(r.entries[entry.Kind], entry.Name)
	}
	delete(r.byServer, serverID)
	return owned
}

// Lookup resolves a public name of the given kind.
func (r *registry) Lookup(kind EntryKind, name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[kind][name]
	return entry, ok
}

// Entries returns the entries of one kind sorted by public name.
func (r *registry) Entries(kind EntryKind) []*Entry {
	r.mu.RLock()
	out := make([]*Entry, 0, len(r.entries[kind]))
	for _, entry := range r.entries[kind] {
		out = append(out, entry)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Retain copies into snap the upstream objects currently registered for
// serverID in the given categories, replacing whatever snap holds for them.
func (r *registry) Retain(serverID string, snap *Snapshot, kinds ...EntryKind) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, kind := range kinds {
		switch kind {
		case KindTool:
			snap.Tools = nil
		case KindPrompt:
			snap.Prompts = nil
		case KindResource:
			snap.Resources = nil
		}
	}
	for _, entry := range r.byServer[serverID] {
		if !slices.Contains(kinds, entry.Kind) {
			continue
		}
		switch native := entry.native.(type) {
		case *mcp.Tool:
			snap.Tools = append(snap.Tools, native)
		case *mcp.Prompt:
			snap.Prompts = append(snap.Prompts, native)
		case *mcp.Resource:
			snap.Resources = append(snap.Resources, native)
		}
	}
}

// ServerEntries returns the entries currently owned by serverID.
func (r *registry) ServerEntries(serverID string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Entry(nil), r.byServer[serverID]...)
}

func (r *registry) toolEntry(serverID, display string, tool *mcp.Tool) (*Entry, error) {
	name := r.ns.ToolName(serverID, tool.Name)
	clone := *tool
	clone.Name = name
	clone.Description = decorate(display, tool.Description)
	input, err := objectSchema(tool.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("input schema: %w", err)
	}
	clone.InputSchema = input
	if tool.OutputSchema != nil {
		clone.OutputSchema = nil
		if output, err := objectSchema(tool.OutputSchema); err != nil {
			r.logger.Warn("dropping unusable output schema", "server", serverID, "tool", tool.Name, "error", err)
		} else {
			clone.OutputSchema = output
		}
	}
	clone.Meta = withMeta(tool.Meta, map[string]any{
		metaKeyServerID:   serverID,
		metaKeyNativeName: tool.Name,
	})
	return &Entry{
		Kind:        KindTool,
		Name:        name,
		Description: clone.Description,
		ServerID:    serverID,
		NativeName:  tool.Name,
		Tool:        &clone,
		native:      tool,
	}, nil
}

var errNotObjectSchema = errors.New(`schema type must be "object"`)

// objectSchema returns schema as a JSON object whose type is "object". A
// missing schema or a missing type is read as an object; any other type is
// an error.
func objectSchema(schema any) (map[string]any, error) {
	if schema == nil {
		return map[string]any{"type": "object"}, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = make(map[string]any)
	}
	switch typ := m["type"]; typ {
	case nil:
		m["type"] = "object"
	case "object":
	default:
		return nil, fmt.Errorf("%w, got %v", errNotObjectSchema, typ)
	}
	return m, nil
}

func (r *registry) promptEntry(serverID, display string, prompt *mcp.Prompt) *Entry {
	name := r.ns.PromptName(serverID, prompt.Name)
	clone := *prompt
	clone.Name = name
	clone.Description = decorate(display, prompt.Description)
	clone.Meta = withMeta(prompt.Meta, map[string]any{
		metaKeyServerID:   serverID,
		metaKeyNativeName: prompt.Name,
	})
	return &Entry{
		Kind:        KindPrompt,
		Name:        name,
		Description: clone.Description,
		ServerID:    serverID,
		NativeName:  prompt.Name,
		Prompt:      &clone,
		native:      prompt,
	}
}

func (r *registry) resourceEntry(serverID, display string, resource *mcp.Resource) *Entry {
	uri := r.ns.ResourceURI(serverID, resource.URI)
	clone := *resource
	clone.URI = uri
	clone.Description = decorate(display, resource.Description)
	clone.Meta = withMeta(resource.Meta, map[string]any{
		metaKeyServerID:  serverID,
		metaKeyNativeURI: resource.URI,
	})
	return &Entry{
		Kind:        KindResource,
		Name:        uri,
		Description: clone.Description,
		ServerID:    serverID,
		NativeName:  resource.URI,
		Resource:    &clone,
		native:      resource,
	}
}

func decorate(display, description string) string {
	if description == "" {
		return "[" + display + "]"
	}
	return "[" + display + "] " + description
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any)
	}
	maps.Copy(out, extras)
	return out
}
