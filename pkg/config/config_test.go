package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
)

const sampleJSON = `{
  "servers": [
    {"id": "fs", "name": "Files", "transport": "stdio", "command": "npx", "args": ["-y", "server-fs"], "env": {"ROOT": "/tmp"}},
    {"id": "remote", "transport": "http", "url": "https://mcp.example.com/mcp", "timeout": "45s"},
    {"id": "events", "transport": "sse", "url": "https://mcp.example.com/sse",
     "headers": {"Authorization": "abc"}, "auth": {"type": "bearer-static"}},
    {"id": "gh", "url": "https://api.example.com/mcp", "auth": {"type": "oauth2", "clientId": "cid", "scopes": ["repo"]}},
    {"id": "ws", "transport": "websocket", "url": "wss://mcp.example.com/ws"}
  ]
}`

const sampleYAML = `
servers:
  - id: fs
    name: Files
    command: npx
    args: ["-y", "server-fs"]
  - id: remote
    transport: streamable-http
    url: https://mcp.example.com/mcp
`

func TestParseJSONAndConvert(t *testing.T) {
	t.Parallel()

	f, err := Parse([]byte(sampleJSON), FormatJSON)
	require.NoError(t, err)
	valid, errs := f.Descriptors()
	require.Empty(t, errs)
	require.Len(t, valid, 5)

	cfg, err := valid[0].ServerConfig(nil)
	require.NoError(t, err)
	stdio, ok := cfg.(*mcpmgr.StdioServerConfig)
	require.True(t, ok, "got %T", cfg)
	assert.Equal(t, "npx", stdio.Command)
	assert.Equal(t, []string{"-y", "server-fs"}, stdio.Args)
	assert.Equal(t, "/tmp", stdio.Env["ROOT"])
	assert.Equal(t, "Files", stdio.Name)

	cfg, err = valid[1].ServerConfig(nil)
	require.NoError(t, err)
	streamable, ok := cfg.(*mcpmgr.StreamableHTTPServerConfig)
	require.True(t, ok, "got %T", cfg)
	assert.Equal(t, 45*time.Second, streamable.Timeout)
	assert.Equal(t, mcpmgr.AuthNone, streamable.Auth.Kind)
	assert.Equal(t, "remote", streamable.Name)

	cfg, err = valid[2].ServerConfig(nil)
	require.NoError(t, err)
	sse, ok := cfg.(*mcpmgr.SSEServerConfig)
	require.True(t, ok, "got %T", cfg)
	assert.Equal(t, mcpmgr.AuthBearerStatic, sse.Auth.Kind)
	assert.Equal(t, "abc", sse.Headers.Get("Authorization"))

	cfg, err = valid[3].ServerConfig(nil)
	require.NoError(t, err)
	oauth, ok := cfg.(*mcpmgr.StreamableHTTPServerConfig)
	require.True(t, ok, "transport inferred from url, got %T", cfg)
	assert.Equal(t, mcpmgr.AuthOAuth2, oauth.Auth.Kind)
	assert.Equal(t, "cid", oauth.Auth.ClientID)
	assert.Equal(t, []string{"repo"}, oauth.Auth.Scopes)

	cfg, err = valid[4].ServerConfig(nil)
	require.NoError(t, err)
	assert.IsType(t, &mcpmgr.WebSocketServerConfig{}, cfg)
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	f, err := Parse([]byte(sampleYAML), FormatYAML)
	require.NoError(t, err)
	valid, errs := f.Descriptors()
	require.Empty(t, errs)
	require.Len(t, valid, 2)
	assert.Equal(t, "Files", valid[0].DisplayName())

	transport, err := valid[1].NormalizedTransport()
	require.NoError(t, err)
	assert.Equal(t, mcpmgr.TransportStreamableHTTP, transport)
}

func TestDescriptorsRejectBadEntriesIndividually(t *testing.T) {
	t.Parallel()

	doc := `{"servers": [
	  {"id": "ok", "command": "run-me"},
	  {"id": "", "command": "x"},
	  {"id": "nocmd", "transport": "stdio"},
	  {"id": "nourl", "transport": "sse"},
	  {"id": "weird", "transport": "carrier-pigeon", "url": "https://x"},
	  {"id": "badtimeout", "command": "x", "timeout": "soon"},
	  {"id": "bearer", "url": "https://x/mcp", "auth": {"type": "bearer-static"}},
	  {"id": "a:b", "command": "x"},
	  {"id": "ok", "command": "again"}
	]}`
	f, err := Parse([]byte(doc), FormatJSON)
	require.NoError(t, err)

	valid, errs := f.Descriptors()
	require.Len(t, valid, 1)
	assert.Equal(t, "ok", valid[0].ID)
	assert.Equal(t, "run-me", valid[0].Command)
	require.Len(t, errs, 8)

	byIndex := make(map[int]*ConfigError, len(errs))
	for _, e := range errs {
		byIndex[e.Index] = e
	}
	assert.Contains(t, byIndex[1].Error(), "servers[1]")
	assert.Contains(t, byIndex[2].Reason, "command")
	assert.Contains(t, byIndex[3].Reason, "url")
	assert.Contains(t, byIndex[4].Reason, "carrier-pigeon")
	assert.Contains(t, byIndex[5].Reason, "timeout")
	assert.Contains(t, byIndex[6].Reason, "Authorization")
	assert.Contains(t, byIndex[8].Reason, "duplicate")
}

func TestDescriptorIDMustBeURIScheme(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id    string
		valid bool
	}{
		{id: "notes", valid: true},
		{id: "Notes2", valid: true},
		{id: "stdio-example", valid: true},
		{id: "svc.v1+beta", valid: true},
		{id: "my_notes"},
		{id: "1srv"},
		{id: "-lead"},
		{id: "a:b"},
		{id: "a/b"},
		{id: "has space"},
		{id: "caf\u00e9"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			t.Parallel()
			d := UpstreamDescriptor{ID: tt.id, Command: "run-me"}
			err := d.validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), "resource URIs")
		})
	}
}

func TestParseFailureIsFatal(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`{"servers": [`), FormatJSON)
	require.Error(t, err)

	_, err = Parse([]byte("servers: [\n  - id: x\n bad"), FormatYAML)
	require.Error(t, err)

	f, err := Parse([]byte("  "), FormatJSON)
	require.NoError(t, err)
	assert.Empty(t, f.Servers)
}

func TestStoreLoadAll(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	store, err := NewStore(path)
	require.NoError(t, err)
	valid, errs, err := store.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Len(t, valid, 2)

	missing, err := NewStore(filepath.Join(dir, "absent.json"))
	require.NoError(t, err)
	_, _, err = missing.LoadAll()
	require.Error(t, err)
	assert.True(t, IsNotExist(err))
}

func TestHeadersExpandEnvironment(t *testing.T) {
	t.Setenv("MCP_GATEWAY_TEST_TOKEN", "from-env")

	d := UpstreamDescriptor{
		ID:      "remote",
		URL:     "https://x/mcp",
		Headers: map[string]string{"Authorization": "Bearer ${MCP_GATEWAY_TEST_TOKEN}"},
		Auth:    &AuthSpec{Type: "bearer"},
	}
	cfg, err := d.ServerConfig(nil)
	require.NoError(t, err)
	remote, ok := mcpmgr.RemoteOf(cfg)
	require.True(t, ok)
	assert.Equal(t, "Bearer from-env", remote.Headers.Get("Authorization"))
}

func TestFormatFor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, FormatYAML, FormatFor("a/b/servers.YML"))
	assert.Equal(t, FormatYAML, FormatFor("servers.yaml"))
	assert.Equal(t, FormatJSON, FormatFor("servers.json"))
	assert.Equal(t, FormatJSON, FormatFor("servers"))
}
