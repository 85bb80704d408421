package mcpmgr

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// detachedTransport opens the underlying connection on a context that is not
// cancelled with the caller's. Streams such as the SSE GET stay bound to the
// context given to Connect, so they must outlive the connect timeout. The
// caller's context still bounds how long Connect waits.
type detachedTransport struct {
	delegate mcp.Transport
}

func (t *detachedTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	type result struct {
		conn mcp.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := t.delegate.Connect(context.WithoutCancel(ctx))
		done <- result{conn: conn, err: err}
	}()
	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

type loggingTransport struct {
	serverID string
	delegate mcp.Transport
	logger   RPCLogger
}

func (t *loggingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConnection{serverID: t.serverID, delegate: conn, logger: t.logger}, nil
}

type loggingConnection struct {
	serverID string
	delegate mcp.Connection
	logger   RPCLogger
	mu       sync.Mutex
}

func (c *loggingConnection) SessionID() string { return c.delegate.SessionID() }

func (c *loggingConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit(RPCDirectionReceive, msg)
	}
	return msg, err
}

func (c *loggingConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit(RPCDirectionSend, msg)
	return nil
}

func (c *loggingConnection) Close() error { return c.delegate.Close() }

func (c *loggingConnection) emit(direction RPCDirection, msg jsonrpc.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	encoded, err := json.Marshal(msg)
	if err != nil {
		encoded = []byte(err.Error())
	}
	c.logger(RPCLogEvent{Direction: direction, Message: encoded, ServerID: c.serverID})
}

// headerDecorator sets the configured headers and a fixed Authorization value
// on every outbound request.
type headerDecorator struct {
	next          http.RoundTripper
	headers       http.Header
	authorization string
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request.
	req = req.Clone(req.Context())
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if d.authorization != "" {
		req.Header.Set("Authorization", d.authorization)
	}
	return d.next.RoundTrip(req)
}

func decorateHTTPClient(base *http.Client, headers http.Header, authorization string) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:          defaultRoundTripper(base.Transport),
		headers:       cloneHeader(headers),
		authorization: authorization,
	}
	return &clone
}

func cloneHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	clone := make(http.Header, len(h))
	for k, values := range h {
		clone[k] = append([]string(nil), values...)
	}
	return clone
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}
