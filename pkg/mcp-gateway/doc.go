// Package mcpgateway exposes an HTTP-facing aggregation layer that mirrors the
// tools, prompts, and resources of every upstream managed by mcpmgr over a
// single Streamable MCP server.
//
// Tools and prompts are published as "<serverID>__<name>" and resources as
// "<serverID>://<uri>". Requests are routed back to the owning upstream by
// registry lookup; the upstream answer is returned unchanged.
package mcpgateway
