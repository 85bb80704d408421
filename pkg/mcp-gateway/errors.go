package mcpgateway

import "errors"

var (
	// ErrUnknownEntry is returned when a public name is not in the registry.
	ErrUnknownEntry = errors.New("mcpgateway: unknown entry")
	// ErrUpstreamUnavailable is returned when the owning upstream has no live
	// connection.
	ErrUpstreamUnavailable = errors.New("mcpgateway: upstream unavailable")
	// ErrUpstreamTimeout is returned when a forwarded request exceeds
	// Options.CallTimeout.
	ErrUpstreamTimeout = errors.New("mcpgateway: upstream timed out")
)
