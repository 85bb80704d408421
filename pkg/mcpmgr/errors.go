package mcpmgr

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedTransport is returned for transport variants that are
	// declared but not implemented.
	ErrUnsupportedTransport = errors.New("mcpmgr: unsupported transport")
	// ErrNotConnected is returned by forwarding helpers when the server has no
	// live session.
	ErrNotConnected  = errors.New("mcpmgr: server not connected")
	ErrUnknownServer = errors.New("mcpmgr: unknown server")
	ErrInvalidConfig = errors.New("mcpmgr: invalid server config")
)

// ConnectError reports a transport-level failure to reach an upstream.
type ConnectError struct {
	ServerID string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mcpmgr: connect %q: %v", e.ServerID, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError reports that credentials for an upstream could not be obtained.
// The wrapped error is the authentication manager's own error.
type AuthError struct {
	ServerID string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("mcpmgr: authenticate %q: %v", e.ServerID, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }
