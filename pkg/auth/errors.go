package auth

import "errors"

// ErrAuth is the root of every authentication failure produced by this
// package, so callers can test errors.Is(err, auth.ErrAuth).
var ErrAuth = errors.New("auth")

var (
	// ErrDiscovery reports an authorization server metadata document that could
	// not be fetched or parsed.
	ErrDiscovery = authError("authorization server discovery failed")
	// ErrRegistration reports a failed dynamic client registration.
	ErrRegistration = authError("dynamic client registration failed")
	// ErrAuthorizationDenied reports an error returned by the provider on the
	// authorization callback.
	ErrAuthorizationDenied = authError("authorization denied")
	// ErrStateMismatch reports a callback whose state does not match the one
	// sent with the authorization request.
	ErrStateMismatch = authError("authorization state mismatch")
	// ErrMissingCode reports a callback without an authorization code.
	ErrMissingCode = authError("authorization code missing")
	// ErrAuthorizationTimeout reports that no callback arrived in time.
	ErrAuthorizationTimeout = authError("authorization timed out")
	// ErrTokenExchange reports a rejected authorization code exchange.
	ErrTokenExchange = authError("token exchange failed")
	// ErrRefresh reports a rejected refresh token grant.
	ErrRefresh = authError("token refresh failed")
	// ErrCredentialNotFound is returned by a CredentialStore for unknown keys.
	ErrCredentialNotFound = errors.New("auth: credential not found")
)

type sentinel struct {
	msg string
}

func authError(msg string) error { return &sentinel{msg: msg} }

func (e *sentinel) Error() string { return "auth: " + e.msg }

func (e *sentinel) Unwrap() error { return ErrAuth }
