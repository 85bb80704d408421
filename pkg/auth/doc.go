// Package auth obtains bearer credentials for OAuth2-protected upstream MCP
// servers. It implements the client side of the MCP authorization flow:
// authorization server metadata discovery (RFC 8414), dynamic client
// registration (RFC 7591), the authorization code grant with PKCE (RFC 7636)
// completed through a loopback callback listener, and refresh token grants.
//
// Manager.Acquire is the entry point. It returns a stored credential while it
// is valid, refreshes an expired one once, and falls back to a full browser
// authorization when refreshing is impossible or fails. Credentials are
// persisted through a CredentialStore keyed by upstream server ID.
package auth
