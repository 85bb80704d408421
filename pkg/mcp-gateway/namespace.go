package mcpgateway

import "strings"

// NamespaceStrategy generates the downstream identifiers for upstream MCP
// servers and reverses them. Implementations must be deterministic and
// collision-free for distinct serverIDs.
type NamespaceStrategy interface {
	ToolName(serverID, toolName string) string
	PromptName(serverID, promptName string) string
	ResourceURI(serverID, resourceURI string) string
	NativeName(serverID, gatewayName string) (string, bool)
	NativeResourceURI(serverID, gatewayURI string) (string, bool)
}

// ServerPrefixNamespace prefixes tool and prompt names with "<serverID>__" and
// resource URIs with "<serverID>://".
type ServerPrefixNamespace struct {
	Separator string
}

const resourceSeparator = "://"

func (s ServerPrefixNamespace) separator() string {
	if s.Separator == "" {
		return "__"
	}
	return s.Separator
}

func (s ServerPrefixNamespace) ToolName(serverID, toolName string) string {
	return serverID + s.separator() + toolName
}

func (s ServerPrefixNamespace) PromptName(serverID, promptName string) string {
	return serverID + s.separator() + promptName
}

func (s ServerPrefixNamespace) ResourceURI(serverID, resourceURI string) string {
	return serverID + resourceSeparator + resourceURI
}

func (s ServerPrefixNamespace) NativeName(serverID, gatewayName string) (string, bool) {
	return strings.CutPrefix(gatewayName, serverID+s.separator())
}

func (s ServerPrefixNamespace) NativeResourceURI(serverID, gatewayURI string) (string, bool) {
	return strings.CutPrefix(gatewayURI, serverID+resourceSeparator)
}
