package domain

// MCP method names handled by the transport
const (
	// Handshake methods
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodCancelled   = "notifications/cancelled"

	// Utility methods
	MethodPing = "ping"

	// Server-originated diagnostics
	MethodInitializeTimeout = "notifications/initializeTimeout"
)

// ProtocolVersion is the MCP protocol revision this transport speaks.
const ProtocolVersion = "2024-11-05"

// ServerInfo contains information about the server
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientInfo contains information about the connecting client
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities represents the server's capabilities
type Capabilities struct {
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
}

// ResourcesCapability indicates support for resources
type ResourcesCapability struct{}

// ToolsCapability indicates support for tools
type ToolsCapability struct{}

// PromptsCapability indicates support for prompts
type PromptsCapability struct{}

// InitializeParams represents parameters for the initialize method
type InitializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ClientInfo      ClientInfo   `json:"clientInfo"`
	Capabilities    Capabilities `json:"capabilities"`
}

// InitializeResult represents the result of the initialize method
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
	Capabilities    Capabilities `json:"capabilities"`
}
