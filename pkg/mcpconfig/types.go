// Package mcpconfig resolves the three-tier MCP server configuration
// (application file, tenant cache records, request overrides) described
// in spec §4.5, with security validation run both at load time and
// again at merge-before-use.
package mcpconfig

import "regexp"

// Transport is the MCP server's wire transport, mirroring the
// command/stdio vs. url/sse-http split the teacher's toolset loader uses.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportSSE   Transport = "sse"
	TransportHTTP  Transport = "http"
)

// ServerConfig is one MCP server record, regardless of which tier it
// came from.
type ServerConfig struct {
	Name string `json:"-"`

	// stdio transport
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// sse/http transport
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	UseSSE    bool              `json:"sse,omitempty"`
}

func (s *ServerConfig) Transport() Transport {
	if s.URL == "" {
		return TransportStdio
	}
	if s.UseSSE {
		return TransportSSE
	}
	return TransportHTTP
}

// dangerousMetacharacters are rejected in command strings (spec §4.5).
var dangerousMetacharacters = regexp.MustCompile(`[;&|` + "`" + `$(){}\[\]<>!\n\r\\]`)

// credentialKeyPattern matches config keys whose values must be
// redacted before a record is logged or returned via an admin endpoint.
var credentialKeyPattern = regexp.MustCompile(`(?i)(api_?key|secret|password|token|auth|credential|authorization)`)

const redacted = "***REDACTED***"
