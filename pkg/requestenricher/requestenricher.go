// Package requestenricher runs the pre-invocation pipeline (spec §4.6
// step 3, detailed across §4.5/§4.6): binding the owner hash, resolving
// the MCP three-tier merge, normalising the permission mode, and
// validating inputs before AgentRunner constructs its invocation
// options. Grounded on the teacher's path/command validation helpers in
// pkg/server/server.go, generalized from path traversal to the
// broader command-injection/SSRF/null-byte/dangerous-env-key checks the
// MCP resolver already runs, plus the request-level prompt/env checks.
package requestenricher

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/agent-session-engine/internal/config"
	"github.com/docker/agent-session-engine/pkg/agentruntime"
	"github.com/docker/agent-session-engine/pkg/mcpconfig"
	"github.com/docker/agent-session-engine/pkg/session"
)

// Request is the raw, client-supplied query, before enrichment.
type Request struct {
	Prompt            string
	Model             string
	WorkingDir        string
	Env               map[string]string
	PermissionMode    string
	McpServers        map[string]mcpconfig.ServerConfig
	McpServersPresent bool
	AllowedTools      []string
	DeniedTools       []string
	Checkpointing     bool
}

// Enriched is the fully bound request AgentRunner turns directly into
// agentruntime.InvocationOptions.
type Enriched struct {
	Owner          session.OwnerHash
	Prompt         string
	Model          string
	WorkingDir     string
	Env            map[string]string
	PermissionMode agentruntime.PermissionMode
	McpServers     map[string]mcpconfig.ServerConfig
	AllowedTools   []string
	DeniedTools    []string
	Checkpointing  bool
}

// Enricher composes the resolver and validation needed to turn a raw
// request into one safe to hand to AgentRunner.
type Enricher struct {
	mcp *mcpconfig.Resolver
}

func New(mcp *mcpconfig.Resolver) *Enricher {
	return &Enricher{mcp: mcp}
}

// Enrich binds owner, merges MCP servers, normalises the permission
// mode, and validates the request. Any failure here must surface as a
// normal HTTP validation error, never be allowed to reach AgentRunner.
func (e *Enricher) Enrich(ctx context.Context, req Request, owner session.OwnerHash) (*Enriched, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("requestenricher: prompt must not be empty")
	}

	if err := validateEnv(req.Env); err != nil {
		return nil, err
	}

	servers, err := e.mcp.Resolve(ctx, owner, req.McpServers, req.McpServersPresent)
	if err != nil {
		return nil, fmt.Errorf("requestenricher: resolving mcp servers: %w", err)
	}

	mode := normalizePermissionMode(req.PermissionMode)

	return &Enriched{
		Owner:          owner,
		Prompt:         req.Prompt,
		Model:          req.Model,
		WorkingDir:     req.WorkingDir,
		Env:            req.Env,
		PermissionMode: mode,
		McpServers:     servers,
		AllowedTools:   req.AllowedTools,
		DeniedTools:    req.DeniedTools,
		Checkpointing:  req.Checkpointing,
	}, nil
}

func validateEnv(env map[string]string) error {
	for key := range env {
		if config.DangerousEnvKeys[strings.ToUpper(key)] {
			return fmt.Errorf("requestenricher: environment variable %q is not allowed", key)
		}
		if strings.ContainsRune(key, 0) {
			return fmt.Errorf("requestenricher: environment variable name contains a null byte")
		}
	}
	return nil
}

func normalizePermissionMode(raw string) agentruntime.PermissionMode {
	switch agentruntime.PermissionMode(raw) {
	case agentruntime.PermissionAcceptEdits, agentruntime.PermissionBypass, agentruntime.PermissionPlan:
		return agentruntime.PermissionMode(raw)
	default:
		return agentruntime.PermissionDefault
	}
}
