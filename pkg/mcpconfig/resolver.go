package mcpconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"dario.cat/mergo"

	"github.com/docker/agent-session-engine/pkg/cache"
	"github.com/docker/agent-session-engine/pkg/env"
	"github.com/docker/agent-session-engine/pkg/session"
	pkgsync "github.com/docker/agent-session-engine/pkg/sync"
)

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Resolver implements the three-tier MCP server merge: application file
// (loaded once at startup) + tenant cache records + an optional
// per-request override map, with request > tenant > application
// precedence and full-replacement on name collision.
type Resolver struct {
	appConfigPath string
	cache         cache.Cache
	envProvider   env.Provider
	log           *slog.Logger

	loadApp func() (map[string]ServerConfig, error)
}

func NewResolver(appConfigPath string, c cache.Cache, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	r := &Resolver{
		appConfigPath: appConfigPath,
		cache:         c,
		// Wrapped in NoFailProvider so a placeholder lookup never
		// returns an error (resolveString only needs to check for an
		// empty value), and in MultiProvider so a future second source
		// (e.g. a secrets-manager-backed env.Provider) can be added
		// ahead of the process environment without touching call sites.
		envProvider: env.NewNoFailProvider(env.NewMultiProvider(env.NewEnvVariableProvider())),
		log:         log,
	}
	// Loaded once at startup and cached in memory, per spec §4.5 — the
	// same "compute once, reuse forever" shape as pkg/sync.OnceErr.
	r.loadApp = pkgsync.OnceErr(r.loadApplicationTier)
	return r
}

func tenantKey(owner session.OwnerHash, name string) string {
	return fmt.Sprintf("mcp_server:%s:%s", owner.String(), name)
}

// Resolve returns the merged server map for one request. requestServers
// is nil when the field was absent, and a non-nil empty map when the
// client sent an explicit `{}` opt-out.
func (r *Resolver) Resolve(ctx context.Context, owner session.OwnerHash, requestServers map[string]ServerConfig, requestFieldPresent bool) (map[string]ServerConfig, error) {
	if requestFieldPresent && len(requestServers) == 0 {
		// Explicit {} opt-out: client takes full control, no injection.
		return map[string]ServerConfig{}, nil
	}

	app, err := r.loadApp()
	if err != nil {
		return nil, fmt.Errorf("loading application mcp tier: %w", err)
	}

	tenant, err := r.loadTenantTier(ctx, owner)
	if err != nil {
		r.log.Warn("tenant mcp tier read failed, continuing without it", "error", err)
		tenant = nil
	}

	merged := map[string]ServerConfig{}
	for name, cfg := range app {
		merged[name] = cfg
	}
	for name, cfg := range tenant {
		merged[name] = cfg // full replacement, not a deep merge
	}
	for name, cfg := range requestServers {
		merged[name] = cfg
	}

	for name, cfg := range merged {
		cfg.Name = name
		if err := Validate(&cfg); err != nil {
			return nil, err
		}
		merged[name] = cfg
	}

	return merged, nil
}

// loadApplicationTier reads the well-known JSON file once, resolving
// ${VAR} placeholders server-side from the process environment only.
// An invalid individual server entry is skipped with a warning rather
// than failing the whole file; a missing file yields an empty tier.
func (r *Resolver) loadApplicationTier() (map[string]ServerConfig, error) {
	data, err := os.ReadFile(r.appConfigPath)
	if os.IsNotExist(err) {
		return map[string]ServerConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", r.appConfigPath, err)
	}

	var raw map[string]ServerConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", r.appConfigPath, err)
	}

	out := make(map[string]ServerConfig, len(raw))
	for name, cfg := range raw {
		cfg.Name = name
		r.resolvePlaceholders(&cfg)
		if err := Validate(&cfg); err != nil {
			r.log.Warn("skipping invalid application-tier mcp server", "server", name, "error", err)
			continue
		}
		out[name] = cfg
	}
	return out, nil
}

func (r *Resolver) resolvePlaceholders(cfg *ServerConfig) {
	cfg.Command = r.resolveString(cfg.Command)
	for i, a := range cfg.Args {
		cfg.Args[i] = r.resolveString(a)
	}
	cfg.Env = r.resolveMap(cfg.Env)
	cfg.URL = r.resolveString(cfg.URL)
	cfg.Headers = r.resolveMap(cfg.Headers)
}

func (r *Resolver) resolveMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = r.resolveString(v)
	}
	return out
}

func (r *Resolver) resolveString(s string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		val, err := r.envProvider.GetEnv(context.Background(), name)
		if err != nil || val == "" {
			r.log.Warn("mcp config placeholder left unresolved", "variable", name)
			return match
		}
		return val
	})
}

func (r *Resolver) loadTenantTier(ctx context.Context, owner session.OwnerHash) (map[string]ServerConfig, error) {
	names, err := r.cache.Members(ctx, tenantIndexKey(owner))
	if err != nil {
		return nil, err
	}

	out := make(map[string]ServerConfig, len(names))
	for _, name := range names {
		entryRaw, ok, err := r.cache.Get(ctx, tenantKey(owner, name))
		if err != nil || !ok {
			continue
		}
		var cfg ServerConfig
		if err := json.Unmarshal(entryRaw, &cfg); err != nil {
			r.log.Warn("skipping malformed tenant mcp server", "server", name, "error", err)
			continue
		}
		cfg.Name = name
		out[name] = cfg
	}
	return out, nil
}

func tenantIndexKey(owner session.OwnerHash) string { return "mcp_server_index:" + owner.String() }

// PutTenantServer registers or replaces one tenant-scoped MCP server via
// the admin surface. Header/env maps supplied with this call are merged
// into any existing record for the same name rather than replaced
// wholesale, using mergo — cross-tier precedence above is still a full
// replace; this merge only applies within one already-selected record.
func (r *Resolver) PutTenantServer(ctx context.Context, owner session.OwnerHash, name string, update ServerConfig) error {
	existing, ok, err := r.cache.Get(ctx, tenantKey(owner, name))
	if err != nil {
		return err
	}
	merged := update
	if ok {
		var prev ServerConfig
		if err := json.Unmarshal(existing, &prev); err == nil {
			if err := mergo.Merge(&merged, prev); err != nil {
				return fmt.Errorf("merging tenant mcp server %q: %w", name, err)
			}
		}
	}
	merged.Name = name
	if err := Validate(&merged); err != nil {
		return err
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	if err := r.cache.Set(ctx, tenantKey(owner, name), raw, 0); err != nil {
		return err
	}
	return r.addToTenantIndex(ctx, owner, name)
}

func (r *Resolver) addToTenantIndex(ctx context.Context, owner session.OwnerHash, name string) error {
	return r.cache.AddMember(ctx, tenantIndexKey(owner), name)
}
