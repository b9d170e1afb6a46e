// Package config loads process-level settings for the session engine from
// the environment, with an optional YAML file for local overrides.
package config

import (
	"cmp"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the full configuration surface listed in spec §6.
type Config struct {
	ListenAddr      string `yaml:"listen_addr"`
	DatabaseURL     string `yaml:"database_url"`
	CacheURL        string `yaml:"cache_url"`
	APIKey          string `yaml:"api_key"`
	TrustProxyHdrs  bool   `yaml:"trust_proxy_headers"`
	CORSOrigins     []string `yaml:"cors_origins"`
	DBPoolSize      int    `yaml:"db_pool_size"`
	DBMaxOverflow   int    `yaml:"db_max_overflow"`
	CacheMaxConns   int    `yaml:"cache_max_connections"`
	CacheSocketTimeout time.Duration `yaml:"cache_socket_timeout"`
	SessionCacheTTL time.Duration `yaml:"session_cache_ttl"`
	McpConfigFile   string `yaml:"mcp_config_file"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Debug           bool   `yaml:"debug"`
}

// Defaults mirrors the teacher's pattern of cheap, explicit zero-value
// fallbacks (cmp.Or) rather than a reflection-based defaulting library.
func Defaults() Config {
	return Config{
		ListenAddr:         ":8080",
		DBPoolSize:         10,
		DBMaxOverflow:      5,
		CacheMaxConns:      10,
		CacheSocketTimeout: 5 * time.Second,
		SessionCacheTTL:    2 * time.Hour,
		McpConfigFile:      ".mcp-server-config.json",
		HeartbeatInterval:  15 * time.Second,
	}
}

// Load reads defaults, then an optional YAML file, then environment
// variables (highest precedence), and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.ListenAddr = cmp.Or(os.Getenv("LISTEN_ADDR"), cfg.ListenAddr)
	cfg.DatabaseURL = cmp.Or(os.Getenv("DATABASE_URL"), cfg.DatabaseURL)
	cfg.CacheURL = cmp.Or(os.Getenv("CACHE_URL"), cfg.CacheURL)
	cfg.APIKey = cmp.Or(os.Getenv("API_KEY"), cfg.APIKey)
	cfg.McpConfigFile = cmp.Or(os.Getenv("MCP_CONFIG_FILE"), cfg.McpConfigFile)

	if v := os.Getenv("TRUST_PROXY_HEADERS"); v != "" {
		cfg.TrustProxyHdrs = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("DB_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DBPoolSize = n
		}
	}
	if v := os.Getenv("DEBUG"); v != "" {
		cfg.Debug = v == "1" || strings.EqualFold(v, "true")
	}
}

// validate ensures the dangerous defaults (wildcard CORS outside debug,
// missing API key) are rejected per spec §6.
func validate(cfg *Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if cfg.CacheURL == "" {
		return fmt.Errorf("cache_url is required")
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	for _, origin := range cfg.CORSOrigins {
		if origin == "*" && !cfg.Debug {
			return fmt.Errorf("cors_origins: wildcard not allowed outside debug mode")
		}
	}
	return nil
}

// DangerousEnvKeys are refused in any request-supplied env map (spec §6).
var DangerousEnvKeys = map[string]bool{
	"LD_PRELOAD":      true,
	"LD_LIBRARY_PATH": true,
	"PATH":            true,
}
