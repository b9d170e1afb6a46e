package mcpconfig

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/docker/agent-session-engine/internal/config"
)

// cloudMetadataHosts are refused even though some don't parse as
// loopback/private (the well-known cloud instance-metadata endpoint).
var cloudMetadataHosts = map[string]bool{
	"169.254.169.254":     true,
	"metadata.google.internal": true,
}

// Validate runs the command-injection, SSRF, null-byte, and
// dangerous-env-key checks spec §4.5 requires both at load time and
// again at merge-before-use.
func Validate(s *ServerConfig) error {
	if containsNullByte(s.Command) || containsNullByte(s.URL) {
		return fmt.Errorf("mcpconfig: null byte in server %q", s.Name)
	}
	for _, a := range s.Args {
		if containsNullByte(a) {
			return fmt.Errorf("mcpconfig: null byte in server %q args", s.Name)
		}
	}

	if s.Command != "" && dangerousMetacharacters.MatchString(s.Command) {
		return fmt.Errorf("mcpconfig: server %q command contains disallowed shell metacharacters", s.Name)
	}

	for key := range s.Env {
		if config.DangerousEnvKeys[strings.ToUpper(key)] {
			return fmt.Errorf("mcpconfig: server %q sets disallowed environment variable %q", s.Name, key)
		}
	}

	if s.URL != "" {
		if err := validateURL(s.URL); err != nil {
			return fmt.Errorf("mcpconfig: server %q: %w", s.Name, err)
		}
	}

	return nil
}

func containsNullByte(s string) bool { return strings.ContainsRune(s, 0) }

// validateURL rejects targets that could be used for SSRF: loopback,
// link-local, private (RFC-1918 and IPv6 unique-local), unspecified,
// and known cloud-metadata hostnames — checked against the literal host
// and, for a DNS name, every address it resolves to, since a name that resolves
// to a loopback or private address is exactly as dangerous as a literal
// one. Other reserved ranges (for example 100.64.0.0/10 or 240.0.0.0/4)
// are not checked.
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL has no host")
	}
	if cloudMetadataHosts[strings.ToLower(host)] {
		return fmt.Errorf("URL resolves to a cloud metadata endpoint")
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkDisallowedIP(ip)
	}

	// A DNS name: resolve it and check every returned address, so a
	// hostname pointed at a loopback or private IP can't bypass the
	// literal-IP checks above.
	addrs, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable at validation time; the dial itself will fail.
		// Not treating this as a validation error avoids rejecting
		// servers whose DNS simply isn't available yet at config load.
		return nil
	}
	for _, ip := range addrs {
		if err := checkDisallowedIP(ip); err != nil {
			return err
		}
	}
	return nil
}

func checkDisallowedIP(ip net.IP) error {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate() || ip.IsUnspecified() {
		return fmt.Errorf("URL resolves to a disallowed address range")
	}
	return nil
}

// Sanitize returns a copy of cfg with values of credential-shaped env
// and header keys redacted, for logging or admin-endpoint responses.
func Sanitize(s ServerConfig) ServerConfig {
	s.Env = sanitizeMap(s.Env)
	s.Headers = sanitizeMap(s.Headers)
	return s
}

func sanitizeMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if credentialKeyPattern.MatchString(k) {
			out[k] = redacted
		} else {
			out[k] = v
		}
	}
	return out
}
