package config

import (
	"os"
	"path/filepath"
)

// GetConfigDir returns the user's config directory for the session engine.
// Falls back to the temp directory if the home directory can't be determined.
func GetConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".agent-session-engine")
	}
	return filepath.Join(homeDir, ".config", "agent-session-engine")
}
