package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Default locations, before expansion.
const (
	defaultConfigDir = "~/.config/expense"
	defaultDataDir   = "~/.local/share/expense"
)

// ExpandPath expands $VAR references and a leading ~ in path. The path is returned
// unchanged when the home directory cannot be determined.
func ExpandPath(path string) string {
	path = os.ExpandEnv(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}

// DefaultConfigDir is where the CLI looks for config.yaml and .env.
func DefaultConfigDir() string {
	return ExpandPath(defaultConfigDir)
}
