package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultConfigPath returns the resolved config file path using a fallback
// chain:
//
//  1. $GATEWAY_CONFIG environment variable (if set and non-empty)
//  2. $XDG_CONFIG_HOME/alfred-gateway/config.yaml (if XDG_CONFIG_HOME is set)
//  3. ~/.config/alfred-gateway/config.yaml
func DefaultConfigPath() string {
	if envPath := strings.TrimSpace(os.Getenv("GATEWAY_CONFIG")); envPath != "" {
		return envPath
	}

	return filepath.Join(xdgConfigHome(), "alfred-gateway", "config.yaml")
}

// DefaultAuthDir returns the resolved credential directory using a fallback
// chain:
//
//  1. $XDG_DATA_HOME/alfred-gateway/auth (if XDG_DATA_HOME is set)
//  2. ~/.local/share/alfred-gateway/auth
func DefaultAuthDir() string {
	return filepath.Join(xdgDataHome(), "alfred-gateway", "auth")
}

// EnsureDir creates a directory (and its parents) with mode 0700 if it does
// not already exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o700)
}

func xdgConfigHome() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); dir != "" {
		return dir
	}
	return filepath.Join(homeDir(), ".config")
}

func xdgDataHome() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dir != "" {
		return dir
	}
	return filepath.Join(homeDir(), ".local", "share")
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}

	// fallback for unusual environments
	return "/tmp/alfred-gateway-" + strconv.Itoa(os.Getuid())
}
