// Package workdir confines run working directories to a configured base path
// so a spawned agent can never be pointed outside it.
package workdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	rootMu         sync.RWMutex
	configuredRoot string
	configuredReal string
)

func init() {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "/"
	}
	resolved := filepath.Clean(home)
	real := resolved
	if resolvedReal, err := filepath.EvalSymlinks(resolved); err == nil {
		real = resolvedReal
	}
	configuredRoot = resolved
	configuredReal = real
}

// SetRoot fixes the base path runs are confined to. Empty means the user's
// home directory. Returns the symlink-resolved root.
func SetRoot(basePath string) (string, error) {
	if strings.TrimSpace(basePath) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		basePath = home
	}
	resolved := filepath.Clean(basePath)
	real, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		return "", err
	}

	rootMu.Lock()
	configuredRoot = resolved
	configuredReal = real
	rootMu.Unlock()
	return real, nil
}

func Root() string {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return configuredReal
}

// Resolve validates a requested working directory: it must exist, be a
// directory, and sit inside the configured root after symlink resolution.
// An empty request resolves to the root itself.
func Resolve(requested string) (string, error) {
	rootMu.RLock()
	root := configuredRoot
	rootReal := configuredReal
	rootMu.RUnlock()

	if strings.TrimSpace(requested) == "" {
		requested = root
	}
	resolved := filepath.Clean(requested)
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	real, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		return "", fmt.Errorf("working directory does not exist: %s", requested)
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory is not a directory: %s", requested)
	}
	if real != rootReal && !strings.HasPrefix(real, rootReal+string(filepath.Separator)) {
		return "", errors.New("working directory must be inside the configured base path")
	}
	return real, nil
}
