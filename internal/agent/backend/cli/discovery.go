package cli

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/harunnryd/genkan/internal/errors"
)

// FindBinary locates the claude binary. Order: explicit config path, PATH
// lookup, then common install locations.
func FindBinary(configured string) (string, error) {
	if configured != "" {
		if isExecutable(configured) {
			return configured, nil
		}
		return "", errors.NotFound("configured cli path is not executable: " + configured)
	}

	if path, err := exec.LookPath("claude"); err == nil {
		return path, nil
	}

	home, _ := os.UserHomeDir()
	patterns := []string{
		filepath.Join(home, ".nvm", "versions", "node", "*", "bin", "claude"),
		filepath.Join(home, ".npm-global", "bin", "claude"),
		filepath.Join(home, "node_modules", ".bin", "claude"),
		filepath.Join(home, ".local", "bin", "claude"),
		"/usr/local/bin/claude",
		"/usr/bin/claude",
	}

	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if isExecutable(m) {
				return m, nil
			}
		}
	}

	return "", errors.NotFound("claude cli not found in PATH or common install locations")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
