// Package util provides shared utility functions.
package util

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// ErrBinaryNotFound is returned when no usable executable could be located.
var ErrBinaryNotFound = errors.New("binary not found")

// FindBinary locates an executable by name.
// Search order:
//  1. configured (an explicit path from configuration, if non-empty)
//  2. the environment variable envVar (if non-empty and set)
//  3. name on PATH
//
// An explicit configured path that is not executable is an error rather than
// a reason to fall through; silently running a different binary is worse.
func FindBinary(configured, name, envVar string) (string, error) {
	if configured != "" {
		if isExecutable(configured) {
			return configured, nil
		}
		return "", fmt.Errorf("%w: %s is not an executable file", ErrBinaryNotFound, configured)
	}

	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" && isExecutable(envPath) {
			return envPath, nil
		}
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
