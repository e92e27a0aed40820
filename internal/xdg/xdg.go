// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

// Package xdg provides XDG Base Directory paths for activitylog.
package xdg

import (
	"fmt"
	"os"
	"path/filepath"
)

const appName = "activitylog"

// ConfigDir returns the XDG config directory for activitylog.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() (string, error) {
	return dir("XDG_CONFIG_HOME", ".config")
}

// DataDir returns the XDG data directory for activitylog.
// Checks XDG_DATA_HOME first, falls back to ~/.local/share.
func DataDir() (string, error) {
	return dir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// ConfigFile returns the default config file path and whether it exists.
func ConfigFile() (string, bool) {
	d, err := ConfigDir()
	if err != nil {
		return "", false
	}
	path := filepath.Join(d, "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return path, false
	}
	return path, true
}

// DataPath resolves name against DataDir unless it is already absolute.
func DataPath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	d, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, name), nil
}

// EnsureDir creates a directory and all parent directories if they don't exist.
// Directories are created with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

func dir(envVar, homeRel string) (string, error) {
	base := os.Getenv(envVar)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		base = filepath.Join(home, homeRel)
	}
	return filepath.Join(base, appName), nil
}
