// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

// Package base holds the configuration, error taxonomy and report structures
// shared by every patchchain component.
package base

import (
	"os"
	"path/filepath"
	"regexp"
)

const (
	// Environment variable naming the configuration file
	ConfigEnv = "PATCHCHAIN_CONFIG"

	// Configuration file used when neither --config nor PATCHCHAIN_CONFIG is set
	DefaultConfigFile = "patchchain.yaml"

	// Directory (relative to the workspace root) holding locks and state
	DefaultStateDir = ".patchchain"

	// Name of the manifest stored next to every patch stack
	ManifestFile = "manifest.yaml"

	// Extension of patch files inside a patch directory
	PatchExt = ".patch"
)

// Process exit codes, one per error kind
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitUsage          = 2
	ExitConflict       = 3
	ExitAmbiguity      = 4
	ExitBusy           = 5
	ExitPublish        = 6
	ExitTimeout        = 7
	ExitSync           = 8
	ExitOutputModified = 9
)

// Locate the configuration file
//
// An explicit path wins, then PATCHCHAIN_CONFIG, then patchchain.yaml in dir.
func ConfigPath(explicit string, dir string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(ConfigEnv); env != "" {
		return env
	}
	return filepath.Join(dir, DefaultConfigFile)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// Expand ${VAR} and ${VAR:-default} patterns
//
// Values in vars take precedence over the process environment.
func ExpandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}
