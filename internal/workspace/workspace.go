// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

// Package workspace tracks where things live on disk: upstream checkouts,
// patch directories, output directories, and the state directory holding
// advisory locks and per-task state.
package workspace

import (
	"path/filepath"
	"strings"

	"github.com/zosopentools/patchchain/internal/base"
)

// Store resolves the on-disk layout of a workspace
type Store struct {
	root     string
	stateDir string
}

// Locations used by a single patch task
type TaskPaths struct {
	PatchDir  string
	OutputDir string
	Imports   string
}

func New(cfg base.Config) *Store {
	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = base.DefaultStateDir
	}
	return &Store{
		root:     cfg.Workspace,
		stateDir: cfg.Path(stateDir),
	}
}

// Root returns the workspace root directory
func (s *Store) Root() string {
	return s.root
}

// StateDir returns the directory holding locks and state files
func (s *Store) StateDir() string {
	return s.stateDir
}

// Resolve a workspace relative path
func (s *Store) Path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(s.root, rel)
}

func (s *Store) Task(t base.TaskConfig) TaskPaths {
	paths := TaskPaths{
		PatchDir:  s.Path(t.PatchDir),
		OutputDir: s.Path(t.OutputDir),
	}
	if t.Imports != "" {
		paths.Imports = s.Path(t.Imports)
	}
	return paths
}

// Checkout directory of an upstream
func (s *Store) UpstreamDir(u base.UpstreamConfig) string {
	return s.Path(u.Dir)
}

func (s *Store) locksDir() string {
	return filepath.Join(s.stateDir, "locks")
}

func (s *Store) tasksDir() string {
	return filepath.Join(s.stateDir, "state")
}

func (s *Store) upstreamsDir() string {
	return filepath.Join(s.stateDir, "upstream-state")
}

// Lock names derived from paths keep one lock per directory no matter which
// task or command refers to it.
func OutputLockName(outputDir string) string {
	return "output-" + sanitize(outputDir)
}

func UpstreamLockName(name string) string {
	return "upstream-" + sanitize(name)
}

const PublishLockName = "publish"

func sanitize(name string) string {
	name = filepath.ToSlash(filepath.Clean(name))
	name = strings.TrimPrefix(name, "/")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
