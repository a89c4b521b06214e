// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

// Package publish assembles development bundles and uploads them to Maven
// style repositories.
package publish

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zosopentools/patchchain/internal/base"
)

// Maven coordinates group:artifact:version
type Coordinates struct {
	Group    string `yaml:"group"`
	Artifact string `yaml:"artifact"`
	Version  string `yaml:"version"`
}

func ParseCoordinates(s string) (Coordinates, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Coordinates{}, fmt.Errorf("coordinates %q are not group:artifact:version", s)
	}
	for _, p := range parts {
		if p == "" || strings.ContainsAny(p, "/\\ ") {
			return Coordinates{}, fmt.Errorf("coordinates %q contain an empty or invalid part", s)
		}
	}
	return Coordinates{Group: parts[0], Artifact: parts[1], Version: parts[2]}, nil
}

func (c Coordinates) String() string {
	return c.Group + ":" + c.Artifact + ":" + c.Version
}

// Directory of the coordinates inside a Maven repository
func (c Coordinates) Dir() string {
	return path.Join(strings.ReplaceAll(c.Group, ".", "/"), c.Artifact, c.Version)
}

// Base name of files published for the coordinates
func (c Coordinates) FileBase() string {
	return c.Artifact + "-" + c.Version
}

// A file shipped in a bundle
type Artifact struct {
	// Name inside the bundle
	Name string

	// Location on disk
	Path string
}

// What a bundle publishes, built fresh for every publish
type Descriptor struct {
	Name         string
	Coordinates  Coordinates
	Dependencies map[string]string
	Repositories []string
	Artifacts    []Artifact
}

// Build the descriptor of a configured bundle
//
// Artifact globs are resolved against root; a glob without matches is an
// error so a bundle never silently ships without an expected file.
func DescriptorOf(root string, b base.BundleConfig) (Descriptor, error) {
	coords, err := ParseCoordinates(b.Coordinates)
	if err != nil {
		return Descriptor{}, fmt.Errorf("bundle %q: %w", b.Name, err)
	}

	desc := Descriptor{
		Name:         b.Name,
		Coordinates:  coords,
		Dependencies: b.Dependencies,
		Repositories: b.Repositories,
	}

	seen := make(map[string]bool)
	for _, pattern := range b.Artifacts {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(root, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return Descriptor{}, fmt.Errorf("bundle %q: %w", b.Name, err)
		}
		if len(matches) == 0 {
			return Descriptor{}, fmt.Errorf("bundle %q: no artifacts match %v", b.Name, pattern)
		}
		sort.Strings(matches)
		for _, m := range matches {
			name := filepath.Base(m)
			if seen[name] {
				return Descriptor{}, fmt.Errorf("bundle %q: two artifacts are named %v", b.Name, name)
			}
			seen[name] = true
			desc.Artifacts = append(desc.Artifacts, Artifact{Name: name, Path: m})
		}
	}
	return desc, nil
}
