// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

// Package direct loads directives controlling which paths make up a tree.
//
// Ignore rules keep tooling directories (.git, IDE state, patch rejects) out of
// every tree. Import directives select the extra upstream sources a normal mode
// task adopts on top of its base, the partial adoption used for development
// sources that are only imported once a patch needs them.
package direct

import (
	_ "embed"
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var _DEFAULTS_EMBED []byte

const (
	// Import a single file
	FileType = "FILE"

	// Import every file below a directory
	DirType = "DIR"
)

// Directive description for importing upstream sources into a base tree
type ImportDirective struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

// Directives related to a given task
type Directives struct {
	Ignore  []string          `yaml:"ignore"`
	Imports []ImportDirective `yaml:"imports"`
}

// Returns the embedded defaults
func Defaults() Directives {
	var d Directives
	if err := yaml.Unmarshal(_DEFAULTS_EMBED, &d); err != nil {
		panic("default directives file is formatted incorrectly")
	}
	return d
}

// Parse directives from source
func Parse(src []byte) (Directives, error) {
	var d Directives
	if err := yaml.Unmarshal(src, &d); err != nil {
		return Directives{}, err
	}
	for i, imp := range d.Imports {
		imp.Type = strings.ToUpper(strings.TrimSpace(imp.Type))
		if imp.Type == "" {
			imp.Type = FileType
		}
		if imp.Type != FileType && imp.Type != DirType {
			return Directives{}, fmt.Errorf("import %q: unknown directive type %q", imp.Path, imp.Type)
		}
		clean := path.Clean(strings.TrimPrefix(imp.Path, "/"))
		if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
			return Directives{}, fmt.Errorf("import %q: path must stay inside the import source", imp.Path)
		}
		imp.Path = clean
		d.Imports[i] = imp
	}
	return d, nil
}

// Load the defaults with the directive file at path applied on top
//
// An empty path yields the defaults.
func Load(file string) (Directives, error) {
	d := Defaults()
	if file == "" {
		return d, nil
	}

	src, err := os.ReadFile(file)
	if err != nil {
		return Directives{}, fmt.Errorf("unable to read import directives: %w", err)
	}
	overlay, err := Parse(src)
	if err != nil {
		return Directives{}, fmt.Errorf("%v: %w", file, err)
	}
	return d.Apply(overlay), nil
}

// Applies the given directives on top of the current ones
func (d Directives) Apply(overlay Directives) Directives {
	out := Directives{
		Ignore:  append(append([]string{}, d.Ignore...), overlay.Ignore...),
		Imports: append([]ImportDirective{}, d.Imports...),
	}

	seen := make(map[string]int, len(out.Imports))
	for i, imp := range out.Imports {
		seen[imp.Path] = i
	}
	for _, imp := range overlay.Imports {
		if i, ok := seen[imp.Path]; ok {
			out.Imports[i] = imp
			continue
		}
		seen[imp.Path] = len(out.Imports)
		out.Imports = append(out.Imports, imp)
	}
	return out
}

// Report whether any element of the slash separated path matches an ignore rule
func (d Directives) Ignored(rel string) bool {
	for _, elem := range strings.Split(rel, "/") {
		for _, pattern := range d.Ignore {
			if ok, _ := path.Match(pattern, elem); ok {
				return true
			}
		}
	}
	return false
}

// Report whether the slash separated path is selected by an import directive
func (d Directives) Imported(rel string) bool {
	for _, imp := range d.Imports {
		switch imp.Type {
		case FileType:
			if rel == imp.Path {
				return true
			}
		case DirType:
			if strings.HasPrefix(rel, imp.Path+"/") {
				return true
			}
		}
	}
	return false
}
