// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package patch

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/zosopentools/patchchain/internal/base"
	"github.com/zosopentools/patchchain/internal/util"
)

// Manifest records what a patch stack was built against
type Manifest struct {
	Task string `yaml:"task"`

	// Upstream commit the base tree came from
	BaseCommit string `yaml:"base_commit,omitempty"`

	BaseDigest  string   `yaml:"base_digest"`
	StackDigest string   `yaml:"stack_digest"`
	Patches     []string `yaml:"patches,omitempty"`
}

// Read the manifest of a patch directory, ok is false when there is none
func ReadManifest(dir string) (m Manifest, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(dir, base.ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, false, nil
		}
		return Manifest{}, false, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, false, fmt.Errorf("%v: manifest is formatted incorrectly: %w", dir, err)
	}
	return m, true, nil
}

// Write the manifest of a patch directory
//
// Returns false when the manifest on disk already had the same content.
func WriteManifest(dir string, m Manifest) (bool, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return false, err
	}
	path := filepath.Join(dir, base.ManifestFile)
	if old, err := os.ReadFile(path); err == nil && bytes.Equal(old, data) {
		return false, nil
	}
	return true, util.WriteFileAtomic(path, data, 0644)
}
