// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package publish

import (
	"archive/tar"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const (
	BundleFile    = "bundle.yaml"
	ArtifactsDir  = "artifacts/"
	ArchiveSuffix = ".tar.zst"
)

// Contents of bundle.yaml
type Manifest struct {
	Coordinates  string            `yaml:"coordinates"`
	Dependencies map[string]string `yaml:"dependencies,omitempty"`
	Repositories []string          `yaml:"repositories,omitempty"`
	Artifacts    []string          `yaml:"artifacts,omitempty"`
}

// Archive entries carry a fixed time so the same inputs give the same bytes
var epoch = time.Unix(0, 0).UTC()

// Build the bundle archive: bundle.yaml followed by every artifact, as a zstd
// compressed tar
func Build(desc Descriptor) ([]byte, error) {
	manifest := Manifest{
		Coordinates:  desc.Coordinates.String(),
		Dependencies: desc.Dependencies,
		Repositories: desc.Repositories,
	}
	for _, a := range desc.Artifacts {
		manifest.Artifacts = append(manifest.Artifacts, ArtifactsDir+a.Name)
	}
	meta, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(zw)

	if err := writeEntry(tw, BundleFile, 0644, int64(len(meta)), bytes.NewReader(meta)); err != nil {
		return nil, err
	}

	artifacts := append([]Artifact(nil), desc.Artifacts...)
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Name < artifacts[j].Name })
	for _, a := range artifacts {
		if err := addFile(tw, ArtifactsDir+a.Name, a.Path); err != nil {
			return nil, fmt.Errorf("artifact %v: %w", a.Name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func addFile(tw *tar.Writer, name string, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%v is not a regular file", path)
	}
	return writeEntry(tw, name, int64(info.Mode().Perm()), info.Size(), f)
}

func writeEntry(tw *tar.Writer, name string, mode int64, size int64, r io.Reader) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     mode,
		Size:     size,
		ModTime:  epoch,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := io.Copy(tw, r)
	return err
}

// Read bundle.yaml and the artifact names back out of an archive
func Inspect(archive []byte) (Manifest, []string, error) {
	zr, err := zstd.NewReader(bytes.NewReader(archive))
	if err != nil {
		return Manifest{}, nil, err
	}
	defer zr.Close()

	var manifest Manifest
	var names []string
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Manifest{}, nil, err
		}
		names = append(names, hdr.Name)
		if hdr.Name == BundleFile {
			data, err := io.ReadAll(tr)
			if err != nil {
				return Manifest{}, nil, err
			}
			if err := yaml.Unmarshal(data, &manifest); err != nil {
				return Manifest{}, nil, fmt.Errorf("%v is formatted incorrectly: %w", BundleFile, err)
			}
		}
	}
	return manifest, names, nil
}

type pomDependency struct {
	GroupID    string `xml:"groupId"`
	ArtifactID string `xml:"artifactId"`
	Version    string `xml:"version,omitempty"`
}

type pomRepository struct {
	ID  string `xml:"id"`
	URL string `xml:"url"`
}

type pom struct {
	XMLName      xml.Name        `xml:"project"`
	Xmlns        string          `xml:"xmlns,attr"`
	ModelVersion string          `xml:"modelVersion"`
	GroupID      string          `xml:"groupId"`
	ArtifactID   string          `xml:"artifactId"`
	Version      string          `xml:"version"`
	Packaging    string          `xml:"packaging"`
	Dependencies []pomDependency `xml:"dependencies>dependency,omitempty"`
	Repositories []pomRepository `xml:"repositories>repository,omitempty"`
}

// POM describing the bundle so Maven clients can resolve it
func POM(desc Descriptor) ([]byte, error) {
	p := pom{
		Xmlns:        "http://maven.apache.org/POM/4.0.0",
		ModelVersion: "4.0.0",
		GroupID:      desc.Coordinates.Group,
		ArtifactID:   desc.Coordinates.Artifact,
		Version:      desc.Coordinates.Version,
		Packaging:    "tar.zst",
	}

	names := make([]string, 0, len(desc.Dependencies))
	for name := range desc.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dep := pomDependency{ArtifactID: desc.Dependencies[name]}
		if c, err := ParseCoordinates(desc.Dependencies[name]); err == nil {
			dep = pomDependency{GroupID: c.Group, ArtifactID: c.Artifact, Version: c.Version}
		} else if group, artifact, ok := cutCoordinates(desc.Dependencies[name]); ok {
			dep = pomDependency{GroupID: group, ArtifactID: artifact, Version: desc.Coordinates.Version}
		}
		p.Dependencies = append(p.Dependencies, dep)
	}
	for i, url := range desc.Repositories {
		p.Repositories = append(p.Repositories, pomRepository{ID: fmt.Sprintf("repository-%d", i+1), URL: url})
	}

	data, err := xml.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(data, '\n')...), nil
}

// group:artifact without a version follows the bundle version
func cutCoordinates(s string) (string, string, bool) {
	group, artifact, ok := strings.Cut(s, ":")
	if !ok || group == "" || artifact == "" {
		return "", "", false
	}
	return group, artifact, true
}
