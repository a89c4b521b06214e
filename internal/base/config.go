// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package base

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration of a patchchain workspace
//
// A Config is loaded once at startup and passed by value to every operation.
// Nothing in patchchain mutates it after Load returns.
type Config struct {
	// Root of the workspace; relative paths below resolve against it.
	// Defaults to the directory holding the configuration file.
	Workspace string `yaml:"workspace"`

	// Directory for locks and state, relative to Workspace
	StateDir string `yaml:"state_dir"`

	// Deadline applied to every operation, zero disables it
	Timeout time.Duration `yaml:"timeout"`

	// Local retry policy for lock contention and timeouts
	Retry RetryConfig `yaml:"retry"`

	// Maximum number of independent tasks run at the same time
	Parallelism int `yaml:"parallelism"`

	Upstreams    []UpstreamConfig    `yaml:"upstreams"`
	Tasks        []TaskConfig        `yaml:"tasks"`
	Bundles      []BundleConfig      `yaml:"bundles"`
	Destinations []DestinationConfig `yaml:"destinations"`
}

type RetryConfig struct {
	// Total number of attempts, including the first
	Attempts int `yaml:"attempts"`

	// Delay before the second attempt, doubled for every further attempt
	Delay time.Duration `yaml:"delay"`
}

// An upstream or fork repository pinned to a commit
type UpstreamConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	Branch string `yaml:"branch"`
	Commit string `yaml:"commit"`

	// Checkout directory, defaults to <state_dir>/upstream/<name>
	Dir string `yaml:"dir"`

	// Submodule paths initialised lazily on first use
	Submodules []string `yaml:"submodules"`
}

// A named unit of patch management
type TaskConfig struct {
	Name string `yaml:"name"`

	// Upstream checkout whose UpstreamDir subdirectory is the base tree
	Upstream    string `yaml:"upstream"`
	UpstreamDir string `yaml:"upstream_dir"`

	// Earlier task whose output tree is the base tree (fork chains)
	From string `yaml:"from"`

	PatchDir  string `yaml:"patch_dir"`
	OutputDir string `yaml:"output_dir"`

	// Bare directory mode: the base is used verbatim, no imports
	Bare bool `yaml:"bare"`

	// Free form flags, e.g. "import-dev-sources"
	Flags []string `yaml:"flags"`

	// Import directive file selecting extra sources for normal mode
	Imports string `yaml:"imports"`

	// Directory (inside the upstream checkout) imports are copied from
	ImportSource string `yaml:"import_source"`

	// Tasks that must complete before this one
	After []string `yaml:"after"`
}

// Report whether the task carries the given flag
func (t TaskConfig) HasFlag(flag string) bool {
	for _, f := range t.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// A publishable development bundle
type BundleConfig struct {
	Name string `yaml:"name"`

	// Maven style coordinates "group:artifact:version"
	Coordinates string `yaml:"coordinates"`

	// Named coordinates recorded in the bundle, e.g. api -> org.example:example-api
	Dependencies map[string]string `yaml:"dependencies"`

	// Library repositories consumers resolve dependencies from
	Repositories []string `yaml:"repositories"`

	// Artifact file globs, relative to the workspace
	Artifacts []string `yaml:"artifacts"`

	// Destination names, defaults to every configured destination
	Destinations []string `yaml:"destinations"`
}

// A repository bundles are published to
type DestinationConfig struct {
	Name string `yaml:"name"`

	// file://, http(s):// or s3://bucket/prefix
	URL string `yaml:"url"`

	// S3 endpoint (host:port) for s3:// destinations
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
	Insecure bool   `yaml:"insecure"`

	// Environment variables holding the credential pair
	UsernameEnv string `yaml:"username_env"`
	PasswordEnv string `yaml:"password_env"`
}

// Returns the default configuration values
func Default() Config {
	return Config{
		StateDir:    DefaultStateDir,
		Timeout:     30 * time.Minute,
		Parallelism: 4,
		Retry: RetryConfig{
			Attempts: 3,
			Delay:    500 * time.Millisecond,
		},
	}
}

// Load, expand and validate a configuration file
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("unable to read config: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("unable to resolve config path: %w", err)
	}

	cfg, err := Parse(data, filepath.Dir(abs))
	if err != nil {
		return Config{}, fmt.Errorf("%v: %w", path, err)
	}
	return cfg, nil
}

// Parse a configuration from source
//
// dir is the workspace root used when the source does not name one.
func Parse(src []byte, dir string) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(src, &cfg); err != nil {
		return Config{}, fmt.Errorf("config is formatted incorrectly: %w", err)
	}

	if cfg.Workspace == "" {
		cfg.Workspace = dir
	} else if !filepath.IsAbs(cfg.Workspace) {
		cfg.Workspace = filepath.Join(dir, cfg.Workspace)
	}
	cfg.Workspace = filepath.Clean(cfg.Workspace)

	cfg.expandVariables()

	for i := range cfg.Upstreams {
		if cfg.Upstreams[i].Dir == "" {
			cfg.Upstreams[i].Dir = filepath.Join(cfg.StateDir, "upstream", cfg.Upstreams[i].Name)
		}
	}
	if cfg.Retry.Attempts < 1 {
		cfg.Retry.Attempts = 1
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"WORKSPACE": c.Workspace,
		"HOME":      os.Getenv("HOME"),
	}

	c.StateDir = ExpandVars(c.StateDir, vars)
	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		u.URL = ExpandVars(u.URL, vars)
		u.Branch = ExpandVars(u.Branch, vars)
		u.Commit = ExpandVars(u.Commit, vars)
		u.Dir = ExpandVars(u.Dir, vars)
	}
	for i := range c.Tasks {
		t := &c.Tasks[i]
		t.PatchDir = ExpandVars(t.PatchDir, vars)
		t.OutputDir = ExpandVars(t.OutputDir, vars)
		t.Imports = ExpandVars(t.Imports, vars)
	}
	for i := range c.Bundles {
		b := &c.Bundles[i]
		b.Coordinates = ExpandVars(b.Coordinates, vars)
		for j := range b.Repositories {
			b.Repositories[j] = ExpandVars(b.Repositories[j], vars)
		}
	}
	for i := range c.Destinations {
		d := &c.Destinations[i]
		d.URL = ExpandVars(d.URL, vars)
		d.Endpoint = ExpandVars(d.Endpoint, vars)
	}
}

// Validate checks the configuration for errors
//
// Every problem found is reported, not only the first.
func (c *Config) Validate() error {
	var errs []error

	upstreams := make(map[string]bool, len(c.Upstreams))
	for _, u := range c.Upstreams {
		switch {
		case u.Name == "":
			errs = append(errs, errors.New("upstream without a name"))
		case upstreams[u.Name]:
			errs = append(errs, fmt.Errorf("duplicate upstream %q", u.Name))
		}
		upstreams[u.Name] = true
		if u.URL == "" {
			errs = append(errs, fmt.Errorf("upstream %q: url is required", u.Name))
		}
		if u.Branch == "" {
			errs = append(errs, fmt.Errorf("upstream %q: branch is required", u.Name))
		}
		if u.Commit == "" {
			errs = append(errs, fmt.Errorf("upstream %q: commit pin is required", u.Name))
		}
	}

	tasks := make(map[string]bool, len(c.Tasks))
	for _, t := range c.Tasks {
		if t.Name == "" {
			errs = append(errs, errors.New("task without a name"))
			continue
		}
		if tasks[t.Name] {
			errs = append(errs, fmt.Errorf("duplicate task %q", t.Name))
		}
		tasks[t.Name] = true
	}

	outputs := make(map[string]string, len(c.Tasks))
	patchDirs := make(map[string]string, len(c.Tasks))
	for _, t := range c.Tasks {
		switch {
		case t.Upstream != "" && t.From != "":
			errs = append(errs, fmt.Errorf("task %q: upstream and from are mutually exclusive", t.Name))
		case t.Upstream == "" && t.From == "":
			errs = append(errs, fmt.Errorf("task %q: one of upstream or from is required", t.Name))
		case t.Upstream != "" && !upstreams[t.Upstream]:
			errs = append(errs, fmt.Errorf("task %q: unknown upstream %q", t.Name, t.Upstream))
		case t.From != "" && !tasks[t.From]:
			errs = append(errs, fmt.Errorf("task %q: unknown base task %q", t.Name, t.From))
		}
		if t.Bare && t.Imports != "" {
			errs = append(errs, fmt.Errorf("task %q: bare directory tasks cannot import sources", t.Name))
		}
		for _, dep := range t.After {
			if !tasks[dep] {
				errs = append(errs, fmt.Errorf("task %q: unknown task %q in after", t.Name, dep))
			}
		}

		if t.PatchDir == "" {
			errs = append(errs, fmt.Errorf("task %q: patch_dir is required", t.Name))
		} else if other, ok := patchDirs[filepath.Clean(t.PatchDir)]; ok {
			errs = append(errs, fmt.Errorf("task %q: patch_dir shared with task %q", t.Name, other))
		} else {
			patchDirs[filepath.Clean(t.PatchDir)] = t.Name
		}

		if t.OutputDir == "" {
			errs = append(errs, fmt.Errorf("task %q: output_dir is required", t.Name))
		} else if other, ok := outputs[filepath.Clean(t.OutputDir)]; ok {
			errs = append(errs, fmt.Errorf("task %q: output_dir shared with task %q", t.Name, other))
		} else {
			outputs[filepath.Clean(t.OutputDir)] = t.Name
		}
	}

	destinations := make(map[string]bool, len(c.Destinations))
	for _, d := range c.Destinations {
		if d.Name == "" || d.URL == "" {
			errs = append(errs, fmt.Errorf("destination %q: name and url are required", d.Name))
		}
		if destinations[d.Name] {
			errs = append(errs, fmt.Errorf("duplicate destination %q", d.Name))
		}
		destinations[d.Name] = true
	}

	bundles := make(map[string]bool, len(c.Bundles))
	for _, b := range c.Bundles {
		if bundles[b.Name] {
			errs = append(errs, fmt.Errorf("duplicate bundle %q", b.Name))
		}
		bundles[b.Name] = true
		if b.Coordinates == "" {
			errs = append(errs, fmt.Errorf("bundle %q: coordinates are required", b.Name))
		}
		for _, name := range b.Destinations {
			if !destinations[name] {
				errs = append(errs, fmt.Errorf("bundle %q: unknown destination %q", b.Name, name))
			}
		}
	}

	if c.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}

	return errors.Join(errs...)
}

// Resolve a workspace relative path
func (c Config) Path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(c.Workspace, rel)
}

// Task returns the named task
func (c Config) Task(name string) (TaskConfig, bool) {
	for _, t := range c.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskConfig{}, false
}

// Upstream returns the named upstream
func (c Config) Upstream(name string) (UpstreamConfig, bool) {
	for _, u := range c.Upstreams {
		if u.Name == name {
			return u, true
		}
	}
	return UpstreamConfig{}, false
}

// Bundle returns the named bundle
func (c Config) Bundle(name string) (BundleConfig, bool) {
	for _, b := range c.Bundles {
		if b.Name == name {
			return b, true
		}
	}
	return BundleConfig{}, false
}

// Destination returns the named destination
func (c Config) Destination(name string) (DestinationConfig, bool) {
	for _, d := range c.Destinations {
		if d.Name == name {
			return d, true
		}
	}
	return DestinationConfig{}, false
}

// Root upstream of a task, following From links down the chain
func (c Config) RootUpstream(task string) (string, bool) {
	seen := make(map[string]bool)
	for {
		t, ok := c.Task(task)
		if !ok || seen[task] {
			return "", false
		}
		seen[task] = true
		if t.Upstream != "" {
			return t.Upstream, true
		}
		task = t.From
	}
}
