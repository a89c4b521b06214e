// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package base

// Machine readable summary printed with --json
type Report struct {
	Command   string
	Tasks     []TaskReport     `json:",omitempty"`
	Upstreams []UpstreamReport `json:",omitempty"`
	Publish   *PublishReport   `json:",omitempty"`
	Errors    []Error          `json:",omitempty"`
}

type TaskReport struct {
	Task      string
	OutputDir string `json:",omitempty"`
	PatchDir  string `json:",omitempty"`

	// Sequence numbers applied during this run
	Applied []int `json:",omitempty"`
	Skipped bool  `json:",omitempty"`

	// Number of patches in the stack after the operation
	Patches int

	// Output tree condition reported by status
	State string `json:",omitempty"`

	Added   []string `json:",omitempty"`
	Changed []string `json:",omitempty"`
	Removed []string `json:",omitempty"`

	Error string `json:",omitempty"`
}

type UpstreamReport struct {
	Name     string
	URL      string
	Branch   string
	Commit   string
	Previous string `json:",omitempty"`
	Changed  bool

	// Populated by check-upstream
	Head   string `json:",omitempty"`
	Behind bool   `json:",omitempty"`

	Error string `json:",omitempty"`
}

type PublishReport struct {
	ID           string
	Bundle       string
	Coordinates  string
	Size         int64
	Digest       string
	Destinations []DestinationReport
}

type DestinationReport struct {
	Name    string
	URL     string
	OK      bool
	Objects []string `json:",omitempty"`
	Error   string   `json:",omitempty"`
}

type Error struct {
	Code  int
	Error string
}
