// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/zosopentools/patchchain/internal/util"
)

// Deterministic encoding: the same state always produces the same bytes
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("workspace: CBOR encoder initialization failed: " + err.Error())
	}
}

// What the last apply or rebuild left in a task's output directory
//
// An output tree whose digest no longer matches OutputDigest was edited by a
// developer and is invalid until rebuilt.
type TaskState struct {
	Task         string    `cbor:"task"`
	BaseCommit   string    `cbor:"base_commit,omitempty"`
	BaseDigest   string    `cbor:"base_digest"`
	StackDigest  string    `cbor:"stack_digest"`
	OutputDigest string    `cbor:"output_digest"`
	Applied      []int     `cbor:"applied,omitempty"`
	Conflict     bool      `cbor:"conflict,omitempty"`
	UpdatedAt    time.Time `cbor:"updated_at"`
}

// Last pin an upstream checkout was fully synced to
type UpstreamState struct {
	Name     string    `cbor:"name"`
	URL      string    `cbor:"url"`
	Branch   string    `cbor:"branch"`
	Commit   string    `cbor:"commit"`
	Previous string    `cbor:"previous,omitempty"`
	SyncedAt time.Time `cbor:"synced_at"`

	// Submodules already initialised
	Submodules []string `cbor:"submodules,omitempty"`
}

func (s *Store) taskStatePath(task string) string {
	return filepath.Join(s.tasksDir(), sanitize(task)+".cbor")
}

func (s *Store) upstreamStatePath(name string) string {
	return filepath.Join(s.upstreamsDir(), sanitize(name)+".cbor")
}

// Load the state of a task, ok is false when none was recorded
func (s *Store) LoadTaskState(task string) (state TaskState, ok bool, err error) {
	ok, err = readState(s.taskStatePath(task), &state)
	return state, ok, err
}

func (s *Store) SaveTaskState(state TaskState) error {
	return writeState(s.taskStatePath(state.Task), state)
}

// Forget the state of a task
func (s *Store) ClearTaskState(task string) error {
	err := os.Remove(s.taskStatePath(task))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Load the state of an upstream, ok is false when it was never synced
func (s *Store) LoadUpstreamState(name string) (state UpstreamState, ok bool, err error) {
	ok, err = readState(s.upstreamStatePath(name), &state)
	return state, ok, err
}

func (s *Store) SaveUpstreamState(state UpstreamState) error {
	return writeState(s.upstreamStatePath(state.Name), state)
}

func readState(path string, dst any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := cbor.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("corrupt state file %v: %w", path, err)
	}
	return true, nil
}

func writeState(path string, v any) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(path, data, 0644)
}
