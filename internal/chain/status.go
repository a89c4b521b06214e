// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package chain

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/zosopentools/patchchain/internal/base"
	"github.com/zosopentools/patchchain/internal/workspace"
)

// Condition of an output tree
type OutputState string

const (
	NotApplied OutputState = "not applied"
	Clean      OutputState = "clean"

	// Edited since it was applied, waiting to be rebuilt
	Modified OutputState = "modified"

	// Applied up to a conflicting patch
	Conflicted OutputState = "conflict"

	// Built on an older upstream commit or base tree, waiting to be re-applied
	Stale OutputState = "stale"
)

type TaskStatus struct {
	Task    base.TaskConfig
	Paths   workspace.TaskPaths
	State   OutputState
	Patches int

	// What the last apply or rebuild recorded
	Record workspace.TaskState
}

type UpstreamStatus struct {
	Upstream base.UpstreamConfig
	Synced   bool
	Record   workspace.UpstreamState
}

type Status struct {
	Tasks     []TaskStatus
	Upstreams []UpstreamStatus
}

// Status reads the recorded state of every upstream and task and compares
// each output tree with it. Nothing is locked or written.
func (c *Chain) Status(ctx context.Context) (*Status, error) {
	status := &Status{}
	for _, u := range c.cfg.Upstreams {
		record, ok, err := c.store.LoadUpstreamState(u.Name)
		if err != nil {
			return nil, err
		}
		status.Upstreams = append(status.Upstreams, UpstreamStatus{Upstream: u, Synced: ok, Record: record})
	}

	for _, t := range c.cfg.Tasks {
		paths := c.store.Task(t)
		ts := TaskStatus{Task: t, Paths: paths, State: NotApplied}

		stack, err := c.loader.Load(paths.PatchDir)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", t.Name, err)
		}
		ts.Patches = stack.Len()

		record, ok, err := c.store.LoadTaskState(t.Name)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(paths.OutputDir); errors.Is(err, os.ErrNotExist) {
			ok = false
		}
		if ok {
			ts.Record = record
			if ts.State, err = c.state(ctx, t, record); err != nil {
				return nil, err
			}
		}
		status.Tasks = append(status.Tasks, ts)
	}
	return status, nil
}

func (c *Chain) state(ctx context.Context, t base.TaskConfig, record workspace.TaskState) (OutputState, error) {
	output, err := c.output(ctx, t)
	if err != nil {
		return "", err
	}
	switch {
	case output.Digest() != record.OutputDigest:
		return Modified, nil
	case record.Conflict:
		return Conflicted, nil
	}

	if root, ok := c.cfg.RootUpstream(t.Name); ok {
		pin, synced, err := c.store.LoadUpstreamState(root)
		if err != nil {
			return "", err
		}
		if synced && pin.Commit != record.BaseCommit {
			return Stale, nil
		}
	}
	// A base that cannot be composed right now is reported by apply, not here
	if in, err := c.input(ctx, t); err == nil && in.base.Digest() != record.BaseDigest {
		return Stale, nil
	}
	return Clean, nil
}
