// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

// Package apply produces output trees by applying patch stacks to base trees.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/zosopentools/patchchain/internal/base"
	"github.com/zosopentools/patchchain/internal/patch"
	"github.com/zosopentools/patchchain/internal/tree"
	"github.com/zosopentools/patchchain/internal/workspace"
)

type Request struct {
	Task string

	// Base tree the stack is defined against, already composed for the task mode
	Base       tree.Tree
	BaseCommit string

	Stack     patch.Stack
	OutputDir string

	// Paths in the output directory that are never read, written or removed
	Ignore tree.IgnoreFunc

	// Overwrite an output tree that was edited since it was applied
	Force bool
}

type Result struct {
	Task string

	// Sequence numbers of the patches now present in the output tree
	Applied []int

	// The output already matched the base and stack, nothing was written
	Skipped bool

	// Files written to or removed from the output directory
	Changes tree.Changes

	OutputDigest string
}

// Applier materialises output trees and records their state in the workspace
type Applier struct {
	store  *workspace.Store
	logger *slog.Logger
}

// New creates an Applier. If logger is nil, slog.Default() is used.
func New(store *workspace.Store, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{store: store, logger: logger}
}

// Apply the stack of a request to its base and write the output directory
//
// On conflict the tree holding every patch before the failing one is still
// written and the *base.ConflictError is returned together with the result.
// The patch directory and the base are never written.
func (a *Applier) Apply(ctx context.Context, req Request) (*Result, error) {
	logger := a.logger.With("task", req.Task)

	if err := req.Stack.Validate(); err != nil {
		return nil, fmt.Errorf("task %q: %w", req.Task, err)
	}

	baseDigest := req.Base.Digest()
	stackDigest := req.Stack.Digest()

	state, hasState, err := a.store.LoadTaskState(req.Task)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(req.OutputDir); hasState && errors.Is(err, os.ErrNotExist) {
		logger.Info("output directory is gone, applying from scratch", "dir", req.OutputDir)
		if err := a.store.ClearTaskState(req.Task); err != nil {
			return nil, err
		}
		hasState = false
	}
	current, err := tree.Snapshot(ctx, req.OutputDir, req.Ignore)
	if err != nil {
		return nil, fmt.Errorf("unable to read output directory %v: %w", req.OutputDir, err)
	}
	currentDigest := current.Digest()

	if hasState {
		dirty := currentDigest != state.OutputDigest
		if dirty && !req.Force {
			return nil, fmt.Errorf("task %q: %v: %w", req.Task, req.OutputDir, base.ErrOutputModified)
		}
		if !dirty && !state.Conflict && state.BaseDigest == baseDigest && state.StackDigest == stackDigest {
			logger.Debug("output is up to date", "digest", currentDigest)
			return &Result{
				Task:         req.Task,
				Applied:      state.Applied,
				Skipped:      true,
				OutputDigest: currentDigest,
			}, nil
		}
	}

	out, applied, applyErr := Replay(req.Task, req.Base, req.Stack)
	var conflict *base.ConflictError
	if applyErr != nil && !errors.As(applyErr, &conflict) {
		return nil, applyErr
	}
	if req.Ignore != nil {
		out = out.Filter(func(p string) bool { return !req.Ignore(p) })
	}

	changes, err := tree.Materialize(ctx, req.OutputDir, out, req.Ignore)
	if err != nil {
		// The directory may be half written, its recorded digest no longer applies
		if cerr := a.store.ClearTaskState(req.Task); cerr != nil {
			logger.Warn("unable to clear task state", "error", cerr)
		}
		return nil, fmt.Errorf("unable to write output directory %v: %w", req.OutputDir, err)
	}

	result := &Result{
		Task:         req.Task,
		Applied:      applied,
		Changes:      changes,
		OutputDigest: out.Digest(),
	}

	err = a.store.SaveTaskState(workspace.TaskState{
		Task:         req.Task,
		BaseCommit:   req.BaseCommit,
		BaseDigest:   baseDigest,
		StackDigest:  stackDigest,
		OutputDigest: result.OutputDigest,
		Applied:      applied,
		Conflict:     conflict != nil,
		UpdatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return result, fmt.Errorf("unable to record state of task %q: %w", req.Task, err)
	}

	if conflict != nil {
		logger.Warn("patch does not apply",
			"sequence", conflict.Sequence,
			"patch", conflict.Patch,
			"path", conflict.Path,
			"hunk", conflict.Hunk,
			"applied", len(applied),
		)
		return result, conflict
	}

	logger.Info("applied patches",
		"patches", len(applied),
		"written", len(changes.Added)+len(changes.Changed),
		"removed", len(changes.Removed),
	)
	return result, nil
}
