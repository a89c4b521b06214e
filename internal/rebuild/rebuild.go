// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

// Package rebuild turns an edited output tree back into a patch stack.
//
// Every path that differs between the base and the output is given to the
// earliest existing patch that touched it, so patches keep their subjects and
// file boundaries. Changes no patch accounts for land in one trailing patch.
package rebuild

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/zosopentools/patchchain/internal/apply"
	"github.com/zosopentools/patchchain/internal/base"
	"github.com/zosopentools/patchchain/internal/diff"
	"github.com/zosopentools/patchchain/internal/patch"
	"github.com/zosopentools/patchchain/internal/tree"
	"github.com/zosopentools/patchchain/internal/workspace"
)

const DefaultMessage = "Local changes"

// Returned (wrapped) when the output tree holds a stack that stopped at a conflict
var ErrPartialOutput = errors.New("output tree holds a partially applied stack; fix the conflicting patch and apply again, or use --force")

type Request struct {
	Task string

	Base       tree.Tree
	BaseCommit string

	PatchDir  string
	OutputDir string

	Ignore tree.IgnoreFunc

	// Subject and author of the patch holding unattributed changes
	Message string
	Author  string

	// Rebuild a partially applied output and record untracked renames as
	// a deletion plus a creation
	Force bool
}

type Result struct {
	Task  string
	Stack patch.Stack

	// Patch files written or removed
	Delta patch.Delta

	// The output matched the existing stack and nothing was written
	Unchanged bool
}

type Rebuilder struct {
	store  *workspace.Store
	loader *patch.Loader
	logger *slog.Logger
}

// New creates a Rebuilder. If logger is nil, slog.Default() is used.
func New(store *workspace.Store, loader *patch.Loader, logger *slog.Logger) *Rebuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rebuilder{store: store, loader: loader, logger: logger}
}

func (r *Rebuilder) Rebuild(ctx context.Context, req Request) (*Result, error) {
	logger := r.logger.With("task", req.Task)

	prior, err := r.loader.Load(req.PatchDir)
	if err != nil {
		return nil, err
	}

	state, hasState, err := r.store.LoadTaskState(req.Task)
	if err != nil {
		return nil, err
	}
	if hasState && state.Conflict && !req.Force {
		return nil, fmt.Errorf("task %q: %w", req.Task, ErrPartialOutput)
	}

	if _, err := os.Stat(req.OutputDir); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("task %q: output directory %v does not exist; run apply-patches first", req.Task, req.OutputDir)
	}

	output, err := tree.Snapshot(ctx, req.OutputDir, req.Ignore)
	if err != nil {
		return nil, fmt.Errorf("unable to read output directory %v: %w", req.OutputDir, err)
	}

	replayed, _, err := apply.Replay(req.Task, req.Base, prior)
	if err == nil && r.filter(req, replayed).Equal(output) {
		logger.Debug("output matches the patch stack")
		return &Result{Task: req.Task, Stack: prior, Unchanged: true}, nil
	}

	stack, err := Derive(req, prior, output)
	if err != nil {
		return nil, err
	}

	// The derived stack must reproduce the output exactly
	check, _, err := apply.Replay(req.Task, req.Base, stack)
	if err != nil {
		return nil, fmt.Errorf("task %q: rebuilt stack does not apply: %w", req.Task, err)
	}
	if !r.filter(req, check).Equal(output) {
		return nil, fmt.Errorf("task %q: rebuilt stack does not reproduce the output tree", req.Task)
	}

	delta, err := patch.Write(req.PatchDir, stack)
	if err != nil {
		return nil, fmt.Errorf("unable to write patches of task %q: %w", req.Task, err)
	}

	stackDigest := stack.Digest()
	baseDigest := req.Base.Digest()
	_, err = patch.WriteManifest(req.PatchDir, patch.Manifest{
		Task:        req.Task,
		BaseCommit:  req.BaseCommit,
		BaseDigest:  baseDigest,
		StackDigest: stackDigest,
		Patches:     stack.Names(),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to write manifest of task %q: %w", req.Task, err)
	}

	applied := make([]int, 0, stack.Len())
	for _, p := range stack.Patches {
		applied = append(applied, p.Sequence)
	}
	err = r.store.SaveTaskState(workspace.TaskState{
		Task:         req.Task,
		BaseCommit:   req.BaseCommit,
		BaseDigest:   baseDigest,
		StackDigest:  stackDigest,
		OutputDigest: output.Digest(),
		Applied:      applied,
		UpdatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to record state of task %q: %w", req.Task, err)
	}

	logger.Info("rebuilt patches",
		"patches", stack.Len(),
		"added", len(delta.Added),
		"changed", len(delta.Changed),
		"removed", len(delta.Removed),
	)
	return &Result{Task: req.Task, Stack: stack, Delta: delta}, nil
}

func (r *Rebuilder) filter(req Request, t tree.Tree) tree.Tree {
	if req.Ignore == nil {
		return t
	}
	return t.Filter(func(p string) bool { return !req.Ignore(p) })
}

// Derive the stack turning base into output from the prior stack
//
// Every changed path goes to the earliest prior patch touching it, with a
// single diff from its base content. Patches left without paths are dropped
// and the rest renumbered 1..n.
func Derive(req Request, prior patch.Stack, output tree.Tree) (patch.Stack, error) {
	changes := tree.Compare(req.Base, output)

	owner := make(map[string]int)
	for i, p := range prior.Patches {
		for _, path := range p.Paths() {
			if _, ok := owner[path]; !ok {
				owner[path] = i
			}
		}
	}

	if !req.Force {
		if paths := untrackedRenames(req.Base, output, changes, owner); len(paths) > 0 {
			return patch.Stack{}, &base.RebuildAmbiguityError{
				Task:   req.Task,
				Paths:  paths,
				Reason: "file renamed outside tracked patch boundaries",
			}
		}
	}

	owned := make([][]patch.FileDiff, len(prior.Patches))
	var local []patch.FileDiff
	for _, path := range changes.All() {
		d, ok := diff.File(path, lookup(req.Base, path), lookup(output, path))
		if !ok {
			continue
		}
		if i, ok := owner[path]; ok {
			owned[i] = append(owned[i], d)
		} else {
			local = append(local, d)
		}
	}

	var stack patch.Stack
	for i, p := range prior.Patches {
		if len(owned[i]) == 0 {
			continue
		}
		seq := stack.Len() + 1
		stack.Patches = append(stack.Patches, &patch.File{
			Sequence: seq,
			Name:     patch.Renumber(p.Name, seq),
			Author:   p.Author,
			Subject:  p.Subject,
			Body:     p.Body,
			Diffs:    owned[i],
		})
	}

	if len(local) > 0 {
		message := req.Message
		if message == "" {
			message = DefaultMessage
		}
		author := req.Author
		if author == "" {
			author = patch.DefaultAuthor
		}
		seq := stack.Len() + 1
		stack.Patches = append(stack.Patches, &patch.File{
			Sequence: seq,
			Name:     patch.FileName(seq, message),
			Author:   author,
			Subject:  message,
			Diffs:    local,
		})
	}

	return stack, nil
}

// Pairs of a removed path and an untracked added path with the same content
func untrackedRenames(b, output tree.Tree, changes tree.Changes, owner map[string]int) []string {
	var paths []string
	for _, added := range changes.Added {
		if _, tracked := owner[added]; tracked {
			continue
		}
		data := output[added].Data
		if len(data) == 0 {
			continue
		}
		for _, removed := range changes.Removed {
			if bytes.Equal(b[removed].Data, data) {
				paths = append(paths, removed, added)
			}
		}
	}
	sort.Strings(paths)
	return paths
}

func lookup(t tree.Tree, path string) *tree.File {
	if f, ok := t[path]; ok {
		return &f
	}
	return nil
}
