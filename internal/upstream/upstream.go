// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

// Package upstream keeps upstream checkouts at their pinned commits.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/zosopentools/patchchain/internal/base"
	"github.com/zosopentools/patchchain/internal/workspace"
)

// A repository pinned to a commit of a branch
type Ref struct {
	Name   string
	URL    string
	Branch string

	// Pinned commit, empty to follow the branch head
	Commit string

	// Checkout directory
	Dir string

	// Submodule paths initialised on first use
	Submodules []string
}

// Build the reference of a configured upstream
func RefOf(store *workspace.Store, u base.UpstreamConfig) Ref {
	return Ref{
		Name:       u.Name,
		URL:        u.URL,
		Branch:     u.Branch,
		Commit:     u.Commit,
		Dir:        store.UpstreamDir(u),
		Submodules: u.Submodules,
	}
}

type Options struct {
	// Re-initialise submodules that were already initialised
	Force bool
}

type Result struct {
	Name string

	// HEAD moved
	Changed bool

	// The checkout was created by this sync
	Cloned bool

	// Commit range the checkout moved across, From is empty for new checkouts
	From string
	To   string

	// Submodules initialised by this sync
	Submodules []string
}

// What a remote check found
type Status struct {
	Name string
	Pin  string

	// Commit the checkout is at, empty when there is no checkout
	Current string

	// Commit the remote branch points at
	Head string

	// The pin is not the remote branch head
	Behind bool
}

type Controller struct {
	store  *workspace.Store
	vcs    VCS
	logger *slog.Logger
}

// New creates a Controller. A nil vcs uses Git and a nil logger slog.Default().
func New(store *workspace.Store, v VCS, logger *slog.Logger) *Controller {
	if v == nil {
		v = Git{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: store, vcs: v, logger: logger}
}

// Sync moves the checkout of ref to its pin
//
// A checkout already at the pin, with every submodule initialised, is left
// alone without network access or writes. Otherwise the branch is fetched
// (cloned on first use), the pin is verified to be in its history, and only
// then is HEAD detached at the pin, so a cancelled fetch leaves the previous
// pin checked out.
func (c *Controller) Sync(ctx context.Context, ref Ref, opts Options) (*Result, error) {
	logger := c.logger.With("upstream", ref.Name)
	fail := func(op string, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return &base.SyncError{Upstream: ref.Name, Op: op, Err: err}
	}

	state, hasState, err := c.store.LoadUpstreamState(ref.Name)
	if err != nil {
		return nil, err
	}

	result := &Result{Name: ref.Name}
	exists := c.vcs.Exists(ref.Dir)
	head := ""
	if exists {
		head, err = c.vcs.Resolve(ctx, ref.Dir, "HEAD")
		if err != nil {
			return nil, fail("rev-parse", err)
		}
		pending := c.pendingSubmodules(ref, state, hasState, opts)
		if ref.Commit != "" && matchesPin(head, ref.Commit) && hasState && state.Commit == head && len(pending) == 0 {
			logger.Debug("already at pin", "commit", head)
			return &Result{Name: ref.Name, From: head, To: head}, nil
		}
	}

	if !exists {
		logger.Info("cloning", "url", ref.URL, "branch", ref.Branch)
		if err := c.vcs.Clone(ctx, ref.URL, ref.Branch, ref.Dir); err != nil {
			return nil, fail("clone", err)
		}
		result.Cloned = true
	} else {
		logger.Info("fetching", "branch", ref.Branch)
		if err := c.vcs.Fetch(ctx, ref.Dir, ref.Branch); err != nil {
			return nil, fail("fetch", err)
		}
	}

	branch := "refs/remotes/origin/" + ref.Branch
	pin := ref.Commit
	if pin == "" {
		pin = branch
	}
	target, err := c.vcs.Resolve(ctx, ref.Dir, pin)
	if err != nil {
		return nil, fail("resolve", fmt.Errorf("pin %v: %w", pin, err))
	}

	ok, err := c.vcs.IsAncestor(ctx, ref.Dir, target, branch)
	if err != nil {
		return nil, fail("verify", err)
	}
	if !ok {
		return nil, fail("verify", fmt.Errorf("commit %v is not in the history of branch %v", target, ref.Branch))
	}

	if result.Cloned || head != target || !hasState || state.Commit != target {
		if err := c.vcs.Checkout(ctx, ref.Dir, target); err != nil {
			return nil, fail("checkout", err)
		}
	}

	done := []string{}
	if hasState && state.Commit == target && !result.Cloned {
		done = append(done, state.Submodules...)
	}
	for _, sub := range ref.Submodules {
		if slices.Contains(done, sub) && !opts.Force {
			continue
		}
		logger.Info("initialising submodule", "path", sub)
		if err := c.vcs.InitSubmodule(ctx, ref.Dir, sub); err != nil {
			return nil, fail("submodule", fmt.Errorf("%v: %w", sub, err))
		}
		result.Submodules = append(result.Submodules, sub)
		if !slices.Contains(done, sub) {
			done = append(done, sub)
		}
	}

	previous := head
	if result.Cloned {
		previous = ""
	}
	// A sync that stays on the same commit keeps the last move on record
	recorded := previous
	if hasState && previous == target {
		recorded = state.Previous
	}
	err = c.store.SaveUpstreamState(workspace.UpstreamState{
		Name:       ref.Name,
		URL:        ref.URL,
		Branch:     ref.Branch,
		Commit:     target,
		Previous:   recorded,
		SyncedAt:   time.Now().UTC(),
		Submodules: done,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to record state of upstream %q: %w", ref.Name, err)
	}

	result.From = previous
	result.To = target
	result.Changed = previous != target
	logger.Info("synced", "from", base.ShortCommit(previous), "to", base.ShortCommit(target))
	return result, nil
}

// Submodules still to be initialised for a checkout at its pin
func (c *Controller) pendingSubmodules(ref Ref, state workspace.UpstreamState, hasState bool, opts Options) []string {
	if opts.Force {
		return ref.Submodules
	}
	var pending []string
	for _, sub := range ref.Submodules {
		if !hasState || !slices.Contains(state.Submodules, sub) {
			pending = append(pending, sub)
		}
	}
	return pending
}

// Check compares the pin of ref with the head of its remote branch
func (c *Controller) Check(ctx context.Context, ref Ref) (*Status, error) {
	status := &Status{Name: ref.Name, Pin: ref.Commit}
	if c.vcs.Exists(ref.Dir) {
		current, err := c.vcs.Resolve(ctx, ref.Dir, "HEAD")
		if err == nil {
			status.Current = current
		}
	}

	head, err := c.vcs.RemoteHead(ctx, ref.URL, ref.Branch)
	if err != nil {
		return nil, &base.SyncError{Upstream: ref.Name, Op: "ls-remote", Err: err}
	}
	status.Head = head
	status.Behind = ref.Commit != "" && !matchesPin(head, ref.Commit)
	return status, nil
}

// Pins may be abbreviated
func matchesPin(commit string, pin string) bool {
	if commit == "" || pin == "" {
		return false
	}
	return strings.HasPrefix(strings.ToLower(commit), strings.ToLower(pin))
}
