// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

// Package chain runs the commands of a workspace across its layers.
//
// It orders tasks from their from and after links, composes the base tree of
// every task, and runs each operation holding its workspace lock, under the
// configured deadline and retry policy. Independent tasks of the same level
// run concurrently.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/zosopentools/patchchain/internal/apply"
	"github.com/zosopentools/patchchain/internal/base"
	"github.com/zosopentools/patchchain/internal/direct"
	"github.com/zosopentools/patchchain/internal/patch"
	"github.com/zosopentools/patchchain/internal/publish"
	"github.com/zosopentools/patchchain/internal/rebuild"
	"github.com/zosopentools/patchchain/internal/tree"
	"github.com/zosopentools/patchchain/internal/upstream"
	"github.com/zosopentools/patchchain/internal/workspace"
)

// Number of parsed patch files kept in memory
const DefaultCacheSize = 512

type Options struct {
	// Repository driver, defaults to the git command line
	VCS upstream.VCS

	// Client used for HTTP publish destinations
	HTTPClient *http.Client

	Logger *slog.Logger
}

type Chain struct {
	cfg    base.Config
	store  *workspace.Store
	loader *patch.Loader
	logger *slog.Logger

	applier   *apply.Applier
	rebuilder *rebuild.Rebuilder
	upstream  *upstream.Controller
	publisher *publish.Publisher
}

func New(cfg base.Config, opts Options) *Chain {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := workspace.New(cfg)
	loader := patch.NewLoader(DefaultCacheSize)
	return &Chain{
		cfg:       cfg,
		store:     store,
		loader:    loader,
		logger:    logger,
		applier:   apply.New(store, logger),
		rebuilder: rebuild.New(store, loader, logger),
		upstream:  upstream.New(store, opts.VCS, logger),
		publisher: publish.New(opts.HTTPClient, logger),
	}
}

func (c *Chain) Config() base.Config {
	return c.cfg
}

func (c *Chain) Store() *workspace.Store {
	return c.store
}

// Run fn under the configured deadline, converting expiry into a *base.TimeoutError
func (c *Chain) deadline(ctx context.Context, op string, fn func(context.Context) error) error {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &base.TimeoutError{Op: op, Timeout: c.cfg.Timeout, Err: err}
	}
	return err
}

// Run fn holding the named lock under the deadline, retrying contention and timeouts
//
// The lock is released before every retry and when the deadline expires.
func (c *Chain) guard(ctx context.Context, op string, lock string, fn func(context.Context) error) error {
	return Retry(ctx, c.cfg.Retry, c.logger, op, func(ctx context.Context) error {
		return c.deadline(ctx, op, func(ctx context.Context) error {
			l, err := c.store.Lock(lock)
			if err != nil {
				return err
			}
			defer l.Release()
			return fn(ctx)
		})
	})
}

// Result of running an operation on one task
type TaskOutcome struct {
	Task  base.TaskConfig
	Paths workspace.TaskPaths

	// Set by apply and rebuild respectively
	Apply   *apply.Result
	Rebuild *rebuild.Result

	Err error
}

// Run op on every task level by level
//
// Tasks of a level run concurrently, bounded by the configured parallelism.
// A level with a failing task stops the chain: later levels may depend on it.
// Outcomes are returned in execution order.
func (c *Chain) run(ctx context.Context, tasks []base.TaskConfig, op func(context.Context, base.TaskConfig) TaskOutcome) ([]TaskOutcome, error) {
	levels, err := Levels(tasks)
	if err != nil {
		return nil, err
	}

	var outcomes []TaskOutcome
	for _, level := range levels {
		results := make([]TaskOutcome, len(level))
		var g errgroup.Group
		g.SetLimit(c.cfg.Parallelism)
		for i, t := range level {
			g.Go(func() error {
				results[i] = op(ctx, t)
				return nil
			})
		}
		_ = g.Wait()

		outcomes = append(outcomes, results...)
		var errs []error
		for _, r := range results {
			if r.Err != nil {
				errs = append(errs, r.Err)
			}
		}
		if len(errs) > 0 {
			return outcomes, errors.Join(errs...)
		}
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
	}
	return outcomes, nil
}

// Base tree and ignore rules of a task
type input struct {
	base   tree.Tree
	commit string
	ignore tree.IgnoreFunc
}

// Compose the base tree of a task
//
// Upstream tasks read their subdirectory of the checkout, fork tasks read the
// output tree of the task they build on. Normal mode tasks then adopt the
// sources their import directives select from the root upstream checkout,
// without replacing files the base already has. Bare tasks use the base
// verbatim.
func (c *Chain) input(ctx context.Context, t base.TaskConfig) (input, error) {
	paths := c.store.Task(t)
	directives, err := direct.Load(paths.Imports)
	if err != nil {
		return input{}, fmt.Errorf("task %q: %w", t.Name, err)
	}
	in := input{ignore: directives.Ignored}

	switch {
	case t.Upstream != "":
		u, ok := c.cfg.Upstream(t.Upstream)
		if !ok {
			return input{}, fmt.Errorf("upstream %q: %w", t.Upstream, ErrUnknown)
		}
		checkout := c.store.UpstreamDir(u)
		if _, err := os.Stat(checkout); err != nil {
			return input{}, fmt.Errorf("task %q: upstream %q has no checkout at %v; run sync-upstream first", t.Name, u.Name, checkout)
		}
		state, _, err := c.store.LoadUpstreamState(u.Name)
		if err != nil {
			return input{}, err
		}
		in.commit = state.Commit
		in.base, err = tree.Snapshot(ctx, filepath.Join(checkout, filepath.FromSlash(t.UpstreamDir)), in.ignore)
		if err != nil {
			return input{}, fmt.Errorf("task %q: unable to read base: %w", t.Name, err)
		}

	case t.From != "":
		from, ok := c.cfg.Task(t.From)
		if !ok {
			return input{}, fmt.Errorf("task %q: %w", t.From, ErrUnknown)
		}
		state, applied, err := c.store.LoadTaskState(from.Name)
		if err != nil {
			return input{}, err
		}
		if _, err := os.Stat(c.store.Task(from).OutputDir); errors.Is(err, os.ErrNotExist) {
			applied = false
		}
		if !applied {
			return input{}, fmt.Errorf("task %q: base task %q has not been applied", t.Name, from.Name)
		}
		if state.Conflict {
			return input{}, fmt.Errorf("task %q: base task %q stopped at a conflict", t.Name, from.Name)
		}
		parent, err := c.output(ctx, from)
		if err != nil {
			return input{}, fmt.Errorf("task %q: unable to read base: %w", t.Name, err)
		}
		// Unrebuilt edits in the parent are not part of any stack yet
		if parent.Digest() != state.OutputDigest {
			return input{}, fmt.Errorf("task %q: base task %q: %w", t.Name, from.Name, base.ErrOutputModified)
		}
		in.commit = state.BaseCommit
		in.base = parent.Filter(func(p string) bool { return !in.ignore(p) })
	}

	if t.Bare || len(directives.Imports) == 0 {
		return in, nil
	}

	root, ok := c.cfg.RootUpstream(t.Name)
	if !ok {
		return input{}, fmt.Errorf("task %q: no upstream to import from", t.Name)
	}
	u, _ := c.cfg.Upstream(root)
	source := filepath.Join(c.store.UpstreamDir(u), filepath.FromSlash(t.ImportSource))
	available, err := tree.Snapshot(ctx, source, in.ignore)
	if err != nil {
		return input{}, fmt.Errorf("task %q: unable to read import source: %w", t.Name, err)
	}
	for _, imp := range directives.Imports {
		if _, ok := available[imp.Path]; imp.Type == direct.FileType && !ok {
			return input{}, fmt.Errorf("task %q: import %q not found in %v", t.Name, imp.Path, source)
		}
	}

	composed := in.base.Clone()
	for p, f := range available.Filter(directives.Imported) {
		if _, ok := composed[p]; !ok {
			composed[p] = f
		}
	}
	in.base = composed
	return in, nil
}

// Snapshot the output tree of a task under its own ignore rules
func (c *Chain) output(ctx context.Context, t base.TaskConfig) (tree.Tree, error) {
	paths := c.store.Task(t)
	directives, err := direct.Load(paths.Imports)
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", t.Name, err)
	}
	return tree.Snapshot(ctx, paths.OutputDir, directives.Ignored)
}

// ApplyAll applies the patch stacks of the named tasks, or of every task
//
// The tasks the named ones build on are applied first.
func (c *Chain) ApplyAll(ctx context.Context, names []string, force bool) ([]TaskOutcome, error) {
	tasks, err := Select(c.cfg, names, true)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, tasks, func(ctx context.Context, t base.TaskConfig) TaskOutcome {
		return c.applyTask(ctx, t, force)
	})
}

func (c *Chain) applyTask(ctx context.Context, t base.TaskConfig, force bool) TaskOutcome {
	paths := c.store.Task(t)
	out := TaskOutcome{Task: t, Paths: paths}
	out.Err = c.guard(ctx, "apply "+t.Name, workspace.OutputLockName(paths.OutputDir), func(ctx context.Context) error {
		in, err := c.input(ctx, t)
		if err != nil {
			return err
		}
		stack, err := c.loader.Load(paths.PatchDir)
		if err != nil {
			return fmt.Errorf("task %q: %w", t.Name, err)
		}
		out.Apply, err = c.applier.Apply(ctx, apply.Request{
			Task:       t.Name,
			Base:       in.base,
			BaseCommit: in.commit,
			Stack:      stack,
			OutputDir:  paths.OutputDir,
			Ignore:     in.ignore,
			Force:      force,
		})
		return err
	})
	return out
}

type RebuildOptions struct {
	// Subject of the patch collecting unattributed changes
	Message string
	Author  string

	// Rebuild conflicted outputs and ambiguous renames
	Force bool
}

// RebuildAll rebuilds the patch stacks of the named tasks, or of every task,
// from their output trees
func (c *Chain) RebuildAll(ctx context.Context, names []string, opts RebuildOptions) ([]TaskOutcome, error) {
	tasks, err := Select(c.cfg, names, false)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, tasks, func(ctx context.Context, t base.TaskConfig) TaskOutcome {
		paths := c.store.Task(t)
		out := TaskOutcome{Task: t, Paths: paths}
		out.Err = c.guard(ctx, "rebuild "+t.Name, workspace.OutputLockName(paths.OutputDir), func(ctx context.Context) error {
			in, err := c.input(ctx, t)
			if err != nil {
				return err
			}
			out.Rebuild, err = c.rebuilder.Rebuild(ctx, rebuild.Request{
				Task:       t.Name,
				Base:       in.base,
				BaseCommit: in.commit,
				PatchDir:   paths.PatchDir,
				OutputDir:  paths.OutputDir,
				Ignore:     in.ignore,
				Message:    opts.Message,
				Author:     opts.Author,
				Force:      opts.Force,
			})
			return err
		})
		return out
	})
}

func (c *Chain) upstreams(names []string) ([]base.UpstreamConfig, error) {
	if len(names) == 0 {
		return append([]base.UpstreamConfig(nil), c.cfg.Upstreams...), nil
	}
	var out []base.UpstreamConfig
	var errs []error
	for _, name := range names {
		u, ok := c.cfg.Upstream(name)
		if !ok {
			errs = append(errs, fmt.Errorf("upstream %q: %w", name, ErrUnknown))
			continue
		}
		out = append(out, u)
	}
	return out, errors.Join(errs...)
}

// Result of syncing one upstream
type SyncOutcome struct {
	Upstream base.UpstreamConfig
	Sync     *upstream.Result

	// Dependent tasks re-applied because the pin moved
	Tasks []TaskOutcome

	Err error
}

// SyncAll moves the named upstreams, or every upstream, to their pins
//
// When a pin moves, every task whose chain roots at that upstream is
// re-applied in order. A conflict raised there is returned as a
// *base.UpstreamConflictError naming the commit range. Tasks still behind
// the pin, or stopped at a conflict, are re-applied by every later sync.
func (c *Chain) SyncAll(ctx context.Context, names []string, opts upstream.Options) ([]SyncOutcome, error) {
	ups, err := c.upstreams(names)
	if err != nil {
		return nil, err
	}

	outcomes := make([]SyncOutcome, len(ups))
	var g errgroup.Group
	g.SetLimit(c.cfg.Parallelism)
	for i, u := range ups {
		g.Go(func() error {
			outcomes[i] = c.syncUpstream(ctx, u, opts)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return outcomes, errors.Join(errs...)
}

func (c *Chain) syncUpstream(ctx context.Context, u base.UpstreamConfig, opts upstream.Options) SyncOutcome {
	out := SyncOutcome{Upstream: u}
	ref := upstream.RefOf(c.store, u)
	out.Err = c.guard(ctx, "sync "+u.Name, workspace.UpstreamLockName(u.Name), func(ctx context.Context) error {
		var err error
		out.Sync, err = c.upstream.Sync(ctx, ref, opts)
		return err
	})
	if out.Err != nil {
		return out
	}

	dependents := Dependents(c.cfg, u.Name)
	from, to := out.Sync.From, out.Sync.To
	if !out.Sync.Changed || from == "" {
		// Tasks a failed earlier re-apply left behind the pin are retried
		var err error
		if dependents, err = c.behind(dependents, to); err != nil {
			out.Err = err
			return out
		}
		if len(dependents) > 0 {
			record, _, err := c.store.LoadUpstreamState(u.Name)
			if err != nil {
				out.Err = err
				return out
			}
			from, to = record.Previous, record.Commit
		}
	}
	if len(dependents) == 0 {
		return out
	}
	c.logger.Info("re-applying dependent tasks",
		"upstream", u.Name,
		"from", base.ShortCommit(from),
		"to", base.ShortCommit(to),
		"tasks", len(dependents),
	)
	out.Tasks, out.Err = c.run(ctx, dependents, func(ctx context.Context, t base.TaskConfig) TaskOutcome {
		o := c.applyTask(ctx, t, false)
		var conflict *base.ConflictError
		if errors.As(o.Err, &conflict) {
			o.Err = &base.UpstreamConflictError{
				Upstream: u.Name,
				From:     from,
				To:       to,
				Conflict: conflict,
			}
		}
		return o
	})
	return out
}

// Applied tasks built on another commit than the given one, or stopped at a conflict
func (c *Chain) behind(tasks []base.TaskConfig, commit string) ([]base.TaskConfig, error) {
	var out []base.TaskConfig
	for _, t := range tasks {
		state, ok, err := c.store.LoadTaskState(t.Name)
		if err != nil {
			return nil, err
		}
		if ok && (state.Conflict || state.BaseCommit != commit) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Result of checking one upstream against its remote
type CheckOutcome struct {
	Upstream base.UpstreamConfig
	Status   *upstream.Status
	Err      error
}

// Check reports whether the pins of the named upstreams, or every upstream,
// trail their remote branch heads
func (c *Chain) Check(ctx context.Context, names []string) ([]CheckOutcome, error) {
	ups, err := c.upstreams(names)
	if err != nil {
		return nil, err
	}

	outcomes := make([]CheckOutcome, len(ups))
	var g errgroup.Group
	g.SetLimit(c.cfg.Parallelism)
	for i, u := range ups {
		g.Go(func() error {
			o := CheckOutcome{Upstream: u}
			o.Err = c.deadline(ctx, "check "+u.Name, func(ctx context.Context) error {
				var err error
				o.Status, err = c.upstream.Check(ctx, upstream.RefOf(c.store, u))
				return err
			})
			outcomes[i] = o
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return outcomes, errors.Join(errs...)
}

// Publish builds the named bundle and uploads it to its destinations
//
// An empty name selects the only configured bundle. Destinations default to
// every configured destination.
func (c *Chain) Publish(ctx context.Context, name string) (*publish.Receipt, error) {
	var b base.BundleConfig
	switch {
	case name != "":
		var ok bool
		if b, ok = c.cfg.Bundle(name); !ok {
			return nil, fmt.Errorf("bundle %q: %w", name, ErrUnknown)
		}
	case len(c.cfg.Bundles) == 1:
		b = c.cfg.Bundles[0]
	default:
		return nil, fmt.Errorf("name one of %d bundles: %w", len(c.cfg.Bundles), ErrUnknown)
	}

	names := b.Destinations
	if len(names) == 0 {
		for _, d := range c.cfg.Destinations {
			names = append(names, d.Name)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("bundle %q: no destinations: %w", b.Name, ErrUnknown)
	}

	var receipt *publish.Receipt
	err := c.guard(ctx, "publish "+b.Name, workspace.PublishLockName, func(ctx context.Context) error {
		desc, err := publish.DescriptorOf(c.cfg.Workspace, b)
		if err != nil {
			return err
		}
		// Credentials are read now, not when the configuration was loaded
		dests := make([]publish.Destination, 0, len(names))
		for _, name := range names {
			d, _ := c.cfg.Destination(name)
			dests = append(dests, publish.DestinationOf(d))
		}
		receipt, err = c.publisher.Publish(ctx, desc, dests)
		return err
	})
	return receipt, err
}
