// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package chain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zosopentools/patchchain/internal/base"
	"github.com/zosopentools/patchchain/internal/direct"
	"github.com/zosopentools/patchchain/internal/tree"
	"github.com/zosopentools/patchchain/internal/upstream"
	"github.com/zosopentools/patchchain/internal/workspace"
)

const chainConfig = `
timeout: 1m
parallelism: 2
retry:
  attempts: 2
  delay: 1ms
upstreams:
  - name: up
    url: https://example.invalid/up.git
    branch: main
    commit: aaaa1111
    dir: upstream/up
tasks:
  - name: api
    upstream: up
    upstream_dir: api
    patch_dir: patches/api
    output_dir: out/api
  - name: server
    from: api
    patch_dir: patches/server
    output_dir: out/server
bundles:
  - name: dev
    coordinates: org.example:dev-bundle:1.0
    artifacts: [build/*.jar]
destinations:
  - name: local
    url: ${WORKSPACE}/repo
`

const mainV1 = "class Main {\n  v1\n}\n"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func parse(t *testing.T, dir string, src string) base.Config {
	t.Helper()
	cfg, err := base.Parse([]byte(src), dir)
	require.NoError(t, err)
	return cfg
}

func newChain(t *testing.T, src string, vcs upstream.VCS) (*Chain, string) {
	t.Helper()
	dir := t.TempDir()
	return New(parse(t, dir, src), Options{VCS: vcs, Logger: quiet}), dir
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func names(level []base.TaskConfig) []string {
	out := make([]string, 0, len(level))
	for _, t := range level {
		out = append(out, t.Name)
	}
	return out
}

// Repository whose commits are trees checked out by materialising them
type fakeRepo struct {
	mu      sync.Mutex
	commits map[string]tree.Tree
	branch  string
	heads   map[string]string

	// Clone and fetch wait for the context to end
	block bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{commits: make(map[string]tree.Tree), heads: make(map[string]string)}
}

func (f *fakeRepo) Exists(dir string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.heads[dir]
	return ok
}

func (f *fakeRepo) Clone(ctx context.Context, url, branch, dir string) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads[dir] = ""
	return os.MkdirAll(dir, 0755)
}

func (f *fakeRepo) Fetch(ctx context.Context, dir, branch string) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeRepo) Resolve(ctx context.Context, dir, rev string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case rev == "HEAD":
		return f.heads[dir], nil
	case rev == "refs/remotes/origin/main":
		return f.branch, nil
	}
	if _, ok := f.commits[rev]; ok {
		return rev, nil
	}
	return "", errors.New("unknown revision " + rev)
}

func (f *fakeRepo) IsAncestor(ctx context.Context, dir, commit, rev string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.commits[commit]
	return ok, nil
}

func (f *fakeRepo) Checkout(ctx context.Context, dir, commit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := tree.Materialize(ctx, dir, f.commits[commit], direct.Defaults().Ignored); err != nil {
		return err
	}
	f.heads[dir] = commit
	return nil
}

func (f *fakeRepo) InitSubmodule(ctx context.Context, dir, path string) error {
	return nil
}

func (f *fakeRepo) RemoteHead(ctx context.Context, url, branch string) (string, error) {
	return f.branch, nil
}

func TestLevels(t *testing.T) {
	tasks := []base.TaskConfig{
		{Name: "d", From: "b", After: []string{"c"}},
		{Name: "a", Upstream: "up"},
		{Name: "b", From: "a"},
		{Name: "c", Upstream: "up", After: []string{"a"}},
		{Name: "e", Upstream: "up"},
	}
	levels, err := Levels(tasks)
	require.NoError(t, err)
	require.Len(t, levels, 3)
	require.Equal(t, []string{"a", "e"}, names(levels[0]))
	require.Equal(t, []string{"b", "c"}, names(levels[1]))
	require.Equal(t, []string{"d"}, names(levels[2]))

	_, err = Levels([]base.TaskConfig{
		{Name: "x", Upstream: "up", After: []string{"y"}},
		{Name: "y", Upstream: "up", After: []string{"x"}},
		{Name: "z", Upstream: "up"},
	})
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	require.Equal(t, []string{"x", "y"}, cycle.Tasks)
}

func TestSelect(t *testing.T) {
	cfg := parse(t, t.TempDir(), chainConfig)

	tasks, err := Select(cfg, []string{"server"}, true)
	require.NoError(t, err)
	require.Equal(t, []string{"api", "server"}, names(tasks))

	tasks, err = Select(cfg, []string{"server"}, false)
	require.NoError(t, err)
	require.Equal(t, []string{"server"}, names(tasks))

	tasks, err = Select(cfg, nil, false)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	_, err = Select(cfg, []string{"nope"}, false)
	require.ErrorIs(t, err, ErrUnknown)

	require.Equal(t, []string{"api", "server"}, names(Dependents(cfg, "up")))
	require.Empty(t, Dependents(cfg, "other"))
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	policy := base.RetryConfig{Attempts: 3, Delay: time.Millisecond}
	busy := &base.WorkspaceBusyError{Lock: "output-x"}

	calls := 0
	err := Retry(ctx, policy, quiet, "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return busy
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	err = Retry(ctx, policy, quiet, "op", func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")
	require.Equal(t, 1, calls, "permanent errors are not retried")

	calls = 0
	err = Retry(ctx, policy, quiet, "op", func(context.Context) error {
		calls++
		return busy
	})
	require.ErrorIs(t, err, busy)
	require.Equal(t, 3, calls)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	calls = 0
	err = Retry(cancelled, base.RetryConfig{Attempts: 5, Delay: time.Hour}, quiet, "op", func(context.Context) error {
		calls++
		return busy
	})
	require.ErrorIs(t, err, busy)
	require.Equal(t, 1, calls)
}

func TestApplyRebuildChain(t *testing.T) {
	ctx := context.Background()
	c, dir := newChain(t, chainConfig, nil)
	writeFile(t, filepath.Join(dir, "upstream/up/api/Main.java"), mainV1)

	outcomes, err := c.ApplyAll(ctx, nil, false)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.Equal(t, "api", outcomes[0].Task.Name)
	require.Equal(t, "server", outcomes[1].Task.Name)
	require.Equal(t, mainV1, readFile(t, filepath.Join(dir, "out/server/Main.java")))

	// Edit the intermediate fork and fold the edit into its stack
	patched := "class Main {\n  v1 patched\n}\n"
	writeFile(t, filepath.Join(dir, "out/api/Main.java"), patched)
	outcomes, err = c.RebuildAll(ctx, []string{"api"}, RebuildOptions{})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, 1, outcomes[0].Rebuild.Stack.Len())
	require.FileExists(t, filepath.Join(dir, "patches/api/0001-Local-changes.patch"))

	// Applying the fork on top picks the rebuilt layer up
	outcomes, err = c.ApplyAll(ctx, []string{"server"}, false)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.True(t, outcomes[0].Apply.Skipped, "api output is already current")
	require.False(t, outcomes[1].Apply.Skipped)
	require.Equal(t, patched, readFile(t, filepath.Join(dir, "out/server/Main.java")))

	outcomes, err = c.RebuildAll(ctx, nil, RebuildOptions{})
	require.NoError(t, err)
	for _, o := range outcomes {
		require.True(t, o.Rebuild.Unchanged, o.Task.Name)
	}
}

func TestApplyBusy(t *testing.T) {
	ctx := context.Background()
	c, dir := newChain(t, chainConfig, nil)
	writeFile(t, filepath.Join(dir, "upstream/up/api/Main.java"), mainV1)

	api, _ := c.Config().Task("api")
	lock, err := c.Store().Lock(workspace.OutputLockName(c.Store().Task(api).OutputDir))
	require.NoError(t, err)

	_, err = c.ApplyAll(ctx, []string{"api"}, false)
	var busy *base.WorkspaceBusyError
	require.ErrorAs(t, err, &busy)
	require.Equal(t, base.ExitBusy, base.ExitCodeOf(err))
	require.NoFileExists(t, filepath.Join(dir, "out/api/Main.java"))

	require.NoError(t, lock.Release())
	_, err = c.ApplyAll(ctx, []string{"api"}, false)
	require.NoError(t, err)
}

func TestApplyMissingCheckout(t *testing.T) {
	c, _ := newChain(t, chainConfig, nil)
	_, err := c.ApplyAll(context.Background(), nil, false)
	require.ErrorContains(t, err, "sync-upstream")
}

func TestApplyImports(t *testing.T) {
	const src = `
upstreams:
  - name: up
    url: https://example.invalid/up.git
    branch: main
    commit: aaaa1111
    dir: upstream/up
tasks:
  - name: server
    upstream: up
    upstream_dir: server
    patch_dir: patches/server
    output_dir: out/server
    imports: imports.yaml
    import_source: dev
  - name: bare
    upstream: up
    upstream_dir: server
    patch_dir: patches/bare
    output_dir: out/bare
    bare: true
`
	ctx := context.Background()
	c, dir := newChain(t, src, nil)
	writeFile(t, filepath.Join(dir, "upstream/up/server/Main.java"), mainV1)
	writeFile(t, filepath.Join(dir, "upstream/up/dev/Main.java"), "dev\n")
	writeFile(t, filepath.Join(dir, "upstream/up/dev/Dev.java"), "class Dev {}\n")
	writeFile(t, filepath.Join(dir, "upstream/up/dev/Other.java"), "class Other {}\n")
	writeFile(t, filepath.Join(dir, "upstream/up/dev/lib/A.java"), "class A {}\n")
	writeFile(t, filepath.Join(dir, "imports.yaml"), "imports:\n  - type: file\n    path: Dev.java\n  - type: file\n    path: Main.java\n  - type: dir\n    path: lib\n")

	_, err := c.ApplyAll(ctx, nil, false)
	require.NoError(t, err)

	require.Equal(t, mainV1, readFile(t, filepath.Join(dir, "out/server/Main.java")), "the base wins over imports")
	require.FileExists(t, filepath.Join(dir, "out/server/Dev.java"))
	require.FileExists(t, filepath.Join(dir, "out/server/lib/A.java"))
	require.NoFileExists(t, filepath.Join(dir, "out/server/Other.java"))

	require.FileExists(t, filepath.Join(dir, "out/bare/Main.java"))
	require.NoFileExists(t, filepath.Join(dir, "out/bare/Dev.java"))

	writeFile(t, filepath.Join(dir, "imports.yaml"), "imports:\n  - type: file\n    path: Missing.java\n")
	_, err = c.ApplyAll(ctx, []string{"server"}, false)
	require.ErrorContains(t, err, "Missing.java")
}

func TestForkRefusesEditedBase(t *testing.T) {
	ctx := context.Background()
	c, dir := newChain(t, chainConfig, nil)
	writeFile(t, filepath.Join(dir, "upstream/up/api/Main.java"), mainV1)

	_, err := c.ApplyAll(ctx, nil, false)
	require.NoError(t, err)
	writeFile(t, filepath.Join(dir, "out/api/Main.java"), "class Main {\n  v1 patched\n}\n")

	_, err = c.RebuildAll(ctx, []string{"server"}, RebuildOptions{})
	require.ErrorIs(t, err, base.ErrOutputModified)
	require.Equal(t, base.ExitOutputModified, base.ExitCodeOf(err))
	patches, _ := filepath.Glob(filepath.Join(dir, "patches/server/*.patch"))
	require.Empty(t, patches, "edits of the base task are not written to the fork")

	_, err = c.ApplyAll(ctx, []string{"server"}, false)
	require.ErrorIs(t, err, base.ErrOutputModified)
	require.Equal(t, mainV1, readFile(t, filepath.Join(dir, "out/server/Main.java")))

	// Once the base task is rebuilt, the fork follows it
	_, err = c.RebuildAll(ctx, []string{"api"}, RebuildOptions{})
	require.NoError(t, err)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, Clean, status.Tasks[0].State)
	require.Equal(t, Stale, status.Tasks[1].State)

	_, err = c.ApplyAll(ctx, []string{"server"}, false)
	require.NoError(t, err)
	require.Equal(t, "class Main {\n  v1 patched\n}\n", readFile(t, filepath.Join(dir, "out/server/Main.java")))
}

func TestSyncReappliesDependents(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	repo.commits["aaaa1111"] = tree.Tree{"api/Main.java": {Data: []byte(mainV1), Mode: tree.ModeFile}}
	repo.commits["cccc3333"] = tree.Tree{
		"api/Main.java": {Data: []byte(mainV1), Mode: tree.ModeFile},
		"api/README":    {Data: []byte("readme\n"), Mode: tree.ModeFile},
	}
	repo.commits["bbbb2222"] = tree.Tree{"api/Main.java": {Data: []byte("class Main {\n  v2\n}\n"), Mode: tree.ModeFile}}
	repo.branch = "bbbb2222"

	c, dir := newChain(t, chainConfig, repo)
	outcomes, err := c.SyncAll(ctx, nil, upstream.Options{})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Sync.Cloned)
	require.Empty(t, outcomes[0].Tasks, "a new checkout does not re-apply anything")

	_, err = c.ApplyAll(ctx, nil, false)
	require.NoError(t, err)
	writeFile(t, filepath.Join(dir, "out/api/Main.java"), "class Main {\n  v1 patched\n}\n")
	_, err = c.RebuildAll(ctx, []string{"api"}, RebuildOptions{})
	require.NoError(t, err)

	outcomes, err = c.SyncAll(ctx, nil, upstream.Options{})
	require.NoError(t, err)
	require.False(t, outcomes[0].Sync.Changed)
	require.Empty(t, outcomes[0].Tasks)

	// A pin move the patches survive re-applies the whole chain
	moved := New(parse(t, dir, strings.Replace(chainConfig, "aaaa1111", "cccc3333", 1)), Options{VCS: repo, Logger: quiet})
	outcomes, err = moved.SyncAll(ctx, nil, upstream.Options{})
	require.NoError(t, err)
	require.True(t, outcomes[0].Sync.Changed)
	require.Len(t, outcomes[0].Tasks, 2)
	require.Equal(t, "readme\n", readFile(t, filepath.Join(dir, "out/server/README")))
	require.Equal(t, "class Main {\n  v1 patched\n}\n", readFile(t, filepath.Join(dir, "out/server/Main.java")))

	// One they do not survive names the commit range
	moved = New(parse(t, dir, strings.Replace(chainConfig, "aaaa1111", "bbbb2222", 1)), Options{VCS: repo, Logger: quiet})
	outcomes, err = moved.SyncAll(ctx, nil, upstream.Options{})
	var conflict *base.UpstreamConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "cccc3333", conflict.From)
	require.Equal(t, "bbbb2222", conflict.To)
	require.Equal(t, "api", conflict.Conflict.Task)
	require.Equal(t, base.ExitConflict, base.ExitCodeOf(err))
	require.Len(t, outcomes[0].Tasks, 1, "server is not applied on a broken base")

	// The pin no longer moves, but the broken chain is retried
	outcomes, err = moved.SyncAll(ctx, nil, upstream.Options{})
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "cccc3333", conflict.From)
	require.Equal(t, "bbbb2222", conflict.To)
	require.False(t, outcomes[0].Sync.Changed)
	require.Len(t, outcomes[0].Tasks, 1)

	status, err := moved.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, Conflicted, status.Tasks[0].State)
	require.Equal(t, Stale, status.Tasks[1].State)

	writeFile(t, filepath.Join(dir, "out/api/Main.java"), "class Main {\n  v2 patched\n}\n")
	_, err = moved.RebuildAll(ctx, []string{"api"}, RebuildOptions{Force: true})
	require.NoError(t, err)

	outcomes, err = moved.SyncAll(ctx, nil, upstream.Options{})
	require.NoError(t, err)
	require.Len(t, outcomes[0].Tasks, 1, "only server is behind the pin")
	require.Equal(t, "class Main {\n  v2 patched\n}\n", readFile(t, filepath.Join(dir, "out/server/Main.java")))

	status, err = moved.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, Clean, status.Tasks[0].State)
	require.Equal(t, Clean, status.Tasks[1].State)

	outcomes, err = moved.SyncAll(ctx, nil, upstream.Options{})
	require.NoError(t, err)
	require.Empty(t, outcomes[0].Tasks)
}

func TestSyncTimeout(t *testing.T) {
	repo := newFakeRepo()
	repo.block = true
	src := strings.Replace(chainConfig, "timeout: 1m", "timeout: 50ms", 1)
	src = strings.Replace(src, "attempts: 2", "attempts: 1", 1)
	c, _ := newChain(t, src, repo)

	_, err := c.SyncAll(context.Background(), []string{"up"}, upstream.Options{})
	var timeout *base.TimeoutError
	require.ErrorAs(t, err, &timeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, base.ExitTimeout, base.ExitCodeOf(err))

	_, synced, err := c.Store().LoadUpstreamState("up")
	require.NoError(t, err)
	require.False(t, synced)

	lock, err := c.Store().Lock(workspace.UpstreamLockName("up"))
	require.NoError(t, err, "the lock is released when the deadline expires")
	require.NoError(t, lock.Release())

	_, err = c.SyncAll(context.Background(), []string{"down"}, upstream.Options{})
	require.ErrorIs(t, err, ErrUnknown)
}

func TestCheck(t *testing.T) {
	repo := newFakeRepo()
	repo.branch = "bbbb2222"
	c, _ := newChain(t, chainConfig, repo)

	outcomes, err := c.Check(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, "bbbb2222", outcomes[0].Status.Head)
	require.True(t, outcomes[0].Status.Behind)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	c, dir := newChain(t, chainConfig, nil)
	writeFile(t, filepath.Join(dir, "upstream/up/api/Main.java"), mainV1)

	_, err := c.ApplyAll(ctx, []string{"api"}, false)
	require.NoError(t, err)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status.Tasks, 2)
	require.Equal(t, Clean, status.Tasks[0].State)
	require.Equal(t, NotApplied, status.Tasks[1].State)
	require.Len(t, status.Upstreams, 1)
	require.False(t, status.Upstreams[0].Synced)

	writeFile(t, filepath.Join(dir, "out/api/Main.java"), "edited\n")
	status, err = c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, Modified, status.Tasks[0].State)

	_, err = c.ApplyAll(ctx, []string{"api"}, false)
	require.ErrorIs(t, err, base.ErrOutputModified)
	require.Equal(t, base.ExitOutputModified, base.ExitCodeOf(err))

	_, err = c.ApplyAll(ctx, []string{"api"}, true)
	require.NoError(t, err)
	require.Equal(t, mainV1, readFile(t, filepath.Join(dir, "out/api/Main.java")))
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	c, dir := newChain(t, chainConfig, nil)
	writeFile(t, filepath.Join(dir, "build/server.jar"), "jar")

	receipt, err := c.Publish(ctx, "")
	require.NoError(t, err)
	require.Len(t, receipt.Outcomes, 1)
	require.True(t, receipt.Outcomes[0].OK())
	require.FileExists(t, filepath.Join(dir, "repo/org/example/dev-bundle/1.0/dev-bundle-1.0.tar.zst"))

	_, err = c.Publish(ctx, "missing")
	require.ErrorIs(t, err, ErrUnknown)
}
