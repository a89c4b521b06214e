// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package upstream

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zosopentools/patchchain/internal/base"
	"github.com/zosopentools/patchchain/internal/workspace"
)

// In memory VCS recording every mutating call
type fakeVCS struct {
	exists  bool
	head    string
	commits map[string]string // rev -> commit
	history map[string]bool   // commits reachable from the branch
	remote  string

	fetchErr error
	calls    []string
}

func newFake() *fakeVCS {
	return &fakeVCS{
		commits: map[string]string{
			"aaaaaaaaaaaaaaaa":         "aaaaaaaaaaaaaaaa",
			"bbbbbbbbbbbbbbbb":         "bbbbbbbbbbbbbbbb",
			"refs/remotes/origin/main": "bbbbbbbbbbbbbbbb",
			"cccccccccccccccc":         "cccccccccccccccc",
		},
		history: map[string]bool{"aaaaaaaaaaaaaaaa": true, "bbbbbbbbbbbbbbbb": true},
		remote:  "bbbbbbbbbbbbbbbb",
	}
}

func (f *fakeVCS) Exists(dir string) bool { return f.exists }

func (f *fakeVCS) Clone(ctx context.Context, url, branch, dir string) error {
	f.calls = append(f.calls, "clone")
	f.exists = true
	f.head = f.remote
	return nil
}

func (f *fakeVCS) Fetch(ctx context.Context, dir, branch string) error {
	f.calls = append(f.calls, "fetch")
	return f.fetchErr
}

func (f *fakeVCS) Resolve(ctx context.Context, dir, rev string) (string, error) {
	if rev == "HEAD" {
		return f.head, nil
	}
	if c, ok := f.commits[rev]; ok {
		return c, nil
	}
	for k, c := range f.commits {
		if strings.HasPrefix(k, rev) {
			return c, nil
		}
	}
	return "", errors.New("unknown revision")
}

func (f *fakeVCS) IsAncestor(ctx context.Context, dir, commit, rev string) (bool, error) {
	return f.history[commit], nil
}

func (f *fakeVCS) Checkout(ctx context.Context, dir, commit string) error {
	f.calls = append(f.calls, "checkout "+commit)
	f.head = commit
	return nil
}

func (f *fakeVCS) InitSubmodule(ctx context.Context, dir, path string) error {
	f.calls = append(f.calls, "submodule "+path)
	return nil
}

func (f *fakeVCS) RemoteHead(ctx context.Context, url, branch string) (string, error) {
	return f.remote, nil
}

func newController(t *testing.T, v VCS) (*Controller, *workspace.Store) {
	store := workspace.New(base.Config{Workspace: t.TempDir(), StateDir: base.DefaultStateDir})
	return New(store, v, nil), store
}

func TestSyncTwiceIsNoop(t *testing.T) {
	fake := newFake()
	c, store := newController(t, fake)
	ref := Ref{Name: "paper", URL: "https://example.com/paper.git", Branch: "main", Commit: "aaaaaaaa", Dir: "/nowhere", Submodules: []string{"work/Bukkit"}}

	res, err := c.Sync(context.Background(), ref, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cloned || !res.Changed || res.To != "aaaaaaaaaaaaaaaa" {
		t.Errorf("unexpected first result %+v", res)
	}
	if len(res.Submodules) != 1 {
		t.Errorf("submodule not initialised: %+v", res)
	}

	statePath := filepath.Join(store.StateDir(), "upstream-state", "paper.cbor")
	info, err := os.Stat(statePath)
	if err != nil {
		t.Fatal(err)
	}

	fake.calls = nil
	res, err = c.Sync(context.Background(), ref, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed || res.Cloned || len(res.Submodules) != 0 {
		t.Errorf("second sync changed something: %+v", res)
	}
	if len(fake.calls) != 0 {
		t.Errorf("second sync touched the repository: %v", fake.calls)
	}
	again, err := os.Stat(statePath)
	if err != nil {
		t.Fatal(err)
	}
	if !again.ModTime().Equal(info.ModTime()) {
		t.Error("second sync rewrote the state file")
	}

	// Forcing re-initialises submodules
	res, err = c.Sync(context.Background(), ref, Options{Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Submodules) != 1 || res.Changed {
		t.Errorf("forced sync: %+v", res)
	}
}

func TestSyncMovesPin(t *testing.T) {
	fake := newFake()
	c, store := newController(t, fake)
	ref := Ref{Name: "paper", Branch: "main", Commit: "aaaaaaaaaaaaaaaa", Dir: "/nowhere", Submodules: []string{"work/Bukkit"}}

	if _, err := c.Sync(context.Background(), ref, Options{}); err != nil {
		t.Fatal(err)
	}

	ref.Commit = "bbbbbbbbbbbbbbbb"
	res, err := c.Sync(context.Background(), ref, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || res.From != "aaaaaaaaaaaaaaaa" || res.To != "bbbbbbbbbbbbbbbb" {
		t.Errorf("unexpected result %+v", res)
	}
	if fake.calls[len(fake.calls)-2] != "checkout bbbbbbbbbbbbbbbb" {
		t.Errorf("unexpected calls %v", fake.calls)
	}

	// A forced sync on the same commit keeps the last move on record
	res, err = c.Sync(context.Background(), ref, Options{Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed || len(res.Submodules) != 1 {
		t.Errorf("unexpected forced sync %+v", res)
	}
	state, _, err := store.LoadUpstreamState("paper")
	if err != nil {
		t.Fatal(err)
	}
	if state.Previous != "aaaaaaaaaaaaaaaa" || state.Commit != "bbbbbbbbbbbbbbbb" {
		t.Errorf("unexpected state %+v", state)
	}
}

func TestSyncRejectsForeignPin(t *testing.T) {
	fake := newFake()
	fake.exists = true
	fake.head = "aaaaaaaaaaaaaaaa"
	c, _ := newController(t, fake)

	_, err := c.Sync(context.Background(), Ref{Name: "paper", Branch: "main", Commit: "cccccccccccccccc", Dir: "/nowhere"}, Options{})
	var syncErr *base.SyncError
	if !errors.As(err, &syncErr) || syncErr.Op != "verify" {
		t.Fatalf("expected a verify SyncError, got %v", err)
	}
	if fake.head != "aaaaaaaaaaaaaaaa" {
		t.Error("HEAD moved to a commit outside the branch")
	}
	if base.ExitCodeOf(err) != base.ExitSync {
		t.Errorf("unexpected exit code %v", base.ExitCodeOf(err))
	}
}

func TestSyncCancelledFetchKeepsPin(t *testing.T) {
	fake := newFake()
	fake.exists = true
	fake.head = "aaaaaaaaaaaaaaaa"
	c, store := newController(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fake.fetchErr = errors.New("signal: killed")

	_, err := c.Sync(ctx, Ref{Name: "paper", Branch: "main", Commit: "bbbbbbbbbbbbbbbb", Dir: "/nowhere"}, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected a cancelled sync, got %v", err)
	}
	if fake.head != "aaaaaaaaaaaaaaaa" {
		t.Error("cancelled sync moved HEAD")
	}
	if _, ok, _ := store.LoadUpstreamState("paper"); ok {
		t.Error("cancelled sync recorded a pin")
	}
}

func TestCheck(t *testing.T) {
	fake := newFake()
	c, _ := newController(t, fake)

	status, err := c.Check(context.Background(), Ref{Name: "paper", Branch: "main", Commit: "aaaaaaaa"})
	if err != nil {
		t.Fatal(err)
	}
	if !status.Behind || status.Head != "bbbbbbbbbbbbbbbb" {
		t.Errorf("unexpected status %+v", status)
	}

	status, err = c.Check(context.Background(), Ref{Name: "paper", Branch: "main", Commit: "bbbbbbbb"})
	if err != nil {
		t.Fatal(err)
	}
	if status.Behind {
		t.Errorf("pin at head reported behind: %+v", status)
	}
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test",
		"GIT_AUTHOR_EMAIL=test@test.local",
		"GIT_COMMITTER_NAME=Test",
		"GIT_COMMITTER_EMAIL=test@test.local",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

func commit(t *testing.T, dir string, name string, content string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	git(t, dir, "add", name)
	git(t, dir, "commit", "-q", "-m", "update "+name)
	return git(t, dir, "rev-parse", "HEAD")
}

func TestSyncGit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	origin := t.TempDir()
	git(t, origin, "init", "-q", "-b", "main")
	first := commit(t, origin, "README", "one\n")
	second := commit(t, origin, "README", "two\n")

	c, store := newController(t, nil)
	dir := filepath.Join(store.Root(), "upstream", "origin")
	ref := Ref{Name: "origin", URL: origin, Branch: "main", Commit: first, Dir: dir}

	res, err := c.Sync(context.Background(), ref, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cloned || res.To != first {
		t.Fatalf("unexpected result %+v", res)
	}
	data, err := os.ReadFile(filepath.Join(dir, "README"))
	if err != nil || string(data) != "one\n" {
		t.Fatalf("checkout not at pin: %q %v", data, err)
	}

	res, err = c.Sync(context.Background(), ref, Options{})
	if err != nil || res.Changed {
		t.Fatalf("second sync: %+v %v", res, err)
	}

	ref.Commit = second
	res, err = c.Sync(context.Background(), ref, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.From != first || res.To != second {
		t.Errorf("unexpected range %+v", res)
	}
	data, _ = os.ReadFile(filepath.Join(dir, "README"))
	if string(data) != "two\n" {
		t.Errorf("checkout not moved: %q", data)
	}

	status, err := c.Check(context.Background(), ref)
	if err != nil {
		t.Fatal(err)
	}
	if status.Behind || status.Current != second {
		t.Errorf("unexpected status %+v", status)
	}
}
