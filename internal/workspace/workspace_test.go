// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zosopentools/patchchain/internal/base"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	cfg := base.Default()
	cfg.Workspace = t.TempDir()
	return New(cfg)
}

func TestPaths(t *testing.T) {
	s := newStore(t)

	if s.StateDir() != filepath.Join(s.Root(), base.DefaultStateDir) {
		t.Errorf("state dir: got %v", s.StateDir())
	}

	paths := s.Task(base.TaskConfig{PatchDir: "patches/api", OutputDir: "/abs/api", Imports: "imports.yaml"})
	if paths.PatchDir != filepath.Join(s.Root(), "patches/api") || paths.OutputDir != "/abs/api" {
		t.Errorf("task paths: got %+v", paths)
	}
	if paths.Imports != filepath.Join(s.Root(), "imports.yaml") {
		t.Errorf("imports: got %v", paths.Imports)
	}
	if s.Task(base.TaskConfig{PatchDir: "p", OutputDir: "o"}).Imports != "" {
		t.Error("no import file configured, but a path was resolved")
	}

	if got := OutputLockName("/ws/fork api/"); got != "output-ws_fork_api" {
		t.Errorf("output lock name: got %v", got)
	}
	if OutputLockName("/ws/out") != OutputLockName("/ws/./out") {
		t.Error("equivalent paths map to different locks")
	}
}

func TestLock(t *testing.T) {
	s := newStore(t)

	held, err := s.Lock(UpstreamLockName("paper"))
	if err != nil {
		t.Fatal(err)
	}
	if held.Name() != "upstream-paper" {
		t.Errorf("lock name: got %v", held.Name())
	}

	_, err = s.Lock(UpstreamLockName("paper"))
	var busy *base.WorkspaceBusyError
	if !errors.As(err, &busy) {
		t.Fatalf("expected a busy error, got %v", err)
	}
	if busy.Lock != "upstream-paper" || base.ExitCodeOf(err) != base.ExitBusy {
		t.Errorf("busy error: %+v", busy)
	}

	// Unrelated resources do not contend
	other, err := s.Lock(PublishLockName)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Release()

	if err := held.Release(); err != nil {
		t.Fatal(err)
	}
	if err := held.Release(); err != nil {
		t.Errorf("second release: %v", err)
	}

	again, err := s.Lock(UpstreamLockName("paper"))
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	again.Release()
}

func TestTaskState(t *testing.T) {
	s := newStore(t)

	if _, ok, err := s.LoadTaskState("api"); ok || err != nil {
		t.Fatalf("unexpected state: %v %v", ok, err)
	}

	want := TaskState{
		Task:         "api",
		BaseCommit:   "0123456789abcdef",
		BaseDigest:   "b",
		StackDigest:  "s",
		OutputDigest: "o",
		Applied:      []int{1, 2, 3},
		Conflict:     true,
		UpdatedAt:    time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := s.SaveTaskState(want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.LoadTaskState("api")
	if err != nil || !ok {
		t.Fatalf("state not found: %v", err)
	}
	if got.OutputDigest != want.OutputDigest || !got.Conflict || len(got.Applied) != 3 || !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Errorf("got %+v, want %+v", got, want)
	}

	if err := s.ClearTaskState("api"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.LoadTaskState("api"); ok {
		t.Error("state survived clear")
	}
	if err := s.ClearTaskState("api"); err != nil {
		t.Errorf("clearing missing state: %v", err)
	}

	// Encoding is deterministic
	first, _ := encMode.Marshal(want)
	second, _ := encMode.Marshal(want)
	if string(first) != string(second) {
		t.Error("state encoding is not deterministic")
	}
}

func TestUpstreamState(t *testing.T) {
	s := newStore(t)

	state := UpstreamState{Name: "paper", URL: "https://example.invalid/paper.git", Branch: "main", Commit: "cccc", Previous: "aaaa", Submodules: []string{"work/Bukkit"}}
	if err := s.SaveUpstreamState(state); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.LoadUpstreamState("paper")
	if err != nil || !ok {
		t.Fatalf("state not found: %v", err)
	}
	if got.Commit != "cccc" || got.Previous != "aaaa" || len(got.Submodules) != 1 {
		t.Errorf("got %+v", got)
	}

	if err := os.WriteFile(s.upstreamStatePath("broken"), []byte("not cbor"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.LoadUpstreamState("broken"); err == nil {
		t.Error("corrupt state accepted")
	}
}
