// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

// This package is dedicated to exec.Command related calls and filesystem helpers
package util

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Fixed identity for commands that may need one; the checkouts we manage never
// create commits but git refuses some operations without an identity.
var gitEnv = []string{
	"GIT_TERMINAL_PROMPT=0",
	"GIT_AUTHOR_NAME=patchchain",
	"GIT_AUTHOR_EMAIL=patchchain@localhost",
	"GIT_COMMITTER_NAME=patchchain",
	"GIT_COMMITTER_EMAIL=patchchain@localhost",
}

/////////////////////
// GIT COMMANDS    //
/////////////////////

// Git clone a repository at the given branch without checking anything out
func GitClone(ctx context.Context, repo string, branch string, dest string) error {
	cmd := gitCommand(ctx, "", "clone", "--no-checkout", "--branch", branch, "--", repo, dest)
	return run(cmd)
}

// Fetch a branch from origin, updating the remote tracking ref
func GitFetch(ctx context.Context, dir string, branch string) error {
	refspec := fmt.Sprintf("+refs/heads/%v:refs/remotes/origin/%v", branch, branch)
	cmd := gitCommand(ctx, dir, "fetch", "--no-tags", "origin", refspec)
	return run(cmd)
}

// Resolve a revision to a full commit hash
func GitRevParse(ctx context.Context, dir string, rev string) (string, error) {
	cmd := gitCommand(ctx, dir, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	return runout(cmd)
}

// Report whether commit is an ancestor of (or equal to) rev
func GitIsAncestor(ctx context.Context, dir string, commit string, rev string) (bool, error) {
	cmd := gitCommand(ctx, dir, "merge-base", "--is-ancestor", commit, rev)
	_, err := runout(cmd)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

// Detach HEAD at commit, discarding local modifications of tracked files
func GitCheckout(ctx context.Context, dir string, commit string) error {
	cmd := gitCommand(ctx, dir, "checkout", "--quiet", "--force", "--detach", commit)
	return run(cmd)
}

// Initialise and check out a single submodule
func GitSubmoduleInit(ctx context.Context, dir string, path string) error {
	cmd := gitCommand(ctx, dir, "submodule", "update", "--init", "--", path)
	return run(cmd)
}

// Look up the commit a remote branch points at
func GitLsRemote(ctx context.Context, repo string, branch string) (string, error) {
	cmd := gitCommand(ctx, "", "ls-remote", "--heads", "--", repo, "refs/heads/"+branch)
	out, err := runout(cmd)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", fmt.Errorf("branch %v not found on %v", branch, repo)
	}
	return fields[0], nil
}

func gitCommand(ctx context.Context, dir string, args ...string) *exec.Cmd {
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), gitEnv...)
	return cmd
}

// Run a command, return stdout
func runout(cmd *exec.Cmd) (string, error) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	if err == nil {
		return strings.TrimSpace(stdout.String()), nil
	}
	return strings.TrimSpace(stderr.String()), fmt.Errorf("cmd: %v: %w (stderr: %v)", strings.Join(cmd.Args, " "), err, strings.TrimSpace(stderr.String()))
}

// Run a command, ignoring stdout
func run(cmd *exec.Cmd) error {
	_, err := runout(cmd)
	return err
}
