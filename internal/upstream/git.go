// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package upstream

import (
	"context"
	"path/filepath"

	"golang.org/x/tools/go/vcs"

	"github.com/zosopentools/patchchain/internal/util"
)

// Repository operations the controller needs
type VCS interface {
	// Report whether dir holds a checkout
	Exists(dir string) bool

	Clone(ctx context.Context, url string, branch string, dir string) error
	Fetch(ctx context.Context, dir string, branch string) error

	// Resolve a revision to a full commit hash
	Resolve(ctx context.Context, dir string, rev string) (string, error)

	IsAncestor(ctx context.Context, dir string, commit string, rev string) (bool, error)
	Checkout(ctx context.Context, dir string, commit string) error
	InitSubmodule(ctx context.Context, dir string, path string) error

	// Commit a remote branch points at
	RemoteHead(ctx context.Context, url string, branch string) (string, error)
}

// Git drives the git command line
type Git struct{}

func (Git) Exists(dir string) bool {
	dir = filepath.Clean(dir)
	cmd, root, err := vcs.FromDir(dir, filepath.Dir(dir))
	return err == nil && cmd.Cmd == "git" && filepath.FromSlash(root) == filepath.Base(dir)
}

func (Git) Clone(ctx context.Context, url string, branch string, dir string) error {
	return util.GitClone(ctx, url, branch, dir)
}

func (Git) Fetch(ctx context.Context, dir string, branch string) error {
	return util.GitFetch(ctx, dir, branch)
}

func (Git) Resolve(ctx context.Context, dir string, rev string) (string, error) {
	return util.GitRevParse(ctx, dir, rev)
}

func (Git) IsAncestor(ctx context.Context, dir string, commit string, rev string) (bool, error) {
	return util.GitIsAncestor(ctx, dir, commit, rev)
}

func (Git) Checkout(ctx context.Context, dir string, commit string) error {
	return util.GitCheckout(ctx, dir, commit)
}

func (Git) InitSubmodule(ctx context.Context, dir string, path string) error {
	return util.GitSubmoduleInit(ctx, dir, path)
}

func (Git) RemoteHead(ctx context.Context, url string, branch string) (string, error) {
	return util.GitLsRemote(ctx, url, branch)
}
