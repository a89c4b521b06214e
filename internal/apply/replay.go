// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package apply

import (
	"errors"

	"github.com/zosopentools/patchchain/internal/base"
	"github.com/zosopentools/patchchain/internal/diff"
	"github.com/zosopentools/patchchain/internal/patch"
	"github.com/zosopentools/patchchain/internal/tree"
)

// Replay applies a validated stack to a copy of base
//
// The returned tree always holds every patch that applied, so on conflict it
// is the tree after patches 1..k-1. applied lists their sequence numbers.
func Replay(task string, b tree.Tree, stack patch.Stack) (out tree.Tree, applied []int, err error) {
	out = b.Clone()
	for _, p := range stack.Patches {
		if err := File(task, out, p); err != nil {
			return out, applied, err
		}
		applied = append(applied, p.Sequence)
	}
	return out, applied, nil
}

// File applies every diff of a patch to t, or none of them
//
// Diffs are computed against a staging layer on top of t and committed only
// when all of them matched.
func File(task string, t tree.Tree, p *patch.File) error {
	stage := staging{base: t, files: make(map[string]*tree.File)}

	for _, d := range p.Diffs {
		if err := stage.apply(d); err != nil {
			conflict := &base.ConflictError{
				Task:     task,
				Sequence: p.Sequence,
				Patch:    p.Name,
				Path:     d.Path(),
				Reason:   err.Error(),
			}
			var mismatch *diff.MismatchError
			if errors.As(err, &mismatch) {
				conflict.Hunk = mismatch.Hunk.Header()
				conflict.Reason = mismatch.Reason
			}
			return conflict
		}
	}

	for path, f := range stage.files {
		if f == nil {
			delete(t, path)
		} else {
			t[path] = *f
		}
	}
	return nil
}

// Pending changes of a single patch, nil entries are deletions
type staging struct {
	base  tree.Tree
	files map[string]*tree.File
}

func (s *staging) get(path string) (tree.File, bool) {
	if f, ok := s.files[path]; ok {
		if f == nil {
			return tree.File{}, false
		}
		return *f, true
	}
	f, ok := s.base[path]
	return f, ok
}

var (
	errExists  = errors.New("file already exists")
	errMissing = errors.New("file does not exist")
	errContent = errors.New("file content differs from the deleted content")
)

func (s *staging) apply(d patch.FileDiff) error {
	var current tree.File
	if !d.IsCreate() {
		f, ok := s.get(d.OldPath)
		if !ok {
			return errMissing
		}
		current = f
	} else if _, ok := s.get(d.NewPath); ok {
		return errExists
	}

	lines, err := diff.Apply(patch.SplitLines(string(current.Data)), d.Hunks)
	if err != nil {
		return err
	}

	if d.IsDelete() {
		if len(lines) != 0 {
			return errContent
		}
		s.files[d.OldPath] = nil
		return nil
	}

	if d.IsRename() {
		if _, ok := s.get(d.NewPath); ok {
			return errExists
		}
		s.files[d.OldPath] = nil
	}

	mode := current.Mode
	if d.NewMode != 0 {
		mode = d.NewMode
	}
	if mode == 0 {
		mode = tree.ModeFile
	}
	s.files[d.NewPath] = &tree.File{Data: joinLines(lines), Mode: mode}
	return nil
}

func joinLines(lines []string) []byte {
	n := 0
	for _, l := range lines {
		n += len(l)
	}
	data := make([]byte, 0, n)
	for _, l := range lines {
		data = append(data, l...)
	}
	return data
}
