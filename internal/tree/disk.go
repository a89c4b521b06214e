// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package tree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Reports whether a slash separated relative path is left out of a tree
type IgnoreFunc func(rel string) bool

// Read a directory into a tree
//
// A missing directory yields an empty tree. Symlinks and other non regular
// files are rejected. The context is checked between files.
func Snapshot(ctx context.Context, dir string, ignore IgnoreFunc) (Tree, error) {
	out := make(Tree)
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	} else if err != nil {
		return nil, err
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%v is not a directory", dir)
	}

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == dir {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ignore != nil && ignore(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("unsupported file type at %v", path)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[rel] = File{Data: data, Mode: normalMode(info.Mode())}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Make dir hold exactly the files of t
//
// Only files whose content or mode differ are written, files not in t are
// removed (except ignored ones) and directories left empty are pruned. The
// returned changes describe the directory before and after.
func Materialize(ctx context.Context, dir string, t Tree, ignore IgnoreFunc) (Changes, error) {
	current, err := Snapshot(ctx, dir, ignore)
	if err != nil {
		return Changes{}, fmt.Errorf("unable to read %v: %w", dir, err)
	}
	changes := Compare(current, t)
	if changes.Empty() {
		return changes, nil
	}

	// Files replacing directories need those directories to empty out
	for _, rel := range changes.Added {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if info, err := os.Lstat(path); err == nil && info.IsDir() {
			kept, err := holdsIgnored(dir, path, ignore)
			if err != nil {
				return Changes{}, err
			}
			if kept {
				return Changes{}, fmt.Errorf("unable to replace directory %v with a file: it holds ignored files", path)
			}
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return Changes{}, err
	}

	for _, rel := range changes.Removed {
		if err := ctx.Err(); err != nil {
			return Changes{}, err
		}
		if err := os.Remove(filepath.Join(dir, filepath.FromSlash(rel))); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Changes{}, err
		}
	}

	// A file may take the place of a directory emptied above
	if err := pruneEmptyDirs(dir, changes.Removed); err != nil {
		return Changes{}, err
	}

	for _, rel := range append(append([]string{}, changes.Added...), changes.Changed...) {
		if err := ctx.Err(); err != nil {
			return Changes{}, err
		}
		f := t[rel]
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return Changes{}, err
		}
		old, ok := current[rel]
		if ok && bytes.Equal(old.Data, f.Data) {
			if err := os.Chmod(path, normalMode(f.Mode)); err != nil {
				return Changes{}, err
			}
			continue
		}
		if err := os.WriteFile(path, f.Data, normalMode(f.Mode)); err != nil {
			return Changes{}, err
		}
		// WriteFile keeps the mode of an existing file
		if err := os.Chmod(path, normalMode(f.Mode)); err != nil {
			return Changes{}, err
		}
	}

	return changes, nil
}

// Report whether anything below sub is left out of the tree rooted at root
func holdsIgnored(root string, sub string, ignore IgnoreFunc) (bool, error) {
	if ignore == nil {
		return false, nil
	}
	found := false
	err := filepath.WalkDir(sub, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if ignore(filepath.ToSlash(rel)) {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found, err
}

// Remove directories emptied by file removals, deepest first
func pruneEmptyDirs(root string, removed []string) error {
	dirs := make(map[string]bool)
	for _, rel := range removed {
		for d := filepath.Dir(filepath.FromSlash(rel)); d != "." && d != string(filepath.Separator); d = filepath.Dir(d) {
			dirs[d] = true
		}
	}
	ordered := make([]string, 0, len(dirs))
	for d := range dirs {
		ordered = append(ordered, d)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return strings.Count(ordered[i], string(filepath.Separator)) > strings.Count(ordered[j], string(filepath.Separator))
	})

	for _, d := range ordered {
		path := filepath.Join(root, d)
		entries, err := os.ReadDir(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return err
		}
		if len(entries) == 0 {
			if err := os.Remove(path); err != nil {
				return err
			}
		}
	}
	return nil
}
