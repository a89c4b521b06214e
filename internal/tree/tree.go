// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

// Package tree holds source trees in memory.
//
// A Tree maps slash separated relative paths to file contents. Base trees are
// snapshotted from disk, patched in memory, and materialised into output
// directories. Trees compare by content digest.
package tree

import (
	"encoding/binary"
	"encoding/hex"
	"io/fs"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/tools/txtar"
)

const (
	ModeFile fs.FileMode = 0644
	ModeExec fs.FileMode = 0755
)

type File struct {
	Data []byte
	Mode fs.FileMode
}

// Tree of files keyed by slash separated relative path
type Tree map[string]File

// Clone returns a shallow copy; file contents are shared and never mutated in place.
func (t Tree) Clone() Tree {
	out := make(Tree, len(t))
	for p, f := range t {
		out[p] = f
	}
	return out
}

// Paths returns every path in lexical order
func (t Tree) Paths() []string {
	paths := make([]string, 0, len(t))
	for p := range t {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Sub returns the files below prefix with the prefix removed
func (t Tree) Sub(prefix string) Tree {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" || prefix == "." {
		return t.Clone()
	}
	out := make(Tree)
	for p, f := range t {
		if rest, ok := strings.CutPrefix(p, prefix+"/"); ok {
			out[rest] = f
		}
	}
	return out
}

// Overlay returns t with every file of other added or replaced
func (t Tree) Overlay(other Tree) Tree {
	out := t.Clone()
	for p, f := range other {
		out[p] = f
	}
	return out
}

// Filter returns the files for which keep reports true
func (t Tree) Filter(keep func(string) bool) Tree {
	out := make(Tree)
	for p, f := range t {
		if keep(p) {
			out[p] = f
		}
	}
	return out
}

// Digest is the hex blake3 digest over every (path, mode, content) in path order
func (t Tree) Digest() string {
	h := blake3.New()
	var n [8]byte
	for _, p := range t.Paths() {
		f := t[p]
		h.Write([]byte(p))
		h.Write([]byte{0})
		binary.BigEndian.PutUint32(n[:4], uint32(normalMode(f.Mode)))
		h.Write(n[:4])
		binary.BigEndian.PutUint64(n[:], uint64(len(f.Data)))
		h.Write(n[:])
		h.Write(f.Data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Equal reports whether both trees hold the same paths, modes and contents
func (t Tree) Equal(other Tree) bool {
	if len(t) != len(other) {
		return false
	}
	for p, f := range t {
		o, ok := other[p]
		if !ok || normalMode(o.Mode) != normalMode(f.Mode) || string(o.Data) != string(f.Data) {
			return false
		}
	}
	return true
}

// Paths that differ between two trees
type Changes struct {
	Added   []string
	Changed []string
	Removed []string
}

func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Changed) == 0 && len(c.Removed) == 0
}

// All returns every changed path in lexical order
func (c Changes) All() []string {
	all := make([]string, 0, len(c.Added)+len(c.Changed)+len(c.Removed))
	all = append(all, c.Added...)
	all = append(all, c.Changed...)
	all = append(all, c.Removed...)
	sort.Strings(all)
	return all
}

// Compare lists the paths that turn from into to
func Compare(from, to Tree) Changes {
	var c Changes
	for _, p := range to.Paths() {
		f, ok := from[p]
		switch {
		case !ok:
			c.Added = append(c.Added, p)
		case string(f.Data) != string(to[p].Data) || normalMode(f.Mode) != normalMode(to[p].Mode):
			c.Changed = append(c.Changed, p)
		}
	}
	for _, p := range from.Paths() {
		if _, ok := to[p]; !ok {
			c.Removed = append(c.Removed, p)
		}
	}
	return c
}

// Build a tree from a txtar archive, every file gets ModeFile
func FromTxtar(data []byte) Tree {
	ar := txtar.Parse(data)
	out := make(Tree, len(ar.Files))
	for _, f := range ar.Files {
		out[f.Name] = File{Data: f.Data, Mode: ModeFile}
	}
	return out
}

// Format a tree as a txtar archive in path order
func (t Tree) Txtar() []byte {
	ar := &txtar.Archive{}
	for _, p := range t.Paths() {
		ar.Files = append(ar.Files, txtar.File{Name: p, Data: t[p].Data})
	}
	return txtar.Format(ar)
}

// Only the executable bit is tracked
func normalMode(m fs.FileMode) fs.FileMode {
	if m&0111 != 0 {
		return ModeExec
	}
	return ModeFile
}
