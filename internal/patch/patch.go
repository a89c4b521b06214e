// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

// Package patch models patch files and the ordered stacks they form.
//
// A patch file is a mail style header (author, subject, body) followed by one
// unified diff per touched file, the layout produced by git format-patch.
// Patch files live in a task's patch directory as NNNN-subject.patch, and the
// four digit prefix is the sequence number.
package patch

import (
	"fmt"
	"io/fs"
	"strings"
)

// Operation of a single hunk line
const (
	OpContext = ' '
	OpDelete  = '-'
	OpInsert  = '+'
)

const DevNull = "/dev/null"

const DefaultAuthor = "patchchain <patchchain@localhost>"

// A hunk line. Text keeps its trailing newline; the last line of a file
// without a final newline has none.
type Line struct {
	Op   byte
	Text string
}

type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int

	// Optional text after the closing @@
	Section string

	Lines []Line
}

// Header formats the @@ line of the hunk
func (h Hunk) Header() string {
	header := fmt.Sprintf("@@ -%v +%v @@", rangeString(h.OldStart, h.OldLines), rangeString(h.NewStart, h.NewLines))
	if h.Section != "" {
		header += " " + h.Section
	}
	return header
}

// Old returns the lines the hunk expects to find
func (h Hunk) Old() []string {
	out := make([]string, 0, h.OldLines)
	for _, l := range h.Lines {
		if l.Op != OpInsert {
			out = append(out, l.Text)
		}
	}
	return out
}

// New returns the lines the hunk leaves behind
func (h Hunk) New() []string {
	out := make([]string, 0, h.NewLines)
	for _, l := range h.Lines {
		if l.Op != OpDelete {
			out = append(out, l.Text)
		}
	}
	return out
}

func rangeString(start, lines int) string {
	if lines == 1 {
		return fmt.Sprint(start)
	}
	return fmt.Sprintf("%v,%v", start, lines)
}

// Changes to a single file
type FileDiff struct {
	// Paths relative to the tree root, empty for /dev/null
	OldPath string
	NewPath string

	// Zero when the diff carries no mode information
	OldMode fs.FileMode
	NewMode fs.FileMode

	Hunks []Hunk
}

// Path returns the path the diff is about
func (d FileDiff) Path() string {
	if d.NewPath != "" {
		return d.NewPath
	}
	return d.OldPath
}

func (d FileDiff) IsCreate() bool {
	return d.OldPath == ""
}

func (d FileDiff) IsDelete() bool {
	return d.NewPath == ""
}

func (d FileDiff) IsRename() bool {
	return d.OldPath != "" && d.NewPath != "" && d.OldPath != d.NewPath
}

// A patch file in a stack
//
// Parsed files may be shared between callers (see Loader) and must not be
// modified in place.
type File struct {
	Sequence int

	// File name inside the patch directory
	Name string

	Author  string
	Subject string
	Body    string

	Diffs []FileDiff
}

// Paths returns every path the patch touches, in diff order
func (f *File) Paths() []string {
	paths := make([]string, 0, len(f.Diffs))
	for _, d := range f.Diffs {
		if d.IsRename() {
			paths = append(paths, d.OldPath)
		}
		paths = append(paths, d.Path())
	}
	return paths
}

// Touches reports whether the patch changes the given path
func (f *File) Touches(path string) bool {
	for _, p := range f.Paths() {
		if p == path {
			return true
		}
	}
	return false
}

// Canonical file name for a sequence number and subject
func FileName(sequence int, subject string) string {
	return fmt.Sprintf("%04d-%v%v", sequence, slug(subject), ".patch")
}

// Renumber keeps the name of a patch file but changes its sequence number
func Renumber(name string, sequence int) string {
	if _, rest, ok := strings.Cut(name, "-"); ok && sequenceRx.MatchString(name) {
		return fmt.Sprintf("%04d-%v", sequence, rest)
	}
	return FileName(sequence, strings.TrimSuffix(name, ".patch"))
}

const maxSlug = 52

func slug(subject string) string {
	var b strings.Builder
	dash := false
	for _, r := range subject {
		if b.Len() >= maxSlug {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		return "patch"
	}
	return s
}
