// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package diff

import (
	"bytes"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/zosopentools/patchchain/internal/patch"
	"github.com/zosopentools/patchchain/internal/tree"
)

// Lines of unchanged context around every hunk
const Context = 3

// File returns the diff turning before into after for a single path
//
// A nil before is a creation and a nil after is a deletion. ok is false when
// both versions are identical.
func File(path string, before, after *tree.File) (d patch.FileDiff, ok bool) {
	switch {
	case before == nil && after == nil:
		return patch.FileDiff{}, false
	case before == nil:
		d = patch.FileDiff{NewPath: path, NewMode: after.Mode}
		d.Hunks = Hunks(nil, patch.SplitLines(string(after.Data)))
		return d, true
	case after == nil:
		d = patch.FileDiff{OldPath: path, OldMode: before.Mode}
		d.Hunks = Hunks(patch.SplitLines(string(before.Data)), nil)
		return d, true
	}

	if before.Mode == after.Mode && bytes.Equal(before.Data, after.Data) {
		return patch.FileDiff{}, false
	}
	d = patch.FileDiff{OldPath: path, NewPath: path}
	if before.Mode != after.Mode {
		d.OldMode, d.NewMode = before.Mode, after.Mode
	}
	if !bytes.Equal(before.Data, after.Data) {
		d.Hunks = Hunks(patch.SplitLines(string(before.Data)), patch.SplitLines(string(after.Data)))
	}
	return d, true
}

// Hunks computes unified diff hunks with three lines of context
func Hunks(a, b []string) []patch.Hunk {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}

	m := difflib.NewMatcher(a, b)
	var hunks []patch.Hunk
	for _, group := range m.GetGroupedOpCodes(Context) {
		first, last := group[0], group[len(group)-1]
		h := patch.Hunk{
			OldStart: start(first.I1, last.I2),
			OldLines: last.I2 - first.I1,
			NewStart: start(first.J1, last.J2),
			NewLines: last.J2 - first.J1,
		}
		for _, c := range group {
			switch c.Tag {
			case 'e':
				h.Lines = appendLines(h.Lines, patch.OpContext, a[c.I1:c.I2])
			case 'd':
				h.Lines = appendLines(h.Lines, patch.OpDelete, a[c.I1:c.I2])
			case 'i':
				h.Lines = appendLines(h.Lines, patch.OpInsert, b[c.J1:c.J2])
			case 'r':
				h.Lines = appendLines(h.Lines, patch.OpDelete, a[c.I1:c.I2])
				h.Lines = appendLines(h.Lines, patch.OpInsert, b[c.J1:c.J2])
			}
		}
		hunks = append(hunks, h)
	}
	return hunks
}

// Unified diff line numbers are one based; an empty range names the line before it
func start(i1, i2 int) int {
	if i1 == i2 {
		return i1
	}
	return i1 + 1
}

func appendLines(lines []patch.Line, op byte, text []string) []patch.Line {
	for _, t := range text {
		lines = append(lines, patch.Line{Op: op, Text: t})
	}
	return lines
}
