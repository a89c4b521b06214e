// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

// Package diff places unified diff hunks into file contents and generates
// unified diffs between two versions of a file.
package diff

import (
	"fmt"

	"github.com/zosopentools/patchchain/internal/patch"
)

// A hunk whose context could not be found
type MismatchError struct {
	// Index of the hunk inside its file diff
	Index int
	Hunk  patch.Hunk

	Reason string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("hunk #%d %v: %v", e.Index+1, e.Hunk.Header(), e.Reason)
}

// Apply hunks to the lines of a file
//
// Hunks are placed top to bottom. Each is tried at its recorded position
// (shifted by the offset of the hunks before it) and then searched for outward,
// one line at a time, without overlapping an earlier hunk. Context must match
// exactly; there is no fuzz.
func Apply(lines []string, hunks []patch.Hunk) ([]string, error) {
	out := make([]string, 0, len(lines))
	cursor := 0
	offset := 0

	for i, h := range hunks {
		old := h.Old()
		if len(old) != h.OldLines {
			return nil, &MismatchError{Index: i, Hunk: h, Reason: "hunk line counts do not match its header"}
		}

		// An empty old range starts after line OldStart
		want := h.OldStart - 1
		if h.OldLines == 0 {
			want = h.OldStart
		}
		want += offset

		pos, ok := locate(lines, old, want, cursor)
		if !ok {
			return nil, &MismatchError{Index: i, Hunk: h, Reason: "context does not match"}
		}

		out = append(out, lines[cursor:pos]...)
		out = append(out, h.New()...)
		cursor = pos + len(old)
		offset = pos - (want - offset)
	}

	out = append(out, lines[cursor:]...)
	return out, nil
}

// Find old inside lines, starting at want and moving outward, never before min
func locate(lines []string, old []string, want int, min int) (int, bool) {
	last := len(lines) - len(old)
	if last < min {
		return 0, false
	}
	if want < min {
		want = min
	}
	if want > last {
		want = last
	}

	for delta := 0; ; delta++ {
		before, after := want-delta, want+delta
		if before < min && after > last {
			return 0, false
		}
		if before >= min && matches(lines[before:], old) {
			return before, true
		}
		if delta > 0 && after <= last && matches(lines[after:], old) {
			return after, true
		}
	}
}

func matches(lines []string, old []string) bool {
	for i, l := range old {
		if lines[i] != l {
			return false
		}
	}
	return true
}
