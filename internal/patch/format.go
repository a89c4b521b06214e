// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package patch

import (
	"fmt"
	"io/fs"
	"strings"
)

const noNewlineMarker = "\\ No newline at end of file\n"

// Format a patch file in its canonical on-disk form
//
// Formatting is deterministic: the same File always produces the same bytes,
// so rebuilt stacks only rewrite patch files whose content really changed.
// Body lines starting with "diff --git " or "@@ " do not survive a round trip.
func Format(f *File) []byte {
	var b strings.Builder

	author := f.Author
	if author == "" {
		author = DefaultAuthor
	}
	fmt.Fprintf(&b, "From: %v\n", author)
	fmt.Fprintf(&b, "Subject: [PATCH] %v\n\n", f.Subject)
	if f.Body != "" {
		b.WriteString(f.Body)
		b.WriteString("\n\n")
	}
	b.WriteString("---\n")

	for _, d := range f.Diffs {
		formatFileDiff(&b, d)
	}
	return []byte(b.String())
}

func formatFileDiff(b *strings.Builder, d FileDiff) {
	oldPath, newPath := d.OldPath, d.NewPath
	if oldPath == "" {
		oldPath = newPath
	}
	if newPath == "" {
		newPath = oldPath
	}
	fmt.Fprintf(b, "diff --git a/%v b/%v\n", oldPath, newPath)

	switch {
	case d.IsCreate():
		fmt.Fprintf(b, "new file mode %v\n", gitMode(d.NewMode))
	case d.IsDelete():
		fmt.Fprintf(b, "deleted file mode %v\n", gitMode(d.OldMode))
	default:
		if d.OldMode != 0 && d.NewMode != 0 && d.OldMode != d.NewMode {
			fmt.Fprintf(b, "old mode %v\n", gitMode(d.OldMode))
			fmt.Fprintf(b, "new mode %v\n", gitMode(d.NewMode))
		}
		if d.IsRename() {
			fmt.Fprintf(b, "rename from %v\n", d.OldPath)
			fmt.Fprintf(b, "rename to %v\n", d.NewPath)
		}
	}

	if len(d.Hunks) == 0 {
		return
	}

	if d.IsCreate() {
		b.WriteString("--- " + DevNull + "\n")
	} else {
		fmt.Fprintf(b, "--- a/%v\n", d.OldPath)
	}
	if d.IsDelete() {
		b.WriteString("+++ " + DevNull + "\n")
	} else {
		fmt.Fprintf(b, "+++ b/%v\n", d.NewPath)
	}

	for _, h := range d.Hunks {
		b.WriteString(h.Header())
		b.WriteByte('\n')
		for _, l := range h.Lines {
			b.WriteByte(l.Op)
			b.WriteString(l.Text)
			if !strings.HasSuffix(l.Text, "\n") {
				b.WriteByte('\n')
				b.WriteString(noNewlineMarker)
			}
		}
	}
}

func gitMode(m fs.FileMode) string {
	if m&0111 != 0 {
		return "100755"
	}
	return "100644"
}
