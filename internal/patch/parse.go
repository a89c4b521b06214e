// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package patch

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strconv"
	"strings"
)

var (
	hunkHeaderRx = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@ ?(.*)$`)
	sequenceRx   = regexp.MustCompile(`^(\d{1,6})-.*\.patch$`)
	subjectTagRx = regexp.MustCompile(`^\[PATCH[^\]]*\]\s*`)
)

// Error in the syntax of a patch file
type SyntaxError struct {
	Name   string
	Line   int
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%v:%v: %v", e.Name, e.Line, e.Reason)
}

// Sequence number encoded in a patch file name
func ParseSequence(name string) (int, error) {
	m := sequenceRx.FindStringSubmatch(name)
	if m == nil {
		return 0, fmt.Errorf("patch file name %q does not start with a sequence number", name)
	}
	return strconv.Atoi(m[1])
}

// Split text into lines, each keeping its trailing newline
func SplitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

type parser struct {
	name  string
	lines []string
	pos   int
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Name: p.name, Line: p.pos + 1, Reason: fmt.Sprintf(format, args...)}
}

func (p *parser) peek() (string, bool) {
	if p.pos >= len(p.lines) {
		return "", false
	}
	return p.lines[p.pos], true
}

// Parse a patch file
//
// The sequence number comes from the file name.
func Parse(name string, data []byte) (*File, error) {
	seq, err := ParseSequence(name)
	if err != nil {
		return nil, err
	}

	p := &parser{name: name, lines: SplitLines(string(data))}
	file := &File{Sequence: seq, Name: name}

	p.parseHeader(file)

	for {
		line, ok := p.peek()
		if !ok || line == "-- \n" {
			break
		}
		if strings.HasPrefix(line, "diff --git ") || strings.HasPrefix(line, "--- ") {
			diff, err := p.parseFileDiff()
			if err != nil {
				return nil, err
			}
			file.Diffs = append(file.Diffs, diff)
			continue
		}
		// Diffstat and other trailing noise
		p.pos++
	}

	return file, nil
}

// Parse the mail style header and body up to the first diff
func (p *parser) parseHeader(file *File) {
	inSubject := false
	inBody := false
	var body []string

	// The body ends at the last "---" line before the first diff, earlier
	// ones belong to the commit message
	separator := -1
	for i := p.pos; i < len(p.lines); i++ {
		line := p.lines[i]
		if strings.HasPrefix(line, "diff --git ") || strings.HasPrefix(line, "@@ ") {
			break
		}
		if strings.TrimRight(line, "\r\n") == "---" {
			separator = i
		}
	}

	for {
		line, ok := p.peek()
		if !ok || strings.HasPrefix(line, "diff --git ") {
			break
		}
		// A bare unified diff without mail headers
		if !inBody && file.Subject == "" && strings.HasPrefix(line, "--- ") {
			break
		}
		p.pos++
		text := strings.TrimRight(line, "\r\n")

		if inBody {
			if p.pos-1 == separator {
				// Everything until the first diff is a diffstat
				break
			}
			body = append(body, text)
			continue
		}

		switch {
		case inSubject && (strings.HasPrefix(text, " ") || strings.HasPrefix(text, "\t")):
			file.Subject += " " + strings.TrimSpace(text)
			continue
		case strings.HasPrefix(text, "From: "):
			file.Author = strings.TrimSpace(strings.TrimPrefix(text, "From: "))
		case strings.HasPrefix(text, "Subject: "):
			file.Subject = subjectTagRx.ReplaceAllString(strings.TrimSpace(strings.TrimPrefix(text, "Subject: ")), "")
			inSubject = true
			continue
		case text == "":
			if file.Subject != "" || file.Author != "" {
				inBody = true
			}
		}
		inSubject = false
	}

	file.Body = strings.TrimSpace(strings.Join(body, "\n"))
}

func (p *parser) parseFileDiff() (FileDiff, error) {
	var diff FileDiff
	var gitOld, gitNew string
	sawGit := false
	create, remove := false, false

	line, _ := p.peek()
	if strings.HasPrefix(line, "diff --git ") {
		sawGit = true
		gitOld, gitNew = parseGitPaths(strings.TrimSuffix(strings.TrimPrefix(line, "diff --git "), "\n"))
		diff.OldPath, diff.NewPath = gitOld, gitNew
		p.pos++
	}

	// Extended header lines
headers:
	for {
		line, ok := p.peek()
		if !ok {
			break
		}
		text := strings.TrimSuffix(line, "\n")
		switch {
		case strings.HasPrefix(text, "new file mode "):
			create = true
			diff.NewMode = parseMode(strings.TrimPrefix(text, "new file mode "))
		case strings.HasPrefix(text, "deleted file mode "):
			remove = true
			diff.OldMode = parseMode(strings.TrimPrefix(text, "deleted file mode "))
		case strings.HasPrefix(text, "old mode "):
			diff.OldMode = parseMode(strings.TrimPrefix(text, "old mode "))
		case strings.HasPrefix(text, "new mode "):
			diff.NewMode = parseMode(strings.TrimPrefix(text, "new mode "))
		case strings.HasPrefix(text, "rename from "):
			diff.OldPath = unquote(strings.TrimPrefix(text, "rename from "))
		case strings.HasPrefix(text, "rename to "):
			diff.NewPath = unquote(strings.TrimPrefix(text, "rename to "))
		case strings.HasPrefix(text, "index "), strings.HasPrefix(text, "similarity index "),
			strings.HasPrefix(text, "dissimilarity index "), strings.HasPrefix(text, "copy "):
		case strings.HasPrefix(text, "GIT binary patch"), strings.HasPrefix(text, "Binary files "):
			return FileDiff{}, p.errorf("binary diffs are not supported")
		default:
			break headers
		}
		p.pos++
	}

	if line, ok := p.peek(); ok && strings.HasPrefix(line, "--- ") {
		diff.OldPath = parseDiffPath(strings.TrimPrefix(strings.TrimSuffix(line, "\n"), "--- "), "a/")
		p.pos++
		line, ok = p.peek()
		if !ok || !strings.HasPrefix(line, "+++ ") {
			return FileDiff{}, p.errorf("expected +++ line after ---")
		}
		diff.NewPath = parseDiffPath(strings.TrimPrefix(strings.TrimSuffix(line, "\n"), "+++ "), "b/")
		p.pos++
	} else if !sawGit {
		return FileDiff{}, p.errorf("expected file header")
	}

	if create {
		diff.OldPath = ""
	}
	if remove {
		diff.NewPath = ""
	}
	if diff.OldPath == "" && diff.NewPath == "" {
		return FileDiff{}, p.errorf("diff without a file path")
	}
	for _, p2 := range []string{diff.OldPath, diff.NewPath} {
		if p2 != "" && !validPath(p2) {
			return FileDiff{}, p.errorf("invalid path %q", p2)
		}
	}

	for {
		line, ok := p.peek()
		if !ok || !strings.HasPrefix(line, "@@ ") {
			break
		}
		hunk, err := p.parseHunk()
		if err != nil {
			return FileDiff{}, err
		}
		diff.Hunks = append(diff.Hunks, hunk)
	}

	return diff, nil
}

func (p *parser) parseHunk() (Hunk, error) {
	line, _ := p.peek()
	m := hunkHeaderRx.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return Hunk{}, p.errorf("malformed hunk header %q", strings.TrimSpace(line))
	}
	p.pos++

	h := Hunk{
		OldStart: atoi(m[1]),
		OldLines: atoiDefault(m[2], 1),
		NewStart: atoi(m[3]),
		NewLines: atoiDefault(m[4], 1),
		Section:  m[5],
	}

	oldLeft, newLeft := h.OldLines, h.NewLines
	for oldLeft > 0 || newLeft > 0 {
		line, ok := p.peek()
		if !ok {
			return Hunk{}, p.errorf("hunk %v ends early", h.Header())
		}
		p.pos++

		if line == "\n" {
			// Context line whose single space was stripped by an editor
			line = " \n"
		}
		switch line[0] {
		case OpContext:
			oldLeft--
			newLeft--
		case OpDelete:
			oldLeft--
		case OpInsert:
			newLeft--
		case '\\':
			markNoNewline(&h)
			continue
		default:
			return Hunk{}, p.errorf("unexpected line in hunk %v", h.Header())
		}
		if oldLeft < 0 || newLeft < 0 {
			return Hunk{}, p.errorf("hunk %v has more lines than its header declares", h.Header())
		}
		h.Lines = append(h.Lines, Line{Op: line[0], Text: line[1:]})
	}

	// The marker may follow the final line of the hunk
	if line, ok := p.peek(); ok && strings.HasPrefix(line, "\\") {
		markNoNewline(&h)
		p.pos++
	}

	return h, nil
}

// Strip the newline of the previous hunk line
func markNoNewline(h *Hunk) {
	if n := len(h.Lines); n > 0 {
		h.Lines[n-1].Text = strings.TrimSuffix(h.Lines[n-1].Text, "\n")
	}
}

// Split "a/X b/Y" from a diff --git line
func parseGitPaths(s string) (string, string) {
	if strings.HasPrefix(s, "\"") {
		// Quoted paths: "a/x y" "b/x y"
		if end := strings.Index(s[1:], "\" "); end >= 0 {
			old := unquote(s[:end+2])
			rest := strings.TrimSpace(s[end+3:])
			return strings.TrimPrefix(old, "a/"), strings.TrimPrefix(unquote(rest), "b/")
		}
	}
	// Same path on both sides is the common case and resolves any spaces
	if n := len(s); n%2 == 1 {
		half := (n - 1) / 2
		if s[half] == ' ' && strings.HasPrefix(s, "a/") && strings.HasPrefix(s[half+1:], "b/") && s[2:half] == s[half+3:] {
			return s[2:half], s[half+3:]
		}
	}
	if i := strings.LastIndex(s, " b/"); i >= 0 {
		return strings.TrimPrefix(s[:i], "a/"), s[i+3:]
	}
	return "", ""
}

func parseDiffPath(s string, prefix string) string {
	if i := strings.IndexByte(s, '\t'); i >= 0 {
		s = s[:i]
	}
	s = unquote(strings.TrimSpace(s))
	if s == DevNull {
		return ""
	}
	return strings.TrimPrefix(s, prefix)
}

func unquote(s string) string {
	if strings.HasPrefix(s, "\"") {
		if u, err := strconv.Unquote(s); err == nil {
			return u
		}
	}
	return s
}

func parseMode(s string) fs.FileMode {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 8, 32)
	if err != nil {
		return 0
	}
	return fs.FileMode(v) & 0777
}

// Paths must stay inside the tree
func validPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") {
		return false
	}
	clean := path.Clean(p)
	return clean == p && clean != "." && clean != ".." && !strings.HasPrefix(clean, "../")
}

func atoi(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	return atoi(s)
}
