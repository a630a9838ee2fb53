package patch

import (
	"fmt"
	"strconv"
	"strings"
)

// Hunk is one change block of a unified diff. Lines keep their leading
// marker (' ', '-' or '+').
type Hunk struct {
	Start    int // 1-based line in the old file; 0 = range not given
	NewStart int // 1-based line in the new file
	OldCount int
	NewCount int
	HasRange bool
	Lines    []string
}

// FileDiff is the set of hunks touching one file. OldPath is "/dev/null"
// for file creation.
type FileDiff struct {
	OldPath string
	Path    string
	Hunks   []*Hunk
}

// IsCreate reports whether this diff creates Path.
func (f *FileDiff) IsCreate() bool { return f.OldPath == "/dev/null" }

// stripPrefix removes the conventional a/ or b/ diff prefix.
func stripPrefix(p string) string {
	if strings.HasPrefix(p, "a/") || strings.HasPrefix(p, "b/") {
		return p[2:]
	}
	return p
}

// Parse decomposes a unified diff into per-file hunk structures. Hunk
// headers without ranges (bare "@@ @@") are accepted with HasRange
// false; Normalize fills them in. Git noise lines (diff --git, index,
// mode) are skipped.
func Parse(diff string) ([]*FileDiff, error) {
	var files []*FileDiff
	var cur *FileDiff
	var hunk *Hunk

	flushHunk := func() {
		if hunk != nil && cur != nil {
			cur.Hunks = append(cur.Hunks, hunk)
		}
		hunk = nil
	}

	lines := strings.Split(diff, "\n")
	// A trailing newline splits into a final empty element; that is the
	// end of input, not a stripped context line.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "--- "):
			flushHunk()
			cur = &FileDiff{OldPath: stripPrefix(strings.TrimSpace(line[4:]))}
			files = append(files, cur)
		case strings.HasPrefix(line, "+++ "):
			if cur == nil {
				return nil, fmt.Errorf("line %d: +++ without ---", i+1)
			}
			cur.Path = stripPrefix(strings.TrimSpace(line[4:]))
			if cur.Path == "/dev/null" {
				// Deletion: keep the old path as the target.
				cur.Path = cur.OldPath
			}
		case strings.HasPrefix(line, "@@"):
			if cur == nil {
				return nil, fmt.Errorf("line %d: hunk outside a file diff", i+1)
			}
			flushHunk()
			h, err := parseHunkHeader(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %v", i+1, err)
			}
			hunk = h
		case hunk != nil && len(line) > 0 && (line[0] == ' ' || line[0] == '-' || line[0] == '+'):
			hunk.Lines = append(hunk.Lines, line)
		case hunk != nil && line == "":
			// A blank body line is a context line whose trailing space
			// was stripped somewhere in transit.
			hunk.Lines = append(hunk.Lines, " ")
		case strings.HasPrefix(line, `\ No newline`):
			// Tolerated; the normaliser enforces trailing newlines.
		default:
			// Header noise between files ends any open hunk.
			flushHunk()
		}
	}
	flushHunk()

	for _, f := range files {
		if f.Path == "" {
			return nil, fmt.Errorf("file diff for %s lacks a +++ header", f.OldPath)
		}
	}
	return files, nil
}

// parseHunkHeader reads "@@ -start,old +start,new @@" or the bare
// range-less "@@ @@" form.
func parseHunkHeader(line string) (*Hunk, error) {
	h := &Hunk{}
	inner := strings.TrimPrefix(line, "@@")
	if i := strings.Index(inner, "@@"); i >= 0 {
		inner = inner[:i]
	}
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return h, nil
	}
	fields := strings.Fields(inner)
	if len(fields) != 2 || !strings.HasPrefix(fields[0], "-") || !strings.HasPrefix(fields[1], "+") {
		return nil, fmt.Errorf("malformed hunk header %q", line)
	}
	var err error
	h.Start, h.OldCount, err = parseRange(fields[0][1:])
	if err != nil {
		return nil, fmt.Errorf("malformed hunk header %q: %v", line, err)
	}
	h.NewStart, h.NewCount, err = parseRange(fields[1][1:])
	if err != nil {
		return nil, fmt.Errorf("malformed hunk header %q: %v", line, err)
	}
	h.HasRange = true
	return h, nil
}

func parseRange(s string) (start, count int, err error) {
	count = 1
	numStr, countStr, hasCount := strings.Cut(s, ",")
	if start, err = strconv.Atoi(numStr); err != nil {
		return 0, 0, err
	}
	if hasCount {
		if count, err = strconv.Atoi(countStr); err != nil {
			return 0, 0, err
		}
	}
	return start, count, nil
}

// Emit renders file diffs back to unified diff text. Parse and Emit
// round-trip byte-identically over Normalize output.
func Emit(files []*FileDiff) string {
	var b strings.Builder
	for _, f := range files {
		old := f.OldPath
		if old != "/dev/null" {
			old = "a/" + old
		}
		fmt.Fprintf(&b, "--- %s\n", old)
		fmt.Fprintf(&b, "+++ b/%s\n", f.Path)
		for _, h := range f.Hunks {
			newStart := h.NewStart
			if newStart == 0 {
				newStart = h.Start
			}
			fmt.Fprintf(&b, "@@ -%s +%s @@\n",
				formatRange(h.Start, h.OldCount), formatRange(newStart, h.NewCount))
			for _, line := range h.Lines {
				b.WriteString(line)
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

func formatRange(start, count int) string {
	if count == 1 {
		return strconv.Itoa(start)
	}
	return fmt.Sprintf("%d,%d", start, count)
}

// counts computes a hunk's old and new line counts from its body.
func (h *Hunk) counts() (old, new int) {
	for _, l := range h.Lines {
		switch l[0] {
		case ' ':
			old++
			new++
		case '-':
			old++
		case '+':
			new++
		}
	}
	return old, new
}

// oldLines returns the context and removal lines without markers: the
// needle the apply step searches for.
func (h *Hunk) oldLines() []string {
	var out []string
	for _, l := range h.Lines {
		if l[0] == ' ' || l[0] == '-' {
			out = append(out, l[1:])
		}
	}
	return out
}

// newLines returns the context and addition lines without markers: the
// replacement text.
func (h *Hunk) newLines() []string {
	var out []string
	for _, l := range h.Lines {
		if l[0] == ' ' || l[0] == '+' {
			out = append(out, l[1:])
		}
	}
	return out
}
