package apply

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// filePatch is the part of a unified diff touching one file. An empty
// oldPath marks a created file; an empty newPath a deleted one.
type filePatch struct {
	oldPath string
	newPath string
	hunks   []hunk
}

func (f filePatch) path() string {
	if f.newPath != "" {
		return f.newPath
	}
	return f.oldPath
}

type hunk struct {
	oldStart, oldLines int
	newStart, newLines int
	// lines keep their ' ', '+' or '-' prefix.
	lines []string
}

// parseDiff splits a multi-file unified diff into per-file patches.
func parseDiff(diff string) ([]filePatch, error) {
	lines := strings.Split(strings.ReplaceAll(diff, "\r\n", "\n"), "\n")
	var (
		out  []filePatch
		h    *hunk
		oldN int
		newN int
	)
	flush := func() {
		if h != nil && len(out) > 0 {
			out[len(out)-1].hunks = append(out[len(out)-1].hunks, *h)
		}
		h = nil
	}
	for i := 0; i < len(lines); i++ {
		l := lines[i]
		if h != nil && (oldN > 0 || newN > 0) {
			switch {
			case strings.HasPrefix(l, "\\"):
				continue
			case l == "":
				l = " "
			}
			switch l[0] {
			case ' ':
				oldN--
				newN--
			case '-':
				oldN--
			case '+':
				newN--
			default:
				return nil, fmt.Errorf("line %d: unexpected hunk line %q", i+1, l)
			}
			h.lines = append(h.lines, l)
			continue
		}
		switch {
		case strings.HasPrefix(l, "--- "):
			flush()
			if i+1 >= len(lines) || !strings.HasPrefix(lines[i+1], "+++ ") {
				return nil, fmt.Errorf("line %d: missing +++ header", i+1)
			}
			out = append(out, filePatch{oldPath: diffPath(l[4:]), newPath: diffPath(lines[i+1][4:])})
			i++
		case strings.HasPrefix(l, "@@"):
			flush()
			if len(out) == 0 {
				return nil, fmt.Errorf("line %d: hunk before file header", i+1)
			}
			m := hunkHeader.FindStringSubmatch(l)
			if m == nil {
				return nil, fmt.Errorf("line %d: malformed hunk header %q", i+1, l)
			}
			h = &hunk{
				oldStart: atoi(m[1]), oldLines: count(m[2]),
				newStart: atoi(m[3]), newLines: count(m[4]),
			}
			oldN, newN = h.oldLines, h.newLines
		}
	}
	flush()
	if len(out) == 0 {
		return nil, errors.New("diff has no file headers")
	}
	for _, f := range out {
		if f.path() == "" {
			return nil, errors.New("diff touches /dev/null on both sides")
		}
	}
	return out, nil
}

func diffPath(s string) string {
	s, _, _ = strings.Cut(s, "\t")
	s = strings.TrimSpace(s)
	if s == "/dev/null" {
		return ""
	}
	if strings.HasPrefix(s, "a/") || strings.HasPrefix(s, "b/") {
		return s[2:]
	}
	return s
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func count(s string) int {
	if s == "" {
		return 1
	}
	return atoi(s)
}

// splitLines splits s into newline-terminated lines.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	} else {
		lines[len(lines)-1] += "\n"
	}
	return lines
}

// applyHunks applies hunks to content. Each hunk must match at its recorded
// position or within a small window around it.
func applyHunks(content string, hunks []hunk) (string, error) {
	src := splitLines(content)
	var out []string
	pos := 0
	delta := 0
	for n, h := range hunks {
		var old, repl []string
		for _, l := range h.lines {
			switch l[0] {
			case ' ':
				old = append(old, l[1:]+"\n")
				repl = append(repl, l[1:]+"\n")
			case '-':
				old = append(old, l[1:]+"\n")
			case '+':
				repl = append(repl, l[1:]+"\n")
			}
		}
		want := h.oldStart - 1 + delta
		if h.oldLines == 0 {
			want = h.oldStart + delta
		}
		at := locate(src, old, max(want, pos), pos)
		if at < 0 {
			return "", fmt.Errorf("hunk %d does not apply at line %d", n+1, h.oldStart)
		}
		out = append(out, src[pos:at]...)
		out = append(out, repl...)
		pos = at + len(old)
		delta += len(repl) - len(old) + (at - want)
	}
	out = append(out, src[pos:]...)
	return strings.Join(out, ""), nil
}

const fuzzWindow = 50

// locate finds old in src starting the search at want and moving outward,
// never before floor.
func locate(src, old []string, want, floor int) int {
	matchAt := func(i int) bool {
		if i < floor || i+len(old) > len(src) {
			return false
		}
		for j, l := range old {
			if strings.TrimRight(src[i+j], "\r\n") != strings.TrimRight(l, "\r\n") {
				return false
			}
		}
		return true
	}
	for d := 0; d <= fuzzWindow; d++ {
		if matchAt(want - d) {
			return want - d
		}
		if d > 0 && matchAt(want+d) {
			return want + d
		}
	}
	return -1
}
