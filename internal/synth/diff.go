package synth

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// fileChange is one file of a multi-file patch. Old is empty for new files.
type fileChange struct {
	Path    string
	Old     string
	New     string
	Created bool
}

// unifiedDiff renders changes as a git-style multi-file unified diff.
func unifiedDiff(changes []fileChange) (string, error) {
	var b strings.Builder
	for _, ch := range changes {
		if ch.Old == ch.New && !ch.Created {
			continue
		}
		ud := difflib.UnifiedDiff{
			A:        splitLines(ch.Old),
			B:        splitLines(ch.New),
			FromFile: "a/" + ch.Path,
			ToFile:   "b/" + ch.Path,
			Context:  3,
		}
		fmt.Fprintf(&b, "diff --git a/%s b/%s\n", ch.Path, ch.Path)
		if ch.Created {
			ud.A = nil
			ud.FromFile = "/dev/null"
			b.WriteString("new file mode 100644\n")
		}
		text, err := difflib.GetUnifiedDiffString(ud)
		if err != nil {
			return "", fmt.Errorf("diffing %s: %w", ch.Path, err)
		}
		b.WriteString(text)
	}
	return b.String(), nil
}

// splitLines splits s into newline-terminated lines. A missing final newline
// is added so every line diffs uniformly.
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

// looksLikeUnifiedDiff performs a lightweight structural check before a
// patch is stored.
func looksLikeUnifiedDiff(patch string) bool {
	p := strings.TrimSpace(patch)
	if p == "" {
		return false
	}
	var hasOld, hasNew, hasHunk, hasChange bool
	for _, line := range strings.Split(p, "\n") {
		switch {
		case strings.HasPrefix(line, "--- "):
			hasOld = true
		case strings.HasPrefix(line, "+++ "):
			hasNew = true
		case strings.HasPrefix(line, "@@"):
			hasHunk = true
		case strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-"):
			hasChange = true
		}
	}
	return hasOld && hasNew && hasHunk && hasChange
}
