package synth

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/CosmoTheDev/ctrlprune/models"
)

// RulesDir is the repository directory that receives generated rule modules.
const RulesDir = "ai_prune_rules"

var (
	errCallMoved    = errors.New("call expression not found at the recorded location")
	errNoGoResponse = errors.New("response type of the Go SDK call is unknown")
	errNoGoModule   = errors.New("workspace has no go.mod to import the rule package from")
)

// goResponseTypes maps Go SDK callee suffixes to the type their call returns,
// qualified with the SDK's conventional package name.
var goResponseTypes = []struct{ suffix, typ string }{
	{".Models.GenerateContent", "*genai.GenerateContentResponse"},
	{".Chat.Completions.New", "*openai.ChatCompletion"},
	{".Messages.New", "*anthropic.Message"},
}

// rewriteSite replaces the candidate's call expression with the guarded
// prune entry point and adds the import of the rule module.
func rewriteSite(t target, src string, c *models.Candidate, goModule string) (string, error) {
	off := lineOffset(src, c.LineStart)
	if off < 0 || c.CallExpr == "" {
		return "", errCallMoved
	}
	idx := strings.Index(src[off:], c.CallExpr)
	if idx < 0 {
		return "", errCallMoved
	}
	idx += off
	end := idx + len(c.CallExpr)

	var repl, imp string
	switch t.lang {
	case "python":
		fn := fmt.Sprintf("prune_%d", c.ID)
		if strings.HasSuffix(strings.TrimRight(src[:idx], " \t"), "await") {
			fn = "a" + fn
		}
		repl = fmt.Sprintf("%s(%s, lambda: %s)", fn, orDefault(c.InputExpr, "None"), c.CallExpr)
		imp = fmt.Sprintf("from %s.candidate_%d import %s", RulesDir, c.ID, fn)
		src = src[:idx] + repl + src[end:]
		return insertPythonImport(src, imp), nil
	case "javascript", "typescript":
		fn := fmt.Sprintf("prune_%d", c.ID)
		repl = fmt.Sprintf("%s(%s, () => %s)", fn, orDefault(c.InputExpr, "undefined"), c.CallExpr)
		spec := jsImportPath(c.File, t, c.ID)
		if t.commonJS {
			imp = fmt.Sprintf("const { %s } = require(%q);", fn, spec)
		} else {
			imp = fmt.Sprintf("import { %s } from %q;", fn, spec)
		}
		src = src[:idx] + repl + src[end:]
		return insertJSImport(src, imp, t.commonJS), nil
	case "go":
		if goModule == "" {
			return "", errNoGoModule
		}
		typ := goResponseType(c.CallExpr)
		if typ == "" {
			return "", errNoGoResponse
		}
		repl = fmt.Sprintf("%s.Prune_%d(%s, func() (%s, error) { return %s })",
			RulesDir, c.ID, orDefault(c.InputExpr, "nil"), typ, c.CallExpr)
		src = src[:idx] + repl + src[end:]
		return insertGoImport(src, goModule+"/"+RulesDir), nil
	default:
		return "", fmt.Errorf("unsupported language %q", t.lang)
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func goResponseType(call string) string {
	callee, _, _ := strings.Cut(call, "(")
	callee = strings.Join(strings.Fields(callee), "")
	for _, rt := range goResponseTypes {
		if strings.HasSuffix(callee, rt.suffix) {
			return rt.typ
		}
	}
	return ""
}

// lineOffset returns the byte offset of the start of 1-based line n.
func lineOffset(src string, n int) int {
	if n < 1 {
		return -1
	}
	off := 0
	for i := 1; i < n; i++ {
		j := strings.IndexByte(src[off:], '\n')
		if j < 0 {
			return -1
		}
		off += j + 1
	}
	return off
}

// jsImportPath is the module specifier of the rule module relative to file.
func jsImportPath(file string, t target, id int64) string {
	mod := t.rulePath(id)
	if t.ts {
		mod = strings.TrimSuffix(mod, t.ext)
	}
	rel, err := filepath.Rel(filepath.Dir(filepath.FromSlash(file)), filepath.FromSlash(mod))
	if err != nil {
		return "./" + mod
	}
	rel = filepath.ToSlash(rel)
	if !strings.HasPrefix(rel, "../") {
		rel = "./" + rel
	}
	return rel
}

func splitKeep(src string) []string {
	return strings.SplitAfter(src, "\n")
}

func insertAt(lines []string, i int, line string) string {
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:i]...)
	if i > 0 && !strings.HasSuffix(lines[i-1], "\n") {
		line = "\n" + line
	}
	out = append(out, line+"\n")
	out = append(out, lines[i:]...)
	return strings.Join(out, "")
}

func hasLine(lines []string, line string) bool {
	for _, l := range lines {
		if strings.TrimSpace(l) == line {
			return true
		}
	}
	return false
}

// insertPythonImport adds imp after the module's leading imports.
func insertPythonImport(src, imp string) string {
	lines := splitKeep(src)
	if hasLine(lines, imp) {
		return src
	}
	at := 0
	if len(lines) > 0 && strings.HasPrefix(lines[0], "#!") {
		at = 1
	}
	for i := 0; i < len(lines); i++ {
		l := lines[i]
		if strings.HasPrefix(l, "def ") || strings.HasPrefix(l, "class ") ||
			strings.HasPrefix(l, "async def ") || strings.HasPrefix(l, "@") || strings.HasPrefix(l, "if __name__") {
			break
		}
		if !strings.HasPrefix(l, "import ") && !strings.HasPrefix(l, "from ") {
			continue
		}
		if strings.Contains(l, "(") && !strings.Contains(l, ")") {
			for i+1 < len(lines) && !strings.Contains(lines[i], ")") {
				i++
			}
		}
		at = i + 1
	}
	return insertAt(lines, at, imp)
}

var jsImportEnd = regexp.MustCompile(`['"]\s*;?\s*$`)

// insertJSImport adds imp after the leading import (or require) statements.
func insertJSImport(src, imp string, commonJS bool) string {
	lines := splitKeep(src)
	if hasLine(lines, imp) {
		return src
	}
	at := 0
	inImport := false
	for i, l := range lines {
		trimmed := strings.TrimSpace(l)
		if inImport {
			if jsImportEnd.MatchString(trimmed) {
				inImport = false
				at = i + 1
			}
			continue
		}
		switch {
		case i == 0 && strings.HasPrefix(l, "#!"):
			at = 1
		case !commonJS && strings.HasPrefix(l, "import "):
			if jsImportEnd.MatchString(trimmed) {
				at = i + 1
			} else {
				inImport = true
			}
		case commonJS && strings.Contains(l, "require(") && !strings.HasPrefix(l, " ") && !strings.HasPrefix(l, "\t"):
			at = i + 1
		case strings.Contains(trimmed, "use strict") && len(trimmed) <= len(`"use strict";`):
			at = i + 1
		case trimmed == "" || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "/*") || strings.HasPrefix(trimmed, "*"):
		default:
			return insertAt(lines, at, imp)
		}
	}
	return insertAt(lines, at, imp)
}

// insertGoImport adds path to the file's import declarations.
func insertGoImport(src, path string) string {
	lines := splitKeep(src)
	quoted := fmt.Sprintf("%q", path)
	for _, l := range lines {
		if strings.Contains(l, quoted) {
			return src
		}
	}
	pkgLine := -1
	for i, l := range lines {
		trimmed := strings.TrimSpace(l)
		switch {
		case strings.HasPrefix(trimmed, "package ") && pkgLine < 0:
			pkgLine = i
		case trimmed == "import (":
			return insertAt(lines, i+1, "\t"+quoted)
		case strings.HasPrefix(trimmed, "import "):
			return insertAt(lines, i+1, "import "+quoted)
		case strings.HasPrefix(trimmed, "func ") || strings.HasPrefix(trimmed, "type ") ||
			strings.HasPrefix(trimmed, "var ") || strings.HasPrefix(trimmed, "const "):
			return insertAt(lines, max(pkgLine+1, 0), "\nimport "+quoted)
		}
	}
	return insertAt(lines, max(pkgLine+1, 0), "\nimport "+quoted)
}
