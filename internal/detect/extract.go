package detect

import (
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Argument keys whose values carry the prompt or the user input.
var promptKeys = map[string]bool{
	"content": true, "contents": true, "prompt": true, "input": true, "text": true,
	"system": true, "instructions": true, "query": true, "question": true,
}

type argInfo struct {
	prompt string
	input  string
}

type literal struct {
	text   string
	key    string
	interp string
}

// extractArgs picks the prompt text and the input expression from a call's
// argument list. A keyed string with whitespace wins, then the longest string
// with whitespace. The input is the first non-literal value under a prompt
// key, an interpolation inside a keyed template, or a leading positional
// identifier.
func extractArgs(g *grammar, args *sitter.Node, src []byte) argInfo {
	if args == nil {
		return argInfo{}
	}
	var lits []literal
	var keyedInputs []string

	var walk func(n *sitter.Node, key string)
	walk = func(n *sitter.Node, key string) {
		switch {
		case g.pairs[n.Type()]:
			k, v := pairParts(n)
			if k == nil || v == nil {
				break
			}
			name := strings.ToLower(trimQuotes(k.Content(src)))
			if promptKeys[name] && !g.strings[v.Type()] && isExpression(v) {
				keyedInputs = append(keyedInputs, v.Content(src))
			}
			walk(v, name)
			return
		case g.strings[n.Type()]:
			lits = append(lits, literal{text: literalText(n, src), key: key, interp: firstInterp(g, n, src)})
			return
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i), key)
		}
	}
	walk(args, "")

	var info argInfo
	for _, l := range lits {
		if promptKeys[l.key] && strings.ContainsAny(strings.TrimSpace(l.text), " \n\t") {
			info.prompt = l.text
			break
		}
	}
	if info.prompt == "" {
		for _, l := range lits {
			if strings.ContainsAny(strings.TrimSpace(l.text), " \n\t") && len(l.text) > len(info.prompt) {
				info.prompt = l.text
			}
		}
	}

	switch {
	case len(keyedInputs) > 0:
		info.input = keyedInputs[len(keyedInputs)-1]
	default:
		for _, l := range lits {
			if promptKeys[l.key] && l.interp != "" {
				info.input = l.interp
			}
		}
	}
	if info.input == "" {
		info.input = positionalInput(args, src)
	}
	return info
}

func pairParts(n *sitter.Node) (key, value *sitter.Node) {
	if k := n.ChildByFieldName("name"); k != nil {
		return k, n.ChildByFieldName("value")
	}
	if k := n.ChildByFieldName("key"); k != nil {
		return k, n.ChildByFieldName("value")
	}
	if n.NamedChildCount() == 2 {
		return n.NamedChild(0), n.NamedChild(1)
	}
	return nil, nil
}

// isExpression filters out container literals; a messages list is walked, not
// taken as the input.
func isExpression(n *sitter.Node) bool {
	switch n.Type() {
	case "list", "dictionary", "array", "object", "composite_literal", "literal_value", "tuple":
		return false
	}
	return true
}

func firstInterp(g *grammar, n *sitter.Node, src []byte) string {
	if len(g.interp) == 0 {
		return ""
	}
	var found string
	var walk func(*sitter.Node)
	walk = func(c *sitter.Node) {
		if found != "" {
			return
		}
		if g.interp[c.Type()] {
			s := c.Content(src)
			s = strings.TrimPrefix(s, "$")
			s = strings.TrimSuffix(strings.TrimPrefix(s, "{"), "}")
			found = strings.TrimSpace(s)
			return
		}
		for i := 0; i < int(c.NamedChildCount()); i++ {
			walk(c.NamedChild(i))
		}
	}
	walk(n)
	return found
}

var skipPositional = map[string]bool{"ctx": true, "context": true, "model": true, "self": true}

func positionalInput(args *sitter.Node, src []byte) string {
	for i := 0; i < int(args.NamedChildCount()); i++ {
		a := args.NamedChild(i)
		if a.Type() != "identifier" {
			continue
		}
		name := a.Content(src)
		if skipPositional[name] {
			continue
		}
		return name
	}
	return ""
}

// literalText returns the unquoted text of a string node, joining the parts
// of implicitly concatenated Python strings.
func literalText(n *sitter.Node, src []byte) string {
	if n.Type() != "concatenated_string" {
		return trimQuotes(n.Content(src))
	}
	var b strings.Builder
	for i := 0; i < int(n.NamedChildCount()); i++ {
		b.WriteString(trimQuotes(n.NamedChild(i).Content(src)))
	}
	return b.String()
}

var stringPrefix = regexp.MustCompile(`^[fFrRbBuU]{1,2}(["'])`)

// trimQuotes removes string prefixes and surrounding quotes of any of the
// supported languages' literal forms.
func trimQuotes(s string) string {
	s = strings.TrimSpace(s)
	if m := stringPrefix.FindStringSubmatchIndex(s); m != nil {
		s = s[m[2]:]
	}
	for _, q := range []string{`"""`, `'''`, "`", `"`, `'`} {
		if len(s) >= 2*len(q) && strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			return s[len(q) : len(s)-len(q)]
		}
	}
	return s
}

var promptAssign = regexp.MustCompile("(?i)\\b\\w*prompt\\w*\\s*(?::\\s*[\\w\\[\\]]+)?\\s*:?=\\s*(?:[frbu]{1,2})?(\"\"\"|'''|\"|'|`)")

// promptAbove finds the nearest prompt-like string assignment in the window
// lines above line (1-indexed) and returns its literal text.
func promptAbove(lines []string, line, window int) string {
	for i := line - 2; i >= 0 && i >= line-1-window; i-- {
		m := promptAssign.FindStringSubmatchIndex(lines[i])
		if m == nil {
			continue
		}
		delim := lines[i][m[2]:m[3]]
		rest := lines[i][m[3]:]
		if idx := strings.Index(rest, delim); idx >= 0 {
			return rest[:idx]
		}
		// Multi-line literal: gather until the closing delimiter.
		var b strings.Builder
		b.WriteString(rest)
		for j := i + 1; j < len(lines); j++ {
			b.WriteString("\n")
			if idx := strings.Index(lines[j], delim); idx >= 0 {
				b.WriteString(lines[j][:idx])
				return b.String()
			}
			b.WriteString(lines[j])
		}
		return b.String()
	}
	return ""
}
