package detect

import (
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// grammar describes the node types the detector cares about in one language.
type grammar struct {
	name       string
	language   func() *sitter.Language
	call       string
	statements map[string]bool
	strings    map[string]bool
	// pairs are key/value nodes whose key names the argument (content=, prompt:).
	pairs  map[string]bool
	interp map[string]bool
}

func set(types ...string) map[string]bool {
	m := make(map[string]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

var (
	pythonGrammar = &grammar{
		name:       "python",
		language:   python.GetLanguage,
		call:       "call",
		statements: set("expression_statement", "return_statement", "assert_statement"),
		strings:    set("string", "concatenated_string"),
		pairs:      set("keyword_argument", "pair"),
		interp:     set("interpolation"),
	}
	jsStatements = set("expression_statement", "lexical_declaration", "variable_declaration",
		"return_statement", "public_field_definition")
	javascriptGrammar = &grammar{
		name:       "javascript",
		language:   javascript.GetLanguage,
		call:       "call_expression",
		statements: jsStatements,
		strings:    set("string", "template_string"),
		pairs:      set("pair"),
		interp:     set("template_substitution"),
	}
	typescriptGrammar = &grammar{
		name:       "typescript",
		language:   typescript.GetLanguage,
		call:       "call_expression",
		statements: jsStatements,
		strings:    set("string", "template_string"),
		pairs:      set("pair"),
		interp:     set("template_substitution"),
	}
	tsxGrammar = &grammar{
		name:       "typescript",
		language:   tsx.GetLanguage,
		call:       "call_expression",
		statements: jsStatements,
		strings:    set("string", "template_string"),
		pairs:      set("pair"),
		interp:     set("template_substitution"),
	}
	goGrammar = &grammar{
		name:     "go",
		language: golang.GetLanguage,
		call:     "call_expression",
		statements: set("expression_statement", "short_var_declaration", "assignment_statement",
			"return_statement", "var_declaration", "go_statement", "defer_statement"),
		strings: set("interpreted_string_literal", "raw_string_literal"),
		pairs:   set("keyed_element"),
		interp:  set(),
	}
)

// grammarFor picks the grammar by file extension.
func grammarFor(path string) *grammar {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return pythonGrammar
	case ".js", ".jsx", ".mjs", ".cjs":
		return javascriptGrammar
	case ".ts", ".mts", ".cts":
		return typescriptGrammar
	case ".tsx":
		return tsxGrammar
	case ".go":
		return goGrammar
	default:
		return nil
	}
}

// Language returns the language name used for a file, or "" when unsupported.
func Language(path string) string {
	if g := grammarFor(path); g != nil {
		return g.name
	}
	return ""
}
