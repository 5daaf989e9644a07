package synth

import (
	"bytes"
	"embed"
	"fmt"
	"strconv"
	"text/template"

	"github.com/CosmoTheDev/ctrlprune/internal/rules"
	"github.com/CosmoTheDev/ctrlprune/models"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("rules").Funcs(template.FuncMap{
	"q": strconv.Quote,
	"t": func(string) string { return "" },
}).ParseFS(templateFS, "templates/*.tmpl"))

// target describes how rule code is emitted for one source language.
type target struct {
	lang     string
	tmpl     string
	ext      string
	ts       bool
	commonJS bool
}

func targetFor(lang string, commonJS bool) (target, bool) {
	switch lang {
	case "python":
		return target{lang: lang, tmpl: "python.tmpl", ext: ".py"}, true
	case "javascript":
		if commonJS {
			return target{lang: lang, tmpl: "javascript.tmpl", ext: ".cjs", commonJS: true}, true
		}
		return target{lang: lang, tmpl: "javascript.tmpl", ext: ".js"}, true
	case "typescript":
		return target{lang: lang, tmpl: "javascript.tmpl", ext: ".ts", ts: true}, true
	case "go":
		return target{lang: lang, tmpl: "go.tmpl", ext: ".go"}, true
	default:
		return target{}, false
	}
}

// rulePath is the repository-relative location of a candidate's rule module.
func (t target) rulePath(id int64) string {
	return fmt.Sprintf("%s/candidate_%d%s", RulesDir, id, t.ext)
}

type ruleData struct {
	ID        int64
	File      string
	LineStart int
	Intent    models.Intent
	Provider  string
	Spec      rules.Spec
	TS        bool
	CommonJS  bool
}

// render produces the rule module for c from spec.
func render(t target, c *models.Candidate, spec rules.Spec) (string, error) {
	tmpl, err := templates.Clone()
	if err != nil {
		return "", err
	}
	tmpl.Funcs(template.FuncMap{"t": func(typ string) string {
		if t.ts {
			return ": " + typ
		}
		return ""
	}})
	var buf bytes.Buffer
	err = tmpl.ExecuteTemplate(&buf, t.tmpl, ruleData{
		ID:        c.ID,
		File:      c.File,
		LineStart: c.LineStart,
		Intent:    spec.Intent,
		Provider:  c.Provider,
		Spec:      spec,
		TS:        t.ts,
		CommonJS:  t.commonJS,
	})
	if err != nil {
		return "", fmt.Errorf("rendering %s rule: %w", t.lang, err)
	}
	return buf.String(), nil
}
