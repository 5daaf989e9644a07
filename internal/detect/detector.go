// Package detect finds AI-provider call sites in source files using
// tree-sitter grammars.
package detect

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/CosmoTheDev/ctrlprune/internal/config"
	"github.com/CosmoTheDev/ctrlprune/models"
	sitter "github.com/smacker/go-tree-sitter"
)

// ErrParse is returned for files the grammar cannot parse cleanly.
var ErrParse = errors.New("source has syntax errors")

// ErrUnsupported is returned for files without a known grammar.
var ErrUnsupported = errors.New("unsupported source language")

// CallSite is one detected AI call.
type CallSite struct {
	File      string `json:"file"`
	Language  string `json:"language"`
	LineStart int    `json:"line_start"`
	LineEnd   int    `json:"line_end"`
	Snippet   string `json:"snippet"`
	Callee    string `json:"callee"`
	CallExpr  string `json:"call_expr"`
	InputExpr string `json:"input_expr"`
	Prompt    string `json:"prompt"`
	Provider  string `json:"provider"`

	startByte uint32
}

// Candidate converts the call site into an unscored candidate.
func (c CallSite) Candidate(scanID, id int64) models.Candidate {
	return models.Candidate{
		ScanID:      scanID,
		ID:          id,
		File:        c.File,
		Language:    c.Language,
		LineStart:   c.LineStart,
		LineEnd:     c.LineEnd,
		CallSnippet: c.Snippet,
		CallExpr:    c.CallExpr,
		InputExpr:   c.InputExpr,
		Prompt:      c.Prompt,
		Provider:    c.Provider,
	}
}

// FileError reports a file that was skipped.
type FileError struct {
	File string
	Err  error
}

func (e *FileError) Error() string { return fmt.Sprintf("%s: %v", e.File, e.Err) }
func (e *FileError) Unwrap() error { return e.Err }

// Detector locates AI call sites. It is safe for concurrent use; each file
// gets its own parser.
type Detector struct {
	patterns        []calleePattern
	contextLines    int
	maxSnippetChars int
	maxPromptChars  int
}

// New builds a Detector from cfg. Extra patterns in cfg take precedence over
// the built-in set.
func New(cfg config.DetectorConfig) (*Detector, error) {
	patterns, err := compilePatterns(cfg.Patterns)
	if err != nil {
		return nil, err
	}
	d := &Detector{
		patterns:        patterns,
		contextLines:    cfg.ContextLines,
		maxSnippetChars: cfg.MaxSnippetChars,
		maxPromptChars:  cfg.MaxPromptChars,
	}
	if d.contextLines < 0 {
		d.contextLines = 0
	}
	if d.maxSnippetChars <= 0 {
		d.maxSnippetChars = 800
	}
	if d.maxPromptChars <= 0 {
		d.maxPromptChars = 1000
	}
	return d, nil
}

// Scan lazily yields call sites for files (paths relative to root) in the
// given order, then source order within each file. A file that cannot be
// read or parsed yields a *FileError and scanning continues.
func (d *Detector) Scan(ctx context.Context, root string, files []string) iter.Seq2[CallSite, error] {
	return func(yield func(CallSite, error) bool) {
		for _, rel := range files {
			if ctx.Err() != nil {
				yield(CallSite{}, ctx.Err())
				return
			}
			sites, err := d.DetectFile(ctx, root, rel)
			if err != nil {
				if !yield(CallSite{File: rel}, err) {
					return
				}
				continue
			}
			for _, s := range sites {
				if !yield(s, nil) {
					return
				}
			}
		}
	}
}

// DetectFile returns the deduplicated call sites of one file in source order.
func (d *Detector) DetectFile(ctx context.Context, root, rel string) ([]CallSite, error) {
	g := grammarFor(rel)
	if g == nil {
		return nil, &FileError{File: rel, Err: ErrUnsupported}
	}
	src, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, &FileError{File: rel, Err: err}
	}
	if !utf8.Valid(src) {
		return nil, &FileError{File: rel, Err: fmt.Errorf("%w: not valid UTF-8", ErrParse)}
	}
	sites, err := d.detectSource(ctx, g, rel, src)
	if err != nil {
		return nil, &FileError{File: rel, Err: err}
	}
	return sites, nil
}

func (d *Detector) detectSource(ctx context.Context, g *grammar, rel string, src []byte) ([]CallSite, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g.language())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, ErrParse
	}

	w := &walker{d: d, g: g, src: src, lines: strings.Split(string(src), "\n"), file: rel}
	w.visit(root, nil)

	sort.SliceStable(w.sites, func(i, j int) bool {
		if w.sites[i].LineStart != w.sites[j].LineStart {
			return w.sites[i].LineStart < w.sites[j].LineStart
		}
		return w.sites[i].startByte < w.sites[j].startByte
	})
	return dedupe(w.sites), nil
}

type walker struct {
	d     *Detector
	g     *grammar
	src   []byte
	lines []string
	file  string
	sites []CallSite
}

func (w *walker) visit(n *sitter.Node, stmt *sitter.Node) {
	if w.g.statements[n.Type()] {
		stmt = n
	}
	if n.Type() == w.g.call {
		w.consider(n, stmt)
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.visit(n.NamedChild(i), stmt)
	}
}

func (w *walker) consider(call, stmt *sitter.Node) {
	fn := call.ChildByFieldName("function")
	if fn == nil {
		return
	}
	callee := normalizeCallee(fn.Content(w.src))
	if ignoredCallee.MatchString(callee) {
		return
	}
	provider := ""
	for _, p := range w.d.patterns {
		if p.re.MatchString(callee) {
			provider = p.provider
			break
		}
	}
	if provider == "" {
		return
	}

	span := stmt
	if span == nil {
		span = call
	}
	start := int(span.StartPoint().Row) + 1
	end := int(span.EndPoint().Row) + 1
	if end < start {
		end = start
	}

	args := extractArgs(w.g, call.ChildByFieldName("arguments"), w.src)
	prompt := args.prompt
	if prompt == "" {
		prompt = promptAbove(w.lines, start, 15)
	}

	w.sites = append(w.sites, CallSite{
		File:      w.file,
		Language:  w.g.name,
		LineStart: start,
		LineEnd:   end,
		Snippet:   w.snippet(start, end),
		Callee:    callee,
		CallExpr:  call.Content(w.src),
		InputExpr: args.input,
		Prompt:    clip(prompt, w.d.maxPromptChars),
		Provider:  provider,
		startByte: call.StartByte(),
	})
}

// snippet is the statement plus context lines on each side, clipped.
func (w *walker) snippet(start, end int) string {
	from := max(start-1-w.d.contextLines, 0)
	to := min(end+w.d.contextLines, len(w.lines))
	return clip(strings.Join(w.lines[from:to], "\n"), w.d.maxSnippetChars)
}

func dedupe(sites []CallSite) []CallSite {
	type key struct {
		file  string
		line  int
		short string
	}
	seen := make(map[key]bool, len(sites))
	out := sites[:0]
	for _, s := range sites {
		k := key{s.File, s.LineStart, clip(s.Snippet, 80)}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}

// clip truncates s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// LogSkipped writes the standard warning for a skipped file.
func LogSkipped(err error) {
	var fe *FileError
	if errors.As(err, &fe) {
		slog.Warn("detect: skipping file", "file", fe.File, "error", fe.Err)
		return
	}
	slog.Warn("detect: skipping file", "error", err)
}
