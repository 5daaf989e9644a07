package shadow

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/CosmoTheDev/ctrlprune/models"
)

// Sample is one recorded AI call replayed through the rule.
type Sample struct {
	Input     string
	Output    string
	LatencyMs float64
	Source    string
}

// recordLine is one line of a recordings JSONL file.
type recordLine struct {
	File      string          `json:"file"`
	Line      int             `json:"line"`
	Intent    string          `json:"intent"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output"`
	LatencyMs float64         `json:"latency_ms"`
}

// matches reports whether the line belongs to candidate c: by file (and line
// span when given) or, for lines without a file, by intent.
func (r recordLine) matches(c *models.Candidate) bool {
	if r.File != "" {
		if filepath.ToSlash(filepath.Clean(r.File)) != c.File {
			return false
		}
		return r.Line == 0 || (r.Line >= c.LineStart && r.Line <= c.LineEnd)
	}
	return r.Intent != "" && models.Intent(r.Intent) == c.InferredIntent
}

// text renders a JSON value as the string the rule or AI would see: strings
// unquoted, anything else in compact JSON.
func text(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return string(raw), true
}

// fileSamples reads every *.jsonl file in dir and returns the samples that
// match c, in file name then line order. Malformed lines are skipped.
func fileSamples(ctx context.Context, dir string, c *models.Candidate) ([]Sample, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading recordings dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".jsonl") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	var out []Sample
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		got, err := readJSONL(filepath.Join(dir, name), c)
		if err != nil {
			slog.Warn("shadow: skipping recordings file", "file", name, "error", err)
			continue
		}
		out = append(out, got...)
	}
	return out, nil
}

func readJSONL(path string, c *models.Candidate) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Sample
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo, bad := 0, 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var r recordLine
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			bad++
			continue
		}
		if !r.matches(c) {
			continue
		}
		in, okIn := text(r.Input)
		outText, okOut := text(r.Output)
		if !okIn || !okOut {
			bad++
			continue
		}
		out = append(out, Sample{
			Input:     in,
			Output:    outText,
			LatencyMs: r.LatencyMs,
			Source:    fmt.Sprintf("%s:%d", filepath.Base(path), lineNo),
		})
	}
	if err := sc.Err(); err != nil {
		return out, err
	}
	if bad > 0 {
		slog.Warn("shadow: skipped malformed recording lines", "file", filepath.Base(path), "count", bad)
	}
	return out, nil
}
