package detect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/CosmoTheDev/ctrlprune/internal/config"
	"github.com/google/go-cmp/cmp"
)

// fixture copies testdata files into a temp root under the given names.
func fixture(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, src := range files {
		data, err := os.ReadFile(filepath.Join("testdata", src))
		if err != nil {
			t.Fatal(err)
		}
		dst := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func newDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := New(config.DetectorConfig{ContextLines: 1, MaxSnippetChars: 800, MaxPromptChars: 1000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestDetectPythonOpenAI(t *testing.T) {
	root := fixture(t, map[string]string{"app/triage.py": "triage.py"})
	sites, err := newDetector(t).DetectFile(context.Background(), root, "app/triage.py")
	if err != nil {
		t.Fatalf("DetectFile: %v", err)
	}
	if len(sites) != 1 {
		t.Fatalf("got %d sites, want 1 (db.users.create must not match): %+v", len(sites), sites)
	}
	s := sites[0]
	if s.Provider != ProviderOpenAI || s.Language != "python" {
		t.Fatalf("provider=%s language=%s", s.Provider, s.Language)
	}
	if s.LineStart != 7 || s.LineEnd != 13 {
		t.Fatalf("span = %d-%d, want 7-13", s.LineStart, s.LineEnd)
	}
	if s.Prompt != "Respond with only YES or NO. Is this ticket a refund request?" {
		t.Fatalf("prompt = %q", s.Prompt)
	}
	if s.InputExpr != "ticket" {
		t.Fatalf("input = %q", s.InputExpr)
	}
	if s.Callee != "client.chat.completions.create" {
		t.Fatalf("callee = %q", s.Callee)
	}
}

func TestDetectJavaScriptAnthropic(t *testing.T) {
	root := fixture(t, map[string]string{"src/router.js": "router.js"})
	sites, err := newDetector(t).DetectFile(context.Background(), root, "src/router.js")
	if err != nil {
		t.Fatalf("DetectFile: %v", err)
	}
	if len(sites) != 1 {
		t.Fatalf("got %d sites, want 1: %+v", len(sites), sites)
	}
	s := sites[0]
	if s.Provider != ProviderAnthropic || s.LineStart != 6 || s.LineEnd != 10 {
		t.Fatalf("site = %+v", s)
	}
	if s.InputExpr != "message" {
		t.Fatalf("input = %q", s.InputExpr)
	}
	if s.Prompt != "Pick the closest label (billing, support, sales) for: ${message}" {
		t.Fatalf("prompt = %q", s.Prompt)
	}
}

func TestDetectGoGeminiUsesPromptAssignmentAbove(t *testing.T) {
	root := fixture(t, map[string]string{"spam.go": "spam.go.txt"})
	sites, err := newDetector(t).DetectFile(context.Background(), root, "spam.go")
	if err != nil {
		t.Fatalf("DetectFile: %v", err)
	}
	if len(sites) != 1 {
		t.Fatalf("got %d sites, want 1: %+v", len(sites), sites)
	}
	s := sites[0]
	if s.Provider != ProviderGemini || s.LineStart != 11 {
		t.Fatalf("site = %+v", s)
	}
	if s.Prompt != "Answer yes or no: is this message spam?" {
		t.Fatalf("prompt = %q", s.Prompt)
	}
}

func TestScanSkipsUnparsableFilesAndIsDeterministic(t *testing.T) {
	root := fixture(t, map[string]string{
		"a/triage.py": "triage.py",
		"b/router.js": "router.js",
	})
	if err := os.WriteFile(filepath.Join(root, "a", "broken.py"), []byte("def broken(:\n    pass\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	files := []string{"a/broken.py", "a/triage.py", "b/router.js"}
	d := newDetector(t)

	collect := func() ([]CallSite, []error) {
		var sites []CallSite
		var errs []error
		for s, err := range d.Scan(context.Background(), root, files) {
			if err != nil {
				errs = append(errs, err)
				continue
			}
			sites = append(sites, s)
		}
		return sites, errs
	}

	first, errs := collect()
	if len(errs) != 1 || !errors.Is(errs[0], ErrParse) {
		t.Fatalf("errs = %v, want one ErrParse", errs)
	}
	var fe *FileError
	if !errors.As(errs[0], &fe) || fe.File != "a/broken.py" {
		t.Fatalf("file error = %v", errs[0])
	}
	got := make([]string, 0, len(first))
	for _, s := range first {
		got = append(got, s.File)
	}
	if !slices.Equal(got, []string{"a/triage.py", "b/router.js"}) {
		t.Fatalf("order = %v", got)
	}

	second, _ := collect()
	if diff := cmp.Diff(first, second, cmp.AllowUnexported(CallSite{})); diff != "" {
		t.Fatalf("re-scan differs (-first +second):\n%s", diff)
	}
}

func TestScanStopsWhenConsumerBreaks(t *testing.T) {
	root := fixture(t, map[string]string{"a.py": "triage.py", "b.py": "triage.py"})
	n := 0
	for range newDetector(t).Scan(context.Background(), root, []string{"a.py", "b.py"}) {
		n++
		break
	}
	if n != 1 {
		t.Fatalf("yielded %d, want 1", n)
	}
}

func TestCustomPatternTakesPrecedence(t *testing.T) {
	d, err := New(config.DetectorConfig{Patterns: []config.CalleePattern{{Provider: "internal-gateway", Regex: `(^|\.)users\.create$`}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	root := fixture(t, map[string]string{"t.py": "triage.py"})
	sites, err := d.DetectFile(context.Background(), root, "t.py")
	if err != nil {
		t.Fatalf("DetectFile: %v", err)
	}
	if len(sites) != 2 || sites[1].Provider != "internal-gateway" {
		t.Fatalf("sites = %+v", sites)
	}
	if _, err := New(config.DetectorConfig{Patterns: []config.CalleePattern{{Regex: "("}}}); err == nil {
		t.Fatal("invalid pattern should fail")
	}
}

func TestTrimQuotes(t *testing.T) {
	cases := map[string]string{
		`"abc"`:       "abc",
		`f"hi {x}"`:   "hi {x}",
		"`tmpl ${y}`": "tmpl ${y}",
		`"""doc"""`:   "doc",
		`rb'raw'`:     "raw",
		`unquoted`:    "unquoted",
	}
	for in, want := range cases {
		if got := trimQuotes(in); got != want {
			t.Fatalf("trimQuotes(%s) = %q, want %q", in, got, want)
		}
	}
}
