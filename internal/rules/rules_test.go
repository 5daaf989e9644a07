package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CosmoTheDev/ctrlprune/models"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func builtin(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestYesNoRule(t *testing.T) {
	spec := builtin(t).SpecFor(models.IntentYesNo, nil)
	cases := map[string]string{
		"The request was approved and allowed":       "YES",
		"Payment failed with an error, denied":       "NO",
		"I know nothing about it, but it passed":     "YES", // "no" must match as a word only
		"Status: rejected. Reason: invalid checksum": "NO",
	}
	for in, want := range cases {
		got, err := Evaluate(spec, in)
		if err != nil {
			t.Fatalf("Evaluate(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Evaluate(%q) = %q, want %q", in, got, want)
		}
		if !Valid(spec, got) {
			t.Fatalf("Valid(%q) = false", got)
		}
	}
}

func TestYesNoTieHasNoAnswer(t *testing.T) {
	spec := builtin(t).SpecFor(models.IntentYesNo, nil)
	for _, in := range []string{
		"The quarterly report is attached.",
		"Is this comment spam? Buy cheap watches now",
		"",
		"approved, then rejected",
	} {
		got, err := Evaluate(spec, in)
		if !errors.Is(err, ErrNoMatch) {
			t.Fatalf("Evaluate(%q) = %q, %v; want ErrNoMatch", in, got, err)
		}
	}
}

func TestExtractionRule(t *testing.T) {
	spec := builtin(t).SpecFor(models.IntentExtraction, nil)
	got, err := Evaluate(spec, "Name: Ada Lovelace, email: ada@example.com, id: USR-42")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	want := `{"email":"ada@example.com","id":"USR-42","name":"Ada Lovelace"}`
	if got != want {
		t.Fatalf("got %s\nwant %s", got, want)
	}
	if !Valid(spec, got) {
		t.Fatal("extraction output should validate")
	}
	if _, err := Evaluate(spec, "nothing structured here"); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("err = %v, want ErrNoMatch", err)
	}
}

func TestLabelMatchSynonymsAndFuzzy(t *testing.T) {
	spec := builtin(t).SpecFor(models.IntentLabelMatch, nil)
	cases := map[string]string{
		"invoice":                   "billing",
		"Support":                   "support",
		"I want to purchase a seat": "sales",
		"suport":                    "support",
		"my invoice looks wrong":    "billing",
	}
	for in, want := range cases {
		got, err := Evaluate(spec, in)
		if err != nil {
			t.Fatalf("Evaluate(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Evaluate(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := Evaluate(spec, "zzzzzzzz"); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("err = %v, want ErrNoMatch", err)
	}
}

func TestSpecForPromptLabelsKeepsOnlyMatchingSynonyms(t *testing.T) {
	spec := builtin(t).SpecFor(models.IntentLabelMatch, []string{"billing", "shipping"})
	if diff := cmp.Diff([]string{"billing", "shipping"}, spec.Labels); diff != "" {
		t.Fatalf("labels (-want +got):\n%s", diff)
	}
	for from, to := range spec.Synonyms {
		if to != "billing" {
			t.Fatalf("synonym %q -> %q should have been dropped", from, to)
		}
	}
	if err := spec.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestParseSpecRejectsBrokenDrafts(t *testing.T) {
	bad := []string{
		`{"intent":"long_form_summarization"}`,
		`{"intent":"structured_extraction","fields":[{"name":"x","pattern":"("}]}`,
		`{"intent":"small_domain_label_matching","labels":["a","b"],"synonyms":{"c":"d"}}`,
		`not json`,
	}
	for _, in := range bad {
		if _, err := ParseSpec(in); err == nil {
			t.Fatalf("ParseSpec(%s) succeeded, want error", in)
		}
	}
	s, err := ParseSpec(`{"intent":"yes_no_classification","positive":["Yes","ok","yes"],"negative":["no"]}`)
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if diff := cmp.Diff([]string{"ok", "yes"}, s.Positive); diff != "" {
		t.Fatalf("positive (-want +got):\n%s", diff)
	}
}

func TestMarshalIsCanonical(t *testing.T) {
	a := Spec{Intent: models.IntentYesNo, Positive: []string{"b", "a"}, Negative: []string{"x"}}
	b := Spec{Intent: models.IntentYesNo, Positive: []string{"A", "b", "a"}, Negative: []string{"x"}}
	if a.Marshal() != b.Marshal() {
		t.Fatalf("canonical forms differ:\n%s\n%s", a.Marshal(), b.Marshal())
	}
}

func TestRegistryOverlayChangesVersion(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	base := r.Version()

	overlay := "labels:\n  synonyms:\n    cancel: support\nyes_no:\n  positive: [greenlit]\n"
	if err := os.WriteFile(filepath.Join(dir, "team.yaml"), []byte(overlay), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if r.Version() == base {
		t.Fatal("version should change after overlay")
	}
	got, _ := Evaluate(r.SpecFor(models.IntentLabelMatch, nil), "cancel")
	if got != "support" {
		t.Fatalf("overlay synonym: got %q", got)
	}
	got, _ = Evaluate(r.SpecFor(models.IntentYesNo, nil), "greenlit")
	if got != "YES" {
		t.Fatalf("overlay keyword: got %q", got)
	}
}

func TestRegistryMalformedOverlayIsSkipped(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.yml"), []byte("labels: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	r, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if r.Version() != builtin(t).Version() {
		t.Fatal("malformed overlay should not change the tables")
	}
}

func TestRegistryWatchReloads(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	r, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer r.Close()

	base := r.Version()
	if err := os.WriteFile(filepath.Join(dir, "extra.yaml"), []byte("yes_no:\n  negative: [vetoed]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for r.Version() == base {
		if time.Now().After(deadline) {
			t.Fatal("registry was not reloaded after file write")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
