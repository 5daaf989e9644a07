package rules

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/CosmoTheDev/ctrlprune/models"
	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"
)

//go:embed defaults/*.yaml
var defaultsFS embed.FS

// Tables are the keyword tables rule specs are derived from.
type Tables struct {
	YesNo struct {
		Positive []string `yaml:"positive"`
		Negative []string `yaml:"negative"`
	} `yaml:"yes_no"`
	Extraction struct {
		Fields []Field `yaml:"fields"`
	} `yaml:"extraction"`
	Labels struct {
		Default  []string          `yaml:"default"`
		MinRatio float64           `yaml:"min_ratio"`
		Synonyms map[string]string `yaml:"synonyms"`
	} `yaml:"labels"`
}

// merge overlays o onto t.
func (t *Tables) merge(o Tables) {
	t.YesNo.Positive = append(t.YesNo.Positive, o.YesNo.Positive...)
	t.YesNo.Negative = append(t.YesNo.Negative, o.YesNo.Negative...)
	for _, f := range o.Extraction.Fields {
		i := slices.IndexFunc(t.Extraction.Fields, func(e Field) bool { return e.Name == f.Name })
		if i >= 0 {
			t.Extraction.Fields[i] = f
		} else {
			t.Extraction.Fields = append(t.Extraction.Fields, f)
		}
	}
	if len(o.Labels.Default) > 0 {
		t.Labels.Default = o.Labels.Default
	}
	if o.Labels.MinRatio > 0 {
		t.Labels.MinRatio = o.Labels.MinRatio
	}
	if t.Labels.Synonyms == nil {
		t.Labels.Synonyms = make(map[string]string)
	}
	maps.Copy(t.Labels.Synonyms, o.Labels.Synonyms)
}

func (t Tables) clone() Tables {
	out := t
	out.YesNo.Positive = slices.Clone(t.YesNo.Positive)
	out.YesNo.Negative = slices.Clone(t.YesNo.Negative)
	out.Extraction.Fields = slices.Clone(t.Extraction.Fields)
	out.Labels.Default = slices.Clone(t.Labels.Default)
	out.Labels.Synonyms = maps.Clone(t.Labels.Synonyms)
	return out
}

// Registry holds the merged built-in and user rule tables. User files live in
// dir as *.yaml / *.yml and are applied in name order.
type Registry struct {
	dir string

	mu      sync.RWMutex
	tables  Tables
	version string

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry loads the built-in tables plus any overlays under dir.
// An empty or missing dir yields the built-ins alone.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{dir: dir}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads every rule file. On error the previous tables stay active.
func (r *Registry) Reload() error {
	var t Tables
	entries, err := defaultsFS.ReadDir("defaults")
	if err != nil {
		return fmt.Errorf("rules: reading embedded defaults: %w", err)
	}
	for _, e := range entries {
		data, err := defaultsFS.ReadFile("defaults/" + e.Name())
		if err != nil {
			return fmt.Errorf("rules: reading bundled %s: %w", e.Name(), err)
		}
		var o Tables
		if err := yaml.Unmarshal(data, &o); err != nil {
			return fmt.Errorf("rules: parse bundled %s: %w", e.Name(), err)
		}
		t.merge(o)
	}

	for _, path := range r.userFiles() {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("rules: skipping unreadable rule file", "file", path, "error", err)
			continue
		}
		var o Tables
		if err := yaml.Unmarshal(data, &o); err != nil {
			slog.Warn("rules: skipping malformed rule file", "file", path, "error", err)
			continue
		}
		t.merge(o)
	}

	canon, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("rules: encoding merged tables: %w", err)
	}
	sum := sha256.Sum256(canon)

	r.mu.Lock()
	r.tables = t
	r.version = hex.EncodeToString(sum[:])[:12]
	r.mu.Unlock()
	slog.Debug("rules: registry loaded", "dir", r.dir, "version", r.version)
	return nil
}

func (r *Registry) userFiles() []string {
	if r.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !isRuleFile(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(r.dir, e.Name()))
	}
	slices.Sort(out)
	return out
}

func isRuleFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// Version is a short content hash of the merged tables.
func (r *Registry) Version() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Tables returns a copy of the merged tables.
func (r *Registry) Tables() Tables {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tables.clone()
}

// SpecFor derives a rule spec for intent. labels, when non-empty, is the
// closed label set found in the prompt and replaces the default label set.
func (r *Registry) SpecFor(intent models.Intent, labels []string) Spec {
	t := r.Tables()
	s := Spec{Intent: intent}
	switch intent {
	case models.IntentYesNo:
		s.Positive = t.YesNo.Positive
		s.Negative = t.YesNo.Negative
	case models.IntentExtraction:
		s.Fields = t.Extraction.Fields
	case models.IntentLabelMatch:
		s.Labels = t.Labels.Default
		if len(labels) > 0 {
			s.Labels = labels
		}
		s.MinRatio = t.Labels.MinRatio
		s.Synonyms = make(map[string]string)
		for from, to := range t.Labels.Synonyms {
			for _, l := range s.Labels {
				if strings.EqualFold(l, to) {
					s.Synonyms[from] = l
				}
			}
		}
	}
	return s.Normalize()
}

// Watch reloads the registry whenever a rule file in dir changes, until ctx
// is done or Close is called. It is a no-op when dir is empty.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		return nil
	}
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.watcher != nil {
		return nil
	}
	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return fmt.Errorf("rules: create dir %s: %w", r.dir, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules: creating watcher: %w", err)
	}
	if err := w.Add(r.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("rules: watching %s: %w", r.dir, err)
	}
	r.watcher = w
	r.done = make(chan struct{})
	go r.run(ctx, w, r.done)
	slog.Info("rules: watching rule directory", "dir", r.dir)
	return nil
}

func (r *Registry) run(ctx context.Context, w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !isRuleFile(ev.Name) || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			before := r.Version()
			if err := r.Reload(); err != nil {
				slog.Warn("rules: reload failed", "file", ev.Name, "error", err)
				continue
			}
			if after := r.Version(); after != before {
				slog.Info("rules: registry reloaded", "file", ev.Name, "version", after)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Warn("rules: watcher error", "error", err)
		}
	}
}

// Close stops the watcher started by Watch.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	w, done := r.watcher, r.done
	r.watcher, r.done = nil, nil
	r.watchMu.Unlock()
	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}
