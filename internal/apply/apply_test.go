package apply

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CosmoTheDev/ctrlprune/internal/apperr"
	"github.com/CosmoTheDev/ctrlprune/internal/config"
	"github.com/CosmoTheDev/ctrlprune/internal/database"
	"github.com/CosmoTheDev/ctrlprune/models"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-cmp/cmp"
)

const samplePatch = `diff --git a/app.py b/app.py
--- a/app.py
+++ b/app.py
@@ -1,3 +1,4 @@
+from ai_prune_rules.candidate_1 import prune_1
 a = 1
-b = call()
+b = prune_1(x, lambda: call())
 c = 3
diff --git a/ai_prune_rules/candidate_1.py b/ai_prune_rules/candidate_1.py
new file mode 100644
--- /dev/null
+++ b/ai_prune_rules/candidate_1.py
@@ -0,0 +1,2 @@
+def prune_1(x, fallback):
+    return fallback()
`

const baseApp = "a = 1\nb = call()\nc = 3\n"

type fixture struct {
	dir    string
	db     database.DB
	scanID int64
	repo   *gogit.Repository
	base   plumbing.Hash
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.NewSQLite(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "apply.db")})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	scanID, err := db.Insert(ctx, "scans", &models.Scan{SourceKind: models.SourcePath, Target: "x", Status: models.ScanCompleted})
	if err != nil {
		t.Fatalf("insert scan: %v", err)
	}

	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.py"), []byte(baseApp), 0o644); err != nil {
		t.Fatal(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("app.py"); err != nil {
		t.Fatal(err)
	}
	sig := &object.Signature{Name: "test", Email: "test@example.com", When: time.Unix(1700000000, 0)}
	base, err := wt.Commit("init", &gogit.CommitOptions{Author: sig})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return &fixture{dir: dir, db: db, scanID: scanID, repo: repo, base: base}
}

func (f *fixture) treeOf(t *testing.T, h plumbing.Hash) plumbing.Hash {
	t.Helper()
	c, err := f.repo.CommitObject(h)
	if err != nil {
		t.Fatalf("CommitObject: %v", err)
	}
	return c.TreeHash
}

func (f *fixture) branchHead(t *testing.T, name string) plumbing.Hash {
	t.Helper()
	ref, err := f.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err != nil {
		t.Fatalf("branch %s: %v", name, err)
	}
	return ref.Hash()
}

func TestApplyThenRevertRestoresBaseTree(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := New(f.db)
	p := &models.Patch{Diff: samplePatch}

	res, err := m.Apply(ctx, f.dir, f.scanID, 1, p, true)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	branch := BranchName(f.scanID, 1)
	if diff := cmp.Diff(&models.ApplyResult{Status: models.ApplyApplied, Branch: branch}, res); diff != "" {
		t.Fatalf("Apply result (-want +got):\n%s", diff)
	}

	// The original branch is checked out again with the base content.
	got, err := os.ReadFile(filepath.Join(f.dir, "app.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != baseApp {
		t.Fatalf("working tree changed after apply: %q", got)
	}

	applied, err := f.repo.CommitObject(f.branchHead(t, branch))
	if err != nil {
		t.Fatal(err)
	}
	file, err := applied.File("app.py")
	if err != nil {
		t.Fatalf("app.py on branch: %v", err)
	}
	content, _ := file.Contents()
	want := "from ai_prune_rules.candidate_1 import prune_1\na = 1\nb = prune_1(x, lambda: call())\nc = 3\n"
	if content != want {
		t.Fatalf("patched app.py = %q, want %q", content, want)
	}
	if _, err := applied.File("ai_prune_rules/candidate_1.py"); err != nil {
		t.Fatalf("rule module missing on branch: %v", err)
	}

	// Applying twice is a no-op.
	if _, err := m.Apply(ctx, f.dir, f.scanID, 1, p, true); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if h := f.branchHead(t, branch); h != applied.Hash {
		t.Fatalf("second Apply moved the branch to %s", h)
	}

	res, err = m.Revert(ctx, f.dir, f.scanID, 1)
	if err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if res.Status != models.ApplyReverted || res.Branch != branch {
		t.Fatalf("Revert result = %+v", res)
	}
	reverted := f.branchHead(t, branch)
	if f.treeOf(t, reverted) != f.treeOf(t, f.base) {
		t.Fatal("reverted tree differs from base tree")
	}

	rec, err := m.Record(ctx, f.scanID, 1)
	if err != nil || rec == nil {
		t.Fatalf("Record: %v %v", rec, err)
	}
	if rec.Status != models.ApplyReverted || rec.RevertedCommit != reverted.String() || rec.BaseCommit != f.base.String() {
		t.Fatalf("record = %+v", rec)
	}

	head, _ := f.repo.Head()
	if head.Name().Short() == branch {
		t.Fatal("revert left the prune branch checked out")
	}
}

func TestRevertWithoutApplyIsNoop(t *testing.T) {
	f := setup(t)
	res, err := New(f.db).Revert(context.Background(), f.dir, f.scanID, 7)
	if err != nil {
		t.Fatalf("Revert: %v", err)
	}
	want := &models.ApplyResult{Status: models.ApplyReverted, Branch: BranchName(f.scanID, 7)}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if _, err := f.repo.Reference(plumbing.NewBranchReferenceName(want.Branch), false); err == nil {
		t.Fatal("no-op revert created a branch")
	}
}

func TestApplyPreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("safety flag", func(t *testing.T) {
		f := setup(t)
		_, err := New(f.db).Apply(ctx, f.dir, f.scanID, 1, &models.Patch{Diff: samplePatch}, false)
		if !apperr.Is(err, apperr.KindPrecondition) {
			t.Fatalf("err = %v, want precondition", err)
		}
	})

	t.Run("empty patch", func(t *testing.T) {
		f := setup(t)
		_, err := New(f.db).Apply(ctx, f.dir, f.scanID, 1, &models.Patch{}, true)
		if !apperr.Is(err, apperr.KindPrecondition) || apperr.Message(err) != "No patch generated" {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("dirty tree", func(t *testing.T) {
		f := setup(t)
		if err := os.WriteFile(filepath.Join(f.dir, "app.py"), []byte("edited\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := New(f.db).Apply(ctx, f.dir, f.scanID, 1, &models.Patch{Diff: samplePatch}, true)
		if !apperr.Is(err, apperr.KindPrecondition) {
			t.Fatalf("err = %v, want precondition", err)
		}
	})

	t.Run("untracked files allowed", func(t *testing.T) {
		f := setup(t)
		if err := os.WriteFile(filepath.Join(f.dir, "notes.txt"), []byte("x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := New(f.db).Apply(ctx, f.dir, f.scanID, 1, &models.Patch{Diff: samplePatch}, true); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	})

	t.Run("not a repository", func(t *testing.T) {
		f := setup(t)
		_, err := New(f.db).Apply(ctx, t.TempDir(), f.scanID, 1, &models.Patch{Diff: samplePatch}, true)
		if !apperr.Is(err, apperr.KindPrecondition) {
			t.Fatalf("err = %v, want precondition", err)
		}
	})

	t.Run("stale patch", func(t *testing.T) {
		f := setup(t)
		stale := `--- a/app.py
+++ b/app.py
@@ -1,2 +1,2 @@
-nothing here
+replacement
 also missing
`
		m := New(f.db)
		_, err := m.Apply(ctx, f.dir, f.scanID, 1, &models.Patch{Diff: stale}, true)
		if !apperr.Is(err, apperr.KindPrecondition) {
			t.Fatalf("err = %v, want precondition", err)
		}
		head, _ := f.repo.Head()
		if head.Name().Short() != "master" {
			t.Fatalf("HEAD = %s after failed apply", head.Name())
		}
		got, _ := os.ReadFile(filepath.Join(f.dir, "app.py"))
		if string(got) != baseApp {
			t.Fatalf("failed apply left changes: %q", got)
		}
	})
}

func TestParseDiff(t *testing.T) {
	files, err := parseDiff(samplePatch)
	if err != nil {
		t.Fatalf("parseDiff: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %d, want 2", len(files))
	}
	if files[0].oldPath != "app.py" || files[0].newPath != "app.py" {
		t.Fatalf("first file = %+v", files[0])
	}
	if files[1].oldPath != "" || files[1].newPath != "ai_prune_rules/candidate_1.py" {
		t.Fatalf("created file = %+v", files[1])
	}
	h := files[0].hunks[0]
	if h.oldStart != 1 || h.oldLines != 3 || h.newStart != 1 || h.newLines != 4 || len(h.lines) != 5 {
		t.Fatalf("hunk = %+v", h)
	}

	for name, bad := range map[string]string{
		"empty":          "",
		"no plus header": "--- a/x\n@@ -1 +1 @@\n",
		"hunk first":     "@@ -1 +1 @@\n-a\n+b\n",
		"bad line":       "--- a/x\n+++ b/x\n@@ -1,2 +1,2 @@\n a\n?b\n",
	} {
		if _, err := parseDiff(bad); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestApplyHunksWithOffset(t *testing.T) {
	files, err := parseDiff("--- a/f\n+++ b/f\n@@ -2,2 +2,2 @@\n x\n-y\n+Y\n")
	if err != nil {
		t.Fatal(err)
	}
	// Two extra lines shift the context down.
	got, err := applyHunks("p\nq\nw\nx\ny\nz\n", files[0].hunks)
	if err != nil {
		t.Fatalf("applyHunks: %v", err)
	}
	if got != "p\nq\nw\nx\nY\nz\n" {
		t.Fatalf("got %q", got)
	}
}
