// Package apply commits a candidate's patch onto a dedicated git branch of
// the scan workspace and reverts it by restoring the base content.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/CosmoTheDev/ctrlprune/internal/apperr"
	"github.com/CosmoTheDev/ctrlprune/internal/database"
	"github.com/CosmoTheDev/ctrlprune/models"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Author signs apply and revert commits.
var Author = object.Signature{Name: "ctrlprune", Email: "ctrlprune@localhost"}

// BranchName is the branch holding a candidate's patch.
func BranchName(scanID, candidateID int64) string {
	return fmt.Sprintf("ai-prune/%d/%d", scanID, candidateID)
}

// Manager applies and reverts patches. Operations on one workspace are
// serialized, which also serializes apply and revert of each candidate.
type Manager struct {
	db    database.DB
	locks sync.Map // workspace dir -> *sync.Mutex
	now   func() time.Time
}

// New returns a Manager recording state in db.
func New(db database.DB) *Manager {
	return &Manager{db: db, now: time.Now}
}

func (m *Manager) lock(dir string) func() {
	v, _ := m.locks.LoadOrStore(filepath.Clean(dir), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Record returns the apply record of a candidate, or nil when none exists.
func (m *Manager) Record(ctx context.Context, scanID, candidateID int64) (*models.ApplyRecord, error) {
	var rec models.ApplyRecord
	err := m.db.Get(ctx, &rec, `SELECT * FROM apply_records WHERE scan_id = ? AND candidate_id = ?`, scanID, candidateID)
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Pipeline(err, "loading apply record")
	}
	return &rec, nil
}

func (m *Manager) save(ctx context.Context, rec *models.ApplyRecord) error {
	rec.UpdatedAt = m.now().UTC().Format(time.RFC3339)
	if err := m.db.Upsert(ctx, "apply_records", rec, []string{"scan_id", "candidate_id"}); err != nil {
		return apperr.Pipeline(err, "storing apply record")
	}
	return nil
}

// Apply commits patch onto the candidate's branch and returns to the branch
// that was checked out before. Applying an already applied patch is a no-op.
func (m *Manager) Apply(ctx context.Context, workspace string, scanID, candidateID int64, patch *models.Patch, safety bool) (*models.ApplyResult, error) {
	branch := BranchName(scanID, candidateID)
	if !safety {
		return nil, apperr.Precondition("Set safety_flag=true to apply patch")
	}
	if patch.Empty() {
		return nil, apperr.Precondition("No patch generated")
	}
	files, err := parseDiff(patch.Diff)
	if err != nil {
		return nil, apperr.Pipeline(err, "parsing patch")
	}

	unlock := m.lock(workspace)
	defer unlock()

	rec, err := m.Record(ctx, scanID, candidateID)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.Status == models.ApplyApplied {
		return &models.ApplyResult{Status: models.ApplyApplied, Branch: rec.Branch}, nil
	}

	repo, wt, err := openClean(workspace)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, apperr.Precondition("Workspace has no commits to branch from")
	}
	if !head.Name().IsBranch() {
		return nil, apperr.Precondition("Workspace HEAD is detached; check out a branch first")
	}
	orig := head.Name()
	if orig.Short() == branch && rec != nil {
		orig = plumbing.ReferenceName(rec.BaseRef)
	}

	ref := plumbing.NewBranchReferenceName(branch)
	_, refErr := repo.Reference(ref, false)
	switch {
	case refErr == nil:
		err = wt.Checkout(&gogit.CheckoutOptions{Branch: ref})
	case errors.Is(refErr, plumbing.ErrReferenceNotFound):
		err = wt.Checkout(&gogit.CheckoutOptions{Branch: ref, Hash: head.Hash(), Create: true})
	default:
		err = refErr
	}
	if err != nil {
		return nil, apperr.Pipeline(err, "checking out %s", branch)
	}

	commit, err := m.commitPatch(wt, workspace, files, fmt.Sprintf("ctrlprune: apply candidate %d of scan %d", candidateID, scanID))
	if back := wt.Checkout(&gogit.CheckoutOptions{Branch: orig, Force: err != nil}); back != nil {
		slog.Error("apply: failed to return to original branch", "workspace", workspace, "branch", orig.Short(), "error", back)
		if err == nil {
			err = apperr.Pipeline(back, "returning to %s", orig.Short())
		}
	}
	if err != nil {
		return nil, err
	}

	if rec == nil {
		rec = &models.ApplyRecord{ScanID: scanID, CandidateID: candidateID, BaseRef: orig.String(), BaseCommit: head.Hash().String()}
	}
	rec.Branch = branch
	rec.Status = models.ApplyApplied
	rec.AppliedCommit = commit.String()
	rec.RevertedCommit = ""
	if err := m.save(ctx, rec); err != nil {
		return nil, err
	}
	slog.Info("Patch applied", "scan_id", scanID, "candidate", candidateID, "branch", branch, "commit", commit.String()[:12])
	return &models.ApplyResult{Status: models.ApplyApplied, Branch: branch}, nil
}

func (m *Manager) commitPatch(wt *gogit.Worktree, root string, files []filePatch, msg string) (plumbing.Hash, error) {
	for _, f := range files {
		path := filepath.Join(root, filepath.FromSlash(f.path()))
		var old string
		mode := os.FileMode(0o644)
		if f.oldPath != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return plumbing.ZeroHash, apperr.Precondition("Patch does not apply: %s is missing", f.oldPath)
			}
			old = string(data)
			if fi, err := os.Stat(path); err == nil {
				mode = fi.Mode().Perm()
			}
		} else if _, err := os.Stat(path); err == nil {
			return plumbing.ZeroHash, apperr.Precondition("Patch does not apply: %s already exists", f.newPath)
		}

		if f.newPath == "" {
			if _, err := wt.Remove(filepath.ToSlash(f.oldPath)); err != nil {
				return plumbing.ZeroHash, apperr.Pipeline(err, "removing %s", f.oldPath)
			}
			continue
		}
		updated, err := applyHunks(old, f.hunks)
		if err != nil {
			return plumbing.ZeroHash, apperr.Precondition("Patch does not apply to %s: %v", f.path(), err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return plumbing.ZeroHash, apperr.Pipeline(err, "creating %s", filepath.Dir(f.newPath))
		}
		if err := os.WriteFile(path, []byte(updated), mode); err != nil {
			return plumbing.ZeroHash, apperr.Pipeline(err, "writing %s", f.newPath)
		}
		if _, err := wt.Add(f.newPath); err != nil {
			return plumbing.ZeroHash, apperr.Pipeline(err, "staging %s", f.newPath)
		}
	}
	return m.commit(wt, msg)
}

func (m *Manager) commit(wt *gogit.Worktree, msg string) (plumbing.Hash, error) {
	sig := Author
	sig.When = m.now()
	h, err := wt.Commit(msg, &gogit.CommitOptions{Author: &sig, AllowEmptyCommits: true})
	if err != nil {
		return plumbing.ZeroHash, apperr.Pipeline(err, "committing")
	}
	return h, nil
}

// Revert restores every file the applied commit touched to its base content
// on the candidate's branch. Without an applied patch it is a no-op.
func (m *Manager) Revert(ctx context.Context, workspace string, scanID, candidateID int64) (*models.ApplyResult, error) {
	branch := BranchName(scanID, candidateID)
	unlock := m.lock(workspace)
	defer unlock()

	rec, err := m.Record(ctx, scanID, candidateID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Status != models.ApplyApplied {
		return &models.ApplyResult{Status: models.ApplyReverted, Branch: branch}, nil
	}

	repo, wt, err := openClean(workspace)
	if err != nil {
		return nil, err
	}
	base, err := repo.CommitObject(plumbing.NewHash(rec.BaseCommit))
	if err != nil {
		return nil, apperr.Pipeline(err, "loading base commit %s", rec.BaseCommit)
	}
	applied, err := repo.CommitObject(plumbing.NewHash(rec.AppliedCommit))
	if err != nil {
		return nil, apperr.Pipeline(err, "loading applied commit %s", rec.AppliedCommit)
	}
	baseTree, err := base.Tree()
	if err != nil {
		return nil, apperr.Pipeline(err, "reading base tree")
	}
	appliedTree, err := applied.Tree()
	if err != nil {
		return nil, apperr.Pipeline(err, "reading applied tree")
	}
	changes, err := object.DiffTreeWithOptions(ctx, baseTree, appliedTree, nil)
	if err != nil {
		return nil, apperr.Pipeline(err, "diffing applied commit")
	}

	head, err := repo.Head()
	if err != nil {
		return nil, apperr.Pipeline(err, "resolving HEAD")
	}
	orig := head.Name()
	if !orig.IsBranch() || orig.Short() == branch {
		orig = plumbing.ReferenceName(rec.BaseRef)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch)}); err != nil {
		return nil, apperr.Pipeline(err, "checking out %s", branch)
	}

	commit, err := m.restore(wt, workspace, baseTree, changes, fmt.Sprintf("ctrlprune: revert candidate %d of scan %d", candidateID, scanID))
	if back := wt.Checkout(&gogit.CheckoutOptions{Branch: orig, Force: err != nil}); back != nil {
		slog.Error("revert: failed to return to original branch", "workspace", workspace, "branch", orig.Short(), "error", back)
		if err == nil {
			err = apperr.Pipeline(back, "returning to %s", orig.Short())
		}
	}
	if err != nil {
		return nil, err
	}

	rec.Status = models.ApplyReverted
	rec.RevertedCommit = commit.String()
	if err := m.save(ctx, rec); err != nil {
		return nil, err
	}
	slog.Info("Patch reverted", "scan_id", scanID, "candidate", candidateID, "branch", branch, "commit", commit.String()[:12])
	return &models.ApplyResult{Status: models.ApplyReverted, Branch: branch}, nil
}

func (m *Manager) restore(wt *gogit.Worktree, root string, baseTree *object.Tree, changes object.Changes, msg string) (plumbing.Hash, error) {
	for _, ch := range changes {
		name := ch.From.Name
		if name == "" {
			name = ch.To.Name
		}
		path := filepath.Join(root, filepath.FromSlash(name))
		f, err := baseTree.File(name)
		switch {
		case errors.Is(err, object.ErrFileNotFound):
			if _, err := wt.Remove(name); err != nil {
				return plumbing.ZeroHash, apperr.Pipeline(err, "removing %s", name)
			}
			_ = os.Remove(path)
			continue
		case err != nil:
			return plumbing.ZeroHash, apperr.Pipeline(err, "reading base %s", name)
		}
		content, err := f.Contents()
		if err != nil {
			return plumbing.ZeroHash, apperr.Pipeline(err, "reading base %s", name)
		}
		mode, err := f.Mode.ToOSFileMode()
		if err != nil {
			mode = 0o644
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return plumbing.ZeroHash, apperr.Pipeline(err, "creating %s", filepath.Dir(name))
		}
		if err := os.WriteFile(path, []byte(content), mode.Perm()); err != nil {
			return plumbing.ZeroHash, apperr.Pipeline(err, "restoring %s", name)
		}
		if _, err := wt.Add(name); err != nil {
			return plumbing.ZeroHash, apperr.Pipeline(err, "staging %s", name)
		}
	}
	return m.commit(wt, msg)
}

// openClean opens the workspace repository and refuses a dirty worktree.
// Untracked files are allowed.
func openClean(dir string) (*gogit.Repository, *gogit.Worktree, error) {
	repo, err := gogit.PlainOpen(dir)
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		return nil, nil, apperr.Precondition("Workspace is not a git repository")
	}
	if err != nil {
		return nil, nil, apperr.Pipeline(err, "opening workspace repository")
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, nil, apperr.Precondition("Workspace has no worktree")
	}
	st, err := wt.Status()
	if err != nil {
		return nil, nil, apperr.Pipeline(err, "reading worktree status")
	}
	for path, s := range st {
		if s.Staging == gogit.Untracked && s.Worktree == gogit.Untracked {
			continue
		}
		if s.Staging != gogit.Unmodified || s.Worktree != gogit.Unmodified {
			return nil, nil, apperr.Precondition("Working tree has uncommitted changes (%s); commit or stash them first", path)
		}
	}
	return repo, wt, nil
}
