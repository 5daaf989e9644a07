package ingest

import (
	"fmt"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// BaselineAuthor signs the commits ctrlprune creates.
var BaselineAuthor = object.Signature{Name: "ctrlprune", Email: "ctrlprune@localhost"}

// initBaseline turns an extracted upload into a git repository with a single
// commit so patches can be applied on a branch and reverted.
func initBaseline(dir string) error {
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		if err == gogit.ErrRepositoryAlreadyExists {
			return nil
		}
		return fmt.Errorf("git init: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		return fmt.Errorf("staging files: %w", err)
	}
	sig := BaselineAuthor
	sig.When = time.Now()
	if _, err := wt.Commit("ctrlprune: baseline of uploaded archive", &gogit.CommitOptions{
		Author:            &sig,
		AllowEmptyCommits: true,
	}); err != nil {
		return fmt.Errorf("baseline commit: %w", err)
	}
	return nil
}
