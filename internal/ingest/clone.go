package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CosmoTheDev/ctrlprune/internal/apperr"
	"github.com/CosmoTheDev/ctrlprune/models"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

var scpLikeURL = regexp.MustCompile(`^[\w.-]+@[\w.-]+:[\w./~-]+$`)

// GitURL validates a remote URL. The clone itself happens in the pipeline.
func (in *Ingestor) GitURL(raw string) (Source, error) {
	u := strings.TrimSpace(raw)
	switch {
	case u == "":
		return Source{}, apperr.Validation("Git URL is required")
	case strings.HasPrefix(u, "https://"), strings.HasPrefix(u, "http://"), strings.HasPrefix(u, "ssh://"):
		if _, err := transport.NewEndpoint(u); err != nil {
			return Source{}, apperr.Validation("Invalid git URL: %v", err)
		}
		rest := u[strings.Index(u, "://")+3:]
		if !strings.Contains(strings.Trim(rest, "/"), "/") {
			return Source{}, apperr.Validation("Invalid git URL: missing repository path")
		}
	case scpLikeURL.MatchString(u):
	default:
		return Source{}, apperr.Validation("Invalid git URL: use https://, ssh:// or git@host:owner/repo")
	}
	return Source{Kind: models.SourceGit, Target: u}, nil
}

const sizePollInterval = 500 * time.Millisecond

// clone shallow-clones url into dest with a per-attempt timeout, retrying
// transient transport failures with exponential backoff. A clone whose tree,
// .git included, grows past max_extracted_mb is aborted and removed.
func (in *Ingestor) clone(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return apperr.Pipeline(err, "creating workspace directory")
	}
	opts := &gogit.CloneOptions{
		URL:   url,
		Depth: 1,
	}
	if in.cfg.GitToken != "" && strings.HasPrefix(url, "http") {
		opts.Auth = &githttp.BasicAuth{Username: "ctrlprune", Password: in.cfg.GitToken}
	}

	var lastErr error
	for attempt := 1; attempt <= in.cfg.CloneAttempts; attempt++ {
		_ = os.RemoveAll(dest)
		cctx, cancel := context.WithTimeout(ctx, in.cfg.CloneTimeout)
		stopGuard := guardSize(dest, in.maxTreeBytes(), sizePollInterval, cancel)
		slog.Debug("Cloning repository", "url", url, "depth", 1, "dest", dest, "attempt", attempt)
		_, err := gogit.PlainCloneContext(cctx, dest, false, opts)
		over := stopGuard()
		timedOut := !over && errors.Is(cctx.Err(), context.DeadlineExceeded)
		cancel()
		if !over && err == nil {
			if _, serr := treeSize(dest, in.maxTreeBytes()); errors.Is(serr, errTooLarge) {
				over = true
			} else if serr != nil {
				return apperr.Pipeline(serr, "measuring cloned repository")
			}
		}
		if over {
			_ = os.RemoveAll(dest)
			slog.Warn("ingest: clone exceeded size limit", "url", url, "limit_mb", in.cfg.MaxExtractedMB)
			return apperr.Validation("Repository exceeds %d MB limit", in.cfg.MaxExtractedMB)
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if timedOut {
			lastErr = fmt.Errorf("clone timed out after %s: %w", in.cfg.CloneTimeout, err)
		}
		if !timedOut && !transientCloneError(err) {
			break
		}
		if attempt < in.cfg.CloneAttempts {
			wait := time.Duration(1<<(attempt-1)) * time.Second
			slog.Warn("ingest: clone failed; retrying", "url", url, "attempt", attempt, "wait", wait.String(), "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return apperr.External(lastErr, "cloning %s", url)
}

func transientCloneError(err error) bool {
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrEmptyRemoteRepository),
		errors.Is(err, transport.ErrInvalidAuthMethod):
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	s := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "connection reset", "connection refused", "eof", "temporarily unavailable", "502", "503", "504"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func (in *Ingestor) maxTreeBytes() int64 { return in.cfg.MaxExtractedMB << 20 }

// treeSize sums the regular files under dir, returning errTooLarge as soon as
// the total passes limit. Entries that vanish mid-walk are ignored.
func treeSize(dir string, limit int64) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		if total > limit {
			return errTooLarge
		}
		return nil
	})
	return total, err
}

// guardSize polls dir every interval and calls cancel once it grows past
// limit. The returned stop func ends polling and reports whether the limit
// was hit.
func guardSize(dir string, limit int64, every time.Duration, cancel context.CancelFunc) (stop func() bool) {
	done := make(chan struct{})
	var over atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(every)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				if _, err := treeSize(dir, limit); errors.Is(err, errTooLarge) {
					over.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	return func() bool {
		close(done)
		wg.Wait()
		return over.Load()
	}
}
