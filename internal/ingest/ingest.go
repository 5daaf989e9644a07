// Package ingest resolves scan targets (local paths, git remotes and uploaded
// zip archives) into a directory on disk plus the manifest of files to scan.
package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/CosmoTheDev/ctrlprune/internal/apperr"
	"github.com/CosmoTheDev/ctrlprune/internal/config"
	"github.com/CosmoTheDev/ctrlprune/models"
)

// Source is a validated scan target.
type Source struct {
	Kind models.SourceKind
	// Target is the local path, the remote URL or the uploaded file name.
	Target string
	// Archive is the staged zip for uploads.
	Archive string
}

// Workspace is a materialized source tree.
type Workspace struct {
	Dir string
	// Owned workspaces were created for the scan and are removed with it.
	Owned bool
}

// Ingestor materializes sources under cfg.WorkspaceDir.
type Ingestor struct {
	cfg config.IngestConfig
}

// New returns an Ingestor, filling unset limits with defaults.
func New(cfg config.IngestConfig) *Ingestor {
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = filepath.Join(os.TempDir(), "ctrlprune-workspaces")
	}
	if cfg.MaxArchiveMB <= 0 {
		cfg.MaxArchiveMB = 50
	}
	if cfg.MaxExtractedMB <= 0 {
		cfg.MaxExtractedMB = 4 * cfg.MaxArchiveMB
	}
	if cfg.MaxFileKB <= 0 {
		cfg.MaxFileKB = 512
	}
	if cfg.CloneAttempts <= 0 {
		cfg.CloneAttempts = 3
	}
	if cfg.CloneTimeout <= 0 {
		cfg.CloneTimeout = 2 * time.Minute
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".py", ".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx", ".go"}
	}
	if len(cfg.SkipDirs) == 0 {
		cfg.SkipDirs = []string{".git", "node_modules", "vendor", "dist", "build", "__pycache__", ".venv", "venv"}
	}
	return &Ingestor{cfg: cfg}
}

// MaxArchiveBytes is the upload ceiling.
func (in *Ingestor) MaxArchiveBytes() int64 { return in.cfg.MaxArchiveMB << 20 }

// LocalPath validates a local directory target.
func (in *Ingestor) LocalPath(path string) (Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Source{}, apperr.Validation("Path not found")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Source{}, apperr.Validation("Path not found")
	}
	fi, err := os.Stat(abs)
	if err != nil || !fi.IsDir() {
		return Source{}, apperr.Validation("Path not found")
	}
	if _, err := os.ReadDir(abs); err != nil {
		return Source{}, apperr.Validation("Path is not readable")
	}
	return Source{Kind: models.SourcePath, Target: abs}, nil
}

// Materialize produces the workspace for src. Git sources are cloned and
// uploads are extracted into a scan-owned directory; local paths are used
// in place.
func (in *Ingestor) Materialize(ctx context.Context, scanID int64, src Source) (*Workspace, error) {
	switch src.Kind {
	case models.SourcePath:
		return &Workspace{Dir: src.Target}, nil
	case models.SourceGit:
		dest := in.scanDir(scanID)
		if err := in.clone(ctx, src.Target, dest); err != nil {
			_ = os.RemoveAll(dest)
			return nil, err
		}
		return &Workspace{Dir: dest, Owned: true}, nil
	case models.SourceUpload:
		dest := in.scanDir(scanID)
		defer in.Discard(src)
		if err := in.extract(src.Archive, dest); err != nil {
			_ = os.RemoveAll(dest)
			return nil, err
		}
		if err := initBaseline(dest); err != nil {
			_ = os.RemoveAll(dest)
			return nil, apperr.Pipeline(err, "initializing git baseline")
		}
		return &Workspace{Dir: dest, Owned: true}, nil
	default:
		return nil, apperr.Validation("unknown source kind %q", src.Kind)
	}
}

// Discard removes a staged upload archive.
func (in *Ingestor) Discard(src Source) {
	if src.Archive == "" {
		return
	}
	if err := os.Remove(src.Archive); err != nil && !os.IsNotExist(err) {
		slog.Warn("ingest: removing staged archive", "path", src.Archive, "error", err)
	}
}

// Teardown deletes an owned workspace. Workspaces outside the configured root
// are never removed.
func (in *Ingestor) Teardown(ws Workspace) error {
	if !ws.Owned || ws.Dir == "" {
		return nil
	}
	root, err := filepath.Abs(in.cfg.WorkspaceDir)
	if err != nil {
		return err
	}
	dir, err := filepath.Abs(ws.Dir)
	if err != nil {
		return err
	}
	if rel, err := filepath.Rel(root, dir); err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove %s: outside workspace root %s", dir, root)
	}
	return os.RemoveAll(dir)
}

func (in *Ingestor) scanDir(scanID int64) string {
	return filepath.Join(in.cfg.WorkspaceDir, fmt.Sprintf("scan-%d", scanID))
}

// Manifest lists scannable files under dir as sorted slash-separated
// relative paths.
func (in *Ingestor) Manifest(dir string) ([]string, error) {
	maxBytes := in.cfg.MaxFileKB << 10
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if path != dir && slices.Contains(in.cfg.SkipDirs, d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !slices.Contains(in.cfg.Extensions, strings.ToLower(filepath.Ext(path))) {
			return nil
		}
		if fi, err := d.Info(); err != nil || fi.Size() > maxBytes {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}
	slices.Sort(files)
	return files, nil
}
