package ingest

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/CosmoTheDev/ctrlprune/internal/apperr"
	"github.com/CosmoTheDev/ctrlprune/models"
	"github.com/google/uuid"
)

// Upload stages an uploaded archive and validates it before any scan exists.
// The reader is consumed up to one byte past the ceiling; oversize, malformed
// and unsafe archives are rejected with a validation error and removed.
func (in *Ingestor) Upload(r io.Reader, filename string) (Source, error) {
	staging := filepath.Join(in.cfg.WorkspaceDir, "staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return Source{}, apperr.Pipeline(err, "creating staging directory")
	}
	path := filepath.Join(staging, uuid.NewString()+".zip")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return Source{}, apperr.Pipeline(err, "staging upload")
	}
	limit := in.MaxArchiveBytes()
	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	src := Source{Kind: models.SourceUpload, Target: filepath.Base(filename), Archive: path}
	if err != nil {
		in.Discard(src)
		return Source{}, apperr.Pipeline(err, "staging upload")
	}
	if n > limit {
		in.Discard(src)
		return Source{}, apperr.Validation("Archive exceeds %d MB limit", in.cfg.MaxArchiveMB)
	}
	if err := in.checkArchive(path); err != nil {
		in.Discard(src)
		return Source{}, err
	}
	return src, nil
}

// checkArchive verifies the zip structure, entry paths and total size.
func (in *Ingestor) checkArchive(path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return apperr.Validation("Invalid zip archive: %v", err)
	}
	defer zr.Close()

	var total uint64
	maxTotal := uint64(in.cfg.MaxExtractedMB) << 20
	files := 0
	for _, f := range zr.File {
		if _, err := safeJoin("/x", f.Name); err != nil {
			return apperr.Validation("Invalid zip archive: %v", err)
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return apperr.Validation("Invalid zip archive: symlink entry %q", f.Name)
		}
		total += f.UncompressedSize64
		if total > maxTotal {
			return apperr.Validation("Archive expands beyond %d MB limit", in.cfg.MaxExtractedMB)
		}
		if !f.FileInfo().IsDir() {
			files++
		}
	}
	if files == 0 {
		return apperr.Validation("Invalid zip archive: no files")
	}
	return nil
}

// extract unpacks a checked archive into dest. A single top-level directory
// wrapping everything (the usual "repo-main/" layout) is flattened.
func (in *Ingestor) extract(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return apperr.Validation("Invalid zip archive: %v", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return apperr.Pipeline(err, "creating workspace directory")
	}
	prefix := commonRoot(zr.File)
	maxTotal := in.cfg.MaxExtractedMB << 20
	var written int64
	for _, f := range zr.File {
		name := strings.TrimPrefix(filepath.ToSlash(f.Name), prefix)
		if name == "" {
			continue
		}
		target, err := safeJoin(dest, name)
		if err != nil {
			return apperr.Validation("Invalid zip archive: %v", err)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return apperr.Pipeline(err, "extracting archive")
			}
			continue
		}
		n, err := extractFile(f, target, maxTotal-written)
		written += n
		if err != nil {
			if errors.Is(err, errTooLarge) {
				return apperr.Validation("Archive expands beyond %d MB limit", in.cfg.MaxExtractedMB)
			}
			return apperr.Pipeline(err, "extracting %s", f.Name)
		}
	}
	return nil
}

var errTooLarge = errors.New("size limit exceeded")

// extractFile copies one entry, never writing more than budget bytes even if
// the header under-reports the size.
func extractFile(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if n > budget {
		return n, errTooLarge
	}
	return n, nil
}

// safeJoin joins an archive entry name onto dest, rejecting absolute paths
// and entries that escape dest.
func safeJoin(dest, name string) (string, error) {
	clean := filepath.ToSlash(name)
	if strings.HasPrefix(clean, "/") || filepath.IsAbs(name) || strings.Contains(clean, ":") {
		return "", fmt.Errorf("absolute entry path %q", name)
	}
	target := filepath.Join(dest, filepath.FromSlash(clean))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes the archive root", name)
	}
	return target, nil
}

// commonRoot returns "dir/" when every entry lives under one top-level dir.
func commonRoot(files []*zip.File) string {
	root := ""
	for _, f := range files {
		name := filepath.ToSlash(f.Name)
		top, rest, found := strings.Cut(name, "/")
		if !found || (rest == "" && !f.FileInfo().IsDir()) {
			return ""
		}
		if root == "" {
			root = top
		} else if root != top {
			return ""
		}
	}
	if root == "" || root == ".git" {
		return ""
	}
	return root + "/"
}
